package ingest

import (
	"context"
	"fmt"

	"github.com/austindbirch/harbor_upload/internal/auth"
	"github.com/austindbirch/harbor_upload/internal/events"
	"github.com/austindbirch/harbor_upload/internal/logging"
	"github.com/austindbirch/harbor_upload/internal/upload"
)

// Uploads starts and cancels upload tasks
type Uploads interface {
	Start(ctx context.Context, task upload.Task) (string, error)
	Cancel(id string) bool
}

// Events is the subscriber side of event delivery
type Events interface {
	Attach(ctx context.Context) *events.Subscription
	Acknowledge(ctx context.Context, eventID string) error
}

// StartUploadRequest is the caller facing shape of an upload. MaxRetries is a pointer
// so an explicit zero can be told apart from "use the default".
type StartUploadRequest struct {
	ServerURL   string            `json:"serverUrl"`
	Method      string            `json:"method,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	FilePath    string            `json:"filePath"`
	FieldName   string            `json:"fieldName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	MaxRetries  *int              `json:"maxRetries,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
}

type StartUploadResponse struct {
	ID string `json:"id"`
}

type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

type Server struct {
	uploads Uploads
	events  Events
	version VersionInfo
	log     *logging.Logger
}

// NewServer inits and returns a new Server over a task registry and an event dispatcher
func NewServer(uploads Uploads, ev Events, version VersionInfo) *Server {
	return &Server{
		uploads: uploads,
		events:  ev,
		version: version,
		log:     logging.New("harborupload-ingest"),
	}
}

// Ping returns "pong"
func (s *Server) Ping(ctx context.Context) string {
	return "pong"
}

func (s *Server) Version(ctx context.Context) VersionInfo {
	return s.version
}

// StartUpload validates the request and hands it to the registry. Nothing runs on error.
func (s *Server) StartUpload(ctx context.Context, req StartUploadRequest) (string, error) {
	if req.FilePath == "" || req.ServerURL == "" {
		return "", fmt.Errorf("%w: filePath and serverUrl are required", upload.ErrInvalidRequest)
	}

	task := upload.Task{
		ServerURL:   req.ServerURL,
		Method:      req.Method,
		Mode:        upload.Mode(req.Mode),
		FilePath:    req.FilePath,
		FieldName:   req.FieldName,
		Headers:     req.Headers,
		Parameters:  req.Parameters,
		MaxRetries:  upload.DefaultMaxRetries,
		ContentType: req.ContentType,
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}

	id, err := s.uploads.Start(ctx, task)
	if err != nil {
		return "", err
	}

	entry := s.log.WithContext(ctx).WithTask(id).WithField("mode", task.Mode)
	if clientID, ok := auth.GetClientIDFromContext(ctx); ok {
		entry = entry.WithClient(clientID)
	}
	entry.Info("upload accepted")
	return id, nil
}

// RemoveUpload cancels a task. Unknown and finished ids are not an error.
func (s *Server) RemoveUpload(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", upload.ErrMissingParameter)
	}
	if !s.uploads.Cancel(id) {
		s.log.WithContext(ctx).WithTask(id).Debug("remove for unknown or finished upload")
	}
	return nil
}

func (s *Server) AcknowledgeEvent(ctx context.Context, eventID string) error {
	return s.events.Acknowledge(ctx, eventID)
}
