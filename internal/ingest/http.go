package ingest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/austindbirch/harbor_upload/internal/tracing"
	"github.com/austindbirch/harbor_upload/internal/upload"
)

// maxRequestBytes bounds JSON request bodies
const maxRequestBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// Routes mounts the v1 API on a new mux
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ping", s.handlePing)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("POST /v1/uploads", s.handleStartUpload)
	mux.HandleFunc("DELETE /v1/uploads/{id}", s.handleRemoveUpload)
	mux.HandleFunc("POST /v1/events/{eventId}/ack", s.handleAck)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	return mux
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": s.Ping(r.Context())})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Version(r.Context()))
}

func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.start_upload")
	defer span.End()

	var req StartUploadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	id, err := s.StartUpload(ctx, req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartUploadResponse{ID: id})
}

func (s *Server) handleRemoveUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.RemoveUpload(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if err := s.AcknowledgeEvent(r.Context(), r.PathValue("eventId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps caller mistakes to 400 and everything else to 500
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, upload.ErrInvalidRequest), errors.Is(err, upload.ErrMissingParameter):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
