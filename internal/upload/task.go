package upload

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidRequest is returned synchronously when an upload cannot be started
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMissingParameter is returned when a cancel or acknowledge call lacks its id
	ErrMissingParameter = errors.New("missing parameter")
)

// Mode selects how the file is placed in the request body
type Mode string

const (
	ModeBinary    Mode = "binary"
	ModeMultipart Mode = "multipart"
)

const (
	DefaultMethod     = "POST"
	DefaultFieldName  = "file"
	DefaultMaxRetries = 2
)

// Task is one logical upload as requested by a caller
type Task struct {
	ServerURL   string
	Method      string
	Mode        Mode
	FilePath    string
	FieldName   string
	Headers     map[string]string
	Parameters  map[string]string
	MaxRetries  int
	ContentType string
}

// ApplyDefaults fills the optional fields a caller may leave empty
func (t *Task) ApplyDefaults() {
	if t.Method == "" {
		t.Method = DefaultMethod
	}
	t.Method = strings.ToUpper(t.Method)
	if t.Mode == "" {
		t.Mode = ModeBinary
	}
	if t.FieldName == "" {
		t.FieldName = DefaultFieldName
	}
}

// Validate reports ErrInvalidRequest for anything that would keep the upload from starting
func (t *Task) Validate() error {
	if strings.TrimSpace(t.FilePath) == "" {
		return fmt.Errorf("%w: filePath is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(t.ServerURL) == "" {
		return fmt.Errorf("%w: serverUrl is required", ErrInvalidRequest)
	}
	u, err := url.Parse(t.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: serverUrl must be an absolute http(s) URL", ErrInvalidRequest)
	}
	switch t.Mode {
	case ModeBinary, ModeMultipart:
	default:
		return fmt.Errorf("%w: unknown upload mode %q", ErrInvalidRequest, t.Mode)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidRequest)
	}
	return nil
}

// filterEmpty drops entries whose value is empty so they never reach the wire
func filterEmpty(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
