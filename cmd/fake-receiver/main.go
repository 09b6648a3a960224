package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/harbor_upload/internal/config"
	"github.com/austindbirch/harbor_upload/internal/logging"
)

// receipt is what the receiver answers with for an accepted upload
type receipt struct {
	Mode        string            `json:"mode"`
	Bytes       int64             `json:"bytes"`
	ContentType string            `json:"contentType,omitempty"`
	FieldName   string            `json:"fieldName,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Query       map[string]string `json:"query,omitempty"`
}

// receiver stands in for a remote upload endpoint. The first failFirstN uploads get a 500.
type receiver struct {
	failFirstN int
	delay      time.Duration
	log        *logging.Logger

	mu       sync.Mutex
	reqCount int
}

func newReceiver(cfg config.FakeReceiver) *receiver {
	return &receiver{
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		log:        logging.New("harborupload-fake-receiver"),
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/upload", rc.handleUpload)
	mux.HandleFunc("/status/{code}", handleStatus)
	return mux
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	rc := newReceiver(cfg)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	rc.log.Plain().WithFields(map[string]any{"addr": cfg.Port, "fail_first_n": cfg.FailFirstN}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rc.log.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	got, err := readUpload(r)
	if err != nil {
		rc.log.Plain().WithError(err).Warn("rejecting malformed upload")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Simulate flakiness: first N uploads -> 500
	if n <= rc.failFirstN {
		rc.log.Plain().WithFields(map[string]any{"attempt": n, "fail_first_n": rc.failFirstN, "bytes": got.Bytes}).Warn("FAILING upload")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.log.Plain().WithFields(map[string]any{
		"mode":     got.Mode,
		"bytes":    got.Bytes,
		"filename": truncate(got.Filename, 80),
	}).Info("upload received")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(got)
}

// readUpload drains either a multipart form or a raw body and reports what arrived
func readUpload(r *http.Request) (receipt, error) {
	got := receipt{ContentType: r.Header.Get("Content-Type")}
	if q := r.URL.Query(); len(q) > 0 {
		got.Query = make(map[string]string, len(q))
		for k := range q {
			got.Query[k] = q.Get(k)
		}
	}

	mediaType, params, _ := mime.ParseMediaType(got.ContentType)
	if mediaType != "multipart/form-data" {
		got.Mode = "binary"
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			return got, fmt.Errorf("read body: %w", err)
		}
		got.Bytes = n
		return got, nil
	}

	got.Mode = "multipart"
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return got, fmt.Errorf("read multipart: %w", err)
		}

		if part.FileName() == "" {
			b, err := io.ReadAll(io.LimitReader(part, 64<<10))
			if err != nil {
				return got, fmt.Errorf("read field %s: %w", part.FormName(), err)
			}
			if got.Fields == nil {
				got.Fields = make(map[string]string)
			}
			got.Fields[part.FormName()] = string(b)
			continue
		}

		if got.FieldName != "" {
			return got, fmt.Errorf("more than one file part")
		}
		got.FieldName = part.FormName()
		got.Filename = part.FileName()
		got.ContentType = part.Header.Get("Content-Type")
		n, err := io.Copy(io.Discard, part)
		if err != nil {
			return got, fmt.Errorf("read file part: %w", err)
		}
		got.Bytes = n
	}
	if got.FieldName == "" {
		return got, fmt.Errorf("multipart body has no file part")
	}
	return got, nil
}

// handleStatus answers every upload with the status in the path, e.g. /status/413
func handleStatus(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	var code int
	if _, err := fmt.Sscanf(r.PathValue("code"), "%d", &code); err != nil || code < 200 || code > 599 {
		http.Error(w, "bad status code", http.StatusBadRequest)
		return
	}
	w.WriteHeader(code)
	_, _ = w.Write([]byte(strings.ToLower(http.StatusText(code))))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
