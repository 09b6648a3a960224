package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/harbor_upload/internal/config"
	"github.com/austindbirch/harbor_upload/internal/upload"
)

type callback struct {
	kind    string
	percent int
	status  int
	body    string
	errText string
}

type recObserver struct {
	mu        sync.Mutex
	calls     []callback
	observing bool
	detached  int
	finished  chan struct{}
	detachedC chan struct{}
}

func newRecObserver(observing bool) *recObserver {
	return &recObserver{observing: observing, finished: make(chan struct{}), detachedC: make(chan struct{})}
}

func (r *recObserver) add(c callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recObserver) Progress(_ string, percent int) {
	r.add(callback{kind: "progress", percent: percent})
}

func (r *recObserver) Success(_ string, status int, body string) {
	r.add(callback{kind: "success", status: status, body: body})
}

func (r *recObserver) Failure(_ string, description string) {
	r.add(callback{kind: "failure", errText: description})
}

func (r *recObserver) Completed(string) {
	r.add(callback{kind: "completed"})
	close(r.finished)
}

func (r *recObserver) DetachedCompletion() {
	r.mu.Lock()
	r.detached++
	r.mu.Unlock()
	close(r.detachedC)
}

func (r *recObserver) Observing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observing
}

func (r *recObserver) snapshot() []callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callback(nil), r.calls...)
}

// terminal returns the callbacks other than progress
func (r *recObserver) terminal() []callback {
	var out []callback
	for _, c := range r.snapshot() {
		if c.kind != "progress" {
			out = append(out, c)
		}
	}
	return out
}

func newTestEngine() *HTTP {
	return New(config.Engine{
		Workers:          2,
		BackoffSchedule:  []time.Duration{time.Millisecond},
		MaxResponseBytes: 1024,
	}, nil)
}

func buildRequest(t *testing.T, task upload.Task) *upload.TransportRequest {
	t.Helper()
	req, err := upload.NewBuilder(nil).Build(task)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	return req
}

func tempFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

// waitDone waits until the task has reported Completed
func waitDone(t *testing.T, obs *recObserver) {
	t.Helper()
	select {
	case <-obs.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
}

// waitExit waits until every task goroutine has returned
func waitExit(t *testing.T, e *HTTP) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("tasks did not exit: %v", err)
	}
}

func TestHTTP_BinarySuccess(t *testing.T) {
	content := strings.Repeat("x", 64*1024)
	var gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := newTestEngine()
	obs := newRecObserver(true)
	req := buildRequest(t, upload.Task{FilePath: tempFile(t, "a.jpg", content), ServerURL: srv.URL + "/up"})

	if err := e.Start(context.Background(), "task-1", req, obs); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, obs)

	if gotType != "image/jpeg" {
		t.Errorf("server saw Content-Type %q, want image/jpeg", gotType)
	}
	if gotBody != content {
		t.Errorf("server saw %d bytes, want %d", len(gotBody), len(content))
	}

	term := obs.terminal()
	if len(term) != 2 || term[0].kind != "success" || term[1].kind != "completed" {
		t.Fatalf("terminal callbacks = %+v, want success then completed", term)
	}
	if term[0].status != 200 || term[0].body != "ok" {
		t.Errorf("success = %+v, want 200/ok", term[0])
	}

	last := -1
	for _, c := range obs.snapshot() {
		if c.kind != "progress" {
			continue
		}
		if c.percent <= last || c.percent > 100 {
			t.Errorf("progress %d after %d is not increasing", c.percent, last)
		}
		last = c.percent
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
	if obs.detached != 0 {
		t.Error("DetachedCompletion should not fire while observing")
	}
}

func TestHTTP_MultipartSuccess(t *testing.T) {
	var field, fileName, fileBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		field = r.FormValue("userId")
		f, hdr, err := r.FormFile("document")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		fileName, fileBody = hdr.Filename, string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := newTestEngine()
	obs := newRecObserver(true)
	req := buildRequest(t, upload.Task{
		FilePath:   tempFile(t, "report.pdf", "pdf-bytes"),
		ServerURL:  srv.URL,
		Mode:       upload.ModeMultipart,
		FieldName:  "document",
		Parameters: map[string]string{"userId": "42"},
	})

	_ = e.Start(context.Background(), "task-1", req, obs)
	waitDone(t, obs)

	if field != "42" || fileName != "report.pdf" || fileBody != "pdf-bytes" {
		t.Errorf("server saw userId=%q file=%q body=%q", field, fileName, fileBody)
	}
	term := obs.terminal()
	if len(term) != 2 || term[0].kind != "success" || term[0].status != http.StatusCreated {
		t.Errorf("terminal callbacks = %+v, want success 201", term)
	}
}

func TestHTTP_Retries(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		statuses   []int
		wantHits   int32
		wantKind   string
		wantStatus int
	}{
		{
			name:       "transient failures then success",
			maxRetries: 2,
			statuses:   []int{503, 503, 201},
			wantHits:   3,
			wantKind:   "success",
			wantStatus: 201,
		},
		{
			name:       "retries exhausted",
			maxRetries: 1,
			statuses:   []int{500, 500, 500},
			wantHits:   2,
			wantKind:   "failure",
		},
		{
			name:       "zero retries makes one attempt",
			maxRetries: 0,
			statuses:   []int{502, 200},
			wantHits:   1,
			wantKind:   "failure",
		},
		{
			name:       "client error is not retried",
			maxRetries: 3,
			statuses:   []int{400, 200},
			wantHits:   1,
			wantKind:   "failure",
		},
		{
			name:       "too many requests is retried",
			maxRetries: 1,
			statuses:   []int{429, 200},
			wantHits:   2,
			wantKind:   "success",
			wantStatus: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				n := int(atomic.AddInt32(&hits, 1))
				if n > len(tt.statuses) {
					w.WriteHeader(http.StatusOK)
					return
				}
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			e := newTestEngine()
			obs := newRecObserver(true)
			req := buildRequest(t, upload.Task{
				FilePath:   tempFile(t, "a.bin", "data"),
				ServerURL:  srv.URL,
				MaxRetries: tt.maxRetries,
			})
			_ = e.Start(context.Background(), "task-1", req, obs)
			waitDone(t, obs)

			if got := atomic.LoadInt32(&hits); got != tt.wantHits {
				t.Errorf("server hits = %d, want %d", got, tt.wantHits)
			}
			term := obs.terminal()
			if len(term) != 2 || term[0].kind != tt.wantKind || term[1].kind != "completed" {
				t.Fatalf("terminal callbacks = %+v, want %s then completed", term, tt.wantKind)
			}
			if tt.wantKind == "success" && term[0].status != tt.wantStatus {
				t.Errorf("success status = %d, want %d", term[0].status, tt.wantStatus)
			}
			if tt.wantKind == "failure" && !strings.Contains(term[0].errText, "status") {
				t.Errorf("failure description = %q, want status error", term[0].errText)
			}
		})
	}
}

func TestHTTP_MissingFileFailsWithoutRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	e := newTestEngine()
	obs := newRecObserver(true)
	req := buildRequest(t, upload.Task{
		FilePath:   filepath.Join(t.TempDir(), "missing.bin"),
		ServerURL:  srv.URL,
		MaxRetries: 3,
	})
	_ = e.Start(context.Background(), "task-1", req, obs)
	waitDone(t, obs)

	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Errorf("server hits = %d, want 0", got)
	}
	term := obs.terminal()
	if len(term) != 2 || term[0].kind != "failure" || !strings.Contains(term[0].errText, "open upload body") {
		t.Errorf("terminal callbacks = %+v, want open failure", term)
	}
}

func TestHTTP_DetachedCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	e := newTestEngine()
	obs := newRecObserver(false)
	req := buildRequest(t, upload.Task{FilePath: tempFile(t, "a.bin", "data"), ServerURL: srv.URL})
	_ = e.Start(context.Background(), "task-1", req, obs)

	select {
	case <-obs.detachedC:
	case <-time.After(5 * time.Second):
		t.Fatal("DetachedCompletion was not raised")
	}
	term := obs.terminal()
	if len(term) != 2 || term[1].kind != "completed" {
		t.Errorf("terminal callbacks = %+v, want completed before detached completion", term)
	}
}

func TestHTTP_Cancel(t *testing.T) {
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		arrived <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	e := newTestEngine()
	obs := newRecObserver(true)
	req := buildRequest(t, upload.Task{FilePath: tempFile(t, "a.bin", "data"), ServerURL: srv.URL, MaxRetries: 5})
	_ = e.Start(context.Background(), "task-1", req, obs)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}

	if !e.Cancel("task-1") {
		t.Fatal("Cancel() = false for a running task")
	}
	waitExit(t, e)

	if term := obs.terminal(); len(term) != 0 {
		t.Errorf("cancelled task reported %+v, want nothing", term)
	}
	if e.Cancel("task-1") {
		t.Error("Cancel() after exit should report false")
	}
}

func TestHTTP_StartAfterShutdown(t *testing.T) {
	e := newTestEngine()
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	req := buildRequest(t, upload.Task{FilePath: "/tmp/a.bin", ServerURL: "http://example.com"})
	if err := e.Start(context.Background(), "task-1", req, newRecObserver(true)); err != ErrShutdown {
		t.Errorf("Start() error = %v, want ErrShutdown", err)
	}
}

func TestProgressTracker(t *testing.T) {
	obs := newRecObserver(true)
	p := &progressTracker{taskID: "t", obs: obs, last: -1}

	for _, pct := range []int{10, 5, 10, 50, 100} {
		p.report(pct)
	}
	p.stop()
	p.report(100)

	var got []int
	for _, c := range obs.snapshot() {
		got = append(got, c.percent)
	}
	want := []int{10, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("reported %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reported %v, want %v", got, want)
			break
		}
	}
}
