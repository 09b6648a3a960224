package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_upload/internal/config"
	"github.com/austindbirch/harbor_upload/internal/logging"
	"github.com/austindbirch/harbor_upload/internal/metrics"
	"github.com/austindbirch/harbor_upload/internal/tracing"
	"github.com/austindbirch/harbor_upload/internal/upload"
)

// ErrShutdown is returned by Start once Shutdown has begun
var ErrShutdown = errors.New("engine is shut down")

// StatusError is a completed HTTP exchange with a non-2xx status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status %d", e.Code)
}

// HTTP uploads transport requests over net/http, one goroutine per task, with at most
// cfg.Workers attempts on the wire at once.
type HTTP struct {
	client *http.Client
	cfg    config.Engine
	sem    chan struct{}
	log    *logging.Logger

	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func New(cfg config.Engine, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &HTTP{
		client: client,
		cfg:    cfg,
		sem:    make(chan struct{}, workers),
		log:    logging.New("harborupload-engine"),
		tasks:  make(map[string]context.CancelFunc),
	}
}

// Start schedules the upload and returns immediately. The task outlives ctx's
// cancellation but keeps its values, so traces stay connected.
func (e *HTTP) Start(ctx context.Context, id string, req *upload.TransportRequest, obs upload.Observer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	if _, dup := e.tasks[id]; dup {
		return fmt.Errorf("task %s is already running", id)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.tasks[id] = cancel
	e.wg.Add(1)
	metrics.RecordUploadStarted(string(req.Mode))

	go e.run(taskCtx, id, req, obs)
	return nil
}

// Cancel stops a running task. A cancelled task reports no further callbacks.
func (e *HTTP) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.tasks[id]
	if ok {
		cancel()
	}
	return ok
}

// Shutdown refuses new tasks, cancels running ones and waits for them to exit
func (e *HTTP) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.tasks {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *HTTP) run(ctx context.Context, id string, req *upload.TransportRequest, obs upload.Observer) {
	defer e.wg.Done()
	start := time.Now()
	outcome := "cancelled"
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.tasks[id]; ok {
			cancel()
			delete(e.tasks, id)
		}
		e.mu.Unlock()
		metrics.RecordUploadFinished(outcome, time.Since(start))
	}()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return
	}

	ctx, span := tracing.StartSpan(ctx, "engine.upload",
		attribute.String("task_id", id),
		attribute.String("mode", string(req.Mode)),
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL),
		attribute.Int("max_retries", req.MaxRetries),
	)
	defer span.End()

	attempts := uint(req.MaxRetries) + 1
	progress := &progressTracker{taskID: id, obs: obs, last: -1}
	var result attemptResult

	err := retry.Do(
		func() error {
			res, err := e.attempt(ctx, req, progress)
			result = res
			return err
		},
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return computeDelay(int(n)+1, e.cfg.BackoffSchedule, e.cfg.JitterPercent)
		}),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= attempts {
				return
			}
			reason := reasonFor(err)
			metrics.RecordRetry(reason)
			tracing.AddSpanEvent(ctx, "upload.retry", attribute.Int("attempt", int(n)+1), attribute.String("reason", reason))
			e.log.WithContext(ctx).WithTask(id).WithFields(map[string]any{
				"attempt": n + 1,
				"reason":  reason,
			}).WithError(err).Warn("upload attempt failed, retrying")
		}),
	)

	progress.stop()

	if ctx.Err() != nil {
		tracing.AddSpanEvent(ctx, "upload.cancelled")
		e.log.WithContext(ctx).WithTask(id).Info("upload cancelled")
		return
	}

	if err != nil {
		outcome = "failed"
		tracing.SetSpanError(ctx, err)
		e.log.WithContext(ctx).WithTask(id).WithField("reason", reasonFor(err)).WithError(err).Error("upload failed")
		obs.Failure(id, err.Error())
	} else {
		outcome = "completed"
		span.SetAttributes(attribute.Int("http.status_code", result.status))
		e.log.WithContext(ctx).WithTask(id).WithField("status", result.status).Info("upload completed")
		obs.Success(id, result.status, result.body)
	}

	detached := false
	if p, ok := obs.(upload.Presence); ok && !p.Observing() {
		detached = true
	}
	obs.Completed(id)
	if detached {
		obs.DetachedCompletion()
	}
}

type attemptResult struct {
	status int
	body   string
}

func (e *HTTP) attempt(ctx context.Context, req *upload.TransportRequest, progress *progressTracker) (attemptResult, error) {
	body, size, err := req.Body()
	if err != nil {
		return attemptResult{}, retry.Unrecoverable(fmt.Errorf("open upload body: %w", err))
	}

	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, progress.wrap(body, size))
	if err != nil {
		body.Close()
		return attemptResult{}, retry.Unrecoverable(err)
	}
	httpReq.Header = req.Header.Clone()
	switch {
	case size == 0:
		body.Close()
		httpReq.Body = http.NoBody
	case size > 0:
		httpReq.ContentLength = size
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := e.client.Do(httpReq)
	latency := time.Since(start)
	if doErr != nil {
		metrics.RecordAttempt("error", latency)
		return attemptResult{}, doErr
	}
	defer resp.Body.Close()

	limit := e.cfg.MaxResponseBytes
	if limit <= 0 {
		limit = 64 << 10
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, limit))
	metrics.RecordAttempt(strconv.Itoa(resp.StatusCode), latency)

	res := attemptResult{status: resp.StatusCode, body: string(respBody)}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return res, nil
	}
	serr := &StatusError{Code: resp.StatusCode, Body: res.body}
	if retryableStatus(resp.StatusCode) {
		return res, serr
	}
	return res, retry.Unrecoverable(serr)
}

// retryableStatus reports whether another attempt could get a different answer
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func reasonFor(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return classifyReason(nil, se.Code)
	}
	return classifyReason(err, 0)
}
