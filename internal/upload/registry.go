package upload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_upload/internal/logging"
)

// Observer receives the callbacks an Engine raises for a task.
// Completed always follows exactly one of Success or Failure.
type Observer interface {
	Progress(taskID string, percent int)
	Success(taskID string, statusCode int, body string)
	Failure(taskID string, description string)
	Completed(taskID string)
	// DetachedCompletion fires when a task reached a terminal state while nobody was observing
	DetachedCompletion()
}

// Presence is implemented by observers that know whether anyone is listening
type Presence interface {
	Observing() bool
}

// Engine executes transport requests in the background with retries.
// Start must return without invoking obs.
type Engine interface {
	Start(ctx context.Context, id string, req *TransportRequest, obs Observer) error
	Cancel(id string) bool
}

// Registry owns task identity: it hands out ids, tracks which are live, and routes cancels
type Registry struct {
	builder  *Builder
	engine   Engine
	observer Observer
	newID    func() string
	log      *logging.Logger

	mu   sync.Mutex
	live map[string]struct{}
}

func NewRegistry(b *Builder, e Engine, obs Observer) *Registry {
	return &Registry{
		builder:  b,
		engine:   e,
		observer: obs,
		newID:    uuid.NewString,
		log:      logging.New("harborupload-registry"),
		live:     make(map[string]struct{}),
	}
}

// Start builds the request and only then assigns an id and hands the task to the engine
func (r *Registry) Start(ctx context.Context, task Task) (string, error) {
	req, err := r.builder.Build(task)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	id := r.newID()
	for {
		if _, taken := r.live[id]; !taken {
			break
		}
		id = r.newID()
	}
	r.live[id] = struct{}{}
	r.mu.Unlock()

	if err := r.engine.Start(ctx, id, req, &trackedObserver{Observer: r.observer, registry: r}); err != nil {
		r.Release(id)
		return "", fmt.Errorf("start upload: %w", err)
	}

	r.log.WithContext(ctx).WithTask(id).WithFields(map[string]any{
		"mode":   string(req.Mode),
		"method": req.Method,
		"url":    req.URL,
	}).Info("upload started")
	return id, nil
}

// Cancel stops a live task. Unknown or finished ids are ignored.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	_, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.engine.Cancel(id)
	r.log.Plain().WithTask(id).Info("upload cancelled")
	return true
}

// Release drops a finished task from the live set
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// Live lists the ids of tasks still in flight
func (r *Registry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// trackedObserver releases the task from the registry once the engine is done with it
type trackedObserver struct {
	Observer
	registry *Registry
}

func (o *trackedObserver) Completed(taskID string) {
	o.registry.Release(taskID)
	o.Observer.Completed(taskID)
}

func (o *trackedObserver) Observing() bool {
	if p, ok := o.Observer.(Presence); ok {
		return p.Observing()
	}
	return true
}
