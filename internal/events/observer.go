package events

import (
	"context"
	"errors"

	"github.com/austindbirch/harbor_upload/internal/logging"
)

// Observer turns engine callbacks into published events
type Observer struct {
	ctx context.Context
	d   *Dispatcher
	log *logging.Logger
}

func NewObserver(ctx context.Context, d *Dispatcher) *Observer {
	return &Observer{
		ctx: ctx,
		d:   d,
		log: logging.New("harborupload-observer"),
	}
}

func (o *Observer) Progress(taskID string, percent int) {
	o.publish(Event{TaskID: taskID, Kind: KindProgress, Percent: percent})
}

func (o *Observer) Success(taskID string, statusCode int, body string) {
	o.publish(Event{TaskID: taskID, Kind: KindSuccess, StatusCode: statusCode, Body: body})
}

func (o *Observer) Failure(taskID string, description string) {
	o.publish(Event{TaskID: taskID, Kind: KindFailure, Error: description})
}

func (o *Observer) Completed(taskID string) {
	o.publish(Event{TaskID: taskID, Kind: KindCompleted})
}

// DetachedCompletion only kicks the replay path
func (o *Observer) DetachedCompletion() {
	n, err := o.d.Replay(o.ctx)
	if err != nil {
		o.log.WithContext(o.ctx).WithError(err).Warn("replay after detached completion failed")
		return
	}
	o.log.WithContext(o.ctx).WithField("count", n).Debug("replayed after detached completion")
}

func (o *Observer) Observing() bool {
	return o.d.Observing()
}

func (o *Observer) publish(ev Event) {
	// Persistence failures are already logged by the journal and the dispatcher
	if err := o.d.Publish(o.ctx, ev); err != nil && !errors.Is(err, ErrPersistence) {
		o.log.WithContext(o.ctx).WithTask(ev.TaskID).WithError(err).Error("failed to publish event")
	}
}
