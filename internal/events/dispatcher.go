package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_upload/internal/logging"
	"github.com/austindbirch/harbor_upload/internal/metrics"
	"github.com/austindbirch/harbor_upload/internal/tracing"
	"github.com/austindbirch/harbor_upload/internal/upload"
)

const defaultBuffer = 256

// Relay receives a copy of every outbound message. Forward must not block.
type Relay interface {
	Forward(ctx context.Context, msg Message)
}

// Dispatcher delivers events to attached subscriptions. Terminal events are stored
// before they are forwarded and stay stored until acknowledged.
type Dispatcher struct {
	journal *Journal
	buffer  int
	newID   func() string
	relay   Relay
	log     *logging.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewDispatcher(j *Journal, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Dispatcher{
		journal: j,
		buffer:  buffer,
		newID:   uuid.NewString,
		log:     logging.New("harborupload-dispatcher"),
		subs:    make(map[*Subscription]struct{}),
	}
}

// WithRelay mirrors outbound messages to r, e.g. a message broker
func (d *Dispatcher) WithRelay(r Relay) *Dispatcher {
	d.relay = r
	return d
}

// Publish stores terminal events, then forwards. A failed store write is returned
// after forwarding so the callback still reaches anyone listening.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.publish",
		attribute.String("task_id", ev.TaskID),
		attribute.String("kind", string(ev.Kind)),
	)
	defer span.End()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var storeErr error
	if ev.Terminal() {
		if ev.EventID == "" {
			ev.EventID = d.newID()
		}
		span.SetAttributes(attribute.String("event_id", ev.EventID))
		if err := d.journal.Put(ctx, ev); err != nil {
			storeErr = err
			tracing.SetSpanError(ctx, err)
			d.log.WithContext(ctx).WithTask(ev.TaskID).WithEvent(ev.EventID).
				Warn("terminal event not persisted, delivering without durability")
		}
	}

	msg := ev.Message()
	d.forward(msg)
	if d.relay != nil {
		d.relay.Forward(ctx, msg)
	}
	return storeErr
}

// Attach registers a new subscription and replays every stored event into it.
// Registration happens before the store is read so nothing published in between
// is missed. Replayed events that do not fit the buffer are queued and handed over
// as the subscriber drains C.
func (d *Dispatcher) Attach(ctx context.Context) *Subscription {
	sub := d.newSubscription()

	d.mu.Lock()
	d.subs[sub] = struct{}{}
	n := len(d.subs)
	d.mu.Unlock()
	metrics.UpdateSubscribers(n)

	stored, err := d.journal.ReplayAll(ctx)
	if err != nil {
		return sub
	}

	sent := 0
	d.mu.RLock()
	if _, ok := d.subs[sub]; ok {
		for _, ev := range stored {
			if sub.offer(ev.Message(), true) {
				sent++
			}
		}
	}
	d.mu.RUnlock()
	metrics.RecordEventsReplayed(sent)
	d.log.WithContext(ctx).WithFields(map[string]any{
		"sent":   sent,
		"queued": len(stored) - sent,
	}).Info("replaying stored events to new subscriber")
	return sub
}

// Replay re-emits every stored event to all attached subscriptions and the relay
func (d *Dispatcher) Replay(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.replay")
	defer span.End()

	stored, err := d.journal.ReplayAll(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}
	for _, ev := range stored {
		msg := ev.Message()
		d.forward(msg)
		if d.relay != nil {
			d.relay.Forward(ctx, msg)
		}
	}
	metrics.RecordEventsReplayed(len(stored))
	span.SetAttributes(attribute.Int("count", len(stored)))
	return len(stored), nil
}

// Acknowledge removes a stored event. Unknown ids are ignored and store failures are
// logged, so only a missing id is reported.
func (d *Dispatcher) Acknowledge(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("%w: eventId is required", upload.ErrMissingParameter)
	}
	metrics.RecordEventAcked()
	if err := d.journal.Remove(ctx, eventID); err != nil {
		d.log.WithContext(ctx).WithEvent(eventID).WithError(err).Warn("acknowledgement not persisted")
	}
	return nil
}

// Observing reports whether at least one subscription is attached
func (d *Dispatcher) Observing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs) > 0
}

// Close detaches every subscription
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for sub := range d.subs {
		delete(d.subs, sub)
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	metrics.UpdateSubscribers(0)
}

func (d *Dispatcher) forward(msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for sub := range d.subs {
		sub.offer(msg, false)
	}
}

// queued is a message waiting for room on a subscription's channel
type queued struct {
	msg      Message
	replayed bool
}

// Subscription is one attached listener. Messages arrive on C until Close.
//
// Ephemeral messages are best effort and dropped when the buffer is full. Terminal
// messages are never dropped while attached: they wait in an overflow queue that a
// per-subscription goroutine feeds into C in order.
type Subscription struct {
	d      *Dispatcher
	ch     chan Message
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}

	mu       sync.Mutex
	pending  []queued
	inflight bool
}

func (d *Dispatcher) newSubscription() *Subscription {
	s := &Subscription{
		d:      d,
		ch:     make(chan Message, d.buffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close detaches the subscription and closes C. Calling it again is a no-op.
func (s *Subscription) Close() {
	d := s.d
	d.mu.Lock()
	_, ok := d.subs[s]
	if ok {
		delete(d.subs, s)
	}
	n := len(d.subs)
	d.mu.Unlock()

	if ok {
		s.shutdown()
		metrics.UpdateSubscribers(n)
	}
}

// shutdown stops the pump and closes C. Only the caller that removed s from the
// dispatcher may call it.
func (s *Subscription) shutdown() {
	close(s.done)
	<-s.exited
	close(s.ch)
}

// offer never blocks and must be called with d.mu held while s is registered. It
// reports whether msg went straight onto C. Once anything is queued, later messages
// queue behind it so order is kept.
func (s *Subscription) offer(msg Message, replayed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 && !s.inflight {
		select {
		case s.ch <- msg:
			return true
		default:
		}
	}

	if msg.EventID == "" {
		metrics.RecordEventDropped()
		s.d.log.Plain().WithTask(msg.ID).WithField("name", msg.Name).
			Warn("subscriber buffer full, message dropped")
		return false
	}

	s.pending = append(s.pending, queued{msg: msg, replayed: replayed})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return false
}

// pump moves queued terminal messages onto C as the subscriber makes room
func (s *Subscription) pump() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.inflight = false
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.pending[0]
		s.pending[0] = queued{}
		s.pending = s.pending[1:]
		s.inflight = true
		s.mu.Unlock()

		select {
		case s.ch <- next.msg:
			if next.replayed {
				metrics.RecordEventsReplayed(1)
			}
		case <-s.done:
			return
		}
	}
}
