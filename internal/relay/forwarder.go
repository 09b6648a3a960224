package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_upload/internal/config"
	"github.com/austindbirch/harbor_upload/internal/events"
	"github.com/austindbirch/harbor_upload/internal/logging"
	"github.com/austindbirch/harbor_upload/internal/metrics"
	"github.com/austindbirch/harbor_upload/internal/tracing"
)

// Publisher is the subset of *nsq.Producer the forwarder needs
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// Forwarder mirrors outbound upload events onto an NSQ topic. Forward only enqueues;
// a single goroutine does the publishing.
type Forwarder struct {
	pub   Publisher
	topic string
	log   *logging.Logger

	mu     sync.RWMutex
	queue  chan Envelope
	closed bool
	wg     sync.WaitGroup
}

// NewNSQ connects a producer to nsqd and starts forwarding
func NewNSQ(cfg config.NSQ) (*Forwarder, error) {
	prod, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return New(prod, cfg.EventsTopic, 1024), nil
}

func New(pub Publisher, topic string, buffer int) *Forwarder {
	f := &Forwarder{
		pub:   pub,
		topic: topic,
		log:   logging.New("harborupload-relay"),
		queue: make(chan Envelope, buffer),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Forwarder) Forward(ctx context.Context, msg events.Message) {
	env := NewEnvelope(ctx, msg)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- env:
	default:
		metrics.RecordRelayPublish("dropped")
		f.log.WithContext(ctx).WithTask(msg.ID).WithEvent(msg.EventID).Warn("relay queue full, event not forwarded")
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for env := range f.queue {
		f.publish(env)
	}
}

// publish runs under the trace of the Forward call that queued env
func (f *Forwarder) publish(env Envelope) {
	ctx := tracing.ExtractTraceHeaders(context.Background(), env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "relay.publish",
		attribute.String("topic", f.topic),
		attribute.String("task_id", env.Message.ID),
	)
	defer span.End()

	body, err := json.Marshal(env)
	if err != nil {
		metrics.RecordRelayPublish("error")
		tracing.SetSpanError(ctx, err)
		f.log.WithContext(ctx).WithError(err).Error("encode relay envelope")
		return
	}
	err = retry.Do(
		func() error { return f.pub.Publish(f.topic, body) },
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.RecordRelayPublish("error")
		tracing.SetSpanError(ctx, err)
		f.log.WithContext(ctx).WithTask(env.Message.ID).WithEvent(env.Message.EventID).WithError(err).Error("nsq publish failed")
		return
	}
	metrics.RecordRelayPublish("ok")
}

// Close drains the queue and stops the producer
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	f.wg.Wait()
	f.pub.Stop()
}
