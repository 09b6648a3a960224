package relay

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_upload/internal/events"
	"github.com/austindbirch/harbor_upload/internal/tracing"
)

const EnvelopeType = "upload.event"

type Envelope struct {
	Type         string            `json:"type"`    // "upload.event"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the envelope was built
	Message      events.Message    `json:"message"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

func NewEnvelope(ctx context.Context, msg events.Message) Envelope {
	headers := tracing.InjectTraceHeaders(ctx)
	if len(headers) == 0 {
		headers = nil
	}
	return Envelope{
		Type:         EnvelopeType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Message:      msg,
		TraceHeaders: headers,
	}
}
