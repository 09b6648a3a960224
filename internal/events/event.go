package events

import "time"

// Kind discriminates the four shapes an upload event can take
type Kind string

const (
	KindProgress  Kind = "progress"
	KindSuccess   Kind = "success"
	KindFailure   Kind = "failure"
	KindCompleted Kind = "completed"
)

// Outbound message names as seen by subscribers
const (
	NameUploading = "uploading"
	NameCompleted = "completed"
	NameFailed    = "failed"
	NameFinished  = "finished"
)

// Event is the normalized form of an engine callback. Only terminal events carry an EventID.
type Event struct {
	TaskID     string    `json:"taskId"`
	Kind       Kind      `json:"kind"`
	Percent    int       `json:"percent,omitempty"`
	StatusCode int       `json:"statusCode,omitempty"`
	Body       string    `json:"body,omitempty"`
	Error      string    `json:"error,omitempty"`
	EventID    string    `json:"eventId,omitempty"`
	At         time.Time `json:"at"`
}

// Terminal reports whether the event needs durable, acknowledged delivery
func (e Event) Terminal() bool {
	return e.Kind == KindSuccess || e.Kind == KindFailure
}

// Message is what subscribers receive
type Message struct {
	Name    string         `json:"name"`
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
	EventID string         `json:"eventId,omitempty"`
}

// Message converts the event to its outbound shape. The response body stays server side.
func (e Event) Message() Message {
	msg := Message{ID: e.TaskID}
	switch e.Kind {
	case KindProgress:
		msg.Name = NameUploading
		msg.Payload = map[string]any{"percent": e.Percent}
	case KindSuccess:
		msg.Name = NameCompleted
		msg.Payload = map[string]any{"statusCode": e.StatusCode}
		msg.EventID = e.EventID
	case KindFailure:
		msg.Name = NameFailed
		msg.Payload = map[string]any{"error": e.Error}
		msg.EventID = e.EventID
	case KindCompleted:
		msg.Name = NameFinished
	}
	return msg
}
