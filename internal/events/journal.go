package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/austindbirch/harbor_upload/internal/logging"
	"github.com/austindbirch/harbor_upload/internal/metrics"
	"github.com/austindbirch/harbor_upload/internal/store"
)

// ErrPersistence wraps any failure to read or write the event store
var ErrPersistence = errors.New("event persistence failed")

// Journal stores terminal events in a Store as JSON
type Journal struct {
	store store.Store
	log   *logging.Logger
}

func NewJournal(s store.Store) *Journal {
	return &Journal{
		store: s,
		log:   logging.New("harborupload-journal"),
	}
}

func (j *Journal) Put(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", ErrPersistence, err)
	}
	if err := j.store.Put(ctx, ev.EventID, data); err != nil {
		metrics.RecordStoreError("put")
		j.log.WithContext(ctx).WithTask(ev.TaskID).WithEvent(ev.EventID).WithError(err).Error("failed to persist event")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.RecordEventStored(string(ev.Kind))
	return nil
}

func (j *Journal) Remove(ctx context.Context, eventID string) error {
	if err := j.store.Remove(ctx, eventID); err != nil {
		metrics.RecordStoreError("remove")
		j.log.WithContext(ctx).WithEvent(eventID).WithError(err).Error("failed to remove event")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// ReplayAll decodes every stored event. Records that no longer decode are logged and skipped.
func (j *Journal) ReplayAll(ctx context.Context) ([]Event, error) {
	records, err := j.store.ReplayAll(ctx)
	if err != nil {
		metrics.RecordStoreError("replay")
		j.log.WithContext(ctx).WithError(err).Error("failed to load stored events")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	out := make([]Event, 0, len(records))
	for _, r := range records {
		var ev Event
		if err := json.Unmarshal(r.Payload, &ev); err != nil {
			j.log.WithContext(ctx).WithEvent(r.EventID).WithError(err).Warn("skipping corrupt stored event")
			continue
		}
		if ev.EventID == "" {
			ev.EventID = r.EventID
		}
		out = append(out, ev)
	}
	return out, nil
}
