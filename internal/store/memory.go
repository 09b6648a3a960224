package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a non-durable Store for development and tests
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Put(_ context.Context, id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = Record{
		EventID:  id,
		Payload:  append([]byte(nil), payload...),
		StoredAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) ReplayAll(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		r.Payload = append([]byte(nil), r.Payload...)
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StoredAt.Equal(records[j].StoredAt) {
			return records[i].EventID < records[j].EventID
		}
		return records[i].StoredAt.Before(records[j].StoredAt)
	})
	return records, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
