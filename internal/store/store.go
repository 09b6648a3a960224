package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_upload/internal/config"
	"github.com/austindbirch/harbor_upload/internal/db"
)

// ErrClosed is returned by a backend used after Close
var ErrClosed = errors.New("store closed")

// Record is one unacknowledged terminal event as held by a backend
type Record struct {
	EventID  string
	Payload  []byte
	StoredAt time.Time
}

// Store is the durable keyed collection of pending events.
// Put and Remove are mutually exclusive; ReplayAll sees a consistent snapshot.
type Store interface {
	// Put inserts or overwrites the record for id
	Put(ctx context.Context, id string, payload []byte) error
	// Remove deletes the record for id, doing nothing if it is absent
	Remove(ctx context.Context, id string) error
	// ReplayAll returns every stored record without removing any
	ReplayAll(ctx context.Context) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Open builds the backend selected by cfg.Store.Driver
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case DriverSQLite, "":
		return NewSQLite(cfg.Store.Path), nil
	case DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DSN(), db.DefaultPoolOptions())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return NewPostgres(pool), nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
