package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps pending events in a single local database file.
// The file is opened on first use, so constructing one is free.
type SQLite struct {
	path string

	once    sync.Once
	db      *sql.DB
	openErr error
	closed  atomic.Bool

	mu sync.RWMutex
}

func NewSQLite(path string) *SQLite {
	return &SQLite{path: path}
}

func (s *SQLite) conn() (*sql.DB, error) {
	s.once.Do(func() {
		s.db, s.openErr = openSQLite(s.path)
	})
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db, s.openErr
}

func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// WAL lets replay readers run alongside the single writer
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS pending_events (
		event_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		stored_at INTEGER NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending_events: %w", err)
	}
	return db, nil
}

func (s *SQLite) Put(ctx context.Context, id string, payload []byte) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO pending_events (event_id, payload, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`
	_, err = db.ExecContext(ctx, query, id, payload, time.Now().UTC().UnixMilli())
	return err
}

func (s *SQLite) Remove(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = db.ExecContext(ctx, `DELETE FROM pending_events WHERE event_id = ?`, id)
	return err
}

func (s *SQLite) ReplayAll(ctx context.Context) ([]Record, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT event_id, payload, stored_at FROM pending_events ORDER BY stored_at, event_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			storedAt int64
		)
		if err := rows.Scan(&r.EventID, &r.Payload, &storedAt); err != nil {
			return nil, err
		}
		r.StoredAt = time.UnixMilli(storedAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close waits for an in-flight first open and closes the file. A store that was
// never used is never opened. Later calls return ErrClosed.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.once.Do(func() { s.openErr = ErrClosed })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
