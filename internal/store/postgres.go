package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps pending events in a shared database so several daemons can replay them
type Postgres struct {
	pool *pgxpool.Pool

	once      sync.Once
	schemaErr error

	mu sync.RWMutex
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	p.once.Do(func() {
		_, p.schemaErr = p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pending_events (
			event_id TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	})
	return p.schemaErr
}

func (p *Postgres) Put(ctx context.Context, id string, payload []byte) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO pending_events (event_id, payload, stored_at) VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO UPDATE SET payload = EXCLUDED.payload, stored_at = EXCLUDED.stored_at`,
		id, payload)
	return err
}

func (p *Postgres) Remove(ctx context.Context, id string) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.pool.Exec(ctx, `DELETE FROM pending_events WHERE event_id = $1`, id)
	return err
}

func (p *Postgres) ReplayAll(ctx context.Context) ([]Record, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT event_id, payload, stored_at FROM pending_events ORDER BY stored_at, event_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.EventID, &r.Payload, &r.StoredAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
