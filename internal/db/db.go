package db

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions sizes the event store pool. Terminal events are written one at a time, so
// the pool stays small.
type PoolOptions struct {
	MaxConns    int32
	PingTimeout time.Duration
	Attempts    uint // pings before giving up, for postgres starting next to the daemon
	RetryDelay  time.Duration
	AppName     string
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:    4,
		PingTimeout: 5 * time.Second,
		Attempts:    5,
		RetryDelay:  time.Second,
		AppName:     "harborupload",
	}
}

func poolConfig(dsn string, opts PoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}
	return cfg, nil
}

// Connect opens a pool and waits until the server answers a ping
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(dsn, opts)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 1
	}
	err = retry.Do(
		func() error {
			ctxPing, cancel := context.WithTimeout(ctx, opts.PingTimeout)
			defer cancel()
			return pool.Ping(ctxPing)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
