package app

import (
	"context"
	"time"

	"warden/cmd/internal/retry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewDBPool builds a pgxpool and waits, with backoff, until it can hand out a connection.
// Migrations are run separately (see migrations.Up and `warden migrate`).
func NewDBPool(ctx context.Context, cfg DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	err = retry.Do(ctx, bootstrapRetry, log, "db.connect", nil, func(ctx context.Context) error {
		return PingDB(ctx, pool, 3*time.Second)
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// bootstrapRetry covers a database or broker that comes up a little after warden.
var bootstrapRetry = retry.Config{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  15 * time.Second,
	MaxAttempts:     8,
}
