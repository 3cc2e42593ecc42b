// Package postgres implements the scheduler's durable store on PostgreSQL
// via pgx. The scheduler exclusively owns the scheduled_jobs,
// job_occurrences, and failed_occurrences tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvasoft/milvaion/internal/logger"
)

// ErrNotFound indicates the requested row does not exist
var ErrNotFound = errors.New("row not found")

// Open creates a pgx pool without verifying connectivity; startup recovery
// waits for the store with WaitReady before touching it.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// WaitReady blocks until the store answers a ping, retrying with exponential
// backoff, or the context is cancelled. Used by startup recovery.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, log logger.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pool.Ping(pingCtx)
		cancel()

		if err == nil {
			return nil
		}

		log.Warn("Store not reachable yet, retrying",
			"attempt", attempt,
			"error", err,
			"retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// IsForeignKeyViolation reports whether err is a foreign key violation
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
