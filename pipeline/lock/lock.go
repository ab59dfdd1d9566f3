// Package lock provides the cross-process pipeline lock backed by a
// PostgreSQL session-level advisory lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kada-mandiya/analytics/common/logging"
)

// ErrNotAcquired means another session holds the lock.
var ErrNotAcquired = errors.New("lock held by another run")

// AdvisoryLock is a named lock shared by every process using the same
// database. Acquisition never waits.
type AdvisoryLock struct {
	pool   *pgxpool.Pool
	name   string
	logger *logging.Logger
}

// New creates a lock named name over pool.
func New(pool *pgxpool.Pool, name string, logger *logging.Logger) *AdvisoryLock {
	if logger == nil {
		logger = logging.Nop()
	}
	return &AdvisoryLock{pool: pool, name: name, logger: logger}
}

// Name returns the lock name.
func (l *AdvisoryLock) Name() string {
	return l.name
}

// Held is an acquired lock pinned to its own connection.
type Held struct {
	conn   *pgxpool.Conn
	name   string
	logger *logging.Logger
}

// TryAcquire takes the lock on a dedicated connection or returns
// ErrNotAcquired immediately.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (*Held, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", l.name).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to try lock %s: %w", l.name, err)
	}
	if !ok {
		conn.Release()
		l.logger.Info("Pipeline lock not acquired", slog.String("lock", l.name))
		return nil, ErrNotAcquired
	}

	l.logger.Info("Pipeline lock acquired", slog.String("lock", l.name))
	return &Held{conn: conn, name: l.name, logger: l.logger}, nil
}

// Release unlocks and returns the connection to the pool. When the unlock
// statement fails the connection is closed, which drops the lock with the
// session.
func (h *Held) Release(ctx context.Context) {
	if h == nil || h.conn == nil {
		return
	}
	conn := h.conn
	h.conn = nil

	var released bool
	err := conn.QueryRow(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock(hashtext($1))", h.name).Scan(&released)
	if err != nil || !released {
		h.logger.Warn("Failed to release pipeline lock", slog.String("lock", h.name), logging.Error(err))
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		return
	}
	conn.Release()
	h.logger.Info("Pipeline lock released", slog.String("lock", h.name))
}

// With runs fn while holding the lock. The lock is released even when fn
// panics.
func (l *AdvisoryLock) With(ctx context.Context, fn func(ctx context.Context) error) error {
	held, err := l.TryAcquire(ctx)
	if err != nil {
		return err
	}
	defer held.Release(ctx)
	return fn(ctx)
}
