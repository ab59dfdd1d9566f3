package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kada-mandiya/analytics/common/config"
)

type txKey struct{}

// Executor is the subset of pgx shared by the pool and a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres bundles the connection pool with a dollar-placeholder statement builder.
type Postgres struct {
	Pool    *pgxpool.Pool
	Builder squirrel.StatementBuilderType
}

// Connect opens a pool for cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = 25
	poolCfg.MinConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= poolCfg.MaxConns {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := QueryContext(ctx)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		Pool:    pool,
		Builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Close releases every pooled connection.
func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// Ping checks store connectivity. Health endpoints call this outside of
// any transaction.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := QueryContext(ctx)
	defer cancel()
	return p.Pool.Ping(ctx)
}

// GetExecutor returns the transaction carried by ctx, or the pool.
func (p *Postgres) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return p.Pool
}

// InTransaction reports whether ctx carries a transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}

// WithinTransaction runs f inside a transaction stored on the context.
// If ctx already carries a transaction, f runs in a savepoint of it so a
// failure rolls back only f's statements. f's error is returned unchanged
// so callers can still classify it.
func (p *Postgres) WithinTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = p.Pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := f(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ExecIgnoreDuplicate executes a single statement in its own savepoint and
// reports whether it inserted. A unique violation rolls back only this
// statement and yields (false, nil).
func (p *Postgres) ExecIgnoreDuplicate(ctx context.Context, sql string, args ...any) (bool, error) {
	var affected int64
	err := p.WithinTransaction(ctx, func(ctx context.Context) error {
		tag, err := p.GetExecutor(ctx).Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return affected > 0, nil
}

// InsertIgnoreDuplicate builds ins and runs it through ExecIgnoreDuplicate.
func (p *Postgres) InsertIgnoreDuplicate(ctx context.Context, ins squirrel.InsertBuilder) (bool, error) {
	sql, args, err := ins.ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert: %w", err)
	}
	return p.ExecIgnoreDuplicate(ctx, sql, args...)
}
