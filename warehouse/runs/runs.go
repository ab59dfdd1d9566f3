// Package runs records pipeline run lifecycles in ops.etl_runs.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/kada-mandiya/analytics/common/database"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// MaxErrorLength bounds stored error messages; longer text gets "..." appended.
const MaxErrorLength = 3800

// ErrNotFound is returned by Latest when no run of the type exists.
var ErrNotFound = errors.New("run not found")

// Run is one ops.etl_runs row.
type Run struct {
	ID           string     `json:"run_id" yaml:"run_id"`
	Type         string     `json:"run_type" yaml:"run_type"`
	Status       string     `json:"status" yaml:"status"`
	StartedAt    time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	RowsInserted int64      `json:"rows_inserted" yaml:"rows_inserted"`
	ErrorMessage *string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	return r.FinishedAt != nil
}

// Log writes run rows. Every call commits on its own so a run row survives
// the failure of the work it describes.
type Log struct {
	db *database.Postgres
}

// NewLog creates a run log over db.
func NewLog(db *database.Postgres) *Log {
	return &Log{db: db}
}

// Start inserts a running row and returns its id.
func (l *Log) Start(ctx context.Context, runType string) (string, error) {
	sql, args, err := l.db.Builder.
		Insert("ops.etl_runs").
		Columns("run_type", "started_at", "status", "rows_inserted").
		Values(truncate(runType, 200), squirrel.Expr("now()"), StatusRunning, 0).
		Suffix("RETURNING run_id::text").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("failed to build run insert: %w", err)
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var id string
	if err := l.db.Pool.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// Finish moves a running row to its terminal status. It reports false when
// the row was already finished, which makes the transition happen at most once.
func (l *Log) Finish(ctx context.Context, runID, status string, rows int64, errMsg string) (bool, error) {
	var msg any
	if errMsg != "" {
		msg = TruncateError(errMsg)
	}
	sql, args, err := l.db.Builder.
		Update("ops.etl_runs").
		Set("finished_at", squirrel.Expr("now()")).
		Set("status", truncate(status, 32)).
		Set("rows_inserted", rows).
		Set("error_message", msg).
		Where(squirrel.Eq{"run_id": runID}).
		Where("finished_at IS NULL").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build run update: %w", err)
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := l.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordSkipped writes an already finished skipped row.
func (l *Log) RecordSkipped(ctx context.Context, runType, reason string) (string, error) {
	sql, args, err := l.db.Builder.
		Insert("ops.etl_runs").
		Columns("run_type", "started_at", "finished_at", "status", "rows_inserted", "error_message").
		Values(truncate(runType, 200), squirrel.Expr("now()"), squirrel.Expr("now()"), StatusSkipped, 0, nullable(reason)).
		Suffix("RETURNING run_id::text").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("failed to build skipped run insert: %w", err)
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var id string
	if err := l.db.Pool.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to record skipped run: %w", err)
	}
	return id, nil
}

// FailStale marks running rows older than olderThan as failed and returns how
// many were reaped. A non-empty prefix limits the sweep to matching run types.
func (l *Log) FailStale(ctx context.Context, olderThan time.Duration, prefix string) (int64, error) {
	minutes := int(olderThan / time.Minute)
	cutoff := time.Now().UTC().Add(-olderThan)

	upd := l.db.Builder.
		Update("ops.etl_runs").
		Set("finished_at", squirrel.Expr("now()")).
		Set("status", StatusFailed).
		Set("error_message", fmt.Sprintf("Auto-failed stale running run (older than %d minutes).", minutes)).
		Where(squirrel.Eq{"status": StatusRunning}).
		Where("finished_at IS NULL").
		Where(squirrel.Lt{"started_at": cutoff})
	if prefix != "" {
		upd = upd.Where(squirrel.Like{"run_type": prefix + "%"})
	}
	sql, args, err := upd.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build stale run update: %w", err)
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := l.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *Log) selectRuns() squirrel.SelectBuilder {
	return l.db.Builder.
		Select("run_id::text", "run_type", "status", "started_at", "finished_at", "rows_inserted", "error_message").
		From("ops.etl_runs")
}

// Get returns one run by id.
func (l *Log) Get(ctx context.Context, runID string) (*Run, error) {
	return l.one(ctx, l.selectRuns().Where(squirrel.Eq{"run_id": runID}))
}

// Latest returns the most recently started run of runType.
func (l *Log) Latest(ctx context.Context, runType string) (*Run, error) {
	return l.one(ctx, l.selectRuns().
		Where(squirrel.Eq{"run_type": runType}).
		OrderBy("started_at DESC").
		Limit(1))
}

// List returns the newest runs first.
func (l *Log) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	sql, args, err := l.selectRuns().OrderBy("started_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build run query: %w", err)
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := l.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (l *Log) one(ctx context.Context, q squirrel.SelectBuilder) (*Run, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build run query: %w", err)
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	r, err := scanRun(l.db.Pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	if err := row.Scan(&r.ID, &r.Type, &r.Status, &r.StartedAt, &r.FinishedAt, &r.RowsInserted, &r.ErrorMessage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}

// TruncateError bounds a stored error message.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLength {
		return msg
	}
	return string(r[:MaxErrorLength]) + "..."
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return TruncateError(s)
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
