// Package stages holds the warehouse build steps run by the pipeline and
// the runner that executes them.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/warehouse/runs"
)

// Stage names. They double as run types in ops.etl_runs.
const (
	SeedBusinessEvents = "seed_business_events"
	SeedBehaviorEvents = "seed_behavior_events"
	BuildSilver        = "build_silver"
	BuildGold          = "build_gold"
)

// Stage is one idempotent unit of warehouse work. Run reports the rows it
// touched.
type Stage struct {
	Name string
	Run  func(ctx context.Context, exec database.Executor) (int64, error)
}

// Runner executes stages, each in its own transaction with its own run row.
type Runner struct {
	db     *database.Postgres
	runs   *runs.Log
	policy retry.Policy
	logger *logging.Logger
}

// DefaultPolicy retries transient database errors three times, two
// seconds apart.
func DefaultPolicy() retry.Policy {
	return retry.Constant(3, 2*time.Second)
}

// NewRunner creates a stage runner.
func NewRunner(db *database.Postgres, log *runs.Log, policy retry.Policy, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	if policy.MaxAttempts < 1 {
		policy = DefaultPolicy()
	}
	policy.Retryable = database.IsTransient
	return &Runner{db: db, runs: log, policy: policy, logger: logger}
}

// Run executes s. A failure is recorded on the stage's run row and
// returned wrapped with the stage name.
func (r *Runner) Run(ctx context.Context, s Stage) (int64, error) {
	runID, err := r.runs.Start(ctx, s.Name)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", s.Name, err)
	}
	logger := r.logger.With(logging.Stage(s.Name), logging.RunID(runID))

	policy := r.policy
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		logger.Warn("Stage failed, retrying",
			logging.Attempt(attempt),
			slog.Duration("wait", wait),
			logging.Error(err),
		)
	}

	start := time.Now()
	var rows int64
	err = retry.Do(ctx, func(ctx context.Context) error {
		return r.db.WithinTransaction(ctx, func(ctx context.Context) error {
			n, err := s.Run(ctx, r.db.GetExecutor(ctx))
			if err != nil {
				return err
			}
			rows = n
			return nil
		})
	}, policy)

	status, msg := runs.StatusSuccess, ""
	if err != nil {
		status, msg, rows = runs.StatusFailed, err.Error(), 0
	}
	if _, ferr := r.runs.Finish(context.WithoutCancel(ctx), runID, status, rows, msg); ferr != nil {
		logger.Error("Failed to finish stage run", logging.Error(ferr))
	}

	if err != nil {
		logger.Error("Stage failed", logging.Error(err))
		return 0, fmt.Errorf("stage %s: %w", s.Name, err)
	}
	logger.Info("Stage finished",
		logging.Rows(rows),
		logging.Duration(time.Since(start).Milliseconds()),
	)
	return rows, nil
}

type statement struct {
	name string
	sql  string
	args []any
}

// runStatements executes stmts in order and sums their affected rows.
func runStatements(ctx context.Context, exec database.Executor, stmts ...statement) (int64, error) {
	var total int64
	for _, st := range stmts {
		tag, err := exec.Exec(ctx, st.sql, st.args...)
		if err != nil {
			return total, fmt.Errorf("%s: %w", st.name, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
