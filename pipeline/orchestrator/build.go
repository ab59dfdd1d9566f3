package orchestrator

import (
	"context"
	"log/slog"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/pipeline/lock"
	"github.com/kada-mandiya/analytics/pipeline/stages"
	"github.com/kada-mandiya/analytics/warehouse/bronze"
	"github.com/kada-mandiya/analytics/warehouse/runs"

	natsclient "github.com/kada-mandiya/analytics/common/messaging/nats"
)

// DefaultCatalog wires the production stage implementations.
func DefaultCatalog(db *database.Postgres, c config.PipelineConfig) Catalog {
	w := bronze.NewWriter(db)
	seed := stages.SeedOptions{Orders: c.SeedCount}
	return Catalog{
		SeedBusiness: stages.SeedBusiness(w, seed),
		SeedBehavior: stages.SeedBehavior(w, seed),
		Silver:       stages.Silver(),
		Gold:         stages.Gold(nil),
	}
}

// Build assembles an orchestrator from configuration. When notifications
// are enabled but NATS is unreachable the orchestrator runs without them.
// The returned close func releases the notifier connection.
func Build(ctx context.Context, cfg *config.Config, db *database.Postgres, logger *logging.Logger) (*Orchestrator, func()) {
	policy := retry.FromConfig(cfg.Pipeline.StageRetry)
	policy.Multiplier = 1

	runLog := runs.NewLog(db)
	runner := stages.NewRunner(db, runLog, policy, logger)
	opts := []Option{WithLogger(logger)}

	closeFn := func() {}
	if cfg.Pipeline.Notify {
		js, err := natsclient.ConnectStreams(ctx,
			natsclient.FromConfig(cfg.NATS, "analytics-pipeline", logger.Logger),
			natsclient.PipelineRunsStream)
		if err != nil {
			logger.Warn("Run notifications unavailable, continuing without them", logging.Error(err))
		} else {
			opts = append(opts, WithNotifier(js))
			closeFn = func() { _ = js.Close() }
			logger.Info("Publishing run notifications", slog.String("stream", natsclient.PipelineRunsStream.Name))
		}
	}

	o := New(
		lock.New(db.Pool, cfg.Pipeline.LockName, logger),
		runLog,
		runner,
		DefaultCatalog(db, cfg.Pipeline),
		FromConfig(cfg.Pipeline),
		opts...,
	)
	return o, closeFn
}
