// Package scheduler runs the pipeline periodically.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/pipeline/orchestrator"
)

// RunType labels scheduled runs in ops.etl_runs.
const RunType = "pipeline_scheduled"

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 5 * time.Minute

// Runner executes one pipeline run.
type Runner interface {
	RunOnce(ctx context.Context, opts orchestrator.Options) orchestrator.Result
}

// Scheduler triggers pipeline runs on an interval. Runs never overlap
// within one process; ticks and triggers that arrive during a run collapse
// into a single follow-up run.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *logging.Logger

	trigger  chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler.
func New(runner Runner, interval time.Duration, logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs immediately and then on every tick until Stop is called or
// ctx is done. It blocks; call it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	s.logger.Info("Pipeline scheduler started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx)

	for {
		select {
		case <-ticker.C:
			s.run(ctx)
		case <-s.trigger:
			s.run(ctx)
		case <-s.stop:
			s.logger.Info("Pipeline scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Pipeline scheduler context cancelled")
			return
		}
	}
}

// Trigger requests a run as soon as the current one, if any, finishes.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop signals the scheduler to stop and waits for the current run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res := s.runner.RunOnce(ctx, orchestrator.Options{RunType: RunType})
	s.logger.Info("Scheduled pipeline run",
		logging.RunID(res.RunID),
		slog.String("status", res.Status),
		logging.Rows(res.Rows),
		logging.Duration(res.Duration.Milliseconds()),
	)
}
