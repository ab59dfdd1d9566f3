// Package orchestrator runs the warehouse pipeline under the cross-process
// lock and records the run lifecycle in ops.etl_runs.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/pipeline/lock"
	"github.com/kada-mandiya/analytics/pipeline/stages"
	"github.com/kada-mandiya/analytics/warehouse/runs"
)

// Seed modes.
const (
	SeedNone     = "none"
	SeedBusiness = "business"
	SeedAll      = "all"
)

// ErrInvalidSeedMode is reported for a seed mode other than none, business
// or all.
var ErrInvalidSeedMode = errors.New("seed mode must be one of: none, business, all")

// Catalog names the stage implementations the orchestrator can run.
type Catalog struct {
	SeedBusiness stages.Stage
	SeedBehavior stages.Stage
	Silver       stages.Stage
	Gold         stages.Stage
}

// Config selects the default stages.
type Config struct {
	StaleAfter   time.Duration
	EnableSilver bool
	EnableGold   bool
	SeedMode     string
}

// FromConfig maps the pipeline configuration block.
func FromConfig(c config.PipelineConfig) Config {
	return Config{
		StaleAfter:   c.StaleAfter,
		EnableSilver: c.EnableSilver,
		EnableGold:   c.EnableGold,
		SeedMode:     c.SeedMode,
	}
}

// Options adjusts a single run. Empty fields fall back to Config.
type Options struct {
	RunType  string
	SeedMode string
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name  string `json:"name" yaml:"name"`
	Rows  int64  `json:"rows" yaml:"rows"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result is the outcome of one orchestrated run.
type Result struct {
	RunID    string        `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	RunType  string        `json:"run_type" yaml:"run_type"`
	Status   string        `json:"status" yaml:"status"`
	Rows     int64         `json:"rows_inserted" yaml:"rows_inserted"`
	Stages   []StageResult `json:"stages,omitempty" yaml:"stages,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration_ns" yaml:"duration"`
}

// OK reports whether the run succeeded or was legitimately skipped.
func (r Result) OK() bool {
	return r.Status == runs.StatusSuccess || r.Status == runs.StatusSkipped
}

// Notifier publishes run outcomes. *nats.JetStreamClient satisfies it.
type Notifier interface {
	Publish(ctx context.Context, msg *messaging.Message) error
}

// Orchestrator runs the pipeline stages in order under the lock.
type Orchestrator struct {
	lock     *lock.AdvisoryLock
	runs     *runs.Log
	runner   *stages.Runner
	catalog  Catalog
	cfg      Config
	notifier Notifier
	logger   *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier publishes every outcome to analytics.pipeline.run.<status>.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(l *lock.AdvisoryLock, log *runs.Log, runner *stages.Runner, catalog Catalog, cfg Config, opts ...Option) *Orchestrator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	o := &Orchestrator{
		lock:    l,
		runs:    log,
		runner:  runner,
		catalog: catalog,
		cfg:     cfg,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan returns the stages a run with seedMode executes.
func (o *Orchestrator) Plan(seedMode string) ([]stages.Stage, error) {
	mode := strings.ToLower(strings.TrimSpace(seedMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(o.cfg.SeedMode))
	}
	if mode == "" {
		mode = SeedNone
	}

	var plan []stages.Stage
	switch mode {
	case SeedNone:
	case SeedBusiness:
		plan = append(plan, o.catalog.SeedBusiness)
	case SeedAll:
		plan = append(plan, o.catalog.SeedBusiness, o.catalog.SeedBehavior)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeedMode, seedMode)
	}
	if o.cfg.EnableSilver {
		plan = append(plan, o.catalog.Silver)
	}
	if o.cfg.EnableGold {
		plan = append(plan, o.catalog.Gold)
	}
	return plan, nil
}

// RunType labels a plan, e.g. "seed_business_events+build_silver+build_gold".
func RunType(plan []stages.Stage) string {
	names := make([]string, len(plan))
	for i, s := range plan {
		names[i] = s.Name
	}
	if len(names) == 0 {
		return "pipeline_empty"
	}
	return strings.Join(names, "+")
}

// RunOnce reaps stale runs, takes the lock and runs the plan. Stage
// failures stop the run and are reported in the Result, never returned.
func (o *Orchestrator) RunOnce(ctx context.Context, opts Options) Result {
	start := time.Now()
	res := o.runOnce(ctx, opts)
	res.Duration = time.Since(start)
	o.notify(ctx, res)
	return res
}

func (o *Orchestrator) runOnce(ctx context.Context, opts Options) Result {
	if n, err := o.runs.FailStale(ctx, o.cfg.StaleAfter, ""); err != nil {
		o.logger.Warn("Failed to reap stale runs", logging.Error(err))
	} else if n > 0 {
		o.logger.Warn("Reaped stale pipeline runs", slog.Int64("count", n))
	}

	plan, err := o.Plan(opts.SeedMode)
	runType := opts.RunType
	if runType == "" {
		runType = RunType(plan)
	}
	res := Result{RunType: runType}
	if err != nil {
		return o.failed(res, err)
	}
	logger := o.logger.With(logging.RunType(runType))

	if len(plan) == 0 {
		logger.Info("No pipeline stages enabled; skipping")
		return o.skipped(ctx, res, "no stages enabled")
	}

	held, err := o.lock.TryAcquire(ctx)
	if errors.Is(err, lock.ErrNotAcquired) {
		logger.Info("Another pipeline run is in progress; skipping")
		return o.skipped(ctx, res, "lock "+o.lock.Name()+" held by another run")
	}
	if err != nil {
		return o.failed(res, err)
	}
	defer held.Release(ctx)

	runID, err := o.runs.Start(ctx, runType)
	if err != nil {
		return o.failed(res, err)
	}
	res.RunID = runID
	logger = logger.With(logging.RunID(runID))
	logger.Info("Pipeline run started", slog.Int("stages", len(plan)))

	var stageErr error
	for _, s := range plan {
		rows, err := o.runner.Run(ctx, s)
		sr := StageResult{Name: s.Name, Rows: rows}
		res.Rows += rows
		if err != nil {
			sr.Error = err.Error()
			res.Stages = append(res.Stages, sr)
			stageErr = err
			break
		}
		res.Stages = append(res.Stages, sr)
	}

	res.Status = runs.StatusSuccess
	if stageErr != nil {
		res.Status = runs.StatusFailed
		res.Error = runs.TruncateError(stageErr.Error())
	}
	if _, err := o.runs.Finish(context.WithoutCancel(ctx), runID, res.Status, res.Rows, res.Error); err != nil {
		logger.Error("Failed to finish pipeline run", logging.Error(err))
	}

	if stageErr != nil {
		logger.Error("Pipeline run failed", logging.Rows(res.Rows), logging.Error(stageErr))
	} else {
		logger.Info("Pipeline run finished", logging.Rows(res.Rows))
	}
	return res
}

func (o *Orchestrator) skipped(ctx context.Context, res Result, reason string) Result {
	res.Status = runs.StatusSkipped
	res.Error = reason
	id, err := o.runs.RecordSkipped(ctx, res.RunType, reason)
	if err != nil {
		o.logger.Warn("Failed to record skipped run", logging.RunType(res.RunType), logging.Error(err))
		return res
	}
	res.RunID = id
	return res
}

func (o *Orchestrator) failed(res Result, err error) Result {
	o.logger.Error("Pipeline run could not start", logging.RunType(res.RunType), logging.Error(err))
	res.Status = runs.StatusFailed
	res.Error = runs.TruncateError(err.Error())
	return res
}

func (o *Orchestrator) notify(ctx context.Context, res Result) {
	if o.notifier == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		o.logger.Warn("Failed to encode run notification", logging.Error(err))
		return
	}
	msg := &messaging.Message{
		Subject:     messaging.PipelineRunSubject(res.Status),
		Data:        data,
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
	}
	if res.RunID != "" {
		msg.MessageID = res.RunID + ":" + res.Status
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.notifier.Publish(ctx, msg); err != nil {
		o.logger.Warn("Failed to publish run notification",
			logging.RunID(res.RunID),
			logging.Error(err),
		)
	}
}
