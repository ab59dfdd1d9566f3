package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/pipeline/lock"
	"github.com/kada-mandiya/analytics/pipeline/stages"
	"github.com/kada-mandiya/analytics/warehouse/runs"
	"github.com/kada-mandiya/analytics/warehouse/warehousetest"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) stage(name string, rows int64, err error) stages.Stage {
	return stages.Stage{
		Name: name,
		Run: func(context.Context, database.Executor) (int64, error) {
			r.mu.Lock()
			r.order = append(r.order, name)
			r.mu.Unlock()
			return rows, err
		},
	}
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (f *fakeNotifier) Publish(_ context.Context, msg *messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

type fixture struct {
	wh   *warehousetest.Warehouse
	log  *runs.Log
	lock *lock.AdvisoryLock
	rec  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wh := warehousetest.Start(t)
	return &fixture{
		wh:   wh,
		log:  runs.NewLog(wh.DB),
		lock: lock.New(wh.DB.Pool, "pipeline_test", nil),
		rec:  &recorder{},
	}
}

func (f *fixture) orchestrator(catalog Catalog, cfg Config, opts ...Option) *Orchestrator {
	runner := stages.NewRunner(f.wh.DB, f.log, retry.Constant(1, time.Millisecond), nil)
	return New(f.lock, f.log, runner, catalog, cfg, opts...)
}

func (f *fixture) catalog() Catalog {
	return Catalog{
		SeedBusiness: f.rec.stage(stages.SeedBusinessEvents, 20, nil),
		SeedBehavior: f.rec.stage(stages.SeedBehaviorEvents, 60, nil),
		Silver:       f.rec.stage(stages.BuildSilver, 7, nil),
		Gold:         f.rec.stage(stages.BuildGold, 3, nil),
	}
}

func TestPlan(t *testing.T) {
	rec := &recorder{}
	catalog := Catalog{
		SeedBusiness: rec.stage(stages.SeedBusinessEvents, 0, nil),
		SeedBehavior: rec.stage(stages.SeedBehaviorEvents, 0, nil),
		Silver:       rec.stage(stages.BuildSilver, 0, nil),
		Gold:         rec.stage(stages.BuildGold, 0, nil),
	}
	o := New(nil, nil, nil, catalog, Config{EnableSilver: true, EnableGold: true, SeedMode: SeedBusiness})

	tests := []struct {
		mode string
		want string
	}{
		{"", "seed_business_events+build_silver+build_gold"},
		{"none", "build_silver+build_gold"},
		{" ALL ", "seed_business_events+seed_behavior_events+build_silver+build_gold"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			plan, err := o.Plan(tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, RunType(plan))
		})
	}

	_, err := o.Plan("everything")
	assert.ErrorIs(t, err, ErrInvalidSeedMode)

	empty := New(nil, nil, nil, catalog, Config{})
	plan, err := empty.Plan("")
	require.NoError(t, err)
	assert.Empty(t, plan)
	assert.Equal(t, "pipeline_empty", RunType(plan))
}

func TestResult_OK(t *testing.T) {
	assert.True(t, Result{Status: runs.StatusSuccess}.OK())
	assert.True(t, Result{Status: runs.StatusSkipped}.OK())
	assert.False(t, Result{Status: runs.StatusFailed}.OK())
}

func TestRunOnce_Success(t *testing.T) {
	f := newFixture(t)
	notifier := &fakeNotifier{}
	o := f.orchestrator(f.catalog(), Config{EnableSilver: true, EnableGold: true}, WithNotifier(notifier))
	ctx := context.Background()

	res := o.RunOnce(ctx, Options{RunType: "pipeline_manual", SeedMode: SeedAll})
	require.Equal(t, runs.StatusSuccess, res.Status, res.Error)
	assert.True(t, res.OK())
	assert.Equal(t, int64(90), res.Rows)
	assert.Len(t, res.Stages, 4)
	assert.Equal(t, []string{
		stages.SeedBusinessEvents, stages.SeedBehaviorEvents, stages.BuildSilver, stages.BuildGold,
	}, f.rec.ran())

	run, err := f.log.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "pipeline_manual", run.Type)
	assert.Equal(t, runs.StatusSuccess, run.Status)
	assert.Equal(t, int64(90), run.RowsInserted)
	assert.NotNil(t, run.FinishedAt)

	// Each stage also records its own row.
	stageRun, err := f.log.Latest(ctx, stages.BuildGold)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stageRun.RowsInserted)

	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, "analytics.pipeline.run.success", notifier.msgs[0].Subject)
	assert.Equal(t, res.RunID+":success", notifier.msgs[0].MessageID)
	assert.Contains(t, string(notifier.msgs[0].Data), `"status":"success"`)
}

func TestRunOnce_FailsFast(t *testing.T) {
	f := newFixture(t)
	catalog := f.catalog()
	catalog.Silver = f.rec.stage(stages.BuildSilver, 0, errors.New("silver exploded"))
	o := f.orchestrator(catalog, Config{EnableSilver: true, EnableGold: true})
	ctx := context.Background()

	res := o.RunOnce(ctx, Options{SeedMode: SeedBusiness})
	assert.Equal(t, runs.StatusFailed, res.Status)
	assert.False(t, res.OK())
	assert.Equal(t, "seed_business_events+build_silver+build_gold", res.RunType)
	assert.Equal(t, []string{stages.SeedBusinessEvents, stages.BuildSilver}, f.rec.ran())
	assert.Contains(t, res.Error, "silver exploded")
	require.Len(t, res.Stages, 2)
	assert.NotEmpty(t, res.Stages[1].Error)

	run, err := f.log.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, run.Status)
	assert.Equal(t, int64(20), run.RowsInserted)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "silver exploded")
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(f.catalog(), Config{EnableSilver: true})
	ctx := context.Background()

	held, err := lock.New(f.wh.DB.Pool, "pipeline_test", nil).TryAcquire(ctx)
	require.NoError(t, err)
	defer held.Release(ctx)

	res := o.RunOnce(ctx, Options{})
	assert.Equal(t, runs.StatusSkipped, res.Status)
	assert.True(t, res.OK())
	assert.Empty(t, f.rec.ran())
	assert.Contains(t, res.Error, "pipeline_test")

	run, err := f.log.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSkipped, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestRunOnce_EmptyPlanIsSkipped(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(f.catalog(), Config{})

	res := o.RunOnce(context.Background(), Options{})
	assert.Equal(t, runs.StatusSkipped, res.Status)
	assert.Equal(t, "pipeline_empty", res.RunType)
	assert.Equal(t, "no stages enabled", res.Error)
	assert.Equal(t, 1, f.wh.Count(t, "ops.etl_runs", "status = 'skipped'"))
}

func TestRunOnce_InvalidSeedMode(t *testing.T) {
	f := newFixture(t)
	notifier := &fakeNotifier{}
	o := f.orchestrator(f.catalog(), Config{EnableSilver: true}, WithNotifier(notifier))

	res := o.RunOnce(context.Background(), Options{SeedMode: "sometimes"})
	assert.Equal(t, runs.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "seed mode")
	assert.Empty(t, f.rec.ran())
	assert.Zero(t, f.wh.Count(t, "ops.etl_runs", ""))

	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, "analytics.pipeline.run.failed", notifier.msgs[0].Subject)
	assert.Empty(t, notifier.msgs[0].MessageID)
}

func TestRunOnce_ReapsStaleRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wh.DB.Pool.Exec(ctx, `
		INSERT INTO ops.etl_runs (run_type, started_at, status)
		VALUES ('pipeline_crashed', now() - interval '1 hour', 'running')`)
	require.NoError(t, err)

	o := f.orchestrator(f.catalog(), Config{EnableGold: true, StaleAfter: 10 * time.Minute})
	res := o.RunOnce(ctx, Options{})
	require.Equal(t, runs.StatusSuccess, res.Status, res.Error)

	stale, err := f.log.Latest(ctx, "pipeline_crashed")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, stale.Status)
	assert.Zero(t, f.wh.Count(t, "ops.etl_runs", "status = 'running'"))
}
