package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/pipeline/orchestrator"
	"github.com/kada-mandiya/analytics/warehouse/runs"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []orchestrator.Options
	active   int
	overlaps int
	delay    time.Duration
}

func (f *fakeRunner) RunOnce(ctx context.Context, opts orchestrator.Options) orchestrator.Result {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.active++
	if f.active > 1 {
		f.overlaps++
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return orchestrator.Result{RunType: opts.RunType, Status: runs.StatusSuccess}
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_RunsImmediatelyAndOnTick(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, 20*time.Millisecond, nil)
	go s.Start(context.Background())

	require.Eventually(t, func() bool { return runner.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, RunType, runner.calls[0].RunType)
	assert.Zero(t, runner.overlaps)
}

func TestScheduler_TriggersCoalesce(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	s := New(runner, time.Hour, nil)
	go s.Start(context.Background())

	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		s.Trigger()
	}
	require.Eventually(t, func() bool { return runner.count() == 2 }, time.Second, time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	s.Stop()
	assert.Equal(t, 2, runner.count())
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	// Stop after exit must not block.
	s.Stop()
}

func TestNew_DefaultInterval(t *testing.T) {
	s := New(&fakeRunner{}, 0, nil)
	assert.Equal(t, DefaultInterval, s.interval)
}
