package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Initial: time.Millisecond, Max: 4 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("blip")
		}
		return nil
	}, fastPolicy(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("down")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	}, fastPolicy(5))

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 5, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("bad data")
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	}, p)

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_SingleAttempt(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("x")
	}, Policy{})
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetry(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.OnRetry = func(err error, attempt int, wait time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), func(ctx context.Context) error {
		return errors.New("x")
	}, p)

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("x")
	}, Policy{MaxAttempts: 5, Initial: time.Second, Max: time.Second})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestReconnect_Schedule(t *testing.T) {
	b := Reconnect(time.Second, 30*time.Second)

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}

func TestConstant(t *testing.T) {
	p := Constant(3, 2*time.Second)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, float64(1), p.Multiplier)
	assert.Equal(t, 2*time.Second, p.Max)
}
