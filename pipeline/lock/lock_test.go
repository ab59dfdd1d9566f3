package lock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/warehouse/warehousetest"
)

func TestAdvisoryLock_Exclusive(t *testing.T) {
	wh := warehousetest.Start(t)
	ctx := context.Background()

	first := New(wh.DB.Pool, "pipeline_lock_test", nil)
	second := New(wh.DB.Pool, "pipeline_lock_test", nil)

	held, err := first.TryAcquire(ctx)
	require.NoError(t, err)

	_, err = second.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)

	held.Release(ctx)
	// Second release is a no-op.
	held.Release(ctx)

	again, err := second.TryAcquire(ctx)
	require.NoError(t, err)
	again.Release(ctx)
}

func TestAdvisoryLock_NamesAreIndependent(t *testing.T) {
	wh := warehousetest.Start(t)
	ctx := context.Background()

	a, err := New(wh.DB.Pool, "lock_a", nil).TryAcquire(ctx)
	require.NoError(t, err)
	defer a.Release(ctx)

	b, err := New(wh.DB.Pool, "lock_b", nil).TryAcquire(ctx)
	require.NoError(t, err)
	b.Release(ctx)
}

func TestAdvisoryLock_WithReleasesOnError(t *testing.T) {
	wh := warehousetest.Start(t)
	ctx := context.Background()
	l := New(wh.DB.Pool, "pipeline_with_test", nil)

	boom := errors.New("stage failed")
	err := l.With(ctx, func(ctx context.Context) error {
		_, inner := l.TryAcquire(ctx)
		assert.ErrorIs(t, inner, ErrNotAcquired)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	held, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	held.Release(ctx)
}

func TestAdvisoryLock_WithReleasesOnPanic(t *testing.T) {
	wh := warehousetest.Start(t)
	ctx := context.Background()
	l := New(wh.DB.Pool, "pipeline_panic_test", nil)

	assert.Panics(t, func() {
		_ = l.With(ctx, func(context.Context) error { panic("boom") })
	})

	held, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	held.Release(ctx)
}
