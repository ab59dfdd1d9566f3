package ingeststats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewClientFromRedis(rdb, "collector-1")
	fixed := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	return c, mr
}

func TestFlushBatchAndGetStats(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	b := NewBatch("collector")
	b.Add(3, 1, "10.0.0.1")
	b.Add(2, 0, "10.0.0.2")
	require.NoError(t, c.FlushBatch(ctx, b))

	stats, err := c.GetStats(ctx, "collector")
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.TotalAccepted)
	assert.Equal(t, int64(1), stats.TotalDeadLetter)
	assert.Equal(t, int64(5), stats.AcceptedLastHour)
	assert.Equal(t, int64(5), stats.AcceptedLast24h)
	assert.Equal(t, int64(2), stats.UniqueIPsToday)
	assert.Equal(t, "10.0.0.2", stats.LastClientIP)
	require.NotNil(t, stats.LastSeenAt)
	assert.Contains(t, stats.Instances, "collector-1")
}

func TestFlushBatch_EmptyIsNoop(t *testing.T) {
	c, mr := newTestClient(t)

	require.NoError(t, c.FlushBatch(context.Background(), NewBatch("tracking")))
	assert.Empty(t, mr.Keys())
}

func TestGetStats_UnknownSource(t *testing.T) {
	c, _ := newTestClient(t)

	stats, err := c.GetStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalAccepted)
	assert.Nil(t, stats.LastSeenAt)
}

func TestListSources(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, src := range []string{"collector", "tracking"} {
		b := NewBatch(src)
		b.Add(1, 0, "")
		require.NoError(t, c.FlushBatch(ctx, b))
	}

	sources, err := c.ListSources(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"collector", "tracking"}, sources)
}

func TestCollector_FlushOnStop(t *testing.T) {
	c, _ := newTestClient(t)

	col := NewCollector(c, time.Hour, nil)
	col.Record("tracking", 1, 0, "127.0.0.1")
	col.Record("tracking", 1, 0, "127.0.0.1")
	assert.Equal(t, int64(2), col.Pending()["tracking"])

	col.Stop()
	assert.Empty(t, col.Pending())

	stats, err := c.GetStats(context.Background(), "tracking")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAccepted)
}

func TestCollector_RequeuesOnFailure(t *testing.T) {
	c, mr := newTestClient(t)
	col := NewCollector(c, time.Hour, nil)
	defer col.Stop()

	mr.Close()
	col.Record("collector", 4, 0, "")
	col.FlushNow()

	assert.Equal(t, int64(4), col.Pending()["collector"])
}
