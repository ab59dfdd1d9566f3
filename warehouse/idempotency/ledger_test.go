package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/warehouse/warehousetest"
)

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable("", 10))
	assert.Equal(t, "abc", nullable("abc", 10))
	assert.Equal(t, "ab", nullable("abc", 2))
	assert.Equal(t, DefaultSource, sourceOrDefault(""))
	assert.Len(t, sourceOrDefault(strings.Repeat("s", 80)), 50)
}

func TestClaimFingerprint(t *testing.T) {
	wh := warehousetest.Start(t)
	ledger := NewLedger(wh.DB)
	ctx := context.Background()
	require.NoError(t, ledger.EnsureTables(ctx))

	fp := strings.Repeat("a", 64)
	now := time.Now()

	first, err := ledger.ClaimFingerprint(ctx, fp, now, "rabbitmq")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := ledger.ClaimFingerprint(ctx, fp, now, "rabbitmq")
	require.NoError(t, err)
	assert.False(t, second, "second claim must report duplicate without error")

	assert.Equal(t, 1, wh.Count(t, "ops.event_fingerprints", "fingerprint = $1", fp))
}

func TestClaimFingerprint_NonDuplicateErrorPropagates(t *testing.T) {
	wh := warehousetest.Start(t)
	ledger := NewLedger(wh.DB)

	// 65 characters overflows varchar(64): a real error, not a duplicate.
	_, err := ledger.ClaimFingerprint(context.Background(), strings.Repeat("b", 65), time.Now(), "")
	require.Error(t, err)
}

func TestClaimFingerprint_DuplicateKeepsOuterTransaction(t *testing.T) {
	wh := warehousetest.Start(t)
	ledger := NewLedger(wh.DB)
	ctx := context.Background()
	fp := strings.Repeat("c", 64)

	_, err := ledger.ClaimFingerprint(ctx, fp, time.Now(), "")
	require.NoError(t, err)

	other := strings.Repeat("d", 64)
	err = wh.DB.WithinTransaction(ctx, func(ctx context.Context) error {
		dup, err := ledger.ClaimFingerprint(ctx, fp, time.Now(), "")
		if err != nil {
			return err
		}
		if dup {
			return errors.New("expected duplicate")
		}
		// The transaction is still usable after the duplicate.
		_, err = ledger.ClaimFingerprint(ctx, other, time.Now(), "")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, wh.Count(t, "ops.event_fingerprints", "fingerprint = $1", other))
}

func TestClaimFingerprint_ConcurrentSingleWinner(t *testing.T) {
	wh := warehousetest.Start(t)
	ledger := NewLedger(wh.DB)
	fp := strings.Repeat("e", 64)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.ClaimFingerprint(context.Background(), fp, time.Now(), "")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestClaimEventID(t *testing.T) {
	wh := warehousetest.Start(t)
	ledger := NewLedger(wh.DB)
	ctx := context.Background()
	id := uuid.New()

	first, err := ledger.ClaimEventID(ctx, id, time.Now(), "order.paid", "m-1", "")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := ledger.ClaimEventID(ctx, id, time.Now(), "order.paid", "m-2", "")
	require.NoError(t, err)
	assert.False(t, second)

	assert.Equal(t, 1, wh.Count(t, "ops.processed_events", "event_id = $1 AND message_id = 'm-1' AND source = 'rabbitmq'", id.String()))
}
