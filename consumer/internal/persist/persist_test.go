package persist

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/warehouse/warehousetest"
)

func newPersister(wh *warehousetest.Warehouse) *Persister {
	return New(wh.DB, "rabbitmq",
		WithRetry(retry.Constant(1, time.Millisecond)),
		WithClock(func() time.Time { return now }))
}

func TestPersist_BusinessEvent(t *testing.T) {
	wh := warehousetest.Start(t)
	p := newPersister(wh)
	ctx := context.Background()

	ev := event(t, "order.created", `{"order_id":"O-1","service":"orders"}`)
	res, err := p.Persist(ctx, "fp-1", ev)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, TargetBusiness, res.Target)
	assert.Equal(t, 1, res.Rows)

	assert.Equal(t, 1, wh.Count(t, "bronze.business_events", ""))
	assert.Equal(t, 0, wh.Count(t, "bronze.order_payment_events", ""))
	assert.Equal(t, 1, wh.Count(t, "ops.event_fingerprints", "fingerprint = 'fp-1'"))
}

func TestPersist_DuplicateFingerprint(t *testing.T) {
	wh := warehousetest.Start(t)
	p := newPersister(wh)
	ctx := context.Background()

	_, err := p.Persist(ctx, "fp-dup", event(t, "order.created", `{"order_id":"O-1"}`))
	require.NoError(t, err)

	// A redelivery gets a fresh generated event id but the same fingerprint.
	res, err := p.Persist(ctx, "fp-dup", event(t, "order.created", `{"order_id":"O-1"}`))
	require.NoError(t, err)
	assert.False(t, res.Inserted)

	assert.Equal(t, 1, wh.Count(t, "bronze.business_events", ""))
}

func TestPersist_DuplicateNaturalID(t *testing.T) {
	wh := warehousetest.Start(t)
	p := newPersister(wh)
	ctx := context.Background()

	id := uuid.New().String()
	_, err := p.Persist(ctx, "fp-a", event(t, "order.created", `{"event_id":"`+id+`","v":1}`))
	require.NoError(t, err)

	res, err := p.Persist(ctx, "fp-b", event(t, "order.created", `{"event_id":"`+id+`","v":2}`))
	require.NoError(t, err)
	assert.False(t, res.Inserted)

	assert.Equal(t, 1, wh.Count(t, "bronze.business_events", ""))
	assert.Equal(t, 1, wh.Count(t, "ops.processed_events", ""))
	// The second fingerprint is still recorded so redeliveries short-circuit.
	assert.Equal(t, 2, wh.Count(t, "ops.event_fingerprints", ""))
}

func TestPersist_PaidFansOutToOrderPayments(t *testing.T) {
	wh := warehousetest.Start(t)
	p := newPersister(wh)
	ctx := context.Background()

	ev := event(t, "order.paid", `{"order_id":"O-7","total_amount":"99.90","currency":"LKR"}`)
	res, err := p.Persist(ctx, "fp-paid", ev)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, 2, res.Rows)

	assert.Equal(t, 1, wh.Count(t, "bronze.order_payment_events",
		"event_id::text = $1 AND order_id = 'O-7' AND status = 'paid' AND total_amount = 99.90", ev.EventID.String()))
}

func TestPersist_UIEvents(t *testing.T) {
	wh := warehousetest.Start(t)
	p := newPersister(wh)
	ctx := context.Background()

	cases := []struct {
		rk    string
		body  string
		table string
	}{
		{"ui.page_view", `{"correlation_id":"s1","page_url":"/home"}`, "bronze.page_view_events"},
		{"ui.click", `{"correlation_id":"s1","page_url":"/home","element_id":"hero"}`, "bronze.click_events"},
		{"ui.add_to_cart", `{"correlation_id":"s1","page_url":"/p/1","product_id":"SKU-1","quantity":2}`, "bronze.cart_events"},
		{"ui.begin_checkout", `{"correlation_id":"s1","page_url":"/cart","order_id":"O-1"}`, "bronze.checkout_events"},
	}
	for i, c := range cases {
		res, err := p.Persist(ctx, "fp-ui-"+string(rune('a'+i)), event(t, c.rk, c.body))
		require.NoError(t, err, c.rk)
		assert.True(t, res.Inserted, c.rk)
		assert.Equal(t, 1, wh.Count(t, c.table, "session_id = 's1'"), c.table)
	}
	assert.Equal(t, 0, wh.Count(t, "bronze.business_events", ""))
}

func TestPersist_PermanentErrorNotRetried(t *testing.T) {
	wh := warehousetest.Start(t)
	ctx := context.Background()

	_, err := wh.DB.Pool.Exec(ctx, `ALTER TABLE bronze.business_events RENAME TO business_events_gone`)
	require.NoError(t, err)

	var logs bytes.Buffer
	p := New(wh.DB, "rabbitmq",
		WithRetry(retry.Constant(3, time.Millisecond)),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithClock(func() time.Time { return now }))

	_, err = p.Persist(ctx, "fp-missing", event(t, "order.created", `{"order_id":"O-1"}`))
	require.Error(t, err)
	assert.NotContains(t, logs.String(), "retrying event insert")
	assert.Equal(t, 0, wh.Count(t, "ops.event_fingerprints", "fingerprint = 'fp-missing'"))
}
