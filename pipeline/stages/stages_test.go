package stages

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/warehouse/bronze"
	"github.com/kada-mandiya/analytics/warehouse/runs"
	"github.com/kada-mandiya/analytics/warehouse/warehousetest"
)

func fastPolicy() retry.Policy {
	return retry.Constant(3, time.Millisecond)
}

func TestSeedRunID(t *testing.T) {
	now := time.Date(2026, 1, 2, 23, 0, 0, 0, time.FixedZone("x", -5*3600))
	assert.Equal(t, "2026-01-03-seed-business", SeedRunID(now))
}

func TestCents(t *testing.T) {
	assert.Equal(t, "12.05", cents(1205))
	assert.Equal(t, "0.00", cents(0))
}

func TestGenerateOrders_Deterministic(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	opts := SeedOptions{Orders: 5}.withDefaults()

	a, err := generateOrders(now, SeedRunID(now), opts)
	require.NoError(t, err)
	b, err := generateOrders(now, SeedRunID(now), opts)
	require.NoError(t, err)

	require.Len(t, a, 10)
	for i := range a {
		assert.Equal(t, a[i].EventType, b[i].EventType)
		assert.Equal(t, a[i].EventTimestamp, b[i].EventTimestamp)
		assert.Contains(t, a[i].Payload, `"seed_run_id":"2026-01-02-seed-business"`)
		assert.False(t, a[i].EventTimestamp.After(now.Add(time.Hour)))
	}
	for i := 1; i < len(a); i++ {
		assert.False(t, a[i].EventTimestamp.Before(a[i-1].EventTimestamp))
	}
}

func TestFirstProduct(t *testing.T) {
	assert.Equal(t, "P007", firstProduct(`{"items":[{"product_id":"P007"}]}`))
	assert.Equal(t, "P001", firstProduct(`{"product_id":"P001"}`))
	assert.Empty(t, firstProduct(`not json`))
}

func TestRunner_RecordsSuccess(t *testing.T) {
	wh := warehousetest.Start(t)
	log := runs.NewLog(wh.DB)
	runner := NewRunner(wh.DB, log, fastPolicy(), nil)
	ctx := context.Background()

	rows, err := runner.Run(ctx, Stage{
		Name: "test_stage",
		Run: func(context.Context, database.Executor) (int64, error) {
			return 5, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rows)

	run, err := log.Latest(ctx, "test_stage")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuccess, run.Status)
	assert.Equal(t, int64(5), run.RowsInserted)
}

func TestRunner_RetriesTransientErrors(t *testing.T) {
	wh := warehousetest.Start(t)
	runner := NewRunner(wh.DB, runs.NewLog(wh.DB), fastPolicy(), nil)

	attempts := 0
	rows, err := runner.Run(context.Background(), Stage{
		Name: "flaky",
		Run: func(context.Context, database.Executor) (int64, error) {
			attempts++
			if attempts < 3 {
				return 0, errors.New("connection reset by peer")
			}
			return 1, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.Equal(t, 3, attempts)
}

func TestRunner_PermanentErrorFailsRunAndRollsBack(t *testing.T) {
	wh := warehousetest.Start(t)
	log := runs.NewLog(wh.DB)
	runner := NewRunner(wh.DB, log, fastPolicy(), nil)
	ctx := context.Background()

	attempts := 0
	_, err := runner.Run(ctx, Stage{
		Name: "broken",
		Run: func(ctx context.Context, exec database.Executor) (int64, error) {
			attempts++
			if _, err := exec.Exec(ctx,
				`INSERT INTO ops.dq_checks (check_name, status) VALUES ('from_stage', 'ok')`); err != nil {
				return 0, err
			}
			return 0, &pgconn.PgError{Code: "23514", Message: "check violation"}
		},
	})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "stage broken:"))
	assert.Equal(t, 1, attempts)
	assert.Zero(t, wh.Count(t, "ops.dq_checks", "check_name = 'from_stage'"))

	run, err := log.Latest(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "check violation")
}

func TestSeedAndBuildLayers(t *testing.T) {
	wh := warehousetest.Start(t)
	runner := NewRunner(wh.DB, runs.NewLog(wh.DB), fastPolicy(), nil)
	w := bronze.NewWriter(wh.DB)
	ctx := context.Background()
	opts := SeedOptions{Orders: 10, Users: 5}

	n, err := runner.Run(ctx, SeedBusiness(w, opts))
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	// Same day: already seeded.
	n, err = runner.Run(ctx, SeedBusiness(w, opts))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = runner.Run(ctx, SeedBehavior(w, opts))
	require.NoError(t, err)
	assert.Equal(t, int64(60), n)

	for i := 0; i < 2; i++ {
		_, err = runner.Run(ctx, Silver())
		require.NoError(t, err)
	}
	assert.Equal(t, 10, wh.Count(t, "silver.orders", ""))
	assert.Equal(t, 10, wh.Count(t, "silver.user_sessions", ""))
	assert.Equal(t, 10, wh.Count(t, "silver.user_sessions", "page_views = 4 AND clicks = 2 AND entry_page = '/'"))
	assert.Equal(t, 40, wh.Count(t, "silver.page_sequence", ""))
	assert.Equal(t, 30, wh.Count(t, "silver.product_interactions", ""))
	assert.Equal(t, 10, wh.Count(t, "silver.product_interactions", "interaction_type = 'add_to_cart'"))
	assert.Zero(t, wh.Count(t, "silver.orders", "status = 'created'"))

	_, err = runner.Run(ctx, Gold(nil))
	require.NoError(t, err)

	var totalOrders int
	require.NoError(t, wh.DB.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_orders), 0) FROM gold.orders_payments_daily`).Scan(&totalOrders))
	assert.Equal(t, 10, totalOrders)

	assert.Positive(t, wh.Count(t, "gold.conversion_funnel", "funnel_step = 'visit_home'"))
	assert.Positive(t, wh.Count(t, "gold.page_performance", "page_url = '/'"))
	assert.Positive(t, wh.Count(t, "gold.product_metrics", "add_to_cart_count > 0"))

	var visits int
	require.NoError(t, wh.DB.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(users_count), 0) FROM gold.conversion_funnel WHERE funnel_step = 'visit_home'`).Scan(&visits))
	assert.Equal(t, 10, visits)

	// Gold reruns replace rather than accumulate.
	_, err = runner.Run(ctx, Gold(nil))
	require.NoError(t, err)
	require.NoError(t, wh.DB.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_orders), 0) FROM gold.orders_payments_daily`).Scan(&totalOrders))
	assert.Equal(t, 10, totalOrders)
}

func TestSilver_ToleratesUnparseablePayloads(t *testing.T) {
	wh := warehousetest.Start(t)
	runner := NewRunner(wh.DB, runs.NewLog(wh.DB), fastPolicy(), nil)
	w := bronze.NewWriter(wh.DB)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := w.InsertBusiness(ctx, bronze.BusinessRow{
		EventID: uuid.New(), EventTimestamp: now, Service: "order-service",
		EventType: "order.created", EntityID: bronze.Str("ORD-RAW", 64), Payload: "not json at all",
	})
	require.NoError(t, err)
	_, err = w.InsertBusiness(ctx, bronze.BusinessRow{
		EventID: uuid.New(), EventTimestamp: now.Add(time.Minute), Service: "review-service",
		EventType: "review.submitted",
		Payload:   `{"review_id":"R1","product_id":"P001","rating":"5","comment":"great"}`,
	})
	require.NoError(t, err)
	_, err = w.InsertBusiness(ctx, bronze.BusinessRow{
		EventID: uuid.New(), EventTimestamp: now.Add(time.Minute), Service: "review-service",
		EventType: "review.submitted",
		Payload:   `{"review_id":"R2","product_id":"P001","rating":"nine"}`,
	})
	require.NoError(t, err)
	_, err = w.InsertClick(ctx, bronze.ClickRow{
		EventID: uuid.New(), EventTimestamp: now, SessionID: "s1", PageURL: "/",
		Properties: bronze.Str("{broken", 100),
	})
	require.NoError(t, err)

	_, err = runner.Run(ctx, Silver())
	require.NoError(t, err)
	assert.Equal(t, 1, wh.Count(t, "silver.orders", "order_id = 'ORD-RAW' AND status = 'created'"))
	assert.Equal(t, 1, wh.Count(t, "silver.reviews", ""))
	assert.Zero(t, wh.Count(t, "silver.product_interactions", ""))

	_, err = runner.Run(ctx, Gold(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, wh.Count(t, "gold.reviews_quality", "five_star_reviews = 1"))
}
