package stages

import (
	"context"
	"time"

	"github.com/kada-mandiya/analytics/common/database"
)

// GoldWindow is how far back gold aggregates are recomputed.
const GoldWindow = 30 * 24 * time.Hour

const goldConversionFunnel = `
WITH pv AS (
	SELECT event_timestamp::date AS funnel_date, session_id, page_url
	FROM bronze.page_view_events
	WHERE event_timestamp >= $1
),
checkout AS (
	SELECT event_timestamp::date AS funnel_date, session_id
	FROM bronze.page_view_events
	WHERE event_timestamp >= $1 AND page_url = '/checkout'
	UNION
	SELECT event_timestamp::date, session_id
	FROM bronze.click_events
	WHERE event_timestamp >= $1 AND element_id = 'btn_checkout'
),
steps AS (
	SELECT funnel_date, 'visit_home' AS funnel_step, 1 AS step_order, COUNT(DISTINCT session_id) AS users_count
	FROM pv WHERE page_url = '/' GROUP BY funnel_date
	UNION ALL
	SELECT funnel_date, 'visit_products', 2, COUNT(DISTINCT session_id)
	FROM pv WHERE page_url = '/products' GROUP BY funnel_date
	UNION ALL
	SELECT funnel_date, 'product_view', 3, COUNT(DISTINCT session_id)
	FROM pv WHERE page_url LIKE '/products/%' GROUP BY funnel_date
	UNION ALL
	SELECT event_timestamp::date, 'add_to_cart', 4, COUNT(DISTINCT session_id)
	FROM silver.product_interactions
	WHERE interaction_type = 'add_to_cart' AND event_timestamp >= $1
	GROUP BY event_timestamp::date
	UNION ALL
	SELECT funnel_date, 'checkout_started', 5, COUNT(DISTINCT session_id)
	FROM checkout GROUP BY funnel_date
	UNION ALL
	SELECT updated_at::date, 'purchase', 6, COUNT(DISTINCT COALESCE(correlation_id, order_id))
	FROM silver.orders
	WHERE status = 'paid' AND updated_at >= $1
	GROUP BY updated_at::date
),
with_prev AS (
	SELECT *, LAG(users_count) OVER (PARTITION BY funnel_date ORDER BY step_order) AS prev_users_count
	FROM steps
)
INSERT INTO gold.conversion_funnel (funnel_date, funnel_step, step_order, users_count, drop_off_rate)
SELECT
	funnel_date, funnel_step, step_order, users_count,
	CASE
		WHEN prev_users_count IS NULL OR prev_users_count = 0 THEN NULL
		ELSE LEAST(1, GREATEST(0, (prev_users_count - users_count)::numeric / prev_users_count))::numeric(9,6)
	END
FROM with_prev
ON CONFLICT (funnel_date, funnel_step) DO UPDATE SET
	step_order = EXCLUDED.step_order,
	users_count = EXCLUDED.users_count,
	drop_off_rate = EXCLUDED.drop_off_rate`

const goldClearProductMetrics = `DELETE FROM gold.product_metrics WHERE metric_date >= $1::date`

// Purchases are read from the items of each paid order's creation event.
const goldProductMetrics = `
WITH interactions AS (
	SELECT
		event_timestamp::date AS metric_date,
		product_id,
		COUNT(*) FILTER (WHERE interaction_type = 'view') AS views_count,
		COUNT(*) FILTER (WHERE interaction_type = 'click') AS clicks_count,
		COUNT(*) FILTER (WHERE interaction_type = 'add_to_cart') AS add_to_cart_count
	FROM silver.product_interactions
	WHERE event_timestamp >= $1
	GROUP BY event_timestamp::date, product_id
),
creations AS (
	SELECT DISTINCT ON (entity_id)
		entity_id AS order_id,
		CASE WHEN pg_input_is_valid(payload, 'jsonb') THEN payload::jsonb END AS p
	FROM bronze.business_events
	WHERE entity_id IS NOT NULL AND lower(btrim(event_type)) IN ('order.created', 'order_created')
	ORDER BY entity_id, event_timestamp
),
items AS (
	SELECT
		o.updated_at::date AS metric_date,
		left(item->>'product_id', 128) AS product_id,
		CASE WHEN pg_input_is_valid(item->>'quantity', 'integer') THEN (item->>'quantity')::integer ELSE 1 END AS quantity,
		CASE WHEN pg_input_is_valid(item->>'line_total', 'numeric(12,2)') THEN (item->>'line_total')::numeric(12,2) ELSE 0 END AS line_total
	FROM silver.orders o
	JOIN creations c ON c.order_id = o.order_id
	CROSS JOIN LATERAL jsonb_array_elements(
		CASE WHEN jsonb_typeof(c.p->'items') = 'array' THEN c.p->'items' ELSE '[]'::jsonb END
	) AS item
	WHERE o.status = 'paid' AND o.updated_at >= $1
),
purchases AS (
	SELECT metric_date, product_id, SUM(quantity) AS purchases_count, SUM(line_total) AS revenue
	FROM items
	WHERE product_id IS NOT NULL
	GROUP BY metric_date, product_id
),
keys AS (
	SELECT metric_date, product_id FROM interactions
	UNION
	SELECT metric_date, product_id FROM purchases
)
INSERT INTO gold.product_metrics (
	product_id, metric_date, views_count, clicks_count, add_to_cart_count,
	purchases_count, revenue, view_to_cart_rate
)
SELECT
	k.product_id,
	k.metric_date,
	COALESCE(i.views_count, 0),
	COALESCE(i.clicks_count, 0),
	COALESCE(i.add_to_cart_count, 0),
	COALESCE(p.purchases_count, 0),
	COALESCE(p.revenue, 0),
	CASE
		WHEN COALESCE(i.views_count, 0) = 0 THEN NULL
		ELSE LEAST(1, COALESCE(i.add_to_cart_count, 0)::numeric / i.views_count)::numeric(5,4)
	END
FROM keys k
LEFT JOIN interactions i ON i.metric_date = k.metric_date AND i.product_id = k.product_id
LEFT JOIN purchases p ON p.metric_date = k.metric_date AND p.product_id = k.product_id
WHERE k.product_id IS NOT NULL`

const goldClearReviewsQuality = `DELETE FROM gold.reviews_quality WHERE metric_date >= $1::date`

const goldReviewsQuality = `
INSERT INTO gold.reviews_quality (metric_date, product_id, total_reviews, five_star_reviews, avg_rating)
SELECT
	created_at::date,
	product_id,
	COUNT(*),
	COUNT(*) FILTER (WHERE rating = 5),
	ROUND(AVG(rating), 2)::numeric(3,2)
FROM silver.reviews
WHERE created_at >= $1
GROUP BY created_at::date, product_id`

const goldClearOrdersPaymentsDaily = `DELETE FROM gold.orders_payments_daily WHERE metric_date >= $1::date`

const goldOrdersPaymentsDaily = `
WITH ev AS (
	SELECT
		event_timestamp::date AS metric_date,
		entity_id,
		lower(btrim(event_type)) AS event_type,
		CASE WHEN pg_input_is_valid(payload, 'jsonb') THEN payload::jsonb END AS p
	FROM bronze.business_events
	WHERE event_timestamp >= $1
),
normalized AS (
	SELECT
		metric_date,
		entity_id,
		CASE
			WHEN event_type IN ('order.created', 'order_created') THEN 'created'
			WHEN event_type IN ('order_paid', 'order.paid', 'payment.succeeded', 'payment.success', 'payment_success') THEN 'paid'
			WHEN event_type IN ('order.cancelled', 'order_cancelled', 'order.canceled') THEN 'cancelled'
			WHEN event_type IN ('order.refunded', 'payment.refunded', 'refund.completed') THEN 'refunded'
		END AS kind,
		COALESCE(p->>'total_amount', p#>>'{data,total_amount}', p#>>'{order,total_amount}',
			p->>'amount', p#>>'{data,amount}') AS amount_text
	FROM ev
),
daily AS (
	SELECT
		metric_date,
		COUNT(DISTINCT entity_id) FILTER (WHERE kind = 'created') AS total_orders,
		COUNT(DISTINCT entity_id) FILTER (WHERE kind = 'paid') AS paid_orders,
		COUNT(DISTINCT entity_id) FILTER (WHERE kind = 'cancelled') AS cancelled_orders,
		COUNT(*) FILTER (WHERE kind = 'refunded') AS refunds_count,
		COALESCE(SUM(
			CASE WHEN pg_input_is_valid(amount_text, 'numeric(12,2)') THEN amount_text::numeric(12,2) END
		) FILTER (WHERE kind = 'paid'), 0) AS total_revenue
	FROM normalized
	WHERE kind IS NOT NULL
	GROUP BY metric_date
)
INSERT INTO gold.orders_payments_daily (
	metric_date, total_orders, paid_orders, cancelled_orders, payment_success_rate, total_revenue, refunds_count
)
SELECT
	metric_date,
	total_orders,
	paid_orders,
	cancelled_orders,
	CASE WHEN total_orders > 0 THEN LEAST(1, paid_orders::numeric / total_orders)::numeric(5,4) ELSE 0 END,
	total_revenue,
	refunds_count
FROM daily`

const goldPagePerformance = `
WITH pv AS (
	SELECT
		event_timestamp::date AS metric_date,
		page_url,
		COUNT(*) AS views,
		COUNT(DISTINCT COALESCE(user_id, session_id)) AS unique_visitors
	FROM bronze.page_view_events
	WHERE event_timestamp >= $1
	GROUP BY event_timestamp::date, page_url
),
time_on_page AS (
	SELECT
		event_timestamp::date AS metric_date,
		referrer_url AS page_url,
		AVG(time_on_prev_page_seconds)::numeric(10,2) AS avg_time_on_page_seconds
	FROM bronze.page_view_events
	WHERE event_timestamp >= $1 AND referrer_url IS NOT NULL AND time_on_prev_page_seconds IS NOT NULL
	GROUP BY event_timestamp::date, referrer_url
),
scroll AS (
	SELECT
		event_timestamp::date AS metric_date,
		page_url,
		AVG(scroll_depth_pct)::numeric(5,2) AS avg_scroll_depth
	FROM bronze.scroll_events
	WHERE event_timestamp >= $1 AND scroll_depth_pct IS NOT NULL
	GROUP BY event_timestamp::date, page_url
),
seq_max AS (
	SELECT session_id, MAX(step_number) AS max_step
	FROM silver.page_sequence
	GROUP BY session_id
),
entry AS (
	SELECT
		ps.event_timestamp::date AS metric_date,
		ps.page_url,
		COUNT(DISTINCT ps.session_id) AS entry_sessions,
		COUNT(*) FILTER (WHERE mx.max_step = 1) AS bounced_sessions
	FROM silver.page_sequence ps
	JOIN seq_max mx ON mx.session_id = ps.session_id
	WHERE ps.step_number = 1 AND ps.event_timestamp >= $1
	GROUP BY ps.event_timestamp::date, ps.page_url
)
INSERT INTO gold.page_performance (
	page_url, metric_date, views, unique_visitors, avg_time_on_page_seconds, avg_scroll_depth, bounce_rate
)
SELECT
	pv.page_url,
	pv.metric_date,
	pv.views,
	pv.unique_visitors,
	tp.avg_time_on_page_seconds,
	sc.avg_scroll_depth,
	CASE
		WHEN COALESCE(e.entry_sessions, 0) = 0 THEN NULL
		ELSE (e.bounced_sessions::numeric / e.entry_sessions)::numeric(5,4)
	END
FROM pv
LEFT JOIN time_on_page tp ON tp.metric_date = pv.metric_date AND tp.page_url = pv.page_url
LEFT JOIN scroll sc ON sc.metric_date = pv.metric_date AND sc.page_url = pv.page_url
LEFT JOIN entry e ON e.metric_date = pv.metric_date AND e.page_url = pv.page_url
ON CONFLICT (page_url, metric_date) DO UPDATE SET
	views = EXCLUDED.views,
	unique_visitors = EXCLUDED.unique_visitors,
	avg_time_on_page_seconds = EXCLUDED.avg_time_on_page_seconds,
	avg_scroll_depth = EXCLUDED.avg_scroll_depth,
	bounce_rate = EXCLUDED.bounce_rate`

// Dead letters count against the service that captured them, so collector
// and consumer rows appear even without API request logs.
const goldSystemHealthDaily = `
WITH api AS (
	SELECT
		"timestamp"::date AS metric_date,
		service,
		percentile_cont(0.5) WITHIN GROUP (ORDER BY response_time_ms) AS p50,
		percentile_cont(0.95) WITHIN GROUP (ORDER BY response_time_ms) AS p95,
		(COUNT(*) FILTER (WHERE status_code >= 500))::numeric / COUNT(*) AS error_rate
	FROM bronze.api_request_logs
	WHERE "timestamp" >= $1
	GROUP BY "timestamp"::date, service
),
dlq AS (
	SELECT failed_at::date AS metric_date, source AS service, COUNT(*) AS dlq_count
	FROM ops.dead_letter_events
	WHERE failed_at >= $1
	GROUP BY failed_at::date, source
)
INSERT INTO gold.system_health_daily (metric_date, service, p50_latency_ms, p95_latency_ms, error_rate, dlq_count)
SELECT
	COALESCE(a.metric_date, d.metric_date),
	COALESCE(a.service, d.service),
	ROUND(a.p50)::integer,
	ROUND(a.p95)::integer,
	a.error_rate::numeric(5,4),
	COALESCE(d.dlq_count, 0)
FROM api a
FULL OUTER JOIN dlq d ON d.metric_date = a.metric_date AND d.service = a.service
ON CONFLICT (metric_date, service) DO UPDATE SET
	p50_latency_ms = EXCLUDED.p50_latency_ms,
	p95_latency_ms = EXCLUDED.p95_latency_ms,
	error_rate = EXCLUDED.error_rate,
	dlq_count = EXCLUDED.dlq_count`

// Gold recomputes the business aggregates over the trailing GoldWindow.
// now supplies the window end; nil means the wall clock.
func Gold(now func() time.Time) Stage {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return Stage{
		Name: BuildGold,
		Run: func(ctx context.Context, exec database.Executor) (int64, error) {
			since := now().UTC().Add(-GoldWindow).Truncate(24 * time.Hour)
			at := func(name, sql string) statement {
				return statement{name: name, sql: sql, args: []any{since}}
			}
			return runStatements(ctx, exec,
				at("conversion_funnel", goldConversionFunnel),
				at("product_metrics clear", goldClearProductMetrics),
				at("product_metrics", goldProductMetrics),
				at("reviews_quality clear", goldClearReviewsQuality),
				at("reviews_quality", goldReviewsQuality),
				at("orders_payments_daily clear", goldClearOrdersPaymentsDaily),
				at("orders_payments_daily", goldOrdersPaymentsDaily),
				at("page_performance", goldPagePerformance),
				at("system_health_daily", goldSystemHealthDaily),
			)
		},
	}
}
