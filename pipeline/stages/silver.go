package stages

import (
	"context"

	"github.com/kada-mandiya/analytics/common/database"
)

// businessEventsCTE exposes bronze.business_events with a normalized event
// type and the payload as jsonb. Payloads that are not JSON yield a null p.
const businessEventsCTE = `be AS (
	SELECT
		event_timestamp,
		correlation_id,
		service,
		user_id,
		entity_id,
		lower(btrim(event_type)) AS event_type,
		CASE WHEN pg_input_is_valid(payload, 'jsonb') THEN payload::jsonb END AS p
	FROM bronze.business_events
)`

const silverUserSessions = `
WITH pv_ordered AS (
	SELECT
		session_id, user_id, event_timestamp, page_url, utm_source, utm_medium, utm_campaign,
		ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY event_timestamp) AS rn_asc,
		ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY event_timestamp DESC) AS rn_desc
	FROM bronze.page_view_events
),
pv AS (
	SELECT
		session_id,
		MAX(user_id) AS user_id,
		MIN(event_timestamp) AS start_time,
		MAX(event_timestamp) AS end_time,
		COUNT(*) AS page_views,
		MAX(page_url) FILTER (WHERE rn_asc = 1) AS entry_page,
		MAX(page_url) FILTER (WHERE rn_desc = 1) AS exit_page,
		MAX(utm_source) FILTER (WHERE rn_asc = 1) AS utm_source,
		MAX(utm_medium) FILTER (WHERE rn_asc = 1) AS utm_medium,
		MAX(utm_campaign) FILTER (WHERE rn_asc = 1) AS utm_campaign
	FROM pv_ordered
	GROUP BY session_id
),
ce AS (
	SELECT session_id, MIN(event_timestamp) AS start_time, MAX(event_timestamp) AS end_time, COUNT(*) AS clicks
	FROM bronze.click_events
	GROUP BY session_id
),
bounds AS (
	SELECT
		pv.session_id,
		pv.user_id,
		LEAST(pv.start_time, ce.start_time) AS start_time,
		GREATEST(pv.end_time, ce.end_time) AS end_time,
		pv.page_views,
		COALESCE(ce.clicks, 0) AS clicks,
		pv.entry_page, pv.exit_page, pv.utm_source, pv.utm_medium, pv.utm_campaign
	FROM pv
	LEFT JOIN ce ON ce.session_id = pv.session_id
)
INSERT INTO silver.user_sessions (
	session_id, user_id, start_time, end_time, duration_seconds,
	page_views, clicks, entry_page, exit_page, utm_source, utm_medium, utm_campaign
)
SELECT
	session_id, user_id, start_time, end_time,
	GREATEST(0, FLOOR(EXTRACT(EPOCH FROM (end_time - start_time))))::integer,
	page_views, clicks, entry_page, exit_page, utm_source, utm_medium, utm_campaign
FROM bounds
ON CONFLICT (session_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	start_time = EXCLUDED.start_time,
	end_time = EXCLUDED.end_time,
	duration_seconds = EXCLUDED.duration_seconds,
	page_views = EXCLUDED.page_views,
	clicks = EXCLUDED.clicks,
	entry_page = EXCLUDED.entry_page,
	exit_page = EXCLUDED.exit_page,
	utm_source = EXCLUDED.utm_source,
	utm_medium = EXCLUDED.utm_medium,
	utm_campaign = EXCLUDED.utm_campaign`

const silverClearPageSequence = `DELETE FROM silver.page_sequence`

const silverPageSequence = `
INSERT INTO silver.page_sequence (session_id, step_number, page_url, event_timestamp)
SELECT
	session_id,
	ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY event_timestamp, event_id),
	page_url,
	event_timestamp
FROM bronze.page_view_events`

// Clicks and page views carrying properties.product_id become product
// interactions. Existing interactions are left alone.
const silverProductInteractions = `
WITH src AS (
	SELECT event_timestamp, session_id, user_id, properties, 'click' AS fallback,
		CASE WHEN pg_input_is_valid(properties, 'jsonb') THEN properties::jsonb END AS p
	FROM bronze.click_events
	WHERE properties IS NOT NULL
	UNION ALL
	SELECT event_timestamp, session_id, user_id, properties, 'view' AS fallback,
		CASE WHEN pg_input_is_valid(properties, 'jsonb') THEN properties::jsonb END AS p
	FROM bronze.page_view_events
	WHERE properties IS NOT NULL
)
INSERT INTO silver.product_interactions (event_timestamp, session_id, user_id, product_id, interaction_type, properties)
SELECT
	event_timestamp,
	session_id,
	user_id,
	left(p->>'product_id', 128),
	left(COALESCE(p->>'interaction_type', fallback), 32),
	properties
FROM src
WHERE p->>'product_id' IS NOT NULL
ON CONFLICT (session_id, event_timestamp, product_id, interaction_type) DO NOTHING`

// orderEventsCTE unions order facts from business events and from the
// consumer's order/payment projection. status is one of created, paid,
// cancelled, payment_failed or refunded.
const orderEventsCTE = businessEventsCTE + `,
order_events AS (
	SELECT
		left(COALESCE(entity_id, p->>'order_id', p#>>'{data,order_id}', p#>>'{order,order_id}'), 64) AS order_id,
		event_timestamp,
		user_id,
		correlation_id,
		service,
		left(COALESCE(p->>'currency', p#>>'{data,currency}', p#>>'{order,currency}'), 10) AS currency,
		COALESCE(p->>'total_amount', p#>>'{data,total_amount}', p#>>'{order,total_amount}',
			p->>'amount', p#>>'{data,amount}') AS amount_text,
		CASE
			WHEN event_type IN ('order.created', 'order_created') THEN 'created'
			WHEN event_type IN ('order_paid', 'order.paid', 'payment.succeeded', 'payment.success', 'payment_success') THEN 'paid'
			WHEN event_type IN ('order.cancelled', 'order_cancelled', 'order.canceled') THEN 'cancelled'
			WHEN event_type IN ('payment.failed', 'payment_failed') THEN 'payment_failed'
			WHEN event_type IN ('order.refunded', 'payment.refunded', 'refund.completed') THEN 'refunded'
		END AS status
	FROM be
	UNION ALL
	SELECT
		order_id,
		event_timestamp,
		user_id,
		correlation_id,
		NULL,
		currency,
		total_amount::text,
		CASE lower(status)
			WHEN 'succeeded' THEN 'paid'
			WHEN 'success' THEN 'paid'
			WHEN 'paid' THEN 'paid'
			WHEN 'failed' THEN 'payment_failed'
			WHEN 'canceled' THEN 'cancelled'
			WHEN 'cancelled' THEN 'cancelled'
			WHEN 'refunded' THEN 'refunded'
			WHEN 'created' THEN 'created'
		END
	FROM bronze.order_payment_events
)`

const silverOrders = `
WITH ` + orderEventsCTE + `,
known AS (
	SELECT * FROM order_events WHERE order_id IS NOT NULL AND status IS NOT NULL
),
latest AS (
	SELECT DISTINCT ON (order_id) order_id, status, event_timestamp AS updated_at
	FROM known
	ORDER BY order_id, event_timestamp DESC
),
agg AS (
	SELECT
		order_id,
		MAX(user_id) AS user_id,
		MIN(event_timestamp) AS created_at,
		MAX(currency) AS currency,
		MAX(CASE WHEN pg_input_is_valid(amount_text, 'numeric(12,2)') THEN amount_text::numeric(12,2) END) AS total_amount,
		MAX(correlation_id) AS correlation_id,
		MAX(service) AS source_service
	FROM known
	GROUP BY order_id
)
INSERT INTO silver.orders (order_id, user_id, created_at, status, currency, total_amount, correlation_id, source_service, updated_at)
SELECT a.order_id, a.user_id, a.created_at, l.status, a.currency, a.total_amount, a.correlation_id, a.source_service, l.updated_at
FROM agg a
JOIN latest l ON l.order_id = a.order_id
ON CONFLICT (order_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	created_at = EXCLUDED.created_at,
	status = EXCLUDED.status,
	currency = EXCLUDED.currency,
	total_amount = EXCLUDED.total_amount,
	correlation_id = EXCLUDED.correlation_id,
	source_service = EXCLUDED.source_service,
	updated_at = EXCLUDED.updated_at`

const silverPayments = `
WITH latest AS (
	SELECT DISTINCT ON (payment_id)
		payment_id, order_id, user_id, lower(status) AS status, total_amount, currency, provider,
		event_timestamp, correlation_id, split_part(routing_key, '.', 1) AS source
	FROM bronze.order_payment_events
	WHERE payment_id IS NOT NULL
	ORDER BY payment_id, event_timestamp DESC
)
INSERT INTO silver.payments (payment_id, order_id, user_id, status, amount, currency, provider, occurred_at, correlation_id, source_service)
SELECT payment_id, order_id, user_id, status, total_amount, currency, provider, event_timestamp, correlation_id, left(source, 64)
FROM latest
ON CONFLICT (payment_id) DO UPDATE SET
	order_id = EXCLUDED.order_id,
	user_id = EXCLUDED.user_id,
	status = EXCLUDED.status,
	amount = EXCLUDED.amount,
	currency = EXCLUDED.currency,
	provider = EXCLUDED.provider,
	occurred_at = EXCLUDED.occurred_at,
	correlation_id = EXCLUDED.correlation_id,
	source_service = EXCLUDED.source_service`

const silverReviews = `
WITH ` + businessEventsCTE + `,
raw AS (
	SELECT
		left(COALESCE(p->>'review_id', p#>>'{data,review_id}', entity_id), 64) AS review_id,
		left(COALESCE(p->>'product_id', p#>>'{data,product_id}'), 64) AS product_id,
		user_id,
		COALESCE(p->>'rating', p#>>'{data,rating}') AS rating_text,
		left(COALESCE(p->>'comment', p#>>'{data,comment}'), 1000) AS comment,
		event_timestamp,
		correlation_id
	FROM be
	WHERE event_type IN ('review_submitted', 'review.submitted', 'review.created')
),
valid AS (
	SELECT DISTINCT ON (review_id)
		review_id, product_id, user_id,
		CASE WHEN pg_input_is_valid(rating_text, 'integer') THEN rating_text::integer END AS rating,
		comment, event_timestamp, correlation_id
	FROM raw
	WHERE review_id IS NOT NULL AND product_id IS NOT NULL
	ORDER BY review_id, event_timestamp DESC
)
INSERT INTO silver.reviews (review_id, product_id, user_id, rating, comment, created_at, correlation_id)
SELECT review_id, product_id, user_id, rating, comment, event_timestamp, correlation_id
FROM valid
WHERE rating BETWEEN 1 AND 5
ON CONFLICT (review_id) DO UPDATE SET
	product_id = EXCLUDED.product_id,
	user_id = EXCLUDED.user_id,
	rating = EXCLUDED.rating,
	comment = EXCLUDED.comment,
	created_at = EXCLUDED.created_at,
	correlation_id = EXCLUDED.correlation_id`

// Silver conforms bronze into sessions, page sequences, product
// interactions, orders, payments and reviews. Every statement is a full
// rebuild or an upsert, so rerunning it is safe.
func Silver() Stage {
	return Stage{
		Name: BuildSilver,
		Run: func(ctx context.Context, exec database.Executor) (int64, error) {
			return runStatements(ctx, exec,
				statement{name: "user_sessions", sql: silverUserSessions},
				statement{name: "page_sequence clear", sql: silverClearPageSequence},
				statement{name: "page_sequence", sql: silverPageSequence},
				statement{name: "product_interactions", sql: silverProductInteractions},
				statement{name: "orders", sql: silverOrders},
				statement{name: "payments", sql: silverPayments},
				statement{name: "reviews", sql: silverReviews},
			)
		},
	}
}
