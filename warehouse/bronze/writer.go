package bronze

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kada-mandiya/analytics/common/database"
)

// Writer inserts bronze rows through the transaction carried by ctx.
type Writer struct {
	db *database.Postgres
}

// NewWriter creates a writer over db.
func NewWriter(db *database.Postgres) *Writer {
	return &Writer{db: db}
}

func (w *Writer) insert(ctx context.Context, table string, columns []string, values ...any) (bool, error) {
	ins := w.db.Builder.Insert(table).Columns(columns...).Values(values...)
	inserted, err := w.db.InsertIgnoreDuplicate(ctx, ins)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", table, err)
	}
	return inserted, nil
}

func id(u uuid.UUID) string {
	return u.String()
}

// InsertClick writes a click event.
func (w *Writer) InsertClick(ctx context.Context, r ClickRow) (bool, error) {
	return w.insert(ctx, "bronze.click_events",
		[]string{"event_id", "event_timestamp", "session_id", "user_id", "page_url", "element_id",
			"x", "y", "viewport_w", "viewport_h", "user_agent", "ip_address", "properties"},
		id(r.EventID), r.EventTimestamp.UTC(), r.SessionID, r.UserID, r.PageURL, r.ElementID,
		r.X, r.Y, r.ViewportW, r.ViewportH, r.UserAgent, r.IPAddress, r.Properties,
	)
}

// InsertPageView writes a page view event.
func (w *Writer) InsertPageView(ctx context.Context, r PageViewRow) (bool, error) {
	return w.insert(ctx, "bronze.page_view_events",
		[]string{"event_id", "event_timestamp", "session_id", "user_id", "page_url", "referrer_url",
			"utm_source", "utm_medium", "utm_campaign", "time_on_prev_page_seconds", "properties"},
		id(r.EventID), r.EventTimestamp.UTC(), r.SessionID, r.UserID, r.PageURL, r.ReferrerURL,
		r.UTMSource, r.UTMMedium, r.UTMCampaign, r.TimeOnPrevPageSeconds, r.Properties,
	)
}

// InsertScroll writes a scroll depth event.
func (w *Writer) InsertScroll(ctx context.Context, r ScrollRow) (bool, error) {
	return w.insert(ctx, "bronze.scroll_events",
		[]string{"event_id", "event_timestamp", "session_id", "user_id", "page_url", "scroll_depth_pct", "properties"},
		id(r.EventID), r.EventTimestamp.UTC(), r.SessionID, r.UserID, r.PageURL, r.ScrollDepthPct, r.Properties,
	)
}

// InsertForm writes a form interaction event.
func (w *Writer) InsertForm(ctx context.Context, r FormRow) (bool, error) {
	return w.insert(ctx, "bronze.form_events",
		[]string{"event_id", "event_timestamp", "session_id", "user_id", "page_url", "form_id", "field_id",
			"action", "error_message", "time_spent_ms", "properties"},
		id(r.EventID), r.EventTimestamp.UTC(), r.SessionID, r.UserID, r.PageURL, r.FormID, r.FieldID,
		r.Action, r.ErrorMessage, r.TimeSpentMS, r.Properties,
	)
}

// InsertSearch writes a search event.
func (w *Writer) InsertSearch(ctx context.Context, r SearchRow) (bool, error) {
	return w.insert(ctx, "bronze.search_events",
		[]string{"event_id", "event_timestamp", "session_id", "user_id", "page_url", "query",
			"results_count", "filters", "properties"},
		id(r.EventID), r.EventTimestamp.UTC(), r.SessionID, r.UserID, r.PageURL, r.Query,
		r.ResultsCount, r.Filters, r.Properties,
	)
}

// InsertCart writes a cart action.
func (w *Writer) InsertCart(ctx context.Context, r CartRow) (bool, error) {
	action := r.Action
	if action == "" {
		action = "add"
	}
	return w.insert(ctx, "bronze.cart_events",
		[]string{"event_id", "event_timestamp", "session_id", "user_id", "page_url", "element_id",
			"product_id", "quantity", "action", "properties"},
		id(r.EventID), r.EventTimestamp.UTC(), r.SessionID, r.UserID, r.PageURL, r.ElementID,
		r.ProductID, r.Quantity, Truncate(action, 32), r.Properties,
	)
}

// InsertCheckout writes a checkout start.
func (w *Writer) InsertCheckout(ctx context.Context, r CheckoutRow) (bool, error) {
	return w.insert(ctx, "bronze.checkout_events",
		[]string{"event_id", "event_timestamp", "session_id", "user_id", "page_url", "element_id",
			"order_id", "properties"},
		id(r.EventID), r.EventTimestamp.UTC(), r.SessionID, r.UserID, r.PageURL, r.ElementID,
		r.OrderID, r.Properties,
	)
}

// InsertBusiness writes a canonical business event.
func (w *Writer) InsertBusiness(ctx context.Context, r BusinessRow) (bool, error) {
	return w.insert(ctx, "bronze.business_events",
		[]string{"event_id", "event_timestamp", "correlation_id", "service", "event_type",
			"user_id", "entity_id", "payload"},
		id(r.EventID), r.EventTimestamp.UTC(), r.CorrelationID, Truncate(r.Service, MaxService), Truncate(r.EventType, MaxEventType),
		r.UserID, r.EntityID, r.Payload,
	)
}

// InsertOrderPayment writes the order/payment projection of a paid event.
func (w *Writer) InsertOrderPayment(ctx context.Context, r OrderPaymentRow) (bool, error) {
	return w.insert(ctx, "bronze.order_payment_events",
		[]string{"event_id", "event_timestamp", "routing_key", "order_id", "payment_id", "user_id",
			"status", "total_amount", "currency", "provider", "correlation_id"},
		id(r.EventID), r.EventTimestamp.UTC(), Truncate(r.RoutingKey, 200), r.OrderID, r.PaymentID, r.UserID,
		Truncate(r.Status, 32), r.TotalAmount, r.Currency, r.Provider, r.CorrelationID,
	)
}

// InsertAPIRequestLog writes an API request log entry.
func (w *Writer) InsertAPIRequestLog(ctx context.Context, r APIRequestLogRow) (bool, error) {
	return w.insert(ctx, "bronze.api_request_logs",
		[]string{"event_id", `"timestamp"`, "service", "endpoint", "method", "status_code",
			"response_time_ms", "user_id", "correlation_id", "request_size_bytes",
			"response_size_bytes", "ip_address", "user_agent"},
		id(r.EventID), r.Timestamp.UTC(), r.Service, r.Endpoint, r.Method, r.StatusCode,
		r.ResponseTimeMS, r.UserID, r.CorrelationID, r.RequestSizeBytes,
		r.ResponseSizeBytes, r.IPAddress, r.UserAgent,
	)
}

// InsertDBQueryPerf writes a database query timing sample.
func (w *Writer) InsertDBQueryPerf(ctx context.Context, r DBQueryPerfRow) (bool, error) {
	return w.insert(ctx, "bronze.db_query_perf",
		[]string{"event_id", `"timestamp"`, "service", "database_name", "query_type", "table_name",
			"execution_time_ms", "rows_affected", "query_hash"},
		id(r.EventID), r.Timestamp.UTC(), r.Service, r.DatabaseName, r.QueryType, r.TableName,
		r.ExecutionTimeMS, r.RowsAffected, r.QueryHash,
	)
}
