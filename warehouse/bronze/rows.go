// Package bronze writes raw events into the bronze schema. Every insert runs
// in its own savepoint and a primary key collision is reported as
// inserted=false rather than an error.
package bronze

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// ClickRow is a bronze.click_events row.
type ClickRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	SessionID      string
	UserID         *string
	PageURL        string
	ElementID      *string
	X, Y           *int
	ViewportW      *int
	ViewportH      *int
	UserAgent      *string
	IPAddress      *string
	Properties     *string
}

// PageViewRow is a bronze.page_view_events row.
type PageViewRow struct {
	EventID               uuid.UUID
	EventTimestamp        time.Time
	SessionID             string
	UserID                *string
	PageURL               string
	ReferrerURL           *string
	UTMSource             *string
	UTMMedium             *string
	UTMCampaign           *string
	TimeOnPrevPageSeconds *int
	Properties            *string
}

// ScrollRow is a bronze.scroll_events row.
type ScrollRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	SessionID      string
	UserID         *string
	PageURL        string
	ScrollDepthPct *float64
	Properties     *string
}

// FormRow is a bronze.form_events row.
type FormRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	SessionID      string
	UserID         *string
	PageURL        string
	FormID         *string
	FieldID        *string
	Action         *string
	ErrorMessage   *string
	TimeSpentMS    *int
	Properties     *string
}

// SearchRow is a bronze.search_events row.
type SearchRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	SessionID      string
	UserID         *string
	PageURL        string
	Query          *string
	ResultsCount   *int
	Filters        *string
	Properties     *string
}

// CartRow is a bronze.cart_events row.
type CartRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	SessionID      string
	UserID         *string
	PageURL        string
	ElementID      *string
	ProductID      *string
	Quantity       *int
	Action         string
	Properties     *string
}

// CheckoutRow is a bronze.checkout_events row.
type CheckoutRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	SessionID      string
	UserID         *string
	PageURL        string
	ElementID      *string
	OrderID        *string
	Properties     *string
}

// BusinessRow is a bronze.business_events row.
type BusinessRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	CorrelationID  *string
	Service        string
	EventType      string
	UserID         *string
	EntityID       *string
	Payload        string
}

// OrderPaymentRow is a bronze.order_payment_events row. It shares its
// event id with the business event it was derived from.
type OrderPaymentRow struct {
	EventID        uuid.UUID
	EventTimestamp time.Time
	RoutingKey     string
	OrderID        *string
	PaymentID      *string
	UserID         *string
	Status         string
	TotalAmount    pgtype.Numeric
	Currency       *string
	Provider       *string
	CorrelationID  *string
}

// APIRequestLogRow is a bronze.api_request_logs row.
type APIRequestLogRow struct {
	EventID           uuid.UUID
	Timestamp         time.Time
	Service           string
	Endpoint          string
	Method            string
	StatusCode        int
	ResponseTimeMS    int
	UserID            *string
	CorrelationID     *string
	RequestSizeBytes  *int
	ResponseSizeBytes *int
	IPAddress         *string
	UserAgent         *string
}

// DBQueryPerfRow is a bronze.db_query_perf row.
type DBQueryPerfRow struct {
	EventID         uuid.UUID
	Timestamp       time.Time
	Service         string
	DatabaseName    *string
	QueryType       *string
	TableName       *string
	ExecutionTimeMS int
	RowsAffected    *int
	QueryHash       *string
}

// Canonical widths of business event fields. The columns are wider.
const (
	MaxService   = 64
	MaxEventType = 100
)

// Str returns nil for the empty string, else a pointer to s truncated to n runes.
// A non-positive n disables truncation.
func Str(s string, n int) *string {
	if s == "" {
		return nil
	}
	if n > 0 {
		if r := []rune(s); len(r) > n {
			s = string(r[:n])
		}
	}
	return &s
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

// Amount parses a decimal string such as "12.50" into a numeric. Blank or
// unparsable input yields an invalid (NULL) numeric.
func Amount(s string) pgtype.Numeric {
	var n pgtype.Numeric
	s = strings.TrimSpace(s)
	if s == "" {
		return n
	}
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}
	}
	return n
}
