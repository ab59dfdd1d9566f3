// Package events holds the collector's event schemas: a dispatch table from
// event_type to a typed struct, with a permissive business-event fallback.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kada-mandiya/analytics/common/timeutil"
	"github.com/kada-mandiya/analytics/common/validation"
)

// Base carries the fields every event has.
type Base struct {
	EventID        uuid.UUID      `json:"event_id" validate:"-"`
	EventType      string         `json:"event_type" validate:"required"`
	EventTimestamp Timestamp      `json:"event_timestamp" validate:"-"`
	SessionID      string         `json:"session_id" validate:"required"`
	UserID         *string        `json:"user_id,omitempty"`
	Source         string         `json:"source" validate:"required,oneof=web mobile gateway service"`
	Properties     map[string]any `json:"properties,omitempty"`
}

func (b *Base) Common() *Base { return b }

// Event is any validated event.
type Event interface {
	Common() *Base
}

// BusinessFields is implemented by events stored as business events.
type BusinessFields interface {
	Event
	Business() (service, correlationID, entityID string)
}

type PageView struct {
	Base
	PageURL               string  `json:"page_url" validate:"required"`
	ReferrerURL           *string `json:"referrer_url,omitempty"`
	UTMSource             *string `json:"utm_source,omitempty"`
	UTMMedium             *string `json:"utm_medium,omitempty"`
	UTMCampaign           *string `json:"utm_campaign,omitempty"`
	TimeOnPrevPageSeconds *int    `json:"time_on_prev_page_seconds,omitempty"`
}

type Click struct {
	Base
	PageURL   string  `json:"page_url" validate:"required"`
	ElementID *string `json:"element_id,omitempty"`
	X         *int    `json:"x,omitempty"`
	Y         *int    `json:"y,omitempty"`
	ViewportW *int    `json:"viewport_w,omitempty"`
	ViewportH *int    `json:"viewport_h,omitempty"`
	UserAgent *string `json:"user_agent,omitempty"`
	IPAddress *string `json:"ip_address,omitempty"`
}

type Scroll struct {
	Base
	PageURL        string   `json:"page_url" validate:"required"`
	ScrollDepthPct *float64 `json:"scroll_depth_pct,omitempty"`
}

type FormInteraction struct {
	Base
	PageURL      string  `json:"page_url" validate:"required"`
	FormID       *string `json:"form_id,omitempty"`
	FieldID      *string `json:"field_id,omitempty"`
	Action       *string `json:"action,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	TimeSpentMS  *int    `json:"time_spent_ms,omitempty"`
}

type Search struct {
	Base
	PageURL      string  `json:"page_url" validate:"required"`
	Query        *string `json:"query,omitempty"`
	ResultsCount *int    `json:"results_count,omitempty"`
	// Filters is an object or a string.
	Filters any `json:"filters,omitempty"`
}

// WebBusiness is shared by the front-end events stored as business events.
type WebBusiness struct {
	Service       string  `json:"service"`
	CorrelationID *string `json:"correlation_id,omitempty"`
	EntityID      *string `json:"entity_id,omitempty"`
}

func (w *WebBusiness) Business() (string, string, string) {
	return w.Service, deref(w.CorrelationID), deref(w.EntityID)
}

type Performance struct {
	Base
	WebBusiness
	PageURL     *string  `json:"page_url,omitempty"`
	MetricName  string   `json:"metric_name" validate:"required"`
	MetricValue *float64 `json:"metric_value" validate:"required"`
	MetricUnit  *string  `json:"metric_unit,omitempty"`
}

type CartAction struct {
	Base
	WebBusiness
	Action    string   `json:"action" validate:"required,oneof=add remove"`
	CartID    *string  `json:"cart_id,omitempty"`
	ProductID string   `json:"product_id" validate:"required"`
	Quantity  *int     `json:"quantity"`
	Price     *float64 `json:"price,omitempty"`
	Currency  *string  `json:"currency,omitempty"`
}

type Checkout struct {
	Base
	WebBusiness
	Stage       string   `json:"stage" validate:"required"`
	OrderID     *string  `json:"order_id,omitempty"`
	CartID      *string  `json:"cart_id,omitempty"`
	TotalAmount *float64 `json:"total_amount,omitempty"`
	Currency    *string  `json:"currency,omitempty"`
}

type PurchaseView struct {
	Base
	WebBusiness
	OrderID   *string  `json:"order_id,omitempty"`
	ProductID *string  `json:"product_id,omitempty"`
	Revenue   *float64 `json:"revenue,omitempty"`
	Currency  *string  `json:"currency,omitempty"`
}

type FrontendError struct {
	Base
	WebBusiness
	PageURL   *string `json:"page_url,omitempty"`
	ErrorType *string `json:"error_type,omitempty"`
	Message   string  `json:"message" validate:"required"`
	Stack     *string `json:"stack,omitempty"`
	Severity  *string `json:"severity,omitempty"`
}

type APIRequestLog struct {
	Base
	Service           string  `json:"service" validate:"required"`
	Endpoint          string  `json:"endpoint" validate:"required"`
	Method            string  `json:"method" validate:"required"`
	StatusCode        *int    `json:"status_code" validate:"required"`
	ResponseTimeMS    *int    `json:"response_time_ms" validate:"required"`
	CorrelationID     *string `json:"correlation_id,omitempty"`
	RequestSizeBytes  *int    `json:"request_size_bytes,omitempty"`
	ResponseSizeBytes *int    `json:"response_size_bytes,omitempty"`
	IPAddress         *string `json:"ip_address,omitempty"`
	UserAgent         *string `json:"user_agent,omitempty"`
}

type DBQueryPerf struct {
	Base
	Service         string  `json:"service" validate:"required"`
	DatabaseName    *string `json:"database_name,omitempty"`
	QueryType       *string `json:"query_type,omitempty"`
	TableName       *string `json:"table_name,omitempty"`
	ExecutionTimeMS *int    `json:"execution_time_ms" validate:"required"`
	RowsAffected    *int    `json:"rows_affected,omitempty"`
	QueryHash       *string `json:"query_hash,omitempty"`
}

// Business is the fallback for event types without a dedicated schema.
type Business struct {
	Base
	Service       string  `json:"service" validate:"required"`
	CorrelationID *string `json:"correlation_id,omitempty"`
	EntityID      *string `json:"entity_id,omitempty"`
	// Payload is an object or a string.
	Payload any `json:"payload,omitempty"`
}

func (b *Business) Business() (string, string, string) {
	return b.Service, deref(b.CorrelationID), deref(b.EntityID)
}

func init() {
	validation.RegisterEmbedded("Base", "WebBusiness")
}

var schemas = map[string]func() Event{
	"page_view":        func() Event { return &PageView{} },
	"click":            func() Event { return &Click{} },
	"scroll":           func() Event { return &Scroll{} },
	"form_interaction": func() Event { return &FormInteraction{} },
	"search":           func() Event { return &Search{} },
	"performance":      func() Event { return &Performance{WebBusiness: WebBusiness{Service: "web"}} },
	"cart_action":      func() Event { return &CartAction{WebBusiness: WebBusiness{Service: "web"}} },
	"checkout":         func() Event { return &Checkout{WebBusiness: WebBusiness{Service: "web"}} },
	"purchase_view":    func() Event { return &PurchaseView{WebBusiness: WebBusiness{Service: "web"}} },
	"frontend_error":   func() Event { return &FrontendError{WebBusiness: WebBusiness{Service: "web"}} },
	"api_request_log":  func() Event { return &APIRequestLog{} },
	"db_query_perf":    func() Event { return &DBQueryPerf{} },
}

// HasSchema reports whether eventType has a dedicated schema.
func HasSchema(eventType string) bool {
	_, ok := schemas[eventType]
	return ok
}

// Parsed is a validated event plus the fields its schema does not declare.
type Parsed struct {
	Event Event
	Extra map[string]any
}

// Parse validates raw against the schema for its event_type. now anchors
// the timestamp window. Validation failures are *validation.Error.
func Parse(raw map[string]any, now time.Time) (*Parsed, error) {
	data := withSessionFallback(raw)

	eventType, _ := data["event_type"].(string)
	factory, ok := schemas[eventType]
	if !ok {
		factory = func() Event { return &Business{} }
	}
	ev := factory()

	body, err := json.Marshal(data)
	if err != nil {
		return nil, validation.Field("__root__", "value_error", err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(ev); err != nil {
		return nil, decodeError(err)
	}

	if err := validation.Struct(ev); err != nil {
		return nil, err
	}

	base := ev.Common()
	if base.EventTimestamp.IsZero() {
		return nil, validation.Field("event_timestamp", "missing", "field required")
	}
	if err := timeutil.ValidateEventTimestamp(base.EventTimestamp.Time, now); err != nil {
		return nil, validation.Field("event_timestamp", "value_error", err.Error())
	}
	if base.EventID == uuid.Nil {
		base.EventID = uuid.New()
	}

	switch e := ev.(type) {
	case *CartAction:
		if e.Quantity == nil {
			one := 1
			e.Quantity = &one
		}
	case *Business:
		if e.Payload == nil {
			if base.Properties != nil {
				e.Payload = base.Properties
			} else {
				e.Payload = data
			}
		}
	}

	return &Parsed{Event: ev, Extra: extras(ev, data)}, nil
}

// Dump renders the event with its extra fields, the way it is embedded in
// a business-event payload.
func (p *Parsed) Dump() map[string]any {
	out := map[string]any{}
	if b, err := json.Marshal(p.Event); err == nil {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		_ = dec.Decode(&out)
	}
	for k, v := range p.Extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// withSessionFallback copies correlation_id into a blank session_id.
func withSessionFallback(raw map[string]any) map[string]any {
	if s, ok := raw["session_id"].(string); ok && strings.TrimSpace(s) != "" {
		return raw
	}
	if raw["session_id"] != nil {
		if _, isString := raw["session_id"].(string); !isString {
			return raw
		}
	}
	cid := raw["correlation_id"]
	if cid == nil || cid == "" {
		return raw
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	out["session_id"] = cid
	return out
}

func decodeError(err error) error {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return verr
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "__root__"
		}
		return validation.Field(field, "type_error", "input should be a valid "+typeErr.Type.String())
	}
	return validation.Field("__root__", "value_error", err.Error())
}

var fieldCache sync.Map // reflect.Type -> map[string]bool

// declared returns the JSON names of every field of ev's struct type,
// embedded structs included.
func declared(ev Event) map[string]bool {
	t := reflect.TypeOf(ev).Elem()
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(map[string]bool)
	}
	names := map[string]bool{}
	collectFields(t, names)
	fieldCache.Store(t, names)
	return names
}

func collectFields(t reflect.Type, names map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectFields(f.Type, names)
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name != "" && name != "-" {
			names[name] = true
		}
	}
}

func extras(ev Event, data map[string]any) map[string]any {
	known := declared(ev)
	out := map[string]any{}
	for k, v := range data {
		if !known[k] {
			out[k] = v
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
