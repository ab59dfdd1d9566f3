// Package mapper turns schema-less broker payloads into canonical business
// events. Every field is extracted best effort: the first non-empty match
// across a fixed list of candidate objects and key spellings wins.
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kada-mandiya/analytics/common/timeutil"
)

// ErrNormalize wraps every reason an event cannot be produced.
var ErrNormalize = errors.New("normalize failed")

// Field length limits applied to the canonical event.
const (
	MaxEventType     = 100
	MaxService       = 64
	MaxCorrelationID = 64
	MaxUserID        = 64
	MaxSessionID     = 64

	DefaultService = "unknown"
	SourceService  = "service"
)

// Candidate sub-objects searched after the payload itself, in order.
var candidateKeys = []string{"meta", "data", "payload", "event", "properties"}

// Key spellings per logical field, highest priority first.
var (
	userIDKeys      = []string{"user_id", "userId", "uid", "customer_id", "customerId"}
	entityIDKeys    = []string{"entity_id", "entityId", "order_id", "orderId", "payment_id", "paymentId", "review_id", "reviewId", "product_id", "productId", "cart_id", "cartId", "id"}
	serviceKeys     = []string{"service", "service_name", "serviceName", "producer", "source"}
	eventTypeKeys   = []string{"event_type", "eventType", "type", "name", "event", "action"}
	correlationKeys = []string{"correlation_id", "correlationId", "correlationID", "request_id", "requestId", "trace_id", "traceId"}
	timestampKeys   = []string{"event_timestamp", "eventTimestamp", "timestamp", "ts", "occurred_at", "occurredAt", "created_at", "createdAt", "time"}
	eventIDKeys     = []string{"event_id", "eventId"}
)

// Input is a decoded broker message.
type Input struct {
	RoutingKey    string
	MessageID     string
	CorrelationID string
	// Timestamp is the producer timestamp; zero when absent.
	Timestamp time.Time
	// Payload is the decoded JSON body (json.Number for numbers).
	Payload any
	// RawJSON is the body text stored verbatim.
	RawJSON string
	// SessionFallback groups events that carry no correlation id.
	SessionFallback string
}

// CanonicalEvent is the storage-ready business event.
type CanonicalEvent struct {
	EventID uuid.UUID
	// NaturalID is set when EventID came from the payload rather than
	// being generated.
	NaturalID      bool
	EventType      string
	EventTimestamp time.Time
	SessionID      string
	Source         string
	Service        string
	CorrelationID  string
	UserID         string
	EntityID       string
	Payload        string
	RoutingKey     string
	MessageID      string

	// Decoded is the parsed payload, kept for table-specific columns.
	Decoded any
}

// Normalize builds a canonical event from in. now anchors both the
// ingestion-time fallback and the skew validation.
func Normalize(in Input, now time.Time) (*CanonicalEvent, error) {
	dicts := CandidateDicts(in.Payload, candidateKeys)

	correlationID := bestEffortCorrelationID(dicts, in.CorrelationID)
	sessionID := correlationID
	if sessionID == "" {
		sessionID = truncate(in.SessionFallback, MaxSessionID)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: no session id", ErrNormalize)
	}

	ts := bestEffortTimestamp(dicts, in.Timestamp, now)
	if err := timeutil.ValidateEventTimestamp(ts, now); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNormalize, err)
	}

	ev := &CanonicalEvent{
		EventType:      bestEffortEventType(dicts, in.RoutingKey),
		EventTimestamp: ts,
		SessionID:      sessionID,
		Source:         SourceService,
		Service:        bestEffortService(dicts),
		CorrelationID:  correlationID,
		UserID:         bestEffortUserID(dicts),
		EntityID:       FirstString(dicts, entityIDKeys),
		Payload:        in.RawJSON,
		RoutingKey:     in.RoutingKey,
		MessageID:      in.MessageID,
		Decoded:        in.Payload,
	}

	if raw := FirstString(dicts, eventIDKeys); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			ev.EventID, ev.NaturalID = id, true
		}
	}
	if !ev.NaturalID {
		ev.EventID = uuid.New()
	}

	return ev, nil
}

// CandidateDicts returns payload followed by each of its sub-objects named
// in keys. A payload that is not an object yields no candidates.
func CandidateDicts(payload any, keys []string) []map[string]any {
	root, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	out := []map[string]any{root}
	for _, k := range keys {
		if sub, ok := root[k].(map[string]any); ok {
			out = append(out, sub)
		}
	}
	return out
}

// FirstString scans dicts in order and, within each, keys in order, and
// returns the first scalar that is non-empty after trimming.
func FirstString(dicts []map[string]any, keys []string) string {
	for _, d := range dicts {
		for _, k := range keys {
			if s, ok := scalarString(d[k]); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// scalarString renders a decoded JSON scalar. Objects, arrays and null do
// not match.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return fmt.Sprint(t), true
	case bool:
		if t {
			return "True", true
		}
		return "False", true
	default:
		return "", false
	}
}

func bestEffortUserID(dicts []map[string]any) string {
	uid := FirstString(dicts, userIDKeys)
	// Never persist something that looks like a credential.
	if strings.Contains(uid, "@") || len([]rune(uid)) > MaxUserID {
		return ""
	}
	return uid
}

func bestEffortService(dicts []map[string]any) string {
	svc := FirstString(dicts, serviceKeys)
	if svc == "" {
		svc = DefaultService
	}
	return truncate(svc, MaxService)
}

func bestEffortEventType(dicts []map[string]any, routingKey string) string {
	et := FirstString(dicts, eventTypeKeys)
	if et == "" {
		et = routingKey
	}
	if et == "" {
		et = "unknown"
	}
	return truncate(et, MaxEventType)
}

func bestEffortCorrelationID(dicts []map[string]any, messageCorrelationID string) string {
	if s := strings.TrimSpace(messageCorrelationID); s != "" {
		return truncate(s, MaxCorrelationID)
	}
	return truncate(FirstString(dicts, correlationKeys), MaxCorrelationID)
}

func bestEffortTimestamp(dicts []map[string]any, messageTS, now time.Time) time.Time {
	for _, d := range dicts {
		for _, k := range timestampKeys {
			switch v := d[k].(type) {
			case string:
				if t, ok := timeutil.ParseBestEffort(v); ok {
					return t
				}
			case json.Number:
				if f, err := v.Float64(); err == nil {
					if t, ok := timeutil.FromEpoch(f); ok {
						return t
					}
				}
			case float64:
				if t, ok := timeutil.FromEpoch(v); ok {
					return t
				}
			}
		}
	}
	if !messageTS.IsZero() {
		return messageTS.UTC()
	}
	return now.UTC()
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
