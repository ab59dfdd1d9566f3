// Package envelope builds the broker message published for a UI event.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/tracking/models"
)

const (
	maxCorrelationID = 64
	maxEntityID      = 128
	maxUserAgent     = 500
	maxIPAddress     = 64
)

// Meta is request context captured alongside the event.
type Meta struct {
	UserAgent string
	IPAddress string
}

// Envelope is a built event ready to publish.
type Envelope struct {
	EventID       uuid.UUID
	Timestamp     time.Time
	CorrelationID string
	RoutingKey    string
	Body          map[string]any
}

// Builder stamps ids and times onto envelopes.
type Builder struct {
	Now   func() time.Time
	NewID func() uuid.UUID
}

// Default uses the wall clock and random UUIDs.
func Default() Builder {
	return Builder{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.New,
	}
}

// Build wraps ev in the envelope the consumer expects: identifiers and
// service at the top, the body's fields flattened beside them, and the
// same fields again under "payload".
func (b Builder) Build(eventType string, ev models.Event, meta Meta) (*Envelope, error) {
	rk, ok := models.RoutingKey(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	fields, err := dump(ev)
	if err != nil {
		return nil, err
	}

	if eventType == models.TypePageView {
		if v, ok := fields["time_on_prev_page"]; ok {
			if _, set := fields["time_on_prev_page_seconds"]; !set {
				fields["time_on_prev_page_seconds"] = v
			}
		}
	}

	props, _ := fields["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	delete(fields, "properties")

	eventID := b.NewID()
	ts := b.Now().UTC()
	correlationID := deriveCorrelationID(fields, b.NewID)

	body := map[string]any{
		"event_id":        eventID.String(),
		"event_timestamp": ts.Format(time.RFC3339Nano),
		"correlation_id":  correlationID,
		"service":         "web",
		"event_type":      eventType,
		"user_id":         fields["user_id"],
		"entity_id":       deriveEntityID(eventType, fields),
	}
	nested := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
		nested[k] = v
	}
	nested["properties"] = props
	body["properties"] = props
	body["payload"] = nested
	body["meta"] = map[string]any{
		"user_agent": clampOrNil(meta.UserAgent, maxUserAgent),
		"ip_address": clampOrNil(meta.IPAddress, maxIPAddress),
	}

	return &Envelope{
		EventID:       eventID,
		Timestamp:     ts,
		CorrelationID: correlationID,
		RoutingKey:    rk,
		Body:          body,
	}, nil
}

// Message encodes the envelope for the publisher.
func (e *Envelope) Message() (*messaging.Message, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.Body); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return &messaging.Message{
		Subject:       e.RoutingKey,
		Data:          bytes.TrimRight(buf.Bytes(), "\n"),
		MessageID:     e.EventID.String(),
		CorrelationID: e.CorrelationID,
		ContentType:   "application/json",
		Timestamp:     e.Timestamp,
	}, nil
}

// dump renders ev's set fields as a map.
func dump(ev models.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return out, nil
}

func deriveCorrelationID(fields map[string]any, newID func() uuid.UUID) string {
	for _, key := range []string{"correlation_id", "session_id"} {
		if s, _ := fields[key].(string); s != "" {
			if v := clamp(strings.TrimSpace(s), maxCorrelationID); v != "" {
				return v
			}
			break
		}
	}
	return newID().String()
}

func deriveEntityID(eventType string, fields map[string]any) any {
	if s, _ := fields["entity_id"].(string); s != "" {
		return clamp(s, maxEntityID)
	}
	var key string
	switch eventType {
	case models.TypeAddToCart:
		key = "product_id"
	case models.TypeBeginCheckout:
		key = "order_id"
	default:
		return nil
	}
	if s, _ := fields[key].(string); s != "" {
		return clamp(s, maxEntityID)
	}
	return nil
}

func clamp(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func clampOrNil(s string, n int) any {
	if s == "" {
		return nil
	}
	return clamp(s, n)
}
