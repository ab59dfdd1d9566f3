package mapper

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Sub-objects searched by the business-field helpers, after the payload itself.
var bizCandidateKeys = []string{"meta", "data", "payload", "event", "order", "payment", "review"}

// findFirst returns the first key of d whose value is present and not null.
func findFirst(d map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := d[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// bizString walks the business candidates. Within one candidate only the
// first present key is considered; an empty value moves on to the next
// candidate.
func bizString(payload any, keys []string, max int) string {
	for _, d := range CandidateDicts(payload, bizCandidateKeys) {
		v, ok := findFirst(d, keys)
		if !ok {
			continue
		}
		if s, ok := scalarString(v); ok && s != "" {
			return truncate(s, max)
		}
	}
	return ""
}

// OrderID returns the order id carried by payload, else fallback (typically
// the event's entity id).
func OrderID(payload any, fallback string) string {
	if s := bizString(payload, []string{"order_id", "orderId", "id"}, 64); s != "" {
		return s
	}
	return truncate(fallback, 64)
}

// PaymentID returns the payment id carried by payload.
func PaymentID(payload any) string {
	return bizString(payload, []string{"payment_id", "paymentId", "id"}, 64)
}

// ReviewID prefers the entity id, then the payload's review id.
func ReviewID(payload any, entityID string) string {
	if entityID != "" {
		return truncate(entityID, 64)
	}
	return bizString(payload, []string{"review_id", "reviewId", "id"}, 64)
}

// ProductID returns the product id or SKU carried by payload.
func ProductID(payload any) string {
	return bizString(payload, []string{"product_id", "productId", "sku"}, 64)
}

// Currency returns the ISO currency code carried by payload.
func Currency(payload any) string {
	return bizString(payload, []string{"currency", "currency_code", "currencyCode"}, 10)
}

// Provider returns the payment provider carried by payload.
func Provider(payload any) string {
	return bizString(payload, []string{"provider", "gateway", "payment_provider", "paymentProvider"}, 50)
}

// Amount returns the first decimal amount carried by payload, as text, so it
// can be stored without a float round trip.
func Amount(payload any) (string, bool) {
	keys := []string{"total_amount", "totalAmount", "total", "amount", "revenue"}
	for _, d := range CandidateDicts(payload, bizCandidateKeys) {
		v, ok := findFirst(d, keys)
		if !ok {
			continue
		}
		if s, ok := decimalText(v); ok {
			return s, true
		}
	}
	return "", false
}

// Status derives an order/payment status from payload or the routing key's
// last segment ("order.paid" -> "paid").
func Status(payload any, routingKey string) string {
	if s := bizString(payload, []string{"status", "state", "payment_status", "paymentStatus"}, 32); s != "" {
		return strings.ToLower(s)
	}
	if i := strings.LastIndexByte(routingKey, '.'); i >= 0 {
		return truncate(routingKey[i+1:], 32)
	}
	if routingKey == "" {
		return "unknown"
	}
	return truncate(routingKey, 32)
}

// IsPaidRoutingKey reports whether a routing key announces a completed
// payment and so feeds the order/payment projection.
func IsPaidRoutingKey(routingKey string) bool {
	last := routingKey
	if i := strings.LastIndexByte(routingKey, '.'); i >= 0 {
		last = routingKey[i+1:]
	}
	last = strings.ToLower(last)
	return last == "paid" || last == "succeeded"
}

func decimalText(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return s, true
}
