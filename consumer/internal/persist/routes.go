package persist

import (
	"strconv"
	"strings"

	"github.com/kada-mandiya/analytics/common/fingerprint"
	"github.com/kada-mandiya/analytics/consumer/internal/mapper"
	"github.com/kada-mandiya/analytics/warehouse/bronze"
)

// Target names the bronze table an event lands in.
type Target string

const (
	TargetPageView Target = "bronze.page_view_events"
	TargetClick    Target = "bronze.click_events"
	TargetCart     Target = "bronze.cart_events"
	TargetCheckout Target = "bronze.checkout_events"
	TargetBusiness Target = "bronze.business_events"
)

var uiRoutes = map[string]Target{
	"ui.page_view":      TargetPageView,
	"page_view":         TargetPageView,
	"ui.click":          TargetClick,
	"click":             TargetClick,
	"ui.add_to_cart":    TargetCart,
	"add_to_cart":       TargetCart,
	"cart_action":       TargetCart,
	"ui.begin_checkout": TargetCheckout,
	"begin_checkout":    TargetCheckout,
}

// Objects searched for UI columns. The tracking API flattens fields at the
// top level and repeats them under payload.
var uiCandidateKeys = []string{"payload", "data", "properties"}

// Route picks the target table by routing key, then event type. UI events
// without a page_url fall back to business_events.
func Route(ev *mapper.CanonicalEvent) Target {
	target, ok := uiRoutes[ev.RoutingKey]
	if !ok {
		target, ok = uiRoutes[ev.EventType]
	}
	if !ok {
		return TargetBusiness
	}
	if uiString(ev.Decoded, "page_url", "pageUrl", "url") == "" {
		return TargetBusiness
	}
	return target
}

func uiDicts(payload any) []map[string]any {
	return mapper.CandidateDicts(payload, uiCandidateKeys)
}

func uiString(payload any, keys ...string) string {
	return mapper.FirstString(uiDicts(payload), keys)
}

func uiStr(payload any, n int, keys ...string) *string {
	return bronze.Str(uiString(payload, keys...), n)
}

func uiInt(payload any, keys ...string) *int {
	s := uiString(payload, keys...)
	if s == "" {
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return bronze.Int(v)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return bronze.Int(int(f))
	}
	return nil
}

// metaString reads meta.<key>, where the tracking API puts request metadata.
func metaString(payload any, key string, n int) *string {
	root, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	meta, ok := root["meta"].(map[string]any)
	if !ok {
		return nil
	}
	return bronze.Str(mapper.FirstString([]map[string]any{meta}, []string{key}), n)
}

// properties renders the payload's properties object as canonical JSON.
func properties(payload any) *string {
	root, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	props, ok := root["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil
	}
	b, err := fingerprint.StableJSON(props)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func userID(ev *mapper.CanonicalEvent) *string {
	return bronze.Str(ev.UserID, mapper.MaxUserID)
}

func pageViewRow(ev *mapper.CanonicalEvent) bronze.PageViewRow {
	p := ev.Decoded
	return bronze.PageViewRow{
		EventID:               ev.EventID,
		EventTimestamp:        ev.EventTimestamp,
		SessionID:             ev.SessionID,
		UserID:                userID(ev),
		PageURL:               bronze.Truncate(uiString(p, "page_url", "pageUrl", "url"), 2000),
		ReferrerURL:           uiStr(p, 2000, "referrer_url", "referrerUrl", "referrer"),
		UTMSource:             uiStr(p, 100, "utm_source"),
		UTMMedium:             uiStr(p, 100, "utm_medium"),
		UTMCampaign:           uiStr(p, 100, "utm_campaign"),
		TimeOnPrevPageSeconds: uiInt(p, "time_on_prev_page_seconds", "time_on_prev_page"),
		Properties:            properties(p),
	}
}

func clickRow(ev *mapper.CanonicalEvent) bronze.ClickRow {
	p := ev.Decoded
	return bronze.ClickRow{
		EventID:        ev.EventID,
		EventTimestamp: ev.EventTimestamp,
		SessionID:      ev.SessionID,
		UserID:         userID(ev),
		PageURL:        bronze.Truncate(uiString(p, "page_url", "pageUrl", "url"), 2000),
		ElementID:      uiStr(p, 255, "element_id", "elementId"),
		X:              uiInt(p, "x"),
		Y:              uiInt(p, "y"),
		ViewportW:      uiInt(p, "viewport_width", "viewport_w"),
		ViewportH:      uiInt(p, "viewport_height", "viewport_h"),
		UserAgent:      metaString(p, "user_agent", 500),
		IPAddress:      metaString(p, "ip_address", 64),
		Properties:     properties(p),
	}
}

func cartRow(ev *mapper.CanonicalEvent) bronze.CartRow {
	p := ev.Decoded
	action := strings.ToLower(uiString(p, "cart_action", "action"))
	if action == "" || ev.RoutingKey == "ui.add_to_cart" || ev.EventType == "add_to_cart" {
		action = "add"
	}
	return bronze.CartRow{
		EventID:        ev.EventID,
		EventTimestamp: ev.EventTimestamp,
		SessionID:      ev.SessionID,
		UserID:         userID(ev),
		PageURL:        bronze.Truncate(uiString(p, "page_url", "pageUrl", "url"), 2000),
		ElementID:      uiStr(p, 255, "element_id", "elementId"),
		ProductID:      uiStr(p, 128, "product_id", "productId", "sku"),
		Quantity:       uiInt(p, "quantity", "qty"),
		Action:         bronze.Truncate(action, 32),
		Properties:     properties(p),
	}
}

func checkoutRow(ev *mapper.CanonicalEvent) bronze.CheckoutRow {
	p := ev.Decoded
	return bronze.CheckoutRow{
		EventID:        ev.EventID,
		EventTimestamp: ev.EventTimestamp,
		SessionID:      ev.SessionID,
		UserID:         userID(ev),
		PageURL:        bronze.Truncate(uiString(p, "page_url", "pageUrl", "url"), 2000),
		ElementID:      uiStr(p, 255, "element_id", "elementId"),
		OrderID:        uiStr(p, 128, "order_id", "orderId"),
		Properties:     properties(p),
	}
}

func businessRow(ev *mapper.CanonicalEvent) bronze.BusinessRow {
	return bronze.BusinessRow{
		EventID:        ev.EventID,
		EventTimestamp: ev.EventTimestamp,
		CorrelationID:  bronze.Str(ev.CorrelationID, mapper.MaxCorrelationID),
		Service:        ev.Service,
		EventType:      ev.EventType,
		UserID:         userID(ev),
		EntityID:       bronze.Str(ev.EntityID, 64),
		Payload:        ev.Payload,
	}
}

func orderPaymentRow(ev *mapper.CanonicalEvent) bronze.OrderPaymentRow {
	p := ev.Decoded
	row := bronze.OrderPaymentRow{
		EventID:        ev.EventID,
		EventTimestamp: ev.EventTimestamp,
		RoutingKey:     bronze.Truncate(ev.RoutingKey, 200),
		OrderID:        bronze.Str(mapper.OrderID(p, ev.EntityID), 64),
		PaymentID:      bronze.Str(mapper.PaymentID(p), 64),
		UserID:         userID(ev),
		Status:         mapper.Status(p, ev.RoutingKey),
		Currency:       bronze.Str(mapper.Currency(p), 10),
		Provider:       bronze.Str(mapper.Provider(p), 50),
		CorrelationID:  bronze.Str(ev.CorrelationID, mapper.MaxCorrelationID),
	}
	if amount, ok := mapper.Amount(p); ok {
		row.TotalAmount = bronze.Amount(amount)
	}
	return row
}
