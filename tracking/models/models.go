// Package models holds the request bodies accepted by the tracking API.
package models

import (
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/validation"
)

func init() {
	validation.RegisterEmbedded("Common")
}

// Event types and their routing keys.
const (
	TypePageView      = "page_view"
	TypeClick         = "click"
	TypeAddToCart     = "add_to_cart"
	TypeBeginCheckout = "begin_checkout"
)

var routingKeys = map[string]string{
	TypePageView:      messaging.RoutingKeyPageView,
	TypeClick:         messaging.RoutingKeyClick,
	TypeAddToCart:     messaging.RoutingKeyAddToCart,
	TypeBeginCheckout: messaging.RoutingKeyBeginCheckout,
}

// RoutingKey returns the routing key for eventType.
func RoutingKey(eventType string) (string, bool) {
	rk, ok := routingKeys[eventType]
	return rk, ok
}

// RoutingKeys lists every UI routing key, for queue bindings.
func RoutingKeys() []string {
	return []string{
		messaging.RoutingKeyPageView,
		messaging.RoutingKeyClick,
		messaging.RoutingKeyAddToCart,
		messaging.RoutingKeyBeginCheckout,
	}
}

// Common is shared by every UI event.
type Common struct {
	SessionID     string  `json:"session_id" validate:"required,min=1,max=64"`
	UserID        *string `json:"user_id,omitempty" validate:"omitnil,max=64"`
	CorrelationID *string `json:"correlation_id,omitempty" validate:"omitnil,max=64"`
	PageURL       string  `json:"page_url" validate:"required,min=1,max=2000"`
	// EntityID is only honoured on /track.
	EntityID   *string        `json:"entity_id,omitempty" validate:"omitnil,max=128"`
	Properties map[string]any `json:"properties"`
}

func (c *Common) common() *Common { return c }

// Event is any UI event body.
type Event interface {
	common() *Common
}

// Defaults fills the fields a body may omit.
func Defaults(ev Event) {
	c := ev.common()
	if c.Properties == nil {
		c.Properties = map[string]any{}
	}
	switch e := ev.(type) {
	case *AddToCart:
		if e.Quantity == nil {
			one := 1
			e.Quantity = &one
		}
		if e.ElementID == nil {
			id := "btn_add_to_cart"
			e.ElementID = &id
		}
	case *BeginCheckout:
		if e.ElementID == nil {
			id := "btn_checkout"
			e.ElementID = &id
		}
	}
}

// DropEntityID clears entity_id for the per-type endpoints.
func DropEntityID(ev Event) {
	ev.common().EntityID = nil
}

type PageView struct {
	Common
	ReferrerURL    *string `json:"referrer_url,omitempty" validate:"omitnil,max=2000"`
	UTMSource      *string `json:"utm_source,omitempty" validate:"omitnil,max=100"`
	UTMMedium      *string `json:"utm_medium,omitempty" validate:"omitnil,max=100"`
	UTMCampaign    *string `json:"utm_campaign,omitempty" validate:"omitnil,max=100"`
	TimeOnPrevPage *int    `json:"time_on_prev_page,omitempty" validate:"omitnil,gte=0"`
}

type Click struct {
	Common
	ElementID string `json:"element_id" validate:"required,min=1,max=255"`
}

type AddToCart struct {
	Common
	ProductID string  `json:"product_id" validate:"required,min=1,max=128"`
	Quantity  *int    `json:"quantity,omitempty" validate:"omitnil,gte=1,lte=1000"`
	ElementID *string `json:"element_id,omitempty" validate:"omitnil,max=255"`
}

type BeginCheckout struct {
	Common
	OrderID   *string `json:"order_id,omitempty" validate:"omitnil,max=128"`
	ElementID *string `json:"element_id,omitempty" validate:"omitnil,max=255"`
}

// New returns an empty body for eventType.
func New(eventType string) (Event, bool) {
	switch eventType {
	case TypePageView:
		return &PageView{}, true
	case TypeClick:
		return &Click{}, true
	case TypeAddToCart:
		return &AddToCart{}, true
	case TypeBeginCheckout:
		return &BeginCheckout{}, true
	}
	return nil, false
}
