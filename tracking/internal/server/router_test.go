package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kada-mandiya/analytics/common/health"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/tracking/internal/handlers"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *messaging.Message) error { return nil }
func (nopPublisher) Close() error                                      { return nil }

func TestRouter_TrackRoutes(t *testing.T) {
	router := NewRouter(handlers.NewHandler(nopPublisher{}, nil), Options{})

	bodies := map[string]string{
		"/track":                `{"event_type":"click","session_id":"s","page_url":"/","element_id":"b"}`,
		"/track/page_view":      `{"session_id":"s","page_url":"/"}`,
		"/track/click":          `{"session_id":"s","page_url":"/","element_id":"b"}`,
		"/track/add_to_cart":    `{"session_id":"s","page_url":"/","product_id":"p"}`,
		"/track/begin_checkout": `{"session_id":"s","page_url":"/"}`,
	}
	for path, body := range bodies {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		if rr.Code != http.StatusOK {
			t.Errorf("POST %s = %d: %s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestRouter_Health(t *testing.T) {
	router := NewRouter(handlers.NewHandler(nopPublisher{}, nil), Options{
		Probes: []health.Probe{
			{Name: "sql", Checker: messaging.HealthFunc(func(context.Context) error { return nil })},
			{Name: "rabbitmq", Checker: messaging.HealthFunc(func(context.Context) error { return errors.New("refused") })},
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rr.Code)
	}

	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "degraded" || got["sql"] != "ok" || got["rabbitmq"] != "degraded" || got["rabbitmq_error"] != "refused" {
		t.Errorf("health = %v", got)
	}
}
