// Package handlers serves the collector HTTP API.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kada-mandiya/analytics/collector/internal/ingest"
	"github.com/kada-mandiya/analytics/collector/internal/metrics"
	"github.com/kada-mandiya/analytics/common/fingerprint"
	"github.com/kada-mandiya/analytics/common/httputil"
	"github.com/kada-mandiya/analytics/common/ingeststats"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/middleware"
	"github.com/kada-mandiya/analytics/common/timeutil"
	"github.com/kada-mandiya/analytics/warehouse/deadletter"
)

// APIKeyHeader carries the shared ingest secret.
const APIKeyHeader = "X-ANALYTICS-KEY"

const serviceName = "Kada Mandiya Analytics Collector"

// Ingester writes a normalized batch.
type Ingester interface {
	Ingest(ctx context.Context, items []any, receivedAt time.Time) (ingest.Result, error)
}

// DeadLetters stores request bodies that never parsed.
type DeadLetters interface {
	Write(ctx context.Context, source, reason string, payload any) error
}

// Handler serves the collector API.
type Handler struct {
	ingester     Ingester
	dead         DeadLetters
	store        messaging.HealthChecker
	stats        ingeststats.Recorder
	apiKey       string
	maxBodyBytes int64
	now          func() time.Time
	logger       *slog.Logger
}

// Config holds the handler's request-level settings.
type Config struct {
	APIKey       string
	MaxBodyBytes int64
}

// NewHandler creates a Handler. A nil stats recorder disables usage stats.
func NewHandler(cfg Config, ingester Ingester, dead DeadLetters, store messaging.HealthChecker, stats ingeststats.Recorder, logger *slog.Logger) *Handler {
	if stats == nil {
		stats = ingeststats.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ingester:     ingester,
		dead:         dead,
		store:        store,
		stats:        stats,
		apiKey:       cfg.APIKey,
		maxBodyBytes: cfg.MaxBodyBytes,
		now:          timeutil.NowUTC,
		logger:       logger,
	}
}

// PostEvents accepts a single event, a list, or {"events": [...]}.
func (h *Handler) PostEvents(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	receivedAt := h.now()

	body, err := httputil.ReadBody(r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.respondDetail(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.respondDetail(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) == 0 {
		h.respond(w, r, http.StatusAccepted, ingest.Result{})
		return
	}

	text, payload, err := fingerprint.DecodeBody(body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "invalid json", logging.Error(err))
		if werr := h.dead.Write(r.Context(), ingest.SourceCollector, deadletter.ReasonInvalidJSON, text); werr != nil {
			h.logger.ErrorContext(r.Context(), "failed to write dead letter", logging.Error(werr))
			h.unavailable(w)
			return
		}
		metrics.DeadLettersTotal.WithLabelValues(deadletter.ReasonInvalidJSON).Inc()
		res := ingest.Result{DeadLettered: 1}
		h.stats.Record(ingest.SourceCollector, 0, 1, middleware.ClientIP(r))
		h.respond(w, r, http.StatusAccepted, res)
		return
	}

	items := NormalizeEvents(payload)
	res, err := h.ingester.Ingest(r.Context(), items, receivedAt)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ingestion failed", logging.Error(err))
		h.unavailable(w)
		return
	}

	h.stats.Record(batchSource(items), int64(res.Accepted), int64(res.DeadLettered), middleware.ClientIP(r))
	h.respond(w, r, http.StatusAccepted, res)
}

// Health reports store connectivity. It always answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := messaging.Check(r.Context(), h.store)
	if !status.OK {
		h.logger.ErrorContext(r.Context(), "healthcheck failed", slog.String("error", status.Error))
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "degraded", "error": status.Error})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Index lists the service endpoints.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"status":  "ok",
		"endpoints": map[string]string{
			"health":  "/health",
			"events":  "/events",
			"metrics": "/metrics",
		},
	})
}

func (h *Handler) Favicon(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.apiKey == "" {
		h.respondDetail(w, http.StatusServiceUnavailable, "Server misconfigured: ANALYTICS_API_KEY missing")
		return false
	}
	got := r.Header.Get(APIKeyHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.apiKey)) != 1 {
		h.respondDetail(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, res ingest.Result) {
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	h.logger.DebugContext(r.Context(), "batch ingested",
		slog.Int("accepted", res.Accepted),
		slog.Int("dead_lettered", res.DeadLettered),
	)
	httputil.WriteJSON(w, status, res)
}

func (h *Handler) respondDetail(w http.ResponseWriter, status int, detail string) {
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	httputil.WriteDetail(w, status, detail)
}

func (h *Handler) unavailable(w http.ResponseWriter) {
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(http.StatusServiceUnavailable)).Inc()
	httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

// NormalizeEvents turns a decoded body into a batch: a list is used as is,
// an object with an "events" list is unwrapped, anything else is one item.
func NormalizeEvents(body any) []any {
	switch v := body.(type) {
	case []any:
		return v
	case map[string]any:
		if list, ok := v["events"].([]any); ok {
			return list
		}
	}
	return []any{body}
}

// batchSource is the source of the first event, used for usage stats.
func batchSource(items []any) string {
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if s, ok := m["source"].(string); ok && s != "" {
				return s
			}
		}
	}
	return "unknown"
}
