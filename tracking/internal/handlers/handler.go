// Package handlers serves the /track endpoints.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kada-mandiya/analytics/common/httputil"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/middleware"
	"github.com/kada-mandiya/analytics/common/validation"
	"github.com/kada-mandiya/analytics/tracking/envelope"
	"github.com/kada-mandiya/analytics/tracking/internal/metrics"
	"github.com/kada-mandiya/analytics/tracking/models"
)

const maxBodyBytes = 256 << 10

// Response is returned for every published event.
type Response struct {
	OK         string `json:"ok"`
	EventID    string `json:"event_id"`
	RoutingKey string `json:"routing_key"`
}

// Handler publishes validated UI events.
type Handler struct {
	publisher messaging.Publisher
	builder   envelope.Builder
	logger    *slog.Logger
}

// NewHandler creates a Handler publishing through p.
func NewHandler(p messaging.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{publisher: p, builder: envelope.Default(), logger: logger}
}

// Track accepts any UI event, discriminated by event_type.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	body, ok := h.read(w, r, "track")
	if !ok {
		return
	}

	var head struct {
		EventType *string `json:"event_type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		h.invalid(w, "track", validation.Field("body", "json_invalid", "body must be a JSON object"))
		return
	}
	if head.EventType == nil {
		h.invalid(w, "track", validation.Field("event_type", "union_tag_not_found", "field required"))
		return
	}
	ev, ok := models.New(*head.EventType)
	if !ok {
		h.invalid(w, "track", validation.Field("event_type", "union_tag_invalid",
			"must be one of [page_view click add_to_cart begin_checkout]"))
		return
	}

	if !h.decode(w, "track", body, ev) {
		return
	}
	h.publish(w, r, *head.EventType, ev)
}

// TrackType returns a handler for one fixed event type.
func (h *Handler) TrackType(eventType string) http.HandlerFunc {
	endpoint := "track/" + eventType
	return func(w http.ResponseWriter, r *http.Request) {
		ev, ok := models.New(eventType)
		if !ok {
			httputil.WriteDetail(w, http.StatusNotFound, "Not Found")
			return
		}
		body, ok := h.read(w, r, endpoint)
		if !ok {
			return
		}
		if !h.decode(w, endpoint, body, ev) {
			return
		}
		models.DropEntityID(ev)
		h.publish(w, r, eventType, ev)
	}
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request, endpoint string) ([]byte, bool) {
	body, err := httputil.ReadBody(r, maxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteDetail(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return nil, false
		}
		httputil.WriteDetail(w, http.StatusBadRequest, "Failed to read request body")
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		h.invalid(w, endpoint, validation.Field("body", "missing", "field required"))
		return nil, false
	}
	return body, true
}

func (h *Handler) decode(w http.ResponseWriter, endpoint string, body []byte, ev models.Event) bool {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(ev); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			h.invalid(w, endpoint, validation.Field(typeErr.Field, "type_error", "input should be a valid "+typeErr.Type.String()))
			return false
		}
		h.invalid(w, endpoint, validation.Field("body", "json_invalid", err.Error()))
		return false
	}

	models.Defaults(ev)
	if err := validation.Struct(ev); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			h.invalid(w, endpoint, verr)
			return false
		}
		h.invalid(w, endpoint, validation.Field("body", "value_error", err.Error()))
		return false
	}
	return true
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, eventType string, ev models.Event) {
	env, err := h.builder.Build(eventType, ev, envelope.Meta{
		UserAgent: r.UserAgent(),
		IPAddress: middleware.ClientIP(r),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to build envelope", logging.Error(err))
		httputil.WriteDetail(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	msg, err := env.Message()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode envelope", logging.Error(err))
		httputil.WriteDetail(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	start := time.Now()
	err = h.publisher.Publish(r.Context(), msg)
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PublishFailuresTotal.WithLabelValues(env.RoutingKey).Inc()
		h.logger.ErrorContext(r.Context(), "publish failed",
			logging.RoutingKey(env.RoutingKey),
			logging.EventID(env.EventID.String()),
			logging.Error(err),
		)
		httputil.WriteDetail(w, http.StatusServiceUnavailable, "Event broker unavailable")
		return
	}

	metrics.PublishedTotal.WithLabelValues(env.RoutingKey).Inc()
	h.logger.InfoContext(r.Context(), "published",
		logging.RoutingKey(env.RoutingKey),
		logging.EventID(env.EventID.String()),
		slog.String("correlation_id", env.CorrelationID),
	)
	httputil.WriteJSON(w, http.StatusOK, Response{
		OK:         "true",
		EventID:    env.EventID.String(),
		RoutingKey: env.RoutingKey,
	})
}

// invalid answers 422 with issues located under "body".
func (h *Handler) invalid(w http.ResponseWriter, endpoint string, verr *validation.Error) {
	metrics.RejectedTotal.WithLabelValues(endpoint).Inc()
	issues := make([]validation.Issue, len(verr.Issues))
	for i, is := range verr.Issues {
		loc := append([]string{"body"}, is.Loc...)
		if len(is.Loc) == 1 && is.Loc[0] == "body" {
			loc = is.Loc
		}
		issues[i] = validation.Issue{Loc: loc, Msg: is.Msg, Type: is.Type}
	}
	httputil.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": issues})
}
