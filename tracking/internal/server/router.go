// Package server assembles the tracking API router.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kada-mandiya/analytics/common/health"
	"github.com/kada-mandiya/analytics/common/middleware"
	"github.com/kada-mandiya/analytics/common/ratelimit"
	"github.com/kada-mandiya/analytics/tracking/internal/handlers"
	"github.com/kada-mandiya/analytics/tracking/models"
)

// Options wires the cross-cutting middleware and health probes.
type Options struct {
	CORSAllowOrigins []string
	Limiter          ratelimit.RateLimiter
	RetryAfter       time.Duration
	Probes           []health.Probe
	Logger           *slog.Logger
}

// NewRouter constructs a ServeMux with the tracking routes registered.
func NewRouter(h *handlers.Handler, opts Options) http.Handler {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NoOpRateLimiter{}
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := ratelimit.Middleware(opts.Limiter, opts.RetryAfter, opts.Logger)

	mux := http.NewServeMux()
	mux.Handle("POST /track", limit(http.HandlerFunc(h.Track)))
	for _, t := range []string{models.TypePageView, models.TypeClick, models.TypeAddToCart, models.TypeBeginCheckout} {
		mux.Handle("POST /track/"+t, limit(h.TrackType(t)))
	}

	mux.Handle("GET /health", health.Handler(opts.Probes...))
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(opts.Logger),
		middleware.CORS(middleware.CORSConfig{
			AllowedOrigins:   opts.CORSAllowOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}),
	)
}
