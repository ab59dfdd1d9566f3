// Package server assembles the collector HTTP router.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kada-mandiya/analytics/collector/internal/handlers"
	"github.com/kada-mandiya/analytics/common/middleware"
	"github.com/kada-mandiya/analytics/common/ratelimit"
)

// Options wires the cross-cutting middleware around the routes.
type Options struct {
	CORSAllowOrigins []string
	Limiter          ratelimit.RateLimiter
	RetryAfter       time.Duration
	Logger           *slog.Logger
}

// NewRouter constructs a ServeMux with the collector routes registered.
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

	mux := http.NewServeMux()

	events := ratelimit.Middleware(opts.Limiter, opts.RetryAfter, opts.Logger)(http.HandlerFunc(h.PostEvents))
	mux.Handle("POST /events", events)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /favicon.ico", h.Favicon)
	mux.HandleFunc("GET /{$}", h.Index)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(opts.Logger),
		middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: opts.CORSAllowOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			MaxAge:         600,
		}),
	)
}
