// Package health serves the consumer's side-car /health and /metrics
// endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kada-mandiya/analytics/common/health"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/middleware"
)

// NewRouter registers /health and /metrics.
func NewRouter(sql, broker messaging.HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.Handler(
		health.Probe{Name: "sql", Checker: sql},
		health.Probe{Name: "rabbitmq", Checker: broker},
	))
	mux.Handle("GET /metrics", promhttp.Handler())
	return middleware.RequestID(mux)
}

// Serve runs the health server on port until ctx is cancelled.
func Serve(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("consumer health listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", logging.Error(err))
	}
	return nil
}
