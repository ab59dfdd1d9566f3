package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/health"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/messaging/rabbitmq"
	"github.com/kada-mandiya/analytics/common/ratelimit"
	"github.com/kada-mandiya/analytics/tracking/internal/handlers"
	"github.com/kada-mandiya/analytics/tracking/models"
	"github.com/kada-mandiya/analytics/tracking/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("tracking"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	top := rabbitmq.TopologyFromConfig(cfg.RabbitMQ)
	top.RoutingKeys = models.RoutingKeys()
	publisher := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, top, rabbitmq.BreakerSettings{
		ConsecutiveFailures: cfg.Tracking.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Tracking.Breaker.OpenTimeout,
	}, logger.Logger)
	defer publisher.Close()

	// The broker may still be starting; publishing reconnects lazily.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := publisher.Connect(pingCtx); err != nil {
		slog.Warn("RabbitMQ not ready at startup", logging.Error(err))
	}
	cancel()

	probes := []health.Probe{{Name: "rabbitmq", Checker: publisher}}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := database.Connect(connectCtx, cfg.Database)
	cancel()
	if err != nil {
		slog.Warn("Warehouse unavailable at startup; /health will report sql degraded", logging.Error(err))
		dbErr := err
		probes = append([]health.Probe{{Name: "sql", Checker: messaging.HealthFunc(func(context.Context) error { return dbErr })}}, probes...)
	} else {
		defer db.Close()
		probes = append([]health.Probe{{Name: "sql", Checker: messaging.HealthFunc(db.Ping)}}, probes...)
	}

	limiter := ratelimit.FromConfig(ctx, cfg.Redis, "tracking", cfg.Tracking.RateLimit, logger.Logger)
	defer limiter.Close()

	router := server.NewRouter(handlers.NewHandler(publisher, logger.Logger), server.Options{
		CORSAllowOrigins: cfg.Tracking.CORSAllowOrigins,
		Limiter:          limiter,
		RetryAfter:       cfg.Tracking.RateLimit.Window,
		Probes:           probes,
		Logger:           logger.Logger,
	})

	srv := &http.Server{
		Addr:         cfg.Tracking.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Tracking.Server.ReadTimeout,
		WriteTimeout: cfg.Tracking.Server.WriteTimeout,
		IdleTimeout:  cfg.Tracking.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Tracking API listening",
			slog.String("addr", srv.Addr),
			slog.String("exchange", top.Exchange))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()

	slog.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Tracking.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	slog.Info("Server stopped")
}
