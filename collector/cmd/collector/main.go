package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kada-mandiya/analytics/collector/internal/handlers"
	"github.com/kada-mandiya/analytics/collector/internal/ingest"
	"github.com/kada-mandiya/analytics/collector/internal/server"
	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/ingeststats"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/ratelimit"
	"github.com/kada-mandiya/analytics/warehouse/deadletter"

	natsclient "github.com/kada-mandiya/analytics/common/messaging/nats"
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
	).With(logging.Service("collector"))
	logging.SetDefault(logger)

	slog.Info("Starting analytics collector",
		slog.Int("port", cfg.Collector.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
	)
	if cfg.Collector.APIKey == "" {
		slog.Warn("ANALYTICS_API_KEY is not set; POST /events will answer 503")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := database.Connect(connectCtx, cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to warehouse: %v", err)
	}
	defer db.Close()

	sinkOpts := []deadletter.Option{deadletter.WithLogger(logger.Logger)}
	if cfg.NATS.Enabled {
		js, err := natsclient.ConnectStreams(ctx,
			natsclient.FromConfig(cfg.NATS, "analytics-collector", logger.Logger),
			natsclient.DeadLetterStream)
		if err != nil {
			slog.Warn("Dead letter mirror unavailable, continuing without it", logging.Error(err))
		} else {
			defer js.Close()
			sinkOpts = append(sinkOpts, deadletter.WithMirror(js))
		}
	}
	sink := deadletter.NewSink(db, sinkOpts...)

	limiter := ratelimit.FromConfig(ctx, cfg.Redis, "collector", cfg.Collector.RateLimit, logger.Logger)
	defer limiter.Close()

	// Usage stats share the rate limiter's Redis.
	var stats ingeststats.Recorder = ingeststats.Nop{}
	if cfg.Redis.Enabled {
		hostname, _ := os.Hostname()
		instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

		statsClient, err := ingeststats.NewClient(ctx, cfg.Redis, instanceID)
		if err != nil {
			slog.Warn("Ingest stats disabled", logging.Error(err))
		} else {
			collector := ingeststats.NewCollector(statsClient, 30*time.Second, logger.Logger)
			defer collector.Stop()
			stats = collector
		}
	}

	svc := ingest.NewService(db, sink, logger.Logger)
	h := handlers.NewHandler(handlers.Config{
		APIKey:       cfg.Collector.APIKey,
		MaxBodyBytes: cfg.Collector.MaxBodyBytes,
	}, svc, sink, messaging.HealthFunc(db.Ping), stats, logger.Logger)

	router := server.NewRouter(h, server.Options{
		CORSAllowOrigins: cfg.Collector.CORSAllowOrigins,
		Limiter:          limiter,
		RetryAfter:       cfg.Collector.RateLimit.Window,
		Logger:           logger.Logger,
	})

	srv := &http.Server{
		Addr:         cfg.Collector.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Collector.Server.ReadTimeout,
		WriteTimeout: cfg.Collector.Server.WriteTimeout,
		IdleTimeout:  cfg.Collector.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Collector listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()

	slog.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Collector.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	slog.Info("Server stopped")
}
