package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/messaging/rabbitmq"
	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/consumer/internal/consumer"
	"github.com/kada-mandiya/analytics/consumer/internal/health"
	"github.com/kada-mandiya/analytics/consumer/internal/persist"
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

	if !cfg.Consumer.Enabled {
		fmt.Println("Analytics consumer disabled (set ANALYTICS_CONSUMER_ENABLED=true to enable).")
		return
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("consumer"))
	logging.SetDefault(logger)

	top := rabbitmq.TopologyFromConfig(cfg.RabbitMQ)
	slog.Info("Starting analytics consumer",
		slog.String("exchange", top.Exchange),
		slog.String("queue", top.Queue),
		slog.Bool("dlq", top.HasDLQ()),
	)

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
			natsclient.FromConfig(cfg.NATS, "analytics-consumer", logger.Logger),
			natsclient.DeadLetterStream)
		if err != nil {
			slog.Warn("Dead letter mirror unavailable, continuing without it", logging.Error(err))
		} else {
			defer js.Close()
			sinkOpts = append(sinkOpts, deadletter.WithMirror(js))
			slog.Info("Dead letters mirrored to JetStream", slog.String("stream", natsclient.DeadLetterStream.Name))
		}
	}
	sink := deadletter.NewSink(db, sinkOpts...)

	store := persist.New(db, cfg.Consumer.Source,
		persist.WithRetry(retry.FromConfig(cfg.Consumer.InsertRetry)),
		persist.WithLogger(logger.Logger))

	hostname, _ := os.Hostname()
	c := consumer.New(consumer.Config{
		URL:              cfg.RabbitMQ.URL,
		Topology:         top,
		Prefetch:         cfg.RabbitMQ.Prefetch,
		Tag:              fmt.Sprintf("analytics-consumer-%s-%d", hostname, os.Getpid()),
		DeadLetterRetry:  retry.FromConfig(cfg.Consumer.DeadLetterRetry),
		ReconnectInitial: cfg.Consumer.ReconnectInitial,
		ReconnectMax:     cfg.Consumer.ReconnectMax,
	}, store, sink, consumer.WithLogger(logger.Logger))

	if cfg.Consumer.Health.Enabled {
		router := health.NewRouter(
			messaging.HealthFunc(db.Ping),
			messaging.HealthFunc(func(ctx context.Context) error {
				return rabbitmq.Probe(ctx, cfg.RabbitMQ.URL)
			}),
		)
		go func() {
			if err := health.Serve(ctx, cfg.Consumer.Health.Port, router, logger.Logger); err != nil {
				slog.Error("Health server error", logging.Error(err))
			}
		}()
	}

	slog.Info("Consumer running", slog.String("consumer", c.String()))
	if err := c.Run(ctx); err != nil {
		log.Fatalf("Consumer error: %v", err)
	}
	slog.Info("Consumer stopped")
}
