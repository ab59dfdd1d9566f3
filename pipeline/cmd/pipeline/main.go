package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/pipeline/orchestrator"
	"github.com/kada-mandiya/analytics/pipeline/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	once := flag.Bool("once", false, "run the pipeline once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("pipeline"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := database.Connect(connectCtx, cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to warehouse: %v", err)
	}
	defer db.Close()

	orch, closeNotifier := orchestrator.Build(ctx, cfg, db, logger)
	defer closeNotifier()

	if *once {
		res := orch.RunOnce(ctx, orchestrator.Options{RunType: "pipeline_manual"})
		slog.Info("Pipeline run complete",
			logging.RunID(res.RunID),
			slog.String("status", res.Status),
			logging.Rows(res.Rows),
			slog.String("error", res.Error),
		)
		if !res.OK() {
			closeNotifier()
			db.Close()
			os.Exit(1)
		}
		return
	}

	sched := scheduler.New(orch, cfg.Pipeline.Interval, logger)
	go sched.Start(ctx)

	<-ctx.Done()
	slog.Info("Shutting down pipeline scheduler")
	sched.Stop()
}
