package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trailsync/internal/app"
	"trailsync/internal/config"
	"trailsync/internal/orchestrator"
	"trailsync/internal/syncer"
	"trailsync/internal/telemetry"
	"trailsync/internal/worker"
)

func main() {
	cfg := config.Load()
	log := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	syncHandler, err := a.SyncHandler(ctx)
	if err != nil {
		return err
	}
	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}

	processor := worker.NewProcessor(cfg, a.Queue, log)
	processor.RegisterHandler(syncer.TaskSyncRun, syncHandler.Handle)
	processor.RegisterHandler(orchestrator.TaskDailySync, orch.HandleDaily)
	processor.RegisterHandler(orchestrator.TaskSweep, orch.HandleSweep)

	next, err := a.Queue.Schedule(ctx, "daily-sync", orchestrator.TaskDailySync, cfg.DailySyncCron, orchestrator.DailyPayload{})
	if err != nil {
		return err
	}
	log.Info("daily sync scheduled", "cron", cfg.DailySyncCron, "next", next)
	if _, err := a.Queue.Schedule(ctx, "job-sweep", orchestrator.TaskSweep, cfg.SweepCron, nil); err != nil {
		return err
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	log.Info("queue config", "visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial, "max_attempts", cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
