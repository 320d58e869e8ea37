package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"durable-job-queue/internal/bootstrap"
	"durable-job-queue/internal/config"
	"durable-job-queue/internal/notify"
	"durable-job-queue/internal/scheduler"
	"durable-job-queue/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger().With("service", "dispatcher")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := bootstrap.NewRedis(cfg)
	defer rdb.Close()

	q := bootstrap.NewQueue(st, cfg, notify.NewRedisNotifier(rdb, cfg.NotifyChannel), logger)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.DispatchInterval = cfg.DispatchInterval
	schedCfg.DispatchBatchSize = cfg.DispatchBatchSize
	schedCfg.MaintenanceInterval = cfg.MaintenanceInterval
	schedCfg.MaintenanceBatchSize = cfg.MaintenanceBatchSize
	sched := scheduler.New(q, schedCfg, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("dispatcher started",
		"dispatch_interval", schedCfg.DispatchInterval,
		"maintenance_interval", schedCfg.MaintenanceInterval,
	)
	g.Go(func() error {
		defer stop()
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
}
