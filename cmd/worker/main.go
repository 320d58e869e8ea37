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
	"durable-job-queue/internal/telemetry"
	workerproc "durable-job-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger().With("service", "worker")

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

	notifier := notify.NewRedisNotifier(rdb, cfg.NotifyChannel)
	q := bootstrap.NewQueue(st, cfg, notifier, logger)

	processor := workerproc.NewProcessorWithID(cfg, q, cfg.WorkerID, logger)
	processor.Register("Simulated", workerproc.ExecutableFunc(workerproc.Simulated))

	// Without Redis the worker still runs; it just polls.
	if sub, err := notifier.Subscribe(ctx, cfg.WorkerQueues); err != nil {
		logger.Warn("ready notifications unavailable, polling only", "error", err)
	} else {
		defer sub.Close()
		processor.WakeOn(sub.C())
	}

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

	logger.Info("worker started",
		"process_id", processor.ProcessID(),
		"queues", cfg.WorkerQueues,
		"threads", cfg.WorkerThreads,
		"poll_interval", cfg.WorkerPollInterval,
	)
	g.Go(func() error {
		defer stop()
		if err := processor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
