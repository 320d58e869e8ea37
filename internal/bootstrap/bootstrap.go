// Package bootstrap builds the shared dependencies of the api, dispatcher and
// worker binaries from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/queue"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/store/memory"
	"durable-job-queue/internal/store/postgres"
)

// OpenStore connects the storage engine named by cfg.StoreDriver and brings
// its schema up to date.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres", "":
		st, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("store ready", "driver", "postgres")
		return st, nil
	case "sqlite":
		st, err := openSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "driver", "sqlite", "path", cfg.SQLitePath)
		return st, nil
	case "memory":
		logger.Warn("using in-memory store; jobs do not survive a restart and are not shared between processes")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewRedis returns a client for the notification and rate limit Redis.
func NewRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewQueue builds the queue with the configured defaults. notifier may be nil.
func NewQueue(st store.Store, cfg config.Config, notifier queue.Notifier, logger *slog.Logger) *queue.Queue {
	opts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithConcurrencyPeriod(cfg.ConcurrencyPeriod),
		queue.WithDefaultPriority(cfg.DefaultPriority),
	}
	if notifier != nil {
		opts = append(opts, queue.WithNotifier(notifier))
	}
	return queue.New(st, opts...)
}
