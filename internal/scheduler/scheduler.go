package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/telemetry"
)

// Backend defines the operations the scheduler needs from the queue.
type Backend interface {
	DispatchScheduled(ctx context.Context, max int) (promoted, processed int, err error)
	ExpireSemaphores(ctx context.Context, max int) (int, error)
	UnblockExpired(ctx context.Context, max int) (int, error)
	Counts(ctx context.Context) ([]models.QueueCounts, error)
}

// Config holds configurable scheduler intervals.
type Config struct {
	DispatchInterval     time.Duration
	DispatchBatchSize    int
	MaintenanceInterval  time.Duration
	MaintenanceBatchSize int
	MetricsInterval      time.Duration
}

// DefaultConfig returns scheduler config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:     1 * time.Second,
		DispatchBatchSize:    500,
		MaintenanceInterval:  60 * time.Second,
		MaintenanceBatchSize: 500,
		MetricsInterval:      15 * time.Second,
	}
}

// Scheduler runs the periodic dispatcher and concurrency maintenance.
type Scheduler struct {
	backend Backend
	config  Config
	logger  *slog.Logger
}

// New creates a new Scheduler with the given config.
func New(backend Backend, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{backend: backend, config: cfg, logger: logger}
}

// Run blocks running every loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"dispatch", s.config.DispatchInterval, s.dispatch},
		{"concurrency-maintenance", s.config.MaintenanceInterval, s.maintain},
		{"queue-metrics", s.config.MetricsInterval, s.observe},
	}
	for _, l := range loops {
		if l.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context) error) {
			defer wg.Done()
			s.runLoop(ctx, name, interval, fn)
		}(l.name, l.interval, l.fn)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := fn(runCtx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler loop error", "loop", name, "error", err)
			}
			cancel()
		}
	}
}

// dispatch keeps going while full batches come back. A batch is full when
// it took batch-size records, however many of them became ready.
func (s *Scheduler) dispatch(ctx context.Context) error {
	for {
		promoted, processed, err := s.backend.DispatchScheduled(ctx, s.config.DispatchBatchSize)
		if err != nil {
			return err
		}
		if processed > 0 {
			s.logger.Debug("dispatched scheduled jobs", "promoted", promoted, "processed", processed)
		}
		if processed < s.config.DispatchBatchSize || ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Scheduler) maintain(ctx context.Context) error {
	if _, err := s.backend.ExpireSemaphores(ctx, s.config.MaintenanceBatchSize); err != nil {
		return err
	}
	n, err := s.backend.UnblockExpired(ctx, s.config.MaintenanceBatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("unblocked expired jobs", "count", n)
	}
	return nil
}

func (s *Scheduler) observe(ctx context.Context) error {
	counts, err := s.backend.Counts(ctx)
	if err != nil {
		return err
	}
	telemetry.ObserveCounts(counts)
	return nil
}
