// Package queue implements the job lifecycle: enqueueing, promotion of
// scheduled jobs, claiming, completion and discard. Every operation is one
// short transaction against a store.Store, so any number of processes may
// drive the same queue concurrently.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/semaphore"
	"durable-job-queue/internal/store"
)

const (
	DefaultConcurrencyPeriod = 3 * time.Minute
	DefaultQueueName         = "default"
)

// Notifier is told which queues just received ready jobs.
type Notifier interface {
	NotifyReady(ctx context.Context, queues ...string) error
}

// Queue runs the lifecycle operations against a store.
type Queue struct {
	store             store.Store
	sem               *semaphore.Manager
	now               func() time.Time
	logger            *slog.Logger
	notifier          Notifier
	concurrencyPeriod time.Duration
	defaultPriority   int
}

type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithNotifier announces newly ready jobs after each commit.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithConcurrencyPeriod sets the lease and blocked-wait duration used for jobs
// that do not carry their own.
func WithConcurrencyPeriod(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.concurrencyPeriod = d
		}
	}
}

// WithDefaultPriority sets the priority of jobs enqueued without one.
func WithDefaultPriority(p int) Option {
	return func(q *Queue) { q.defaultPriority = p }
}

func New(st store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:             st,
		now:               time.Now,
		logger:            slog.Default(),
		concurrencyPeriod: DefaultConcurrencyPeriod,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.sem = semaphore.New(q.now, q.logger)
	return q
}

// Counts returns the partition sizes of every queue holding jobs.
func (q *Queue) Counts(ctx context.Context) ([]models.QueueCounts, error) {
	var counts []models.QueueCounts
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		counts, err = tx.CountByQueue(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Job returns the job and the partition it sits in.
func (q *Queue) Job(ctx context.Context, id int64) (models.Job, models.ExecutionKind, error) {
	var (
		job  models.Job
		kind models.ExecutionKind
	)
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		e, ok, err := tx.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			kind = e.Kind
		}
		return nil
	})
	if err != nil {
		return models.Job{}, "", err
	}
	return job, kind, nil
}

// queueSet collects the queues that received ready jobs in a transaction.
type queueSet map[string]struct{}

func (s queueSet) add(name string) { s[name] = struct{}{} }

func (q *Queue) notify(ctx context.Context, queues queueSet) {
	if q.notifier == nil || len(queues) == 0 {
		return
	}
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)
	if err := q.notifier.NotifyReady(ctx, names...); err != nil {
		q.logger.Warn("notify ready queues failed", "queues", names, "error", err)
	}
}

func (q *Queue) clock() time.Time {
	return q.now().UTC()
}
