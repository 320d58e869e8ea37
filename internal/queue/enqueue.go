package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// EnqueueResult is the outcome of one description passed to EnqueueAll.
type EnqueueResult struct {
	Job      models.Job
	Enqueued bool
	Err      error
}

// Enqueue persists a job and places it in ready, scheduled or blocked in one
// transaction. Jobs scheduled in the future skip the concurrency check until
// they are dispatched. Any failure, including a discard on conflict, is an
// *EnqueueError and leaves nothing behind.
func (q *Queue) Enqueue(ctx context.Context, desc models.JobDescription) (models.Job, error) {
	job, p, err := q.enqueue(ctx, desc)
	if err != nil {
		return models.Job{}, err
	}
	if p == placedReady {
		q.notify(ctx, queueSet{job.QueueName: {}})
	}
	return job, nil
}

// EnqueueAll enqueues descs in order, one transaction each, so a job sees the
// slots taken by the jobs before it. Per-job failures are reported in the
// results; the returned error is set only when ctx ends before all jobs were
// attempted.
func (q *Queue) EnqueueAll(ctx context.Context, descs []models.JobDescription) ([]EnqueueResult, error) {
	results := make([]EnqueueResult, 0, len(descs))
	ready := queueSet{}
	defer func() { q.notify(context.WithoutCancel(ctx), ready) }()

	for _, desc := range descs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		job, p, err := q.enqueue(ctx, desc)
		if err != nil {
			results = append(results, EnqueueResult{Err: err})
			continue
		}
		if p == placedReady {
			ready.add(job.QueueName)
		}
		results = append(results, EnqueueResult{Job: job, Enqueued: true})
	}
	return results, nil
}

func (q *Queue) enqueue(ctx context.Context, desc models.JobDescription) (models.Job, placement, error) {
	now := q.clock()
	job, err := q.newJob(desc, now)
	if err != nil {
		return models.Job{}, 0, &EnqueueError{Err: err}
	}

	var p placement
	err = q.store.WithTx(ctx, func(tx store.Tx) error {
		j := job
		if err := tx.InsertJob(ctx, &j); err != nil {
			return err
		}
		if j.ScheduledAt.After(now) {
			p = placedScheduled
			err := tx.InsertExecution(ctx, models.Execution{
				JobID:       j.ID,
				Kind:        models.KindScheduled,
				QueueName:   j.QueueName,
				Priority:    j.Priority,
				ScheduledAt: j.ScheduledAt,
				CreatedAt:   now,
			})
			if err != nil {
				return err
			}
		} else {
			var err error
			if p, err = q.place(ctx, tx, &j, now); err != nil {
				return err
			}
			if p == placedDiscarded {
				return ErrConcurrencyDiscarded
			}
		}
		job = j
		return nil
	})
	if errors.Is(err, ErrConcurrencyDiscarded) {
		telemetry.DiscardCounter.WithLabelValues("conflict").Inc()
		q.logger.Debug("job discarded on concurrency conflict", "class", job.ClassName, "key", job.ConcurrencyKey)
	}
	if err != nil {
		return models.Job{}, 0, &EnqueueError{Err: err}
	}

	telemetry.EnqueueCounter.WithLabelValues(p.String()).Inc()
	q.logger.Debug("job enqueued", "job_id", job.ID, "queue", job.QueueName, "partition", p.String())
	return job, p, nil
}

// newJob validates desc and fills in defaults.
func (q *Queue) newJob(desc models.JobDescription, now time.Time) (models.Job, error) {
	if strings.TrimSpace(desc.ClassName) == "" {
		return models.Job{}, fmt.Errorf("%w: class name is required", ErrInvalidJob)
	}
	if desc.ConcurrencyLimit < 0 {
		return models.Job{}, fmt.Errorf("%w: concurrency limit must not be negative", ErrInvalidJob)
	}
	if desc.Delay < 0 {
		return models.Job{}, fmt.Errorf("%w: delay must not be negative", ErrInvalidJob)
	}
	if desc.ConcurrencyDuration < 0 {
		return models.Job{}, fmt.Errorf("%w: concurrency duration must not be negative", ErrInvalidJob)
	}

	job := models.Job{
		ClassName:           desc.ClassName,
		QueueName:           desc.QueueName,
		Arguments:           desc.Arguments,
		Priority:            q.defaultPriority,
		ScheduledAt:         desc.ScheduledAt.UTC(),
		ConcurrencyKey:      desc.ConcurrencyKey,
		ConcurrencyLimit:    desc.ConcurrencyLimit,
		ConcurrencyDuration: desc.ConcurrencyDuration,
		OnConflict:          desc.OnConflict,
		CreatedAt:           now,
	}
	if desc.Priority != nil {
		job.Priority = *desc.Priority
	}
	if job.QueueName == "" {
		job.QueueName = DefaultQueueName
	}
	switch {
	case desc.Delay > 0:
		job.ScheduledAt = now.Add(desc.Delay)
	case desc.ScheduledAt.IsZero():
		job.ScheduledAt = now
	}
	if job.ConcurrencyDuration == 0 {
		job.ConcurrencyDuration = q.concurrencyPeriod
	}

	switch job.OnConflict {
	case "":
		job.OnConflict = models.ConflictBlock
	case models.ConflictBlock, models.ConflictDiscard:
	default:
		return models.Job{}, fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidJob, job.OnConflict)
	}

	if job.ConcurrencyKey == "" {
		job.ConcurrencyLimit = 0
	} else if job.ConcurrencyLimit == 0 {
		job.ConcurrencyLimit = 1
	}
	return job, nil
}
