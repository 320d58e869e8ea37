package queue

import (
	"context"
	"fmt"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

type placement int

const (
	placedReady placement = iota
	placedScheduled
	placedBlocked
	placedDiscarded
)

func (p placement) String() string {
	switch p {
	case placedReady:
		return string(models.KindReady)
	case placedScheduled:
		return string(models.KindScheduled)
	case placedBlocked:
		return string(models.KindBlocked)
	default:
		return "discarded"
	}
}

// place puts a due job with no execution into ready, or into blocked when its
// key has no free slot. A discard-on-conflict job is left without an
// execution; the caller decides what happens to its row.
func (q *Queue) place(ctx context.Context, tx store.Tx, job *models.Job, now time.Time) (placement, error) {
	if !job.ConcurrencyLimited() {
		return placedReady, insertReady(ctx, tx, job, now)
	}

	acquired, err := q.sem.Acquire(ctx, tx, job)
	if err != nil {
		return 0, err
	}
	if acquired {
		return placedReady, insertReady(ctx, tx, job, now)
	}
	if job.OnConflict == models.ConflictDiscard {
		return placedDiscarded, nil
	}

	err = tx.InsertExecution(ctx, models.Execution{
		JobID:          job.ID,
		Kind:           models.KindBlocked,
		QueueName:      job.QueueName,
		Priority:       job.Priority,
		ConcurrencyKey: job.ConcurrencyKey,
		ExpiresAt:      now.Add(job.ConcurrencyDuration),
		CreatedAt:      now,
	})
	if err != nil {
		return 0, err
	}
	return placedBlocked, nil
}

func insertReady(ctx context.Context, tx store.Tx, job *models.Job, now time.Time) error {
	return tx.InsertExecution(ctx, models.Execution{
		JobID:     job.ID,
		Kind:      models.KindReady,
		QueueName: job.QueueName,
		Priority:  job.Priority,
		CreatedAt: now,
	})
}

// releaseAndPromote frees the slot a finished or removed job held and hands
// it to the oldest job blocked on the same key, in the same transaction.
func (q *Queue) releaseAndPromote(ctx context.Context, tx store.Tx, key string, now time.Time) (*models.Job, error) {
	if err := q.sem.Release(ctx, tx, key); err != nil {
		return nil, err
	}
	return q.promoteBlocked(ctx, tx, key, now)
}

// promoteBlocked moves the oldest blocked job of key to ready if a slot can
// be acquired for it. It returns the promoted job, or nil.
func (q *Queue) promoteBlocked(ctx context.Context, tx store.Tx, key string, now time.Time) (*models.Job, error) {
	blocked, ok, err := tx.LockOldestBlocked(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	deleted, err := tx.DeleteExecution(ctx, models.KindBlocked, blocked.JobID)
	if err != nil || !deleted {
		return nil, err
	}

	job, err := tx.GetJob(ctx, blocked.JobID)
	if err != nil {
		return nil, err
	}
	acquired, err := q.sem.Acquire(ctx, tx, &job)
	if err != nil {
		return nil, err
	}
	if !acquired {
		if err := tx.InsertExecution(ctx, blocked); err != nil {
			return nil, fmt.Errorf("restore blocked job %d: %w", job.ID, err)
		}
		return nil, nil
	}
	if err := insertReady(ctx, tx, &job, now); err != nil {
		return nil, err
	}
	telemetry.UnblockCounter.Inc()
	return &job, nil
}
