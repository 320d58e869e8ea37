package queue

import (
	"context"
	"fmt"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// AllQueues selects every queue in ClaimNext.
const AllQueues = "*"

// ClaimNext moves up to limit ready jobs of queues to claimed on behalf of
// processID, most urgent first and FIFO within a priority.
func (q *Queue) ClaimNext(ctx context.Context, queues []string, limit int, processID string) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	queues = normalizeQueues(queues)
	now := q.clock()

	var claimed []models.Job
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		claimed = claimed[:0]

		execs, err := tx.LockReady(ctx, queues, limit)
		if err != nil {
			return err
		}
		for _, e := range execs {
			deleted, err := tx.DeleteExecution(ctx, models.KindReady, e.JobID)
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}
			err = tx.InsertExecution(ctx, models.Execution{
				JobID:     e.JobID,
				Kind:      models.KindClaimed,
				QueueName: e.QueueName,
				Priority:  e.Priority,
				ProcessID: processID,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			job, err := tx.GetJob(ctx, e.JobID)
			if err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return claimed, nil
}

// Finish deletes a claimed job after successful execution and hands its
// concurrency slot to the next blocked job of the key.
func (q *Queue) Finish(ctx context.Context, jobID int64) error {
	now := q.clock()
	var ready queueSet

	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		ready = queueSet{}

		job, err := q.lockClaimed(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if _, err := tx.DeleteExecution(ctx, models.KindClaimed, jobID); err != nil {
			return err
		}
		if err := tx.DeleteJob(ctx, jobID); err != nil {
			return err
		}
		return q.releaseHeld(ctx, tx, job, now, ready)
	})
	if err != nil {
		return err
	}

	telemetry.WorkerSuccess.Inc()
	q.notify(ctx, ready)
	return nil
}

// Fail moves a claimed job to the failed partition with cause recorded and
// releases its concurrency slot. What happens next is up to the caller.
func (q *Queue) Fail(ctx context.Context, jobID int64, cause error) error {
	now := q.clock()
	var ready queueSet

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		ready = queueSet{}

		job, err := q.lockClaimed(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if _, err := tx.DeleteExecution(ctx, models.KindClaimed, jobID); err != nil {
			return err
		}
		err = tx.InsertExecution(ctx, models.Execution{
			JobID:     jobID,
			Kind:      models.KindFailed,
			QueueName: job.QueueName,
			Priority:  job.Priority,
			Error:     msg,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if err := tx.SetJobLease(ctx, jobID, nil); err != nil {
			return err
		}
		return q.releaseHeld(ctx, tx, job, now, ready)
	})
	if err != nil {
		return err
	}

	telemetry.WorkerFailures.Inc()
	q.notify(ctx, ready)
	return nil
}

// Retry sends a failed job through the same ready or blocked decision as a
// fresh enqueue. It returns the partition the job landed in, or "" when the
// job was discarded on a concurrency conflict.
func (q *Queue) Retry(ctx context.Context, jobID int64) (models.ExecutionKind, error) {
	now := q.clock()
	var p placement

	var queueName string
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		e, ok, err := tx.LockExecution(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok || e.Kind != models.KindFailed {
			if _, err := tx.GetJob(ctx, jobID); err != nil {
				return err
			}
			return fmt.Errorf("job %d: %w", jobID, ErrNotFailed)
		}
		if _, err := tx.DeleteExecution(ctx, models.KindFailed, jobID); err != nil {
			return err
		}

		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		queueName = job.QueueName
		if p, err = q.place(ctx, tx, &job, now); err != nil {
			return err
		}
		if p == placedDiscarded {
			return tx.DeleteJob(ctx, jobID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	switch p {
	case placedReady:
		q.notify(ctx, queueSet{queueName: {}})
		return models.KindReady, nil
	case placedBlocked:
		return models.KindBlocked, nil
	default:
		telemetry.DiscardCounter.WithLabelValues("conflict").Inc()
		return "", nil
	}
}

func (q *Queue) lockClaimed(ctx context.Context, tx store.Tx, jobID int64) (models.Job, error) {
	e, ok, err := tx.LockExecution(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	job, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !ok || e.Kind != models.KindClaimed {
		return models.Job{}, fmt.Errorf("job %d: %w", jobID, ErrNotClaimed)
	}
	return job, nil
}

func (q *Queue) releaseHeld(ctx context.Context, tx store.Tx, job models.Job, now time.Time, ready queueSet) error {
	if !job.ConcurrencyLimited() {
		return nil
	}
	promoted, err := q.releaseAndPromote(ctx, tx, job.ConcurrencyKey, now)
	if err != nil {
		return err
	}
	if promoted != nil {
		ready.add(promoted.QueueName)
	}
	return nil
}

func normalizeQueues(queues []string) []string {
	out := make([]string, 0, len(queues))
	for _, name := range queues {
		if name == AllQueues {
			return nil
		}
		if name != "" {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
