package queue

import (
	"context"
	"fmt"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// Discard deletes a job that is not being executed. Discarding a ready job
// that holds a concurrency slot releases it and promotes the oldest job
// blocked on the same key. A claimed job yields *UndiscardableError and is
// left untouched; a job with no execution yields store.ErrJobNotFound and is
// not deleted.
func (q *Queue) Discard(ctx context.Context, jobID int64) error {
	now := q.clock()
	var ready queueSet

	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		ready = queueSet{}

		e, ok, err := tx.LockExecution(ctx, jobID)
		if err == nil && !ok {
			// a retry committed while the lookup waited can have moved the
			// job to a partition the lookup had already passed
			e, ok, err = tx.LockExecution(ctx, jobID)
		}
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %d has no execution: %w", jobID, store.ErrJobNotFound)
		}
		_, err = q.discardExecution(ctx, tx, e, now, ready)
		return err
	})
	if err != nil {
		return err
	}

	telemetry.DiscardCounter.WithLabelValues("requested").Inc()
	q.notify(ctx, ready)
	return nil
}

// DiscardAllFromJobs discards the jobs among jobIDs that sit in the kind
// partition, in one transaction, and returns how many were removed. Each
// ready job releases its slot and promotes one waiter, as Discard does, so
// discarding every ready job of a key leaves its waiters ready rather than
// blocked.
func (q *Queue) DiscardAllFromJobs(ctx context.Context, kind models.ExecutionKind, jobIDs []int64) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if len(jobIDs) == 0 {
		return 0, nil
	}
	if kind == models.KindClaimed {
		return 0, &UndiscardableError{JobID: jobIDs[0]}
	}
	now := q.clock()

	var (
		count int
		ready queueSet
	)
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		count, ready = 0, queueSet{}

		execs, err := tx.LockExecutions(ctx, kind, jobIDs)
		if err != nil {
			return err
		}
		for _, e := range execs {
			removed, err := q.discardExecution(ctx, tx, e, now, ready)
			if err != nil {
				return err
			}
			if removed {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("discard %s jobs: %w", kind, err)
	}

	telemetry.DiscardCounter.WithLabelValues("requested").Add(float64(count))
	q.notify(ctx, ready)
	return count, nil
}

func (q *Queue) discardExecution(ctx context.Context, tx store.Tx, e models.Execution, now time.Time, ready queueSet) (bool, error) {
	if e.Kind == models.KindClaimed {
		return false, &UndiscardableError{JobID: e.JobID}
	}

	job, err := tx.GetJob(ctx, e.JobID)
	if err != nil {
		return false, err
	}
	deleted, err := tx.DeleteExecution(ctx, e.Kind, e.JobID)
	if err != nil || !deleted {
		return false, err
	}
	if err := tx.DeleteJob(ctx, e.JobID); err != nil {
		return false, err
	}

	// only ready jobs hold a slot; blocked ones never acquired one
	if e.Kind == models.KindReady && job.ConcurrencyLimited() {
		promoted, err := q.releaseAndPromote(ctx, tx, job.ConcurrencyKey, now)
		if err != nil {
			return false, err
		}
		if promoted != nil {
			ready.add(promoted.QueueName)
		}
	}
	q.logger.Debug("job discarded", "job_id", e.JobID, "partition", string(e.Kind))
	return true, nil
}
