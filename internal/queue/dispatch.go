package queue

import (
	"context"
	"fmt"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// DispatchNextBatch moves up to max due scheduled jobs to ready or blocked,
// earliest due first and then by priority. Discard-on-conflict jobs whose key
// is full are deleted. It returns how many jobs became ready.
func (q *Queue) DispatchNextBatch(ctx context.Context, max int) (int, error) {
	promoted, _, err := q.DispatchScheduled(ctx, max)
	return promoted, err
}

// DispatchScheduled is DispatchNextBatch that also reports how many scheduled
// records the batch took, whether they became ready, blocked or discarded.
// A processed count equal to max means more jobs may be due.
func (q *Queue) DispatchScheduled(ctx context.Context, max int) (promoted, processed int, err error) {
	if max <= 0 {
		return 0, 0, nil
	}
	now := q.clock()

	var (
		discarded int
		ready     queueSet
	)
	err = q.store.WithTx(ctx, func(tx store.Tx) error {
		promoted, processed, discarded, ready = 0, 0, 0, queueSet{}

		due, err := tx.LockDueScheduled(ctx, now, max)
		if err != nil {
			return err
		}
		processed = len(due)
		for _, e := range due {
			// another dispatcher may have promoted it first
			deleted, err := tx.DeleteExecution(ctx, models.KindScheduled, e.JobID)
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}

			job, err := tx.GetJob(ctx, e.JobID)
			if err != nil {
				return err
			}
			p, err := q.place(ctx, tx, &job, now)
			if err != nil {
				return fmt.Errorf("dispatch job %d: %w", job.ID, err)
			}
			switch p {
			case placedReady:
				promoted++
				ready.add(job.QueueName)
			case placedDiscarded:
				if err := tx.DeleteJob(ctx, job.ID); err != nil {
					return err
				}
				discarded++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("dispatch scheduled jobs: %w", err)
	}

	telemetry.DispatchCounter.Add(float64(promoted))
	if discarded > 0 {
		telemetry.DiscardCounter.WithLabelValues("conflict").Add(float64(discarded))
	}
	q.notify(ctx, ready)
	return promoted, processed, nil
}
