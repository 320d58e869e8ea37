package queue

import (
	"context"
	"fmt"

	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// ExpireSemaphores deletes up to max semaphores whose lease expired. The next
// job of such a key recreates the row with its full limit.
func (q *Queue) ExpireSemaphores(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	now := q.clock()

	var n int
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.DeleteExpiredSemaphores(ctx, now, max)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire semaphores: %w", err)
	}
	if n > 0 {
		telemetry.SemaphoresExpired.Add(float64(n))
		q.logger.Info("expired semaphores", "count", n)
	}
	return n, nil
}

// UnblockExpired looks at up to max keys whose blocked jobs waited past
// their expiry and promotes the oldest waiter of each when a slot can be
// acquired. It returns how many jobs became ready.
func (q *Queue) UnblockExpired(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}

	var keys []string
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		keys, err = tx.ExpiredBlockedKeys(ctx, q.clock(), max)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired blocked keys: %w", err)
	}

	unblocked := 0
	for _, key := range keys {
		now := q.clock()
		var ready queueSet
		err := q.store.WithTx(ctx, func(tx store.Tx) error {
			ready = queueSet{}
			promoted, err := q.promoteBlocked(ctx, tx, key, now)
			if err != nil || promoted == nil {
				return err
			}
			ready.add(promoted.QueueName)
			return nil
		})
		if err != nil {
			return unblocked, fmt.Errorf("unblock key %q: %w", key, err)
		}
		if len(ready) > 0 {
			unblocked++
			q.notify(ctx, ready)
		}
	}
	return unblocked, nil
}
