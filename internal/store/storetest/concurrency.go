package storetest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/queue"
	"durable-job-queue/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func sumCounts(t *testing.T, q *queue.Queue) models.QueueCounts {
	t.Helper()
	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	var total models.QueueCounts
	for _, c := range counts {
		total.Ready += c.Ready
		total.Scheduled += c.Scheduled
		total.Blocked += c.Blocked
		total.Claimed += c.Claimed
		total.Failed += c.Failed
	}
	return total
}

// parallel runs fn in n goroutines and fails the test with the first error.
func parallel(t *testing.T, n int, fn func(worker int) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			if err := fn(w); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func testSemaphoreSingleSlotOneWinner(t *testing.T, s store.Store) {
	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		_, err := tx.CreateSemaphore(ctx, semaphoreRow("k", 1, 1))
		require.NoError(t, err)
	})

	var wins atomic.Int32
	parallel(t, 6, func(int) error {
		return s.WithTx(context.Background(), func(tx store.Tx) error {
			ok, err := tx.DecrementSemaphore(context.Background(), "k", base.Add(time.Minute))
			if ok {
				wins.Add(1)
			}
			return err
		})
	})
	assert.EqualValues(t, 1, wins.Load())
}

func testConcurrentEnqueueRespectsLimit(t *testing.T, s store.Store) {
	const workers, perWorker, limit = 8, 5, 2
	q := queue.New(s, queue.WithLogger(quiet))

	parallel(t, workers, func(int) error {
		for i := 0; i < perWorker; i++ {
			_, err := q.Enqueue(context.Background(), models.JobDescription{
				ClassName:        "TestJob",
				QueueName:        "default",
				ConcurrencyKey:   "shared",
				ConcurrencyLimit: limit,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	total := sumCounts(t, q)
	assert.EqualValues(t, limit, total.Ready)
	assert.EqualValues(t, workers*perWorker-limit, total.Blocked)
	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		sem, ok, err := tx.GetSemaphore(ctx, "shared")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 0, sem.Value)
	})
}

func testConcurrentDispatchPromotesOnce(t *testing.T, s store.Store) {
	const due = 20
	producer := queue.New(s, queue.WithLogger(quiet), queue.WithClock(func() time.Time { return base }))
	for i := 0; i < due; i++ {
		_, err := producer.Enqueue(context.Background(), models.JobDescription{
			ClassName:   "TestJob",
			QueueName:   "default",
			ScheduledAt: base.Add(time.Minute),
		})
		require.NoError(t, err)
	}
	require.EqualValues(t, due, sumCounts(t, producer).Scheduled)

	dispatcher := queue.New(s, queue.WithLogger(quiet), queue.WithClock(func() time.Time { return base.Add(2 * time.Minute) }))
	var promoted atomic.Int32
	parallel(t, 4, func(int) error {
		for {
			n, processed, err := dispatcher.DispatchScheduled(context.Background(), 3)
			if err != nil {
				return err
			}
			promoted.Add(int32(n))
			if processed == 0 {
				return nil
			}
		}
	})

	assert.EqualValues(t, due, promoted.Load())
	total := sumCounts(t, dispatcher)
	assert.EqualValues(t, due, total.Ready)
	assert.Zero(t, total.Scheduled)
}
