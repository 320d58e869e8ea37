// Package storetest holds the contract every store.Store adapter must satisfy.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) store.Store

var errRollback = errors.New("storetest: rollback")

// Run exercises the adapter returned by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"JobIDsIncrease", testJobIDsIncrease},
		{"RollbackDiscardsWrites", testRollback},
		{"OneExecutionPerJob", testOneExecutionPerJob},
		{"DeleteExecutionMatchesKind", testDeleteExecutionMatchesKind},
		{"DeleteJobRemovesExecution", testDeleteJobRemovesExecution},
		{"DueScheduledOrder", testDueScheduledOrder},
		{"ReadyOrderAndQueues", testReadyOrder},
		{"OldestBlocked", testOldestBlocked},
		{"ExpiredBlockedKeys", testExpiredBlockedKeys},
		{"LockExecutions", testLockExecutions},
		{"CountByQueue", testCountByQueue},
		{"SemaphoreCreateOnce", testSemaphoreCreateOnce},
		{"SemaphoreDecrementStopsAtZero", testSemaphoreDecrement},
		{"SemaphoreReclaimOnlyExpired", testSemaphoreReclaim},
		{"SemaphoreIncrementCapped", testSemaphoreIncrement},
		{"SoonestLease", testSoonestLease},
		{"DeleteExpiredSemaphores", testDeleteExpiredSemaphores},
		{"GetExecution", testGetExecution},
		{"SemaphoreSingleSlotOneWinner", testSemaphoreSingleSlotOneWinner},
		{"ConcurrentEnqueueRespectsLimit", testConcurrentEnqueueRespectsLimit},
		{"ConcurrentDispatchPromotesOnce", testConcurrentDispatchPromotesOnce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newJob(queue, key string) *models.Job {
	j := &models.Job{
		ClassName:           "TestJob",
		QueueName:           queue,
		Arguments:           []byte(`{"arguments":[1]}`),
		ScheduledAt:         base,
		ConcurrencyKey:      key,
		ConcurrencyDuration: 3 * time.Minute,
		OnConflict:          models.ConflictBlock,
		CreatedAt:           base,
	}
	if key != "" {
		j.ConcurrencyLimit = 1
	}
	return j
}

func insertJob(t *testing.T, s store.Store, j *models.Job, e models.Execution) int64 {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertJob(context.Background(), j); err != nil {
			return err
		}
		if e.Kind == "" {
			return nil
		}
		e.JobID = j.ID
		if e.QueueName == "" {
			e.QueueName = j.QueueName
		}
		e.CreatedAt = base
		return tx.InsertExecution(context.Background(), e)
	})
	require.NoError(t, err)
	return j.ID
}

func inTx(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx)) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		fn(context.Background(), tx)
		return nil
	})
	require.NoError(t, err)
}

func jobIDs(execs []models.Execution) []int64 {
	ids := make([]int64, 0, len(execs))
	for _, e := range execs {
		ids = append(ids, e.JobID)
	}
	return ids
}

func testJobIDsIncrease(t *testing.T, s store.Store) {
	a := insertJob(t, s, newJob("default", ""), models.Execution{})
	b := insertJob(t, s, newJob("default", ""), models.Execution{})
	assert.Greater(t, b, a)

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		job, err := tx.GetJob(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, "TestJob", job.ClassName)
		assert.Equal(t, []byte(`{"arguments":[1]}`), job.Arguments)
		assert.True(t, job.ScheduledAt.Equal(base))

		_, err = tx.GetJob(ctx, b+100)
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})
}

func testRollback(t *testing.T, s store.Store) {
	var id int64
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		j := newJob("default", "")
		if err := tx.InsertJob(context.Background(), j); err != nil {
			return err
		}
		id = j.ID
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		_, err := tx.GetJob(ctx, id)
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})
}

func testOneExecutionPerJob(t *testing.T, s store.Store) {
	id := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady})

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertExecution(context.Background(), models.Execution{
			JobID: id, Kind: models.KindScheduled, QueueName: "default", ScheduledAt: base, CreatedAt: base,
		})
	})
	assert.ErrorIs(t, err, store.ErrExecutionExists)
}

func testDeleteExecutionMatchesKind(t *testing.T, s store.Store) {
	id := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindScheduled, ScheduledAt: base})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		deleted, err := tx.DeleteExecution(ctx, models.KindReady, id)
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = tx.DeleteExecution(ctx, models.KindScheduled, id)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = tx.DeleteExecution(ctx, models.KindScheduled, id)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, found, err := tx.LockExecution(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func testDeleteJobRemovesExecution(t *testing.T, s store.Store) {
	id := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.DeleteJob(ctx, id))
		_, found, err := tx.LockExecution(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func testDueScheduledOrder(t *testing.T, s store.Store) {
	late := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindScheduled, ScheduledAt: base.Add(2 * time.Minute)})

	urgent := newJob("default", "")
	urgent.Priority = -5
	early := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindScheduled, ScheduledAt: base.Add(time.Minute)})
	earlyUrgent := insertJob(t, s, urgent, models.Execution{Kind: models.KindScheduled, ScheduledAt: base.Add(time.Minute), Priority: -5})
	insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindScheduled, ScheduledAt: base.Add(time.Hour)})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		due, err := tx.LockDueScheduled(ctx, base.Add(5*time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{earlyUrgent, early, late}, jobIDs(due))

		due, err = tx.LockDueScheduled(ctx, base.Add(5*time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{earlyUrgent, early}, jobIDs(due))

		due, err = tx.LockDueScheduled(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func testReadyOrder(t *testing.T, s store.Store) {
	a := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady, Priority: 5})
	b := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady, Priority: 0})
	c := insertJob(t, s, newJob("mailers", ""), models.Execution{Kind: models.KindReady, Priority: 0})
	d := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady, Priority: 5})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		all, err := tx.LockReady(ctx, nil, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{b, c, a, d}, jobIDs(all))

		defaults, err := tx.LockReady(ctx, []string{"default"}, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{b, a}, jobIDs(defaults))
	})
}

func testOldestBlocked(t *testing.T, s store.Store) {
	blocked := func() models.Execution {
		return models.Execution{Kind: models.KindBlocked, ConcurrencyKey: "k", ExpiresAt: base.Add(time.Minute)}
	}
	first := insertJob(t, s, newJob("default", "k"), blocked())
	insertJob(t, s, newJob("default", "k"), blocked())
	insertJob(t, s, newJob("default", "other"), models.Execution{Kind: models.KindBlocked, ConcurrencyKey: "other", ExpiresAt: base})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		e, found, err := tx.LockOldestBlocked(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, first, e.JobID)
		assert.Equal(t, "k", e.ConcurrencyKey)
		assert.True(t, e.ExpiresAt.Equal(base.Add(time.Minute)))

		_, found, err = tx.LockOldestBlocked(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func testExpiredBlockedKeys(t *testing.T, s store.Store) {
	for _, key := range []string{"a", "a", "b", "c"} {
		expires := base.Add(-time.Minute)
		if key == "c" {
			expires = base.Add(time.Hour)
		}
		insertJob(t, s, newJob("default", key), models.Execution{Kind: models.KindBlocked, ConcurrencyKey: key, ExpiresAt: expires})
	}

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		keys, err := tx.ExpiredBlockedKeys(ctx, base, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, keys)

		keys, err = tx.ExpiredBlockedKeys(ctx, base, 1)
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})
}

func testLockExecutions(t *testing.T, s store.Store) {
	r1 := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady})
	sc := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindScheduled, ScheduledAt: base})
	r2 := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		ready, err := tx.LockExecutions(ctx, models.KindReady, []int64{r2, sc, r1})
		require.NoError(t, err)
		assert.Equal(t, []int64{r1, r2}, jobIDs(ready))

		none, err := tx.LockExecutions(ctx, models.KindBlocked, []int64{r1, sc, r2})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func testGetExecution(t *testing.T, s store.Store) {
	failed := insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindFailed, Error: "boom"})
	orphan := insertJob(t, s, newJob("default", ""), models.Execution{})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		e, ok, err := tx.GetExecution(ctx, failed)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.KindFailed, e.Kind)
		assert.Equal(t, "boom", e.Error)

		_, ok, err = tx.GetExecution(ctx, orphan)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func testCountByQueue(t *testing.T, s store.Store) {
	insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindReady})
	insertJob(t, s, newJob("default", ""), models.Execution{Kind: models.KindScheduled, ScheduledAt: base})
	insertJob(t, s, newJob("default", "k"), models.Execution{Kind: models.KindBlocked, ConcurrencyKey: "k", ExpiresAt: base})
	insertJob(t, s, newJob("mailers", ""), models.Execution{Kind: models.KindClaimed, ProcessID: "p1"})
	insertJob(t, s, newJob("mailers", ""), models.Execution{Kind: models.KindFailed, Error: "boom"})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		counts, err := tx.CountByQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.QueueCounts{
			{QueueName: "default", Ready: 1, Scheduled: 1, Blocked: 1},
			{QueueName: "mailers", Claimed: 1, Failed: 1},
		}, counts)
	})
}

func semaphoreRow(key string, value, limit int) models.Semaphore {
	return models.Semaphore{Key: key, Value: value, Limit: limit, CreatedAt: base, UpdatedAt: base}
}

func testSemaphoreCreateOnce(t *testing.T, s store.Store) {
	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		created, err := tx.CreateSemaphore(ctx, semaphoreRow("k", 2, 2))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = tx.CreateSemaphore(ctx, semaphoreRow("k", 5, 5))
		require.NoError(t, err)
		assert.False(t, created)

		sem, found, err := tx.GetSemaphore(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 2, sem.Value)
		assert.Equal(t, 2, sem.Limit)
		assert.Nil(t, sem.ExpiresAt)
	})
}

func testSemaphoreDecrement(t *testing.T, s store.Store) {
	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		_, err := tx.CreateSemaphore(ctx, semaphoreRow("k", 1, 1))
		require.NoError(t, err)

		ok, err := tx.DecrementSemaphore(ctx, "k", base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.DecrementSemaphore(ctx, "k", base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.DecrementSemaphore(ctx, "missing", base)
		require.NoError(t, err)
		assert.False(t, ok)

		sem, _, err := tx.GetSemaphore(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 0, sem.Value)
		require.NotNil(t, sem.ExpiresAt)
		assert.True(t, sem.ExpiresAt.Equal(base.Add(time.Minute)))
	})
}

func testSemaphoreReclaim(t *testing.T, s store.Store) {
	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		_, err := tx.CreateSemaphore(ctx, semaphoreRow("k", 2, 2))
		require.NoError(t, err)

		ok, err := tx.ReclaimSemaphore(ctx, "k", base, base.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "free slots left")

		for i := 0; i < 2; i++ {
			ok, err = tx.DecrementSemaphore(ctx, "k", base.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, ok)
		}

		ok, err = tx.ReclaimSemaphore(ctx, "k", base, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "lease not expired yet")

		ok, err = tx.ReclaimSemaphore(ctx, "k", base.Add(90*time.Second), base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		sem, _, err := tx.GetSemaphore(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 1, sem.Value)
		require.NotNil(t, sem.ExpiresAt)
		assert.True(t, sem.ExpiresAt.Equal(base.Add(5*time.Minute)))
	})
}

func testSemaphoreIncrement(t *testing.T, s store.Store) {
	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		_, err := tx.CreateSemaphore(ctx, semaphoreRow("k", 0, 2))
		require.NoError(t, err)

		sem, found, err := tx.IncrementSemaphore(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 1, sem.Value)

		sem, _, err = tx.IncrementSemaphore(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 2, sem.Value)

		sem, _, err = tx.IncrementSemaphore(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 2, sem.Value, "value never exceeds limit")

		_, found, err = tx.IncrementSemaphore(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)

		expires := base.Add(time.Hour)
		require.NoError(t, tx.SetSemaphoreExpiry(ctx, "k", &expires))
		sem, _, err = tx.GetSemaphore(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, sem.ExpiresAt)
		assert.True(t, sem.ExpiresAt.Equal(expires))

		require.NoError(t, tx.SetSemaphoreExpiry(ctx, "k", nil))
		sem, _, err = tx.GetSemaphore(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, sem.ExpiresAt)
	})
}

func testSoonestLease(t *testing.T, s store.Store) {
	ready := insertJob(t, s, newJob("default", "k"), models.Execution{Kind: models.KindReady})
	claimed := insertJob(t, s, newJob("default", "k"), models.Execution{Kind: models.KindClaimed, ProcessID: "p"})
	failed := insertJob(t, s, newJob("default", "k"), models.Execution{Kind: models.KindFailed, Error: "x"})

	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		_, found, err := tx.SoonestLease(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)

		readyLease := base.Add(3 * time.Minute)
		claimedLease := base.Add(2 * time.Minute)
		failedLease := base.Add(time.Minute)
		require.NoError(t, tx.SetJobLease(ctx, ready, &readyLease))
		require.NoError(t, tx.SetJobLease(ctx, claimed, &claimedLease))
		require.NoError(t, tx.SetJobLease(ctx, failed, &failedLease))

		soonest, found, err := tx.SoonestLease(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, soonest.Equal(claimedLease), "failed jobs hold no slot")

		job, err := tx.GetJob(ctx, ready)
		require.NoError(t, err)
		require.NotNil(t, job.LeaseExpiresAt)
		assert.True(t, job.LeaseExpiresAt.Equal(readyLease))
	})
}

func testDeleteExpiredSemaphores(t *testing.T, s store.Store) {
	inTx(t, s, func(ctx context.Context, tx store.Tx) {
		for _, key := range []string{"old", "fresh", "free"} {
			_, err := tx.CreateSemaphore(ctx, semaphoreRow(key, 1, 1))
			require.NoError(t, err)
		}
		_, err := tx.DecrementSemaphore(ctx, "old", base.Add(-time.Minute))
		require.NoError(t, err)
		_, err = tx.DecrementSemaphore(ctx, "fresh", base.Add(time.Minute))
		require.NoError(t, err)

		n, err := tx.DeleteExpiredSemaphores(ctx, base, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, found, err := tx.GetSemaphore(ctx, "old")
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = tx.GetSemaphore(ctx, "fresh")
		require.NoError(t, err)
		assert.True(t, found)
		_, found, err = tx.GetSemaphore(ctx, "free")
		require.NoError(t, err)
		assert.True(t, found)
	})
}
