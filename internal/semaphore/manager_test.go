package semaphore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*Manager, *memory.Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	return New(c.now, nil), st, c
}

func inTx(t *testing.T, st store.Store, fn func(ctx context.Context, tx store.Tx)) {
	t.Helper()
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		fn(context.Background(), tx)
		return nil
	})
	require.NoError(t, err)
}

func semaphoreRow(t *testing.T, st store.Store, key string) (models.Semaphore, bool) {
	t.Helper()
	var (
		sem models.Semaphore
		ok  bool
	)
	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		var err error
		sem, ok, err = tx.GetSemaphore(ctx, key)
		require.NoError(t, err)
	})
	return sem, ok
}

// holdingJob inserts a ready job for key and acquires a slot for it.
func holdingJob(t *testing.T, m *Manager, st store.Store, key string, limit int) (*models.Job, bool) {
	t.Helper()
	job := &models.Job{
		ClassName:           "Sync",
		QueueName:           "default",
		ConcurrencyKey:      key,
		ConcurrencyLimit:    limit,
		ConcurrencyDuration: 3 * time.Minute,
		OnConflict:          models.ConflictBlock,
	}
	var acquired bool
	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.InsertJob(ctx, job))
		var err error
		acquired, err = m.Acquire(ctx, tx, job)
		require.NoError(t, err)
		if acquired {
			require.NoError(t, tx.InsertExecution(ctx, models.Execution{JobID: job.ID, Kind: models.KindReady, QueueName: "default"}))
		}
	})
	return job, acquired
}

func TestTryAcquireCreatesRowAndTakesSlot(t *testing.T) {
	m, st, c := setup(t)

	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		ok, err := m.TryAcquire(ctx, tx, "acct:1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	sem, ok := semaphoreRow(t, st, "acct:1")
	require.True(t, ok)
	assert.Equal(t, 1, sem.Value)
	assert.Equal(t, 2, sem.Limit)
	require.NotNil(t, sem.ExpiresAt)
	assert.True(t, sem.ExpiresAt.Equal(c.t.Add(time.Minute)))
}

func TestTryAcquireStopsAtLimit(t *testing.T) {
	m, st, _ := setup(t)

	var results []bool
	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		for i := 0; i < 3; i++ {
			ok, err := m.TryAcquire(ctx, tx, "acct:1", 2, time.Minute)
			require.NoError(t, err)
			results = append(results, ok)
		}
	})

	assert.Equal(t, []bool{true, true, false}, results)
	sem, _ := semaphoreRow(t, st, "acct:1")
	assert.Equal(t, 0, sem.Value)
}

func TestTryAcquireKeepsFirstLimit(t *testing.T) {
	m, st, _ := setup(t)

	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		ok, err := m.TryAcquire(ctx, tx, "acct:1", 1, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = m.TryAcquire(ctx, tx, "acct:1", 5, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	sem, _ := semaphoreRow(t, st, "acct:1")
	assert.Equal(t, 1, sem.Limit)
}

func TestTryAcquireRejectsNonPositiveLimit(t *testing.T) {
	m, st, _ := setup(t)

	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := m.TryAcquire(context.Background(), tx, "acct:1", 0, time.Minute)
		return err
	})
	assert.Error(t, err)
}

func TestTryAcquireReclaimsExpiredLease(t *testing.T) {
	m, st, c := setup(t)

	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		ok, err := m.TryAcquire(ctx, tx, "acct:1", 1, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	})

	c.t = c.t.Add(30 * time.Second)
	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		ok, err := m.TryAcquire(ctx, tx, "acct:1", 1, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "lease still valid")
	})

	c.t = c.t.Add(time.Minute)
	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		ok, err := m.TryAcquire(ctx, tx, "acct:1", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease reclaimed")
	})

	sem, _ := semaphoreRow(t, st, "acct:1")
	assert.Equal(t, 0, sem.Value)
	assert.True(t, sem.ExpiresAt.Equal(c.t.Add(time.Minute)))
}

func TestAcquireRecordsLeaseOnJob(t *testing.T) {
	m, st, c := setup(t)

	job, ok := holdingJob(t, m, st, "acct:1", 1)
	require.True(t, ok)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.True(t, job.LeaseExpiresAt.Equal(c.t.Add(3*time.Minute)))

	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		stored, err := tx.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.LeaseExpiresAt)
		assert.True(t, stored.LeaseExpiresAt.Equal(*job.LeaseExpiresAt))
	})
}

func TestReleaseRestoresValueAndClearsExpiry(t *testing.T) {
	m, st, _ := setup(t)

	job, ok := holdingJob(t, m, st, "acct:1", 1)
	require.True(t, ok)

	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.DeleteJob(ctx, job.ID))
		require.NoError(t, m.Release(ctx, tx, "acct:1"))
		// a second release must not push value over the limit
		require.NoError(t, m.Release(ctx, tx, "acct:1"))
	})

	sem, _ := semaphoreRow(t, st, "acct:1")
	assert.Equal(t, 1, sem.Value)
	assert.Nil(t, sem.ExpiresAt)
}

func TestReleaseMovesExpiryToSoonestHolder(t *testing.T) {
	m, st, c := setup(t)

	first, ok := holdingJob(t, m, st, "acct:1", 3)
	require.True(t, ok)
	c.t = c.t.Add(10 * time.Second)
	second, ok := holdingJob(t, m, st, "acct:1", 3)
	require.True(t, ok)
	c.t = c.t.Add(10 * time.Second)
	third, ok := holdingJob(t, m, st, "acct:1", 3)
	require.True(t, ok)

	sem, _ := semaphoreRow(t, st, "acct:1")
	require.True(t, sem.ExpiresAt.Equal(*third.LeaseExpiresAt))

	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.DeleteJob(ctx, first.ID))
		require.NoError(t, m.Release(ctx, tx, "acct:1"))
	})

	sem, _ = semaphoreRow(t, st, "acct:1")
	assert.Equal(t, 1, sem.Value)
	require.NotNil(t, sem.ExpiresAt)
	assert.True(t, sem.ExpiresAt.Equal(*second.LeaseExpiresAt))
}

func TestReleaseMissingRowIsNoop(t *testing.T) {
	m, st, _ := setup(t)

	inTx(t, st, func(ctx context.Context, tx store.Tx) {
		assert.NoError(t, m.Release(ctx, tx, "gone"))
	})
	_, ok := semaphoreRow(t, st, "gone")
	assert.False(t, ok)
}
