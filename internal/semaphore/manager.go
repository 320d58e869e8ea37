// Package semaphore arbitrates per-key concurrency slots stored as durable
// rows. All methods run inside the caller's transaction and never hold state
// between calls, so any number of processes may share the same rows.
package semaphore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// Manager acquires and releases concurrency slots.
type Manager struct {
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Manager reading time from now (time.Now when nil).
func New(now func() time.Time, logger *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{now: now, logger: logger}
}

// TryAcquire takes one slot of key, creating the row with limit free slots
// on first use. An exhausted row whose lease already expired is taken over
// with limit-1 free slots.
func (m *Manager) TryAcquire(ctx context.Context, tx store.Tx, key string, limit int, lease time.Duration) (bool, error) {
	if limit <= 0 {
		return false, fmt.Errorf("semaphore %q: limit must be positive, got %d", key, limit)
	}
	now := m.now().UTC()
	expiresAt := now.Add(lease)

	if _, err := tx.CreateSemaphore(ctx, models.Semaphore{
		Key:       key,
		Value:     limit,
		Limit:     limit,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return false, fmt.Errorf("semaphore %q: %w", key, err)
	}

	ok, err := tx.DecrementSemaphore(ctx, key, expiresAt)
	if err != nil {
		return false, fmt.Errorf("semaphore %q: %w", key, err)
	}
	if ok {
		return true, nil
	}

	ok, err = tx.ReclaimSemaphore(ctx, key, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("semaphore %q: %w", key, err)
	}
	if ok {
		m.logger.Warn("reclaimed expired semaphore", "key", key, "limit", limit)
		telemetry.SemaphoreReclaims.Inc()
	}
	return ok, nil
}

// Acquire is TryAcquire for a job's own key, limit and duration. On success
// the lease expiry is recorded on the job so Release can find the soonest
// remaining holder.
func (m *Manager) Acquire(ctx context.Context, tx store.Tx, job *models.Job) (bool, error) {
	ok, err := m.TryAcquire(ctx, tx, job.ConcurrencyKey, job.ConcurrencyLimit, job.ConcurrencyDuration)
	if err != nil || !ok {
		return false, err
	}
	lease := m.now().UTC().Add(job.ConcurrencyDuration)
	if err := tx.SetJobLease(ctx, job.ID, &lease); err != nil {
		return false, fmt.Errorf("record lease of job %d: %w", job.ID, err)
	}
	job.LeaseExpiresAt = &lease
	return true, nil
}

// Release returns one slot of key. The expiry becomes nil once every slot is
// free, otherwise the soonest lease among jobs still holding a slot. A
// missing row is ignored.
func (m *Manager) Release(ctx context.Context, tx store.Tx, key string) error {
	sem, ok, err := tx.IncrementSemaphore(ctx, key)
	if err != nil {
		return fmt.Errorf("release semaphore %q: %w", key, err)
	}
	if !ok {
		return nil
	}

	if sem.Value >= sem.Limit {
		if err := tx.SetSemaphoreExpiry(ctx, key, nil); err != nil {
			return fmt.Errorf("release semaphore %q: %w", key, err)
		}
		return nil
	}

	soonest, found, err := tx.SoonestLease(ctx, key)
	if err != nil {
		return fmt.Errorf("release semaphore %q: %w", key, err)
	}
	if !found {
		return nil
	}
	if err := tx.SetSemaphoreExpiry(ctx, key, &soonest); err != nil {
		return fmt.Errorf("release semaphore %q: %w", key, err)
	}
	return nil
}
