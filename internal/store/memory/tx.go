package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

type tx struct {
	t *tables
}

func (x *tx) InsertJob(_ context.Context, job *models.Job) error {
	x.t.nextID++
	job.ID = x.t.nextID
	x.t.jobs[job.ID] = *job
	return nil
}

func (x *tx) GetJob(_ context.Context, id int64) (models.Job, error) {
	job, ok := x.t.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	return job, nil
}

func (x *tx) DeleteJob(_ context.Context, id int64) error {
	delete(x.t.jobs, id)
	delete(x.t.executions, id)
	return nil
}

func (x *tx) SetJobLease(_ context.Context, id int64, expiresAt *time.Time) error {
	job, ok := x.t.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	job.LeaseExpiresAt = expiresAt
	x.t.jobs[id] = job
	return nil
}

func (x *tx) InsertExecution(_ context.Context, e models.Execution) error {
	if _, ok := x.t.jobs[e.JobID]; !ok {
		return fmt.Errorf("job %d: %w", e.JobID, store.ErrJobNotFound)
	}
	if cur, ok := x.t.executions[e.JobID]; ok {
		return fmt.Errorf("job %d is %s: %w", e.JobID, cur.Kind, store.ErrExecutionExists)
	}
	x.t.executions[e.JobID] = e
	return nil
}

func (x *tx) DeleteExecution(_ context.Context, kind models.ExecutionKind, jobID int64) (bool, error) {
	cur, ok := x.t.executions[jobID]
	if !ok || cur.Kind != kind {
		return false, nil
	}
	delete(x.t.executions, jobID)
	return true, nil
}

func (x *tx) GetExecution(ctx context.Context, jobID int64) (models.Execution, bool, error) {
	return x.LockExecution(ctx, jobID)
}

func (x *tx) LockExecution(_ context.Context, jobID int64) (models.Execution, bool, error) {
	e, ok := x.t.executions[jobID]
	return e, ok, nil
}

func (x *tx) LockExecutions(_ context.Context, kind models.ExecutionKind, jobIDs []int64) ([]models.Execution, error) {
	out := make([]models.Execution, 0, len(jobIDs))
	seen := make(map[int64]bool, len(jobIDs))
	for _, id := range jobIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := x.t.executions[id]; ok && e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (x *tx) LockDueScheduled(_ context.Context, now time.Time, limit int) ([]models.Execution, error) {
	due := x.filter(func(e models.Execution) bool {
		return e.Kind == models.KindScheduled && !e.ScheduledAt.After(now)
	})
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.JobID < b.JobID
	})
	return head(due, limit), nil
}

func (x *tx) LockReady(_ context.Context, queues []string, limit int) ([]models.Execution, error) {
	wanted := make(map[string]bool, len(queues))
	for _, q := range queues {
		wanted[q] = true
	}
	ready := x.filter(func(e models.Execution) bool {
		return e.Kind == models.KindReady && (len(wanted) == 0 || wanted[e.QueueName])
	})
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].JobID < ready[j].JobID
	})
	return head(ready, limit), nil
}

func (x *tx) LockOldestBlocked(_ context.Context, key string) (models.Execution, bool, error) {
	var (
		oldest models.Execution
		found  bool
	)
	for _, e := range x.t.executions {
		if e.Kind != models.KindBlocked || e.ConcurrencyKey != key {
			continue
		}
		if !found || e.JobID < oldest.JobID {
			oldest, found = e, true
		}
	}
	return oldest, found, nil
}

func (x *tx) ExpiredBlockedKeys(_ context.Context, now time.Time, limit int) ([]string, error) {
	expired := x.filter(func(e models.Execution) bool {
		return e.Kind == models.KindBlocked && e.ExpiresAt.Before(now)
	})
	sort.Slice(expired, func(i, j int) bool { return expired[i].JobID < expired[j].JobID })
	seen := make(map[string]bool)
	var keys []string
	for _, e := range expired {
		if limit > 0 && len(keys) >= limit {
			break
		}
		if seen[e.ConcurrencyKey] {
			continue
		}
		seen[e.ConcurrencyKey] = true
		keys = append(keys, e.ConcurrencyKey)
	}
	return keys, nil
}

func (x *tx) CountByQueue(_ context.Context) ([]models.QueueCounts, error) {
	byQueue := make(map[string]*models.QueueCounts)
	for _, e := range x.t.executions {
		c, ok := byQueue[e.QueueName]
		if !ok {
			c = &models.QueueCounts{QueueName: e.QueueName}
			byQueue[e.QueueName] = c
		}
		switch e.Kind {
		case models.KindReady:
			c.Ready++
		case models.KindScheduled:
			c.Scheduled++
		case models.KindBlocked:
			c.Blocked++
		case models.KindClaimed:
			c.Claimed++
		case models.KindFailed:
			c.Failed++
		}
	}
	out := make([]models.QueueCounts, 0, len(byQueue))
	for _, c := range byQueue {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueName < out[j].QueueName })
	return out, nil
}

func (x *tx) GetSemaphore(_ context.Context, key string) (models.Semaphore, bool, error) {
	sem, ok := x.t.semaphores[key]
	return sem, ok, nil
}

func (x *tx) CreateSemaphore(_ context.Context, sem models.Semaphore) (bool, error) {
	if _, ok := x.t.semaphores[sem.Key]; ok {
		return false, nil
	}
	x.t.semaphores[sem.Key] = sem
	return true, nil
}

func (x *tx) DecrementSemaphore(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	sem, ok := x.t.semaphores[key]
	if !ok || sem.Value <= 0 {
		return false, nil
	}
	sem.Value--
	sem.ExpiresAt = &expiresAt
	sem.UpdatedAt = time.Now().UTC()
	x.t.semaphores[key] = sem
	return true, nil
}

func (x *tx) ReclaimSemaphore(_ context.Context, key string, now, expiresAt time.Time) (bool, error) {
	sem, ok := x.t.semaphores[key]
	if !ok || sem.Value != 0 || sem.ExpiresAt == nil || !sem.ExpiresAt.Before(now) {
		return false, nil
	}
	sem.Value = sem.Limit - 1
	sem.ExpiresAt = &expiresAt
	sem.UpdatedAt = time.Now().UTC()
	x.t.semaphores[key] = sem
	return true, nil
}

func (x *tx) IncrementSemaphore(_ context.Context, key string) (models.Semaphore, bool, error) {
	sem, ok := x.t.semaphores[key]
	if !ok {
		return models.Semaphore{}, false, nil
	}
	if sem.Value < sem.Limit {
		sem.Value++
	}
	sem.UpdatedAt = time.Now().UTC()
	x.t.semaphores[key] = sem
	return sem, true, nil
}

func (x *tx) SetSemaphoreExpiry(_ context.Context, key string, expiresAt *time.Time) error {
	sem, ok := x.t.semaphores[key]
	if !ok {
		return nil
	}
	sem.ExpiresAt = expiresAt
	x.t.semaphores[key] = sem
	return nil
}

func (x *tx) SoonestLease(_ context.Context, key string) (time.Time, bool, error) {
	var (
		soonest time.Time
		found   bool
	)
	for id, job := range x.t.jobs {
		if job.ConcurrencyKey != key || job.LeaseExpiresAt == nil {
			continue
		}
		e, ok := x.t.executions[id]
		if !ok || (e.Kind != models.KindReady && e.Kind != models.KindClaimed) {
			continue
		}
		if !found || job.LeaseExpiresAt.Before(soonest) {
			soonest, found = *job.LeaseExpiresAt, true
		}
	}
	return soonest, found, nil
}

func (x *tx) DeleteExpiredSemaphores(_ context.Context, now time.Time, limit int) (int, error) {
	keys := make([]string, 0)
	for key, sem := range x.t.semaphores {
		if sem.ExpiresAt != nil && sem.ExpiresAt.Before(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	keys = head(keys, limit)
	for _, key := range keys {
		delete(x.t.semaphores, key)
	}
	return len(keys), nil
}

func (x *tx) filter(keep func(models.Execution) bool) []models.Execution {
	var out []models.Execution
	for _, e := range x.t.executions {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func head[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
