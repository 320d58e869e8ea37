package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

type tx struct {
	tx *sql.Tx
}

var lookupOrder = []models.ExecutionKind{
	models.KindScheduled,
	models.KindBlocked,
	models.KindReady,
	models.KindClaimed,
	models.KindFailed,
}

var executionTables = map[models.ExecutionKind]string{
	models.KindReady:     "ready_executions",
	models.KindScheduled: "scheduled_executions",
	models.KindBlocked:   "blocked_executions",
	models.KindClaimed:   "claimed_executions",
	models.KindFailed:    "failed_executions",
}

var executionColumns = map[models.ExecutionKind]string{
	models.KindReady:     `job_id, queue_name, priority, NULL, NULL, NULL, NULL, NULL, created_at`,
	models.KindScheduled: `job_id, queue_name, priority, scheduled_at, NULL, NULL, NULL, NULL, created_at`,
	models.KindBlocked:   `job_id, queue_name, priority, NULL, concurrency_key, expires_at, NULL, NULL, created_at`,
	models.KindClaimed:   `job_id, queue_name, priority, NULL, NULL, NULL, process_id, NULL, created_at`,
	models.KindFailed:    `job_id, queue_name, priority, NULL, NULL, NULL, NULL, error, created_at`,
}

const jobColumns = `id, class_name, queue_name, arguments, priority, scheduled_at, concurrency_key,
	concurrency_limit, concurrency_duration_ms, on_conflict, lease_expires_at, created_at`

func (t *tx) InsertJob(ctx context.Context, job *models.Job) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO jobs (class_name, queue_name, arguments, priority, scheduled_at, concurrency_key,
			concurrency_limit, concurrency_duration_ms, on_conflict, lease_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ClassName, job.QueueName, job.Arguments, job.Priority, toNanos(job.ScheduledAt), nullString(job.ConcurrencyKey),
		nullInt(job.ConcurrencyLimit), job.ConcurrencyDuration.Milliseconds(), string(job.OnConflict),
		nullNanos(job.LeaseExpiresAt), toNanos(job.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert job id: %w", err)
	}
	job.ID = id
	return nil
}

func (t *tx) GetJob(ctx context.Context, id int64) (models.Job, error) {
	var (
		job         models.Job
		scheduledAt int64
		key         sql.NullString
		limit       sql.NullInt64
		durationMs  int64
		onConflict  string
		lease       sql.NullInt64
		createdAt   int64
	)
	err := t.tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.ClassName, &job.QueueName, &job.Arguments, &job.Priority, &scheduledAt,
		&key, &limit, &durationMs, &onConflict, &lease, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ScheduledAt = fromNanos(scheduledAt)
	job.ConcurrencyKey = key.String
	job.ConcurrencyLimit = int(limit.Int64)
	job.ConcurrencyDuration = time.Duration(durationMs) * time.Millisecond
	job.OnConflict = models.ConflictPolicy(onConflict)
	job.LeaseExpiresAt = timePtr(lease)
	job.CreatedAt = fromNanos(createdAt)
	return job, nil
}

func (t *tx) DeleteJob(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

func (t *tx) SetJobLease(ctx context.Context, id int64, expiresAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = ? WHERE id = ?`, nullNanos(expiresAt), id)
	if err != nil {
		return fmt.Errorf("set job lease: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set job lease: %w", err)
	} else if n == 0 {
		return fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	return nil
}

func (t *tx) InsertExecution(ctx context.Context, e models.Execution) error {
	var jobExists, execExists bool
	if err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM jobs WHERE id = ?1),
			EXISTS (SELECT 1 FROM ready_executions WHERE job_id = ?1)
			OR EXISTS (SELECT 1 FROM scheduled_executions WHERE job_id = ?1)
			OR EXISTS (SELECT 1 FROM blocked_executions WHERE job_id = ?1)
			OR EXISTS (SELECT 1 FROM claimed_executions WHERE job_id = ?1)
			OR EXISTS (SELECT 1 FROM failed_executions WHERE job_id = ?1)
	`, e.JobID).Scan(&jobExists, &execExists); err != nil {
		return fmt.Errorf("check executions: %w", err)
	}
	if !jobExists {
		return fmt.Errorf("job %d: %w", e.JobID, store.ErrJobNotFound)
	}
	if execExists {
		return fmt.Errorf("job %d: %w", e.JobID, store.ErrExecutionExists)
	}

	var err error
	switch e.Kind {
	case models.KindReady:
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO ready_executions (job_id, queue_name, priority, created_at) VALUES (?, ?, ?, ?)
		`, e.JobID, e.QueueName, e.Priority, toNanos(e.CreatedAt))
	case models.KindScheduled:
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO scheduled_executions (job_id, queue_name, priority, scheduled_at, created_at) VALUES (?, ?, ?, ?, ?)
		`, e.JobID, e.QueueName, e.Priority, toNanos(e.ScheduledAt), toNanos(e.CreatedAt))
	case models.KindBlocked:
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO blocked_executions (job_id, queue_name, priority, concurrency_key, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.JobID, e.QueueName, e.Priority, e.ConcurrencyKey, toNanos(e.ExpiresAt), toNanos(e.CreatedAt))
	case models.KindClaimed:
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO claimed_executions (job_id, queue_name, priority, process_id, created_at) VALUES (?, ?, ?, ?, ?)
		`, e.JobID, e.QueueName, e.Priority, e.ProcessID, toNanos(e.CreatedAt))
	case models.KindFailed:
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO failed_executions (job_id, queue_name, priority, error, created_at) VALUES (?, ?, ?, ?, ?)
		`, e.JobID, e.QueueName, e.Priority, e.Error, toNanos(e.CreatedAt))
	default:
		return fmt.Errorf("insert execution: unknown kind %q", e.Kind)
	}
	if err != nil {
		return fmt.Errorf("insert %s execution: %w", e.Kind, err)
	}
	return nil
}

func (t *tx) DeleteExecution(ctx context.Context, kind models.ExecutionKind, jobID int64) (bool, error) {
	table, ok := executionTables[kind]
	if !ok {
		return false, fmt.Errorf("delete execution: unknown kind %q", kind)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete %s execution: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s execution: %w", kind, err)
	}
	return n == 1, nil
}

// LockExecution and the other Lock* methods rely on the write lock taken by
// BEGIN IMMEDIATE; SQLite has no row locks.
// GetExecution and LockExecution are the same query: the IMMEDIATE
// transaction already holds the database write lock.
func (t *tx) GetExecution(ctx context.Context, jobID int64) (models.Execution, bool, error) {
	return t.LockExecution(ctx, jobID)
}

func (t *tx) LockExecution(ctx context.Context, jobID int64) (models.Execution, bool, error) {
	for _, kind := range lookupOrder {
		execs, err := t.queryExecutions(ctx, kind,
			`SELECT `+executionColumns[kind]+` FROM `+executionTables[kind]+` WHERE job_id = ?`, jobID)
		if err != nil {
			return models.Execution{}, false, err
		}
		if len(execs) > 0 {
			return execs[0], true, nil
		}
	}
	return models.Execution{}, false, nil
}

func (t *tx) LockExecutions(ctx context.Context, kind models.ExecutionKind, jobIDs []int64) ([]models.Execution, error) {
	table, ok := executionTables[kind]
	if !ok {
		return nil, fmt.Errorf("lock executions: unknown kind %q", kind)
	}
	if len(jobIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	return t.queryExecutions(ctx, kind, `
		SELECT `+executionColumns[kind]+` FROM `+table+`
		WHERE job_id IN (`+placeholders(len(jobIDs))+`)
		ORDER BY job_id
	`, args...)
}

func (t *tx) LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Execution, error) {
	return t.queryExecutions(ctx, models.KindScheduled, `
		SELECT `+executionColumns[models.KindScheduled]+` FROM scheduled_executions
		WHERE scheduled_at <= ?
		ORDER BY scheduled_at, priority, job_id
		LIMIT ?
	`, toNanos(now), limit)
}

func (t *tx) LockReady(ctx context.Context, queues []string, limit int) ([]models.Execution, error) {
	if len(queues) == 0 {
		return t.queryExecutions(ctx, models.KindReady, `
			SELECT `+executionColumns[models.KindReady]+` FROM ready_executions
			ORDER BY priority, job_id
			LIMIT ?
		`, limit)
	}
	args := make([]any, 0, len(queues)+1)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, limit)
	return t.queryExecutions(ctx, models.KindReady, `
		SELECT `+executionColumns[models.KindReady]+` FROM ready_executions
		WHERE queue_name IN (`+placeholders(len(queues))+`)
		ORDER BY priority, job_id
		LIMIT ?
	`, args...)
}

func (t *tx) LockOldestBlocked(ctx context.Context, key string) (models.Execution, bool, error) {
	execs, err := t.queryExecutions(ctx, models.KindBlocked, `
		SELECT `+executionColumns[models.KindBlocked]+` FROM blocked_executions
		WHERE concurrency_key = ?
		ORDER BY job_id
		LIMIT 1
	`, key)
	if err != nil || len(execs) == 0 {
		return models.Execution{}, false, err
	}
	return execs[0], true, nil
}

func (t *tx) ExpiredBlockedKeys(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT concurrency_key FROM blocked_executions
		WHERE expires_at < ?
		LIMIT ?
	`, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select expired blocked keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan blocked key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (t *tx) CountByQueue(ctx context.Context) ([]models.QueueCounts, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT queue_name,
			SUM(CASE WHEN kind = 'ready' THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = 'scheduled' THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = 'blocked' THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = 'claimed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = 'failed' THEN 1 ELSE 0 END)
		FROM (
			SELECT queue_name, 'ready' AS kind FROM ready_executions
			UNION ALL SELECT queue_name, 'scheduled' FROM scheduled_executions
			UNION ALL SELECT queue_name, 'blocked' FROM blocked_executions
			UNION ALL SELECT queue_name, 'claimed' FROM claimed_executions
			UNION ALL SELECT queue_name, 'failed' FROM failed_executions
		)
		GROUP BY queue_name
		ORDER BY queue_name
	`)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	out := []models.QueueCounts{}
	for rows.Next() {
		var c models.QueueCounts
		if err := rows.Scan(&c.QueueName, &c.Ready, &c.Scheduled, &c.Blocked, &c.Claimed, &c.Failed); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const semaphoreColumns = `key, value, slot_limit, expires_at, created_at, updated_at`

func (t *tx) GetSemaphore(ctx context.Context, key string) (models.Semaphore, bool, error) {
	sem, err := scanSemaphore(t.tx.QueryRowContext(ctx, `SELECT `+semaphoreColumns+` FROM semaphores WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Semaphore{}, false, nil
	}
	if err != nil {
		return models.Semaphore{}, false, fmt.Errorf("get semaphore: %w", err)
	}
	return sem, true, nil
}

func (t *tx) CreateSemaphore(ctx context.Context, sem models.Semaphore) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO semaphores (key, value, slot_limit, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING
	`, sem.Key, sem.Value, sem.Limit, nullNanos(sem.ExpiresAt), toNanos(sem.CreatedAt), toNanos(sem.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("create semaphore: %w", err)
	}
	return affectedOne(res, "create semaphore")
}

func (t *tx) DecrementSemaphore(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE semaphores SET value = value - 1, expires_at = ?, updated_at = ?
		WHERE key = ? AND value > 0
	`, toNanos(expiresAt), toNanos(time.Now()), key)
	if err != nil {
		return false, fmt.Errorf("decrement semaphore: %w", err)
	}
	return affectedOne(res, "decrement semaphore")
}

func (t *tx) ReclaimSemaphore(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE semaphores SET value = slot_limit - 1, expires_at = ?, updated_at = ?
		WHERE key = ? AND value = 0 AND expires_at < ?
	`, toNanos(expiresAt), toNanos(time.Now()), key, toNanos(now))
	if err != nil {
		return false, fmt.Errorf("reclaim semaphore: %w", err)
	}
	return affectedOne(res, "reclaim semaphore")
}

func (t *tx) IncrementSemaphore(ctx context.Context, key string) (models.Semaphore, bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE semaphores SET value = MIN(value + 1, slot_limit), updated_at = ?
		WHERE key = ?
	`, toNanos(time.Now()), key)
	if err != nil {
		return models.Semaphore{}, false, fmt.Errorf("increment semaphore: %w", err)
	}
	if ok, err := affectedOne(res, "increment semaphore"); err != nil || !ok {
		return models.Semaphore{}, false, err
	}
	return t.GetSemaphore(ctx, key)
}

func (t *tx) SetSemaphoreExpiry(ctx context.Context, key string, expiresAt *time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE semaphores SET expires_at = ? WHERE key = ?`, nullNanos(expiresAt), key); err != nil {
		return fmt.Errorf("set semaphore expiry: %w", err)
	}
	return nil
}

func (t *tx) SoonestLease(ctx context.Context, key string) (time.Time, bool, error) {
	var soonest sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MIN(j.lease_expires_at) FROM jobs j
		WHERE j.concurrency_key = ?
			AND j.lease_expires_at IS NOT NULL
			AND (EXISTS (SELECT 1 FROM ready_executions r WHERE r.job_id = j.id)
				OR EXISTS (SELECT 1 FROM claimed_executions c WHERE c.job_id = j.id))
	`, key).Scan(&soonest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select soonest lease: %w", err)
	}
	if !soonest.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(soonest.Int64), true, nil
}

func (t *tx) DeleteExpiredSemaphores(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM semaphores WHERE key IN (
			SELECT key FROM semaphores WHERE expires_at < ? ORDER BY key LIMIT ?
		)
	`, toNanos(now), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired semaphores: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired semaphores: %w", err)
	}
	return int(n), nil
}

func (t *tx) queryExecutions(ctx context.Context, kind models.ExecutionKind, query string, args ...any) ([]models.Execution, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s executions: %w", kind, err)
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		var (
			e           models.Execution
			scheduledAt sql.NullInt64
			key         sql.NullString
			expiresAt   sql.NullInt64
			processID   sql.NullString
			errText     sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(&e.JobID, &e.QueueName, &e.Priority, &scheduledAt, &key, &expiresAt,
			&processID, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan %s execution: %w", kind, err)
		}
		e.Kind = kind
		if scheduledAt.Valid {
			e.ScheduledAt = fromNanos(scheduledAt.Int64)
		}
		if expiresAt.Valid {
			e.ExpiresAt = fromNanos(expiresAt.Int64)
		}
		e.ConcurrencyKey = key.String
		e.ProcessID = processID.String
		e.Error = errText.String
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s executions: %w", kind, err)
	}
	return out, nil
}

func scanSemaphore(row *sql.Row) (models.Semaphore, error) {
	var (
		sem                  models.Semaphore
		expiresAt            sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&sem.Key, &sem.Value, &sem.Limit, &expiresAt, &createdAt, &updatedAt); err != nil {
		return models.Semaphore{}, err
	}
	sem.ExpiresAt = timePtr(expiresAt)
	sem.CreatedAt = fromNanos(createdAt)
	sem.UpdatedAt = fromNanos(updatedAt)
	return sem, nil
}

func affectedOne(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v > 0}
}
