package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

type tx struct {
	tx pgx.Tx
}

// lookupOrder follows the pipeline so that a record moved by a concurrent
// transaction is found in its new table once the old row lock is released.
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

// executionColumns projects every table onto the same column list so one
// scanner reads them all.
var executionColumns = map[models.ExecutionKind]string{
	models.KindReady:     `job_id, queue_name, priority, NULL::timestamptz, NULL::text, NULL::timestamptz, NULL::text, NULL::text, created_at`,
	models.KindScheduled: `job_id, queue_name, priority, scheduled_at, NULL::text, NULL::timestamptz, NULL::text, NULL::text, created_at`,
	models.KindBlocked:   `job_id, queue_name, priority, NULL::timestamptz, concurrency_key, expires_at, NULL::text, NULL::text, created_at`,
	models.KindClaimed:   `job_id, queue_name, priority, NULL::timestamptz, NULL::text, NULL::timestamptz, process_id, NULL::text, created_at`,
	models.KindFailed:    `job_id, queue_name, priority, NULL::timestamptz, NULL::text, NULL::timestamptz, NULL::text, error, created_at`,
}

const jobColumns = `id, class_name, queue_name, arguments, priority, scheduled_at, concurrency_key,
	concurrency_limit, concurrency_duration_ms, on_conflict, lease_expires_at, created_at`

func (t *tx) InsertJob(ctx context.Context, job *models.Job) error {
	var limit *int
	if job.ConcurrencyLimit > 0 {
		limit = &job.ConcurrencyLimit
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO jobs (class_name, queue_name, arguments, priority, scheduled_at, concurrency_key,
			concurrency_limit, concurrency_duration_ms, on_conflict, lease_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, job.ClassName, job.QueueName, job.Arguments, job.Priority, job.ScheduledAt, emptyToNil(job.ConcurrencyKey),
		limit, job.ConcurrencyDuration.Milliseconds(), string(job.OnConflict), job.LeaseExpiresAt, job.CreatedAt,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t *tx) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	var (
		job        models.Job
		key        pgtype.Text
		limit      pgtype.Int4
		durationMs int64
		onConflict string
		lease      pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.ClassName, &job.QueueName, &job.Arguments, &job.Priority, &job.ScheduledAt,
		&key, &limit, &durationMs, &onConflict, &lease, &job.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.ConcurrencyKey = key.String
	if limit.Valid {
		job.ConcurrencyLimit = int(limit.Int32)
	}
	job.ConcurrencyDuration = time.Duration(durationMs) * time.Millisecond
	job.OnConflict = models.ConflictPolicy(onConflict)
	job.LeaseExpiresAt = timePtr(lease)
	return job, nil
}

func (t *tx) DeleteJob(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

func (t *tx) SetJobLease(ctx context.Context, id int64, expiresAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE jobs SET lease_expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("set job lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	return nil
}

func (t *tx) InsertExecution(ctx context.Context, e models.Execution) error {
	var exists bool
	if err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ready_executions WHERE job_id = $1)
			OR EXISTS (SELECT 1 FROM scheduled_executions WHERE job_id = $1)
			OR EXISTS (SELECT 1 FROM blocked_executions WHERE job_id = $1)
			OR EXISTS (SELECT 1 FROM claimed_executions WHERE job_id = $1)
			OR EXISTS (SELECT 1 FROM failed_executions WHERE job_id = $1)
	`, e.JobID).Scan(&exists); err != nil {
		return fmt.Errorf("check executions: %w", err)
	}
	if exists {
		return fmt.Errorf("job %d: %w", e.JobID, store.ErrExecutionExists)
	}

	var err error
	switch e.Kind {
	case models.KindReady:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO ready_executions (job_id, queue_name, priority, created_at) VALUES ($1, $2, $3, $4)
		`, e.JobID, e.QueueName, e.Priority, e.CreatedAt)
	case models.KindScheduled:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO scheduled_executions (job_id, queue_name, priority, scheduled_at, created_at) VALUES ($1, $2, $3, $4, $5)
		`, e.JobID, e.QueueName, e.Priority, e.ScheduledAt, e.CreatedAt)
	case models.KindBlocked:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO blocked_executions (job_id, queue_name, priority, concurrency_key, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.JobID, e.QueueName, e.Priority, e.ConcurrencyKey, e.ExpiresAt, e.CreatedAt)
	case models.KindClaimed:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO claimed_executions (job_id, queue_name, priority, process_id, created_at) VALUES ($1, $2, $3, $4, $5)
		`, e.JobID, e.QueueName, e.Priority, e.ProcessID, e.CreatedAt)
	case models.KindFailed:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO failed_executions (job_id, queue_name, priority, error, created_at) VALUES ($1, $2, $3, $4, $5)
		`, e.JobID, e.QueueName, e.Priority, e.Error, e.CreatedAt)
	default:
		return fmt.Errorf("insert execution: unknown kind %q", e.Kind)
	}
	switch pgErrorCode(err) {
	case "":
	case uniqueViolation:
		return fmt.Errorf("job %d: %w", e.JobID, store.ErrExecutionExists)
	case foreignKeyViolation:
		return fmt.Errorf("job %d: %w", e.JobID, store.ErrJobNotFound)
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
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+table+` WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete %s execution: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) GetExecution(ctx context.Context, jobID int64) (models.Execution, bool, error) {
	return t.findExecution(ctx, jobID, "")
}

func (t *tx) LockExecution(ctx context.Context, jobID int64) (models.Execution, bool, error) {
	return t.findExecution(ctx, jobID, "FOR UPDATE")
}

func (t *tx) findExecution(ctx context.Context, jobID int64, lock string) (models.Execution, bool, error) {
	for _, kind := range lookupOrder {
		rows, err := t.tx.Query(ctx, `
			SELECT `+executionColumns[kind]+` FROM `+executionTables[kind]+` WHERE job_id = $1 `+lock, jobID)
		if err != nil {
			return models.Execution{}, false, fmt.Errorf("find %s execution: %w", kind, err)
		}
		execs, err := collectExecutions(rows, kind)
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
	rows, err := t.tx.Query(ctx, `
		SELECT `+executionColumns[kind]+` FROM `+table+`
		WHERE job_id = ANY($1)
		ORDER BY job_id
		FOR UPDATE
	`, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("lock %s executions: %w", kind, err)
	}
	return collectExecutions(rows, kind)
}

func (t *tx) LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Execution, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+executionColumns[models.KindScheduled]+` FROM scheduled_executions
		WHERE scheduled_at <= $1
		ORDER BY scheduled_at, priority, job_id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due scheduled: %w", err)
	}
	return collectExecutions(rows, models.KindScheduled)
}

func (t *tx) LockReady(ctx context.Context, queues []string, limit int) ([]models.Execution, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(queues) == 0 {
		rows, err = t.tx.Query(ctx, `
			SELECT `+executionColumns[models.KindReady]+` FROM ready_executions
			ORDER BY priority, job_id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
	} else {
		rows, err = t.tx.Query(ctx, `
			SELECT `+executionColumns[models.KindReady]+` FROM ready_executions
			WHERE queue_name = ANY($1)
			ORDER BY priority, job_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, queues, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("select ready: %w", err)
	}
	return collectExecutions(rows, models.KindReady)
}

func (t *tx) LockOldestBlocked(ctx context.Context, key string) (models.Execution, bool, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+executionColumns[models.KindBlocked]+` FROM blocked_executions
		WHERE concurrency_key = $1
		ORDER BY job_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, key)
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("select oldest blocked: %w", err)
	}
	execs, err := collectExecutions(rows, models.KindBlocked)
	if err != nil || len(execs) == 0 {
		return models.Execution{}, false, err
	}
	return execs[0], true, nil
}

func (t *tx) ExpiredBlockedKeys(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT concurrency_key FROM blocked_executions
		WHERE expires_at < $1
		LIMIT $2
	`, now, limit)
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
	rows, err := t.tx.Query(ctx, `
		SELECT queue_name,
			COUNT(*) FILTER (WHERE kind = 'ready'),
			COUNT(*) FILTER (WHERE kind = 'scheduled'),
			COUNT(*) FILTER (WHERE kind = 'blocked'),
			COUNT(*) FILTER (WHERE kind = 'claimed'),
			COUNT(*) FILTER (WHERE kind = 'failed')
		FROM (
			SELECT queue_name, 'ready' AS kind FROM ready_executions
			UNION ALL SELECT queue_name, 'scheduled' FROM scheduled_executions
			UNION ALL SELECT queue_name, 'blocked' FROM blocked_executions
			UNION ALL SELECT queue_name, 'claimed' FROM claimed_executions
			UNION ALL SELECT queue_name, 'failed' FROM failed_executions
		) AS partitions
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
	sem, err := scanSemaphore(t.tx.QueryRow(ctx, `SELECT `+semaphoreColumns+` FROM semaphores WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Semaphore{}, false, nil
	}
	if err != nil {
		return models.Semaphore{}, false, fmt.Errorf("get semaphore: %w", err)
	}
	return sem, true, nil
}

func (t *tx) CreateSemaphore(ctx context.Context, sem models.Semaphore) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO semaphores (key, value, slot_limit, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING
	`, sem.Key, sem.Value, sem.Limit, sem.ExpiresAt, sem.CreatedAt, sem.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("create semaphore: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) DecrementSemaphore(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE semaphores SET value = value - 1, expires_at = $2, updated_at = NOW()
		WHERE key = $1 AND value > 0
	`, key, expiresAt)
	if err != nil {
		return false, fmt.Errorf("decrement semaphore: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) ReclaimSemaphore(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE semaphores SET value = slot_limit - 1, expires_at = $3, updated_at = NOW()
		WHERE key = $1 AND value = 0 AND expires_at < $2
	`, key, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("reclaim semaphore: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) IncrementSemaphore(ctx context.Context, key string) (models.Semaphore, bool, error) {
	sem, err := scanSemaphore(t.tx.QueryRow(ctx, `
		UPDATE semaphores SET value = LEAST(value + 1, slot_limit), updated_at = NOW()
		WHERE key = $1
		RETURNING `+semaphoreColumns, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Semaphore{}, false, nil
	}
	if err != nil {
		return models.Semaphore{}, false, fmt.Errorf("increment semaphore: %w", err)
	}
	return sem, true, nil
}

func (t *tx) SetSemaphoreExpiry(ctx context.Context, key string, expiresAt *time.Time) error {
	if _, err := t.tx.Exec(ctx, `UPDATE semaphores SET expires_at = $2 WHERE key = $1`, key, expiresAt); err != nil {
		return fmt.Errorf("set semaphore expiry: %w", err)
	}
	return nil
}

func (t *tx) SoonestLease(ctx context.Context, key string) (time.Time, bool, error) {
	var soonest pgtype.Timestamptz
	err := t.tx.QueryRow(ctx, `
		SELECT MIN(j.lease_expires_at) FROM jobs j
		WHERE j.concurrency_key = $1
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
	return soonest.Time.UTC(), true, nil
}

func (t *tx) DeleteExpiredSemaphores(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM semaphores WHERE key IN (
			SELECT key FROM semaphores
			WHERE expires_at < $1
			ORDER BY key
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired semaphores: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectExecutions(rows pgx.Rows, kind models.ExecutionKind) ([]models.Execution, error) {
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		var (
			e           models.Execution
			scheduledAt pgtype.Timestamptz
			key         pgtype.Text
			expiresAt   pgtype.Timestamptz
			processID   pgtype.Text
			errText     pgtype.Text
		)
		if err := rows.Scan(&e.JobID, &e.QueueName, &e.Priority, &scheduledAt, &key, &expiresAt,
			&processID, &errText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan %s execution: %w", kind, err)
		}
		e.Kind = kind
		e.CreatedAt = e.CreatedAt.UTC()
		if scheduledAt.Valid {
			e.ScheduledAt = scheduledAt.Time.UTC()
		}
		if expiresAt.Valid {
			e.ExpiresAt = expiresAt.Time.UTC()
		}
		e.ConcurrencyKey = key.String
		e.ProcessID = processID.String
		e.Error = errText.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s executions: %w", kind, err)
	}
	return out, nil
}

func scanSemaphore(row pgx.Row) (models.Semaphore, error) {
	var (
		sem       models.Semaphore
		expiresAt pgtype.Timestamptz
	)
	if err := row.Scan(&sem.Key, &sem.Value, &sem.Limit, &expiresAt, &sem.CreatedAt, &sem.UpdatedAt); err != nil {
		return models.Semaphore{}, err
	}
	sem.ExpiresAt = timePtr(expiresAt)
	sem.CreatedAt = sem.CreatedAt.UTC()
	sem.UpdatedAt = sem.UpdatedAt.UTC()
	return sem, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
