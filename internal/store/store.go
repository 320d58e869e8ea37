package store

import (
	"context"
	"errors"
	"time"

	"durable-job-queue/internal/models"
)

var (
	// ErrJobNotFound is returned when a job row does not exist.
	ErrJobNotFound = errors.New("store: job not found")
	// ErrExecutionExists is returned when a job already sits in a partition.
	ErrExecutionExists = errors.New("store: job already has an execution")
)

// Store is a transactional storage engine shared by every process of the queue.
type Store interface {
	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx exposes the record-level primitives the queue builds its state machine on.
// Every mutation that more than one process can race on is a single conditional
// statement; the boolean results report whether the condition held.
type Tx interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (models.Job, error)
	DeleteJob(ctx context.Context, id int64) error
	SetJobLease(ctx context.Context, id int64, expiresAt *time.Time) error

	InsertExecution(ctx context.Context, e models.Execution) error
	// DeleteExecution removes the job's record of the given kind, reporting
	// whether one was present.
	DeleteExecution(ctx context.Context, kind models.ExecutionKind, jobID int64) (bool, error)
	// GetExecution returns the job's current record without locking it.
	GetExecution(ctx context.Context, jobID int64) (models.Execution, bool, error)
	// LockExecution returns the job's current record, locking it for the
	// rest of the transaction.
	LockExecution(ctx context.Context, jobID int64) (models.Execution, bool, error)
	// LockExecutions returns the records of kind among jobIDs, locked, in job ID order.
	LockExecutions(ctx context.Context, kind models.ExecutionKind, jobIDs []int64) ([]models.Execution, error)
	// LockDueScheduled returns up to limit scheduled records due at now, ordered
	// by scheduled_at, priority, job_id, skipping rows locked by others.
	LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]models.Execution, error)
	// LockReady returns up to limit ready records of the given queues (all when
	// empty), ordered by priority, job_id, skipping rows locked by others.
	LockReady(ctx context.Context, queues []string, limit int) ([]models.Execution, error)
	// LockOldestBlocked returns the blocked record with the lowest job ID for key.
	LockOldestBlocked(ctx context.Context, key string) (models.Execution, bool, error)
	// ExpiredBlockedKeys lists up to limit distinct keys with blocked records expired at now.
	ExpiredBlockedKeys(ctx context.Context, now time.Time, limit int) ([]string, error)
	CountByQueue(ctx context.Context) ([]models.QueueCounts, error)

	GetSemaphore(ctx context.Context, key string) (models.Semaphore, bool, error)
	// CreateSemaphore inserts the row unless one exists for the key.
	CreateSemaphore(ctx context.Context, sem models.Semaphore) (bool, error)
	// DecrementSemaphore takes a slot when value > 0.
	DecrementSemaphore(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	// ReclaimSemaphore resets an exhausted row whose expiry passed before now
	// to limit-1 free slots.
	ReclaimSemaphore(ctx context.Context, key string, now, expiresAt time.Time) (bool, error)
	// IncrementSemaphore frees a slot, never exceeding the row's limit, and
	// returns the updated row.
	IncrementSemaphore(ctx context.Context, key string) (models.Semaphore, bool, error)
	SetSemaphoreExpiry(ctx context.Context, key string, expiresAt *time.Time) error
	// SoonestLease is the earliest lease expiry among jobs of key that hold a
	// slot, meaning they sit in the ready or claimed partition.
	SoonestLease(ctx context.Context, key string) (time.Time, bool, error)
	DeleteExpiredSemaphores(ctx context.Context, now time.Time, limit int) (int, error)
}
