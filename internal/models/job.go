package models

import (
	"time"
)

// ExecutionKind names the partition a live job currently sits in.
type ExecutionKind string

const (
	KindReady     ExecutionKind = "ready"
	KindScheduled ExecutionKind = "scheduled"
	KindBlocked   ExecutionKind = "blocked"
	KindClaimed   ExecutionKind = "claimed"
	KindFailed    ExecutionKind = "failed"
)

// Valid reports whether k is one of the known partitions.
func (k ExecutionKind) Valid() bool {
	switch k {
	case KindReady, KindScheduled, KindBlocked, KindClaimed, KindFailed:
		return true
	}
	return false
}

// ConflictPolicy decides what happens to a job whose concurrency key has no free slot.
type ConflictPolicy string

const (
	ConflictBlock   ConflictPolicy = "block"
	ConflictDiscard ConflictPolicy = "discard"
)

// Job is the durable record of a unit of work.
type Job struct {
	ID                  int64          `json:"id"`
	ClassName           string         `json:"class_name"`
	QueueName           string         `json:"queue_name"`
	Arguments           []byte         `json:"arguments,omitempty"`
	Priority            int            `json:"priority"`
	ScheduledAt         time.Time      `json:"scheduled_at"`
	ConcurrencyKey      string         `json:"concurrency_key,omitempty"`
	ConcurrencyLimit    int            `json:"concurrency_limit,omitempty"`
	ConcurrencyDuration time.Duration  `json:"concurrency_duration,omitempty"`
	OnConflict          ConflictPolicy `json:"on_conflict,omitempty"`
	LeaseExpiresAt      *time.Time     `json:"lease_expires_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// ConcurrencyLimited reports whether the job competes for a semaphore slot.
func (j Job) ConcurrencyLimited() bool {
	return j.ConcurrencyKey != "" && j.ConcurrencyLimit > 0
}

// JobDescription is what a producer supplies to enqueue a job.
type JobDescription struct {
	ClassName           string         `json:"class_name"`
	QueueName           string         `json:"queue_name"`
	Arguments           []byte         `json:"arguments,omitempty"`
	Priority            *int           `json:"priority,omitempty"`
	ScheduledAt         time.Time      `json:"scheduled_at"`
	// Delay, when positive, schedules the job that long after it is enqueued
	// and takes precedence over ScheduledAt.
	Delay               time.Duration  `json:"delay,omitempty"`
	ConcurrencyKey      string         `json:"concurrency_key,omitempty"`
	ConcurrencyLimit    int            `json:"concurrency_limit,omitempty"`
	ConcurrencyDuration time.Duration  `json:"concurrency_duration,omitempty"`
	OnConflict          ConflictPolicy `json:"on_conflict,omitempty"`
}

// Execution is the satellite row placing a job in exactly one partition.
// Only the fields relevant to Kind are populated.
type Execution struct {
	JobID          int64         `json:"job_id"`
	Kind           ExecutionKind `json:"kind"`
	QueueName      string        `json:"queue_name"`
	Priority       int           `json:"priority"`
	ScheduledAt    time.Time     `json:"scheduled_at,omitempty"`
	ConcurrencyKey string        `json:"concurrency_key,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at,omitempty"`
	ProcessID      string        `json:"process_id,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Semaphore tracks the free slots of one concurrency key.
type Semaphore struct {
	Key       string     `json:"key"`
	Value     int        `json:"value"`
	Limit     int        `json:"limit"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// QueueCounts is a per-queue snapshot of partition sizes.
type QueueCounts struct {
	QueueName string `json:"queue_name"`
	Ready     int64  `json:"ready"`
	Scheduled int64  `json:"scheduled"`
	Blocked   int64  `json:"blocked"`
	Claimed   int64  `json:"claimed"`
	Failed    int64  `json:"failed"`
}
