package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyDiscarded reports a job dropped because its concurrency
	// key had no free slot and its conflict policy is discard.
	ErrConcurrencyDiscarded = errors.New("job discarded due to concurrency configuration")
	ErrNotClaimed           = errors.New("job is not claimed")
	ErrNotFailed            = errors.New("job is not failed")
	ErrInvalidKind          = errors.New("unknown execution kind")
	ErrInvalidJob           = errors.New("invalid job description")
)

// EnqueueError is returned when a job could not be enqueued. Nothing about
// the job was persisted and it has no ID.
type EnqueueError struct {
	Err error
}

func (e *EnqueueError) Error() string {
	return "enqueue job: " + e.Err.Error()
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// UndiscardableError is returned when a discard targets a job a worker is running.
type UndiscardableError struct {
	JobID int64
}

func (e *UndiscardableError) Error() string {
	return fmt.Sprintf("job %d is claimed and cannot be discarded", e.JobID)
}
