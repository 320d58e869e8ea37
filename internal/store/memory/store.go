package memory

import (
	"context"
	"errors"
	"sync"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

var _ store.Store = (*Store)(nil)

// ErrClosed is returned by WithTx after Close.
var ErrClosed = errors.New("memory store: closed")

// Store keeps the queue tables in process memory. Transactions are serialized
// by one mutex and run against a copy of the tables that replaces the live
// state only on commit.
type Store struct {
	mu     sync.Mutex
	state  *tables
	closed bool
}

type tables struct {
	nextID     int64
	jobs       map[int64]models.Job
	executions map[int64]models.Execution
	semaphores map[string]models.Semaphore
}

// New returns an empty store.
func New() *Store {
	return &Store{state: &tables{
		jobs:       make(map[int64]models.Job),
		executions: make(map[int64]models.Execution),
		semaphores: make(map[string]models.Semaphore),
	}}
}

// WithTx runs fn with exclusive access to a snapshot of the tables.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	work := s.state.clone()
	if err := fn(&tx{t: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (t *tables) clone() *tables {
	c := &tables{
		nextID:     t.nextID,
		jobs:       make(map[int64]models.Job, len(t.jobs)),
		executions: make(map[int64]models.Execution, len(t.executions)),
		semaphores: make(map[string]models.Semaphore, len(t.semaphores)),
	}
	for k, v := range t.jobs {
		c.jobs[k] = v
	}
	for k, v := range t.executions {
		c.executions[k] = v
	}
	for k, v := range t.semaphores {
		c.semaphores[k] = v
	}
	return c
}
