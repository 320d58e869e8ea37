package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/store/memory"
)

const (
	resultKey         = "JobResult/1"
	nonOverlappingKey = "NonOverlappingJob/" + resultKey
	discardableKey    = "DiscardableNonOverlappingJob/" + resultKey
	groupKey          = "MyGroup/" + resultKey
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	queues []string
}

func (n *recordingNotifier) NotifyReady(_ context.Context, queues ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queues = append(n.queues, queues...)
	return nil
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *memory.Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return New(st, opts...), st, clock
}

func addToBuffer(arg string) models.JobDescription {
	return models.JobDescription{
		ClassName: "AddToBufferJob",
		QueueName: "default",
		Arguments: []byte(`{"arguments":[` + arg + `]}`),
	}
}

func storeResult() models.JobDescription {
	return models.JobDescription{ClassName: "StoreResultJob", QueueName: "background", Arguments: []byte(`{"arguments":[42]}`)}
}

func limited(class, key string) models.JobDescription {
	return models.JobDescription{ClassName: class, QueueName: "default", ConcurrencyKey: key}
}

func discardable(class, key string, limit int) models.JobDescription {
	d := limited(class, key)
	d.ConcurrencyLimit = limit
	d.OnConflict = models.ConflictDiscard
	return d
}

func at(d models.JobDescription, t time.Time) models.JobDescription {
	d.ScheduledAt = t
	return d
}

type totals struct {
	Ready, Scheduled, Blocked, Claimed, Failed int64
}

func countAll(t *testing.T, q *Queue) totals {
	t.Helper()
	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	var out totals
	for _, c := range counts {
		out.Ready += c.Ready
		out.Scheduled += c.Scheduled
		out.Blocked += c.Blocked
		out.Claimed += c.Claimed
		out.Failed += c.Failed
	}
	return out
}

func mustEnqueue(t *testing.T, q *Queue, desc models.JobDescription) models.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), desc)
	require.NoError(t, err)
	return job
}

func kindOf(t *testing.T, q *Queue, id int64) models.ExecutionKind {
	t.Helper()
	_, kind, err := q.Job(context.Background(), id)
	require.NoError(t, err)
	return kind
}

func assertGone(t *testing.T, q *Queue, id int64) {
	t.Helper()
	_, _, err := q.Job(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func semaphoreOf(t *testing.T, st store.Store, key string) models.Semaphore {
	t.Helper()
	var sem models.Semaphore
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var (
			ok  bool
			err error
		)
		sem, ok, err = tx.GetSemaphore(context.Background(), key)
		if err == nil && !ok {
			err = errors.New("semaphore not found")
		}
		return err
	})
	require.NoError(t, err)
	return sem
}

func executionOf(t *testing.T, st store.Store, id int64) models.Execution {
	t.Helper()
	var e models.Execution
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var (
			ok  bool
			err error
		)
		e, ok, err = tx.LockExecution(context.Background(), id)
		if err == nil && !ok {
			err = errors.New("execution not found")
		}
		return err
	})
	require.NoError(t, err)
	return e
}

// nineJobBatch mixes immediate, scheduled and concurrency limited jobs,
// including two classes sharing one group key.
func nineJobBatch(now time.Time) []models.JobDescription {
	return []models.JobDescription{
		addToBuffer("2"),
		at(addToBuffer("6"), now.Add(2*time.Minute)),
		limited("NonOverlappingJob", nonOverlappingKey),
		storeResult(),
		addToBuffer("4"),
		limited("NonOverlappingGroupedJob1", groupKey),
		at(addToBuffer("6"), now.Add(3*time.Minute)),
		limited("NonOverlappingJob", nonOverlappingKey),
		limited("NonOverlappingGroupedJob2", groupKey),
	}
}

func TestCountsEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestJobLookup(t *testing.T) {
	q, _, _ := newTestQueue(t)
	job := mustEnqueue(t, q, addToBuffer("1"))

	got, kind, err := q.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindReady, kind)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "AddToBufferJob", got.ClassName)

	_, _, err = q.Job(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}
