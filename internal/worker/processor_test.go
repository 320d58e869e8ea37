package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
	"durable-job-queue/internal/queue"
	"durable-job-queue/internal/store/memory"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

func testConfig(threads int, poll time.Duration) config.Config {
	return config.Config{WorkerQueues: []string{"*"}, WorkerThreads: threads, WorkerPollInterval: poll}
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	return queue.New(st)
}

func enqueue(t *testing.T, q *queue.Queue, class, args string) models.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), models.JobDescription{ClassName: class, Arguments: []byte(args)})
	require.NoError(t, err)
	return job
}

func partitionTotals(t *testing.T, q *queue.Queue) models.QueueCounts {
	t.Helper()
	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	var total models.QueueCounts
	for _, c := range counts {
		total.Ready += c.Ready
		total.Claimed += c.Claimed
		total.Failed += c.Failed
		total.Blocked += c.Blocked
		total.Scheduled += c.Scheduled
	}
	return total
}

func runProcessor(t *testing.T, p *Processor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not stop")
		}
	}
}

func TestProcessorFinishesAndFailsJobs(t *testing.T) {
	q := newQueue(t)
	var ran atomic.Int32
	p := NewProcessorWithID(testConfig(2, 5*time.Millisecond), q, "worker-test", nil)
	p.Register("Echo", ExecutableFunc(func(context.Context, models.Job) error {
		ran.Add(1)
		return nil
	}))
	p.Register("Simulated", ExecutableFunc(Simulated))

	for i := 0; i < 3; i++ {
		enqueue(t, q, "Echo", `{}`)
	}
	failing := enqueue(t, q, "Simulated", `{"should_fail":true}`)
	unknown := enqueue(t, q, "Unregistered", `{}`)

	stop := runProcessor(t, p)
	require.Eventually(t, func() bool {
		c := partitionTotals(t, q)
		return c.Ready == 0 && c.Claimed == 0 && c.Failed == 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.EqualValues(t, 3, ran.Load())
	_, kind, err := q.Job(context.Background(), failing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindFailed, kind)
	_, kind, err = q.Job(context.Background(), unknown.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindFailed, kind)
}

func TestProcessorBoundsParallelism(t *testing.T) {
	q := newQueue(t)
	var (
		mu          sync.Mutex
		running     int
		maxRunning  int
		completions atomic.Int32
	)
	p := NewProcessorWithID(testConfig(2, 5*time.Millisecond), q, "worker-test", nil)
	p.Register("Slow", ExecutableFunc(func(context.Context, models.Job) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		completions.Add(1)
		return nil
	}))
	for i := 0; i < 6; i++ {
		enqueue(t, q, "Slow", `{}`)
	}

	stop := runProcessor(t, p)
	require.Eventually(t, func() bool { return completions.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.LessOrEqual(t, maxRunning, 2)
	assert.Equal(t, models.QueueCounts{}, partitionTotals(t, q))
}

func TestProcessorWakesOnSignal(t *testing.T) {
	q := newQueue(t)
	finished := make(chan struct{}, 1)
	p := NewProcessorWithID(testConfig(1, time.Hour), q, "worker-test", nil)
	p.Register("Echo", ExecutableFunc(func(context.Context, models.Job) error {
		finished <- struct{}{}
		return nil
	}))
	wake := make(chan struct{}, 1)
	p.WakeOn(wake)

	stop := runProcessor(t, p)
	defer stop()

	time.Sleep(20 * time.Millisecond)
	enqueue(t, q, "Echo", `{}`)
	wake <- struct{}{}

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("job was not picked up after wake signal")
	}
}

type failingBackend struct {
	calls atomic.Int32
}

func (b *failingBackend) ClaimNext(context.Context, []string, int, string) ([]models.Job, error) {
	b.calls.Add(1)
	return nil, errors.New("connection refused")
}

func (b *failingBackend) Finish(context.Context, int64) error { return nil }

func (b *failingBackend) Fail(context.Context, int64, error) error { return nil }

func TestProcessorBacksOffOnClaimErrors(t *testing.T) {
	b := &failingBackend{}
	p := NewProcessorWithID(testConfig(1, time.Millisecond), b, "", nil)
	assert.NotEmpty(t, p.ProcessID())

	stop := runProcessor(t, p)
	require.Eventually(t, func() bool { return b.calls.Load() >= 2 }, time.Second, time.Millisecond)
	stop()
}

func TestRunJobRecoversPanic(t *testing.T) {
	p := NewProcessorWithID(testConfig(1, time.Second), &failingBackend{}, "w", nil)
	p.Register("Boom", ExecutableFunc(func(context.Context, models.Job) error {
		panic("kaboom")
	}))

	err := p.runJob(context.Background(), models.Job{ClassName: "Boom"})
	assert.ErrorContains(t, err, "kaboom")
}

func TestSimulated(t *testing.T) {
	assert.NoError(t, Simulated(context.Background(), models.Job{}))
	assert.NoError(t, Simulated(context.Background(), models.Job{Arguments: []byte(`{"duration_ms":1}`)}))
	assert.Error(t, Simulated(context.Background(), models.Job{Arguments: []byte(`{"should_fail":true}`)}))
	assert.Error(t, Simulated(context.Background(), models.Job{Arguments: []byte(`not json`)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Simulated(ctx, models.Job{Arguments: []byte(`{"duration_ms":10000}`)}), context.Canceled)
}
