package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/models"
)

func claimedIDs(jobs []models.Job) []int64 {
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	q, st, _ := newTestQueue(t)
	p1, p5 := 1, 5

	d := addToBuffer("1")
	d.QueueName, d.Priority = "a", &p5
	j1 := mustEnqueue(t, q, d)
	d.QueueName, d.Priority = "b", &p1
	j2 := mustEnqueue(t, q, d)
	d.QueueName, d.Priority = "a", &p1
	j3 := mustEnqueue(t, q, d)
	d.QueueName, d.Priority = "a", &p5
	j4 := mustEnqueue(t, q, d)

	claimed, err := q.ClaimNext(context.Background(), []string{"a"}, 10, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{j3.ID, j1.ID, j4.ID}, claimedIDs(claimed))
	assert.Equal(t, "worker-1", executionOf(t, st, j3.ID).ProcessID)

	claimed, err = q.ClaimNext(context.Background(), []string{AllQueues}, 10, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, []int64{j2.ID}, claimedIDs(claimed))

	claimed, err = q.ClaimNext(context.Background(), nil, 10, "worker-2")
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Equal(t, totals{Claimed: 4}, countAll(t, q))
}

func TestClaimNextRespectsLimit(t *testing.T) {
	q, _, _ := newTestQueue(t)
	for i := 0; i < 3; i++ {
		mustEnqueue(t, q, addToBuffer("1"))
	}

	claimed, err := q.ClaimNext(context.Background(), nil, 2, "w")
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
	assert.Equal(t, totals{Ready: 1, Claimed: 2}, countAll(t, q))

	claimed, err = q.ClaimNext(context.Background(), nil, 0, "w")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestFinishReleasesSlotToWaiter(t *testing.T) {
	q, st, _ := newTestQueue(t)
	first := mustEnqueue(t, q, limited("NonOverlappingJob", nonOverlappingKey))
	second := mustEnqueue(t, q, limited("NonOverlappingJob", nonOverlappingKey))

	_, err := q.ClaimNext(context.Background(), nil, 10, "w")
	require.NoError(t, err)
	require.NoError(t, q.Finish(context.Background(), first.ID))

	assertGone(t, q, first.ID)
	assert.Equal(t, models.KindReady, kindOf(t, q, second.ID))

	_, err = q.ClaimNext(context.Background(), nil, 10, "w")
	require.NoError(t, err)
	require.NoError(t, q.Finish(context.Background(), second.ID))

	sem := semaphoreOf(t, st, nonOverlappingKey)
	assert.Equal(t, 1, sem.Value)
	assert.Nil(t, sem.ExpiresAt)
	assert.Equal(t, totals{}, countAll(t, q))
}

func TestFinishRequiresClaimedJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	job := mustEnqueue(t, q, addToBuffer("1"))

	err := q.Finish(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrNotClaimed)
	assert.Equal(t, models.KindReady, kindOf(t, q, job.ID))

	err = q.Finish(context.Background(), 999)
	assert.Error(t, err)
}

func TestFailThenRetry(t *testing.T) {
	q, st, _ := newTestQueue(t)
	first := mustEnqueue(t, q, limited("NonOverlappingJob", nonOverlappingKey))
	second := mustEnqueue(t, q, limited("NonOverlappingJob", nonOverlappingKey))

	_, err := q.ClaimNext(context.Background(), nil, 10, "w")
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), first.ID, errors.New("boom")))

	failed := executionOf(t, st, first.ID)
	assert.Equal(t, models.KindFailed, failed.Kind)
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, models.KindReady, kindOf(t, q, second.ID))
	job, _, err := q.Job(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Nil(t, job.LeaseExpiresAt)

	kind, err := q.Retry(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindBlocked, kind, "the key is held by the promoted job")

	_, err = q.Retry(context.Background(), first.ID)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestRetryPlainJobIsReady(t *testing.T) {
	q, _, _ := newTestQueue(t)
	job := mustEnqueue(t, q, storeResult())
	_, err := q.ClaimNext(context.Background(), nil, 1, "w")
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), job.ID, nil))
	assert.Equal(t, totals{Failed: 1}, countAll(t, q))

	kind, err := q.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindReady, kind)
	assert.Equal(t, totals{Ready: 1}, countAll(t, q))
}

func TestRetryDiscardsOnConflict(t *testing.T) {
	q, _, _ := newTestQueue(t)
	first := mustEnqueue(t, q, discardable("DiscardableNonOverlappingJob", discardableKey, 0))
	_, err := q.ClaimNext(context.Background(), nil, 1, "w")
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), first.ID, errors.New("boom")))
	mustEnqueue(t, q, discardable("DiscardableNonOverlappingJob", discardableKey, 0))

	kind, err := q.Retry(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Empty(t, kind)
	assertGone(t, q, first.ID)
}

func TestFailedJobCanBeDiscarded(t *testing.T) {
	q, _, _ := newTestQueue(t)
	job := mustEnqueue(t, q, addToBuffer("1"))
	_, err := q.ClaimNext(context.Background(), nil, 1, "w")
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), job.ID, errors.New("boom")))

	require.NoError(t, q.Discard(context.Background(), job.ID))
	assertGone(t, q, job.ID)
}

// Ready plus claimed jobs of a key never exceed its limit while workers
// claim and finish them one at a time.
func TestLimitHoldsAcrossClaimAndFinish(t *testing.T) {
	q, _, clock := newTestQueue(t)
	const limit = 2
	for i := 0; i < 6; i++ {
		d := limited("ThrottledJob", "throttle")
		d.QueueName = "throttled"
		d.ConcurrencyLimit = limit
		mustEnqueue(t, q, d)
	}

	holding := func() int64 {
		c := countAll(t, q)
		return c.Ready + c.Claimed
	}
	require.EqualValues(t, limit, holding())

	finished := 0
	for finished < 6 {
		claimed, err := q.ClaimNext(context.Background(), []string{"throttled"}, 1, "w")
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.LessOrEqual(t, holding(), int64(limit))

		clock.advance(time.Second)
		require.NoError(t, q.Finish(context.Background(), claimed[0].ID))
		finished++
		assert.LessOrEqual(t, holding(), int64(limit))
	}
	assert.Equal(t, totals{}, countAll(t, q))
}
