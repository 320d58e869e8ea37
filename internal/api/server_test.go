package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
	"durable-job-queue/internal/queue"
	"durable-job-queue/internal/ratelimit"
	"durable-job-queue/internal/store/memory"
)

func newTestServer(t *testing.T, limiter *ratelimit.TokenBucket) (*queue.Queue, http.Handler) {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(st)
	srv := New(config.Config{DispatchBatchSize: 100}, q, limiter, nil)
	return q, srv.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func jobPath(id int64) string {
	return "/jobs/" + strconv.FormatInt(id, 10)
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t, nil)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueAndGet(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/jobs", map[string]any{
		"class_name": "AddToBuffer",
		"arguments":  map[string]int{"n": 1},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[jobResponse](t, rec)
	assert.NotZero(t, created.Job.ID)
	assert.Equal(t, queue.DefaultQueueName, created.Job.QueueName)

	rec = do(t, h, http.MethodGet, jobPath(created.Job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[jobResponse](t, rec)
	assert.Equal(t, string(models.KindReady), got.Status)
	assert.Equal(t, "AddToBuffer", got.Job.ClassName)

	rec = do(t, h, http.MethodPost, "/jobs", map[string]any{
		"class_name":    "AddToBuffer",
		"delay_seconds": 60,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	delayed := decode[jobResponse](t, rec)
	rec = do(t, h, http.MethodGet, jobPath(delayed.Job.ID), nil)
	assert.Equal(t, string(models.KindScheduled), decode[jobResponse](t, rec).Status)
}

func TestEnqueueDelayUsesQueueClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(st, queue.WithClock(func() time.Time { return fixed }))
	h := New(config.Config{}, q, nil, nil).Router()

	rec := do(t, h, http.MethodPost, "/jobs", map[string]any{"class_name": "X", "delay_seconds": 90})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[jobResponse](t, rec)
	assert.True(t, created.Job.ScheduledAt.Equal(fixed.Add(90*time.Second)), "scheduled at %s", created.Job.ScheduledAt)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	_, h := newTestServer(t, nil)

	cases := map[string]any{
		"malformed json":   `{"class_name":`,
		"missing class":    map[string]any{"queue_name": "default"},
		"bad duration":     map[string]any{"class_name": "X", "concurrency_duration": "soon"},
		"negative limit":   map[string]any{"class_name": "X", "concurrency_key": "k", "concurrency_limit": -1},
		"unknown conflict": map[string]any{"class_name": "X", "on_conflict": "replace"},
		"negative delay":   map[string]any{"class_name": "X", "delay_seconds": -5},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/jobs", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestEnqueueDiscardedOnConflict(t *testing.T) {
	_, h := newTestServer(t, nil)
	body := map[string]any{
		"class_name":      "NonOverlapping",
		"concurrency_key": "report",
		"on_conflict":     "discard",
	}

	rec := do(t, h, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "discarded")
}

func TestEnqueueRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewTokenBucket(client, 2, 0.001, time.Hour)
	_, h := newTestServer(t, limiter)

	body := map[string]any{"class_name": "X"}
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/jobs", body).Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/jobs", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/jobs", body).Code)

	other := map[string]any{"class_name": "X", "queue_name": "other"}
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/jobs", other).Code)

	bulk := map[string]any{"jobs": []map[string]any{other, other}}
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/jobs/bulk", bulk).Code)
}

func TestEnqueueBulk(t *testing.T) {
	q, h := newTestServer(t, nil)
	limited := map[string]any{
		"class_name":      "StoreResult",
		"concurrency_key": "result",
		"on_conflict":     "discard",
	}
	rec := do(t, h, http.MethodPost, "/jobs/bulk", map[string]any{
		"jobs": []map[string]any{{"class_name": "A"}, limited, limited},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode[struct {
		Results []bulkResult `json:"results"`
	}](t, rec)
	require.Len(t, out.Results, 3)
	assert.True(t, out.Results[0].Enqueued)
	assert.True(t, out.Results[1].Enqueued)
	assert.False(t, out.Results[2].Enqueued)
	assert.Nil(t, out.Results[2].Job)
	assert.Contains(t, out.Results[2].Error, "discarded")

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.EqualValues(t, 2, counts[0].Ready)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/jobs/bulk", map[string]any{"jobs": []any{}}).Code)
}

func TestGetJobErrors(t *testing.T) {
	_, h := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/jobs/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/jobs/abc", nil).Code)
}

func TestDiscardJob(t *testing.T) {
	q, h := newTestServer(t, nil)
	job, err := q.Enqueue(context.Background(), models.JobDescription{ClassName: "A"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodDelete, jobPath(job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, jobPath(job.ID), nil).Code)

	claimedJob, err := q.Enqueue(context.Background(), models.JobDescription{ClassName: "B"})
	require.NoError(t, err)
	_, err = q.ClaimNext(context.Background(), []string{queue.AllQueues}, 1, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodDelete, jobPath(claimedJob.ID), nil).Code)
}

func TestDiscardAllFromJobs(t *testing.T) {
	q, h := newTestServer(t, nil)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(ctx, models.JobDescription{ClassName: "A"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	rec := do(t, h, http.MethodPost, "/executions/ready/discard", map[string]any{"job_ids": ids[:2]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[map[string]int](t, rec)["discarded"])

	rec = do(t, h, http.MethodPost, "/executions/bogus/discard", map[string]any{"job_ids": ids})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/executions/claimed/discard", map[string]any{"job_ids": ids})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryFailedJob(t *testing.T) {
	q, h := newTestServer(t, nil)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, models.JobDescription{ClassName: "A"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, jobPath(job.ID)+"/retry", nil).Code)

	_, err = q.ClaimNext(ctx, []string{queue.AllQueues}, 1, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job.ID, errors.New("boom")))

	rec := do(t, h, http.MethodPost, jobPath(job.ID)+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(models.KindReady), decode[map[string]string](t, rec)["status"])
}

func TestQueuesAndDispatch(t *testing.T) {
	q, h := newTestServer(t, nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, models.JobDescription{ClassName: "A", ScheduledAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.JobDescription{ClassName: "A", QueueName: "later", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/queues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[struct {
		Queues []models.QueueCounts `json:"queues"`
	}](t, rec)
	require.Len(t, out.Queues, 2)

	rec = do(t, h, http.MethodPost, "/dispatch?max=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["promoted"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/dispatch?max=-1", nil).Code)
}
