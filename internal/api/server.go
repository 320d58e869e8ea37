package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
	"durable-job-queue/internal/queue"
	"durable-job-queue/internal/ratelimit"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// Server wires HTTP handlers for the producer and maintenance API.
type Server struct {
	cfg     config.Config
	queue   *queue.Queue
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, q *queue.Queue, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		queue:   q,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Post("/jobs/bulk", s.handleEnqueueBulk)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleDiscard)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/executions/{kind}/discard", s.handleDiscardAll)
	r.Get("/queues", s.handleQueues)
	r.Post("/dispatch", s.handleDispatch)
	return r
}

type enqueueRequest struct {
	ClassName           string                `json:"class_name"`
	QueueName           string                `json:"queue_name"`
	Arguments           json.RawMessage       `json:"arguments"`
	Priority            *int                  `json:"priority"`
	ScheduledAt         *time.Time            `json:"scheduled_at"`
	DelaySeconds        int                   `json:"delay_seconds"`
	ConcurrencyKey      string                `json:"concurrency_key"`
	ConcurrencyLimit    int                   `json:"concurrency_limit"`
	ConcurrencyDuration string                `json:"concurrency_duration"`
	OnConflict          models.ConflictPolicy `json:"on_conflict"`
}

func (req enqueueRequest) description() (models.JobDescription, error) {
	desc := models.JobDescription{
		ClassName:        req.ClassName,
		QueueName:        req.QueueName,
		Arguments:        []byte(req.Arguments),
		Priority:         req.Priority,
		ConcurrencyKey:   req.ConcurrencyKey,
		ConcurrencyLimit: req.ConcurrencyLimit,
		OnConflict:       req.OnConflict,
	}
	if desc.QueueName == "" {
		desc.QueueName = queue.DefaultQueueName
	}
	if req.ScheduledAt != nil {
		desc.ScheduledAt = *req.ScheduledAt
	}
	if req.DelaySeconds < 0 {
		return desc, errors.New("delay_seconds must not be negative")
	}
	desc.Delay = time.Duration(req.DelaySeconds) * time.Second
	if req.ConcurrencyDuration != "" {
		d, err := time.ParseDuration(req.ConcurrencyDuration)
		if err != nil {
			return desc, fmt.Errorf("invalid concurrency_duration: %w", err)
		}
		desc.ConcurrencyDuration = d
	}
	return desc, nil
}

type jobResponse struct {
	Job    models.Job `json:"job"`
	Status string     `json:"status,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	desc, err := req.description()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, map[string]int{desc.QueueName: 1}) {
		return
	}

	job, err := s.queue.Enqueue(r.Context(), desc)
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

type bulkRequest struct {
	Jobs []enqueueRequest `json:"jobs"`
}

type bulkResult struct {
	Job      *models.Job `json:"job,omitempty"`
	Enqueued bool        `json:"enqueued"`
	Error    string      `json:"error,omitempty"`
}

func (s *Server) handleEnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Jobs) == 0 {
		http.Error(w, "jobs is required", http.StatusBadRequest)
		return
	}

	descs := make([]models.JobDescription, 0, len(req.Jobs))
	perQueue := make(map[string]int)
	for i, jr := range req.Jobs {
		desc, err := jr.description()
		if err != nil {
			http.Error(w, "job "+strconv.Itoa(i)+": "+err.Error(), http.StatusBadRequest)
			return
		}
		descs = append(descs, desc)
		perQueue[desc.QueueName]++
	}
	if !s.allow(w, r, perQueue) {
		return
	}

	results, err := s.queue.EnqueueAll(r.Context(), descs)
	if err != nil {
		http.Error(w, "enqueue interrupted", http.StatusServiceUnavailable)
		return
	}
	out := make([]bulkResult, 0, len(results))
	for _, res := range results {
		br := bulkResult{Enqueued: res.Enqueued}
		if res.Enqueued {
			job := res.Job
			br.Job = &job
		}
		if res.Err != nil {
			br.Error = res.Err.Error()
		}
		out = append(out, br)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, kind, err := s.queue.Job(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Status: string(kind)})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Discard(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	kind, err := s.queue.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := string(kind)
	if status == "" {
		status = "discarded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type discardAllRequest struct {
	JobIDs []int64 `json:"job_ids"`
}

func (s *Server) handleDiscardAll(w http.ResponseWriter, r *http.Request) {
	kind := models.ExecutionKind(chi.URLParam(r, "kind"))
	var req discardAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	n, err := s.queue.DiscardAllFromJobs(r.Context(), kind, req.JobIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": counts})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	max := s.cfg.DispatchBatchSize
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		max = n
	}
	n, err := s.queue.DispatchNextBatch(r.Context(), max)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"promoted": n})
}

// allow charges the rate limiter for each queue and writes the rejection.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, perQueue map[string]int) bool {
	if s.limiter == nil {
		return true
	}
	for name, n := range perQueue {
		allowed, _, err := s.limiter.Allow(r.Context(), name, n)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "queue", name, "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return false
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return false
		}
	}
	return true
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidJob):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, queue.ErrConcurrencyDiscarded):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("enqueue failed", "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var undiscardable *queue.UndiscardableError
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.As(err, &undiscardable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, queue.ErrNotFailed), errors.Is(err, queue.ErrNotClaimed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, queue.ErrInvalidKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
