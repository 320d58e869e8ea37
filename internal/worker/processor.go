package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
	"durable-job-queue/internal/telemetry"
)

// Backend is the worker side of the queue.
type Backend interface {
	ClaimNext(ctx context.Context, queues []string, limit int, processID string) ([]models.Job, error)
	Finish(ctx context.Context, jobID int64) error
	Fail(ctx context.Context, jobID int64, cause error) error
}

// Executable runs the body of one job class.
type Executable interface {
	Run(ctx context.Context, job models.Job) error
}

// ExecutableFunc adapts a function to Executable.
type ExecutableFunc func(ctx context.Context, job models.Job) error

func (f ExecutableFunc) Run(ctx context.Context, job models.Job) error { return f(ctx, job) }

// Processor drives the worker execution loop.
type Processor struct {
	backend      Backend
	executables  map[string]Executable
	queues       []string
	threads      int
	pollInterval time.Duration
	processID    string
	wake         <-chan struct{}
	slots        *semaphore.Weighted
	logger       *slog.Logger
}

func NewProcessor(cfg config.Config, b Backend, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, b, "", logger)
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
// An empty ID gets one derived from the host name and a random UUID.
func NewProcessorWithID(cfg config.Config, b Backend, workerID string, logger *slog.Logger) *Processor {
	if workerID == "" {
		workerID = defaultProcessID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	threads := cfg.WorkerThreads
	if threads <= 0 {
		threads = 1
	}
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Processor{
		backend:      b,
		executables:  make(map[string]Executable),
		queues:       cfg.WorkerQueues,
		threads:      threads,
		pollInterval: poll,
		processID:    workerID,
		slots:        semaphore.NewWeighted(int64(threads)),
		logger:       logger.With("process_id", workerID),
	}
}

// Register binds an executable to a job class name.
func (p *Processor) Register(className string, e Executable) {
	if className == "" || e == nil {
		return
	}
	p.executables[className] = e
}

// WakeOn makes the processor poll as soon as ch fires instead of waiting out
// the poll interval.
func (p *Processor) WakeOn(ch <-chan struct{}) {
	p.wake = ch
}

func (p *Processor) ProcessID() string {
	return p.processID
}

// Run claims and executes jobs until ctx is cancelled, then waits for
// running jobs to finish.
func (p *Processor) Run(ctx context.Context) error {
	defer p.drain()

	failures := 0
	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		free := 1
		for free < p.threads && p.slots.TryAcquire(1) {
			free++
		}

		jobs, err := p.backend.ClaimNext(ctx, p.queues, free, p.processID)
		if err != nil {
			p.slots.Release(int64(free))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoffWithJitter(p.pollInterval, 30*time.Second, failures)
			p.logger.Error("claim jobs failed", "error", err, "retry_in", wait)
			if !p.sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		failures = 0

		p.slots.Release(int64(free - len(jobs)))
		for _, job := range jobs {
			go func(job models.Job) {
				defer p.slots.Release(1)
				p.execute(ctx, job)
			}(job)
		}

		if len(jobs) == 0 && !p.sleep(ctx, p.pollInterval) {
			return ctx.Err()
		}
	}
}

// sleep waits for d, a wake signal, or cancellation. It reports false on cancellation.
func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (p *Processor) drain() {
	_ = p.slots.Acquire(context.Background(), int64(p.threads))
	p.slots.Release(int64(p.threads))
}

// execute runs one claimed job and reports the outcome. Reporting uses a
// context detached from cancellation so a shutdown does not strand the job
// in the claimed partition.
func (p *Processor) execute(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.logger.With("job_id", job.ID, "class", job.ClassName, "queue", job.QueueName)
	start := time.Now()
	runErr := p.runJob(ctx, job)
	report := context.WithoutCancel(ctx)

	if runErr == nil {
		if err := p.backend.Finish(report, job.ID); err != nil {
			log.Error("finish job failed", "error", err)
			return
		}
		log.Debug("job finished", "duration", time.Since(start))
		return
	}

	if err := p.backend.Fail(report, job.ID, runErr); err != nil {
		log.Error("fail job failed", "error", err, "cause", runErr)
		return
	}
	log.Warn("job failed", "error", runErr, "duration", time.Since(start))
}

// runJob executes the job body, turning a panic into an error.
func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	e, ok := p.executables[job.ClassName]
	if !ok {
		return fmt.Errorf("no executable registered for class %q", job.ClassName)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return e.Run(ctx, job)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func defaultProcessID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Simulated is a job body for demos and load tests. Its arguments may ask
// it to sleep ({"duration_ms": 250}) or to fail ({"should_fail": true}).
func Simulated(ctx context.Context, job models.Job) error {
	var args struct {
		ShouldFail bool `json:"should_fail"`
		DurationMS int  `json:"duration_ms"`
	}
	if len(job.Arguments) > 0 {
		if err := json.Unmarshal(job.Arguments, &args); err != nil {
			return fmt.Errorf("decode arguments: %w", err)
		}
	}
	if args.DurationMS > 0 {
		timer := time.NewTimer(time.Duration(args.DurationMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if args.ShouldFail {
		return errors.New("simulated failure requested by arguments.should_fail")
	}
	return nil
}
