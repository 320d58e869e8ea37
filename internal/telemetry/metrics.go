package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"durable-job-queue/internal/models"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted by the enqueue path, by initial partition"}, []string{"partition"})
	DiscardCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_discarded_total", Help: "Jobs discarded, by reason"}, []string{"reason"})
	DispatchCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dispatched_total", Help: "Scheduled jobs promoted to ready"})
	UnblockCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_unblocked_total", Help: "Blocked jobs promoted to ready"})
	SemaphoreReclaims  = prometheus.NewCounter(prometheus.CounterOpts{Name: "semaphore_reclaims_total", Help: "Expired exhausted semaphores taken over by a new holder"})
	SemaphoresExpired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "semaphores_expired_total", Help: "Semaphore rows removed by maintenance"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	WorkerSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs finished successfully"})
	WorkerFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs moved to the failed partition"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	PartitionSizeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_partition_size", Help: "Jobs per queue and partition at the last count"}, []string{"queue", "partition"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DiscardCounter,
			DispatchCounter,
			UnblockCounter,
			SemaphoreReclaims,
			SemaphoresExpired,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			InFlightGauge,
			PartitionSizeGauge,
		)
	})
	return promhttp.Handler()
}

// ObserveCounts publishes a Counts snapshot to the partition gauge.
func ObserveCounts(counts []models.QueueCounts) {
	for _, c := range counts {
		PartitionSizeGauge.WithLabelValues(c.QueueName, string(models.KindReady)).Set(float64(c.Ready))
		PartitionSizeGauge.WithLabelValues(c.QueueName, string(models.KindScheduled)).Set(float64(c.Scheduled))
		PartitionSizeGauge.WithLabelValues(c.QueueName, string(models.KindBlocked)).Set(float64(c.Blocked))
		PartitionSizeGauge.WithLabelValues(c.QueueName, string(models.KindClaimed)).Set(float64(c.Claimed))
		PartitionSizeGauge.WithLabelValues(c.QueueName, string(models.KindFailed)).Set(float64(c.Failed))
	}
}
