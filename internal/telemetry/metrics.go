package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	OutboxEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_enqueued_total", Help: "Outbox entries enqueued"})
	OutboxClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_claimed_total", Help: "Outbox entries claimed by dispatch cycles"})
	OutboxDispatched     = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_dispatched_total", Help: "Outbox entries acknowledged by the broker"})
	OutboxFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_failed_total", Help: "Outbox entries definitively rejected"})
	OutboxRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_retried_total", Help: "Retry copies enqueued for failed entries"})
	OutboxPublishStalled = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_publish_stalled_total", Help: "Publishes that timed out or hit a transient error"})
	OutboxReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_reclaimed_total", Help: "Stale DISPATCHING entries returned to PENDING"})
	OutboxThrottled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_outbox_throttled_total", Help: "Dispatch cycles limited by the publish rate limiter"})
	OutboxStatusGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "feedsync_outbox_entries", Help: "Outbox entries by status"}, []string{"status"})

	BrokerMalformed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_broker_malformed_total", Help: "Consumed messages dropped as malformed"})
	BrokerConsumed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_broker_consumed_total", Help: "Consumed messages handed to the job queue"})
	BrokerDeadLettered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_broker_dead_lettered_total", Help: "Messages moved to a dead-letter topic"})
	BrokerDLQReplayed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_broker_dlq_replayed_total", Help: "Dead-lettered messages republished"})
	BreakerStateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feedsync_breaker_state_changes_total", Help: "Publisher circuit breaker transitions"}, []string{"to"})

	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "feedsync_worker_queue_depth", Help: "Jobs waiting in the worker queue"})
	WorkersGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "feedsync_worker_executors", Help: "Running executor goroutines"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_jobs_failed_total", Help: "Jobs whose handler returned an error"})
	WorkerUnknownType = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_jobs_unknown_type_total", Help: "Jobs with no registered handler"})

	BatchesTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feedsync_batches_total", Help: "Ingestion batches by feed type and final status"}, []string{"feed_type", "status"})
	RecordsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feedsync_records_total", Help: "Records by feed type and outcome"}, []string{"feed_type", "outcome"})
	EvictFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_cache_evict_failures_total", Help: "Derived cache evictions that failed"})
	SchedulerFired = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feedsync_scheduler_fired_total", Help: "Scheduled job firings"}, []string{"job"})
	SchedulerSkip  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feedsync_scheduler_skipped_total", Help: "Scheduled occurrences skipped"}, []string{"job", "reason"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "feedsync_api_rate_limited_total", Help: "Enqueue requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			OutboxEnqueued,
			OutboxClaimed,
			OutboxDispatched,
			OutboxFailed,
			OutboxRetried,
			OutboxPublishStalled,
			OutboxReclaimed,
			OutboxThrottled,
			OutboxStatusGauge,
			BrokerMalformed,
			BrokerConsumed,
			BrokerDeadLettered,
			BrokerDLQReplayed,
			BreakerStateChanges,
			QueueDepthGauge,
			WorkersGauge,
			WorkerSuccess,
			WorkerFailures,
			WorkerUnknownType,
			BatchesTotal,
			RecordsTotal,
			EvictFailures,
			SchedulerFired,
			SchedulerSkip,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
