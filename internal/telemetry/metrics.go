package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// Jobs
	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_jobs_submitted_total", Help: "Cataloging jobs created, including retries"})
	JobTransitions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_job_transitions_total", Help: "Job state transitions by target status"}, []string{"to"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_submit_rate_limit_rejects_total", Help: "Submissions rejected by the token bucket"})

	// Extraction worker
	ExtractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_extraction_duration_seconds",
		Help:    "Time spent waiting on the extraction service",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
	})
	ExtractionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_extraction_failures_total", Help: "Failed extractions by reason"}, []string{"reason"})
	WatchdogFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_watchdog_failed_total", Help: "Processing jobs failed by the watchdog"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "catalog_queue_depth", Help: "Extraction jobs waiting for a worker"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "catalog_extraction_inflight", Help: "Extractions currently running in this worker"})

	// Outbox dispatch
	OutboxPublished       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_events_published_total", Help: "Events confirmed delivered"})
	OutboxPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_publish_failures_total", Help: "Batches rejected by the transport"})
	OutboxLockSkips       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_lock_skips_total", Help: "Tenant ticks skipped because another dispatcher held the lock"})
	OutboxThrottled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_throttled_total", Help: "Tenant ticks cut short by the delivery rate limit"})
	OutboxBatchSize       = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_batch_size",
		Help:    "Events per published batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
	OutboxLagSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_lag_seconds",
		Help:    "Time from event creation to confirmed delivery",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	})
	OutboxPruned       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_pruned_total", Help: "Delivered events removed after retention"})
	OutboxDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_dead_lettered_total", Help: "Events moved to the dead-letter table"})
	TransportHealthy   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "transport_healthy", Help: "1 while the broker connection is usable"}, []string{"transport"})

	// Refreshed by the collector
	OutboxBacklog       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "outbox_backlog", Help: "Undelivered events per tenant"}, []string{"tenant"})
	OutboxOldestPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "outbox_oldest_pending_seconds", Help: "Age of the oldest undelivered event per tenant"}, []string{"tenant"})
	OutboxDeadLetters   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "outbox_dead_letters", Help: "Dead-lettered events per tenant"}, []string{"tenant"})
	OutboxSuccessRate   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "outbox_delivery_success_rate", Help: "Delivered events over delivery attempts per tenant"}, []string{"tenant"})

	// HTTP
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests."}, []string{"method", "route", "code"})
	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobTransitions,
			RateLimitRejects,

			ExtractionDuration,
			ExtractionFailures,
			WatchdogFailed,
			QueueDepthGauge,
			InFlightGauge,

			OutboxPublished,
			OutboxPublishFailures,
			OutboxLockSkips,
			OutboxThrottled,
			OutboxBatchSize,
			OutboxLagSeconds,
			OutboxPruned,
			OutboxDeadLettered,
			TransportHealthy,

			OutboxBacklog,
			OutboxOldestPending,
			OutboxDeadLetters,
			OutboxSuccessRate,

			httpRequests,
			httpDuration,
		)
	})
	return promhttp.Handler()
}

func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

func ObserveOutboxLag(created time.Time, now time.Time) {
	sec := now.Sub(created).Seconds()
	if sec < 0 {
		sec = 0
	}
	OutboxLagSeconds.Observe(sec)
}
