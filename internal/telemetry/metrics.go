package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sentiment_batches_dispatched_total", Help: "Batches dispatched by mode"}, []string{"mode"})
	DispatchErrors     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sentiment_dispatch_errors_total", Help: "Dispatch failures by error kind"}, []string{"kind"})
	ClassifierLatency  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sentiment_classifier_request_seconds", Help: "Synchronous classifier round-trip latency", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)})
	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sentiment_jobs_enqueued_total", Help: "Per-review jobs enqueued"})
	EnqueueFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sentiment_enqueue_failures_total", Help: "Per-review enqueues skipped after a queue error"})
	ReconciliationGaps = prometheus.NewCounter(prometheus.CounterOpts{Name: "sentiment_reconciliation_gaps_total", Help: "Jobs enqueued whose pending record could not be written"})
	ReconciledCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sentiment_records_reconciled_total", Help: "Pending records moved to a terminal state"}, []string{"outcome"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sentiment_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sentiment_worker_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sentiment_worker_retries_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sentiment_worker_failed_total", Help: "Jobs marked permanently failed"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sentiment_queue_depth", Help: "Ready list depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sentiment_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchCounter,
			DispatchErrors,
			ClassifierLatency,
			EnqueueCounter,
			EnqueueFailures,
			ReconciliationGaps,
			ReconciledCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
