package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the rundown orchestrator.
// Every method is safe to call on a nil *Metrics, which disables recording (e.g. in tests).
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	errorsTotal              prometheus.Counter
	ingestOperationsTotal    *prometheus.CounterVec
	lockWaitSeconds          prometheus.Histogram
	lockTimeoutsTotal        prometheus.Counter
	lockQueueDepth           prometheus.Gauge
	cacheCommitsTotal        *prometheus.CounterVec
	cacheWatchdogTotal       prometheus.Counter
	documentsWrittenTotal    *prometheus.CounterVec
	segmentsOrphanedTotal    prometheus.Counter
	partInstancesTotal       *prometheus.CounterVec
	timelineNotificationsTot prometheus.Counter
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rundown_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rundown_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		ingestOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rundown_ingest_operations_total",
			Help: "Ingest operations by kind and outcome",
		}, []string{"operation", "result"}),
		lockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rundown_lock_wait_seconds",
			Help:    "Time a job spent queued before it started",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}),
		lockTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rundown_lock_timeouts_total",
			Help: "Jobs that overran their queue timeout and released their lock",
		}),
		lockQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rundown_lock_queue_depth",
			Help: "Jobs queued or running across all lock queues",
		}),
		cacheCommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rundown_cache_sessions_total",
			Help: "Staging cache sessions by how they ended",
		}, []string{"result"}),
		cacheWatchdogTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rundown_cache_watchdog_total",
			Help: "Staging cache sessions that outlived their lifetime without commit or discard",
		}),
		documentsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rundown_documents_written_total",
			Help: "Documents written by staging cache commits",
		}, []string{"collection", "change"}),
		segmentsOrphanedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rundown_segments_orphaned_total",
			Help: "Segments kept as orphans because they were on air",
		}),
		partInstancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rundown_part_instances_total",
			Help: "Part instances reset or orphaned by ingest reconciliation",
		}, []string{"action"}),
		timelineNotificationsTot: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rundown_timeline_notifications_total",
			Help: "Timeline regeneration notifications sent after commits",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.ingestOperationsTotal,
		m.lockWaitSeconds,
		m.lockTimeoutsTotal,
		m.lockQueueDepth,
		m.cacheCommitsTotal,
		m.cacheWatchdogTotal,
		m.documentsWrittenTotal,
		m.segmentsOrphanedTotal,
		m.partInstancesTotal,
		m.timelineNotificationsTot,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncIngestOperation counts one ingest operation with its outcome.
func (m *Metrics) IncIngestOperation(operation, result string) {
	if m == nil {
		return
	}
	m.ingestOperationsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveLockWait records how long a job waited for its lock.
func (m *Metrics) ObserveLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.lockWaitSeconds.Observe(seconds)
}

// IncLockTimeouts increments the lock timeout counter.
func (m *Metrics) IncLockTimeouts() {
	if m == nil {
		return
	}
	m.lockTimeoutsTotal.Inc()
}

// SetLockQueueDepth sets the queued-or-running jobs gauge.
func (m *Metrics) SetLockQueueDepth(n int) {
	if m == nil {
		return
	}
	m.lockQueueDepth.Set(float64(n))
}

// IncCacheSession counts a cache session ending as committed, discarded or failed.
func (m *Metrics) IncCacheSession(result string) {
	if m == nil {
		return
	}
	m.cacheCommitsTotal.WithLabelValues(result).Inc()
}

// IncCacheWatchdog counts a cache session the watchdog caught.
func (m *Metrics) IncCacheWatchdog() {
	if m == nil {
		return
	}
	m.cacheWatchdogTotal.Inc()
}

// AddDocumentsWritten adds n written documents of the given change kind.
func (m *Metrics) AddDocumentsWritten(collection, change string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.documentsWrittenTotal.WithLabelValues(collection, change).Add(float64(n))
}

// IncSegmentsOrphaned increments the orphaned segment counter.
func (m *Metrics) IncSegmentsOrphaned() {
	if m == nil {
		return
	}
	m.segmentsOrphanedTotal.Inc()
}

// IncPartInstances counts a part instance action ("reset" or "orphaned").
func (m *Metrics) IncPartInstances(action string) {
	if m == nil {
		return
	}
	m.partInstancesTotal.WithLabelValues(action).Inc()
}

// IncTimelineNotifications increments the timeline notification counter.
func (m *Metrics) IncTimelineNotifications() {
	if m == nil {
		return
	}
	m.timelineNotificationsTot.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. queue depth).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
