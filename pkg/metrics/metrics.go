package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics (pkg/cache expiration strategy)
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_cache_entries",
			Help: "Number of entries currently held by the expiration strategy",
		},
	)

	CacheWeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_cache_weight_bytes",
			Help: "Total weight currently tracked by the expiration strategy",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_cache_evictions_total",
			Help: "Total number of entries evicted from the in-memory cache",
		},
	)

	// Entity store metrics (pkg/store)
	EntityLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_entity_loads_total",
			Help: "Total number of entity loads by class and outcome",
		},
		[]string{"class", "outcome"},
	)

	// Write batcher metrics (pkg/store/batcher.go)
	BatchFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_batch_flush_duration_seconds",
			Help:    "Time taken to flush a write batch to the KV engine",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	BatchOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_batch_ops_total",
			Help: "Total number of put/delete operations committed in batches",
		},
		[]string{"class", "op"},
	)

	BatchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_batch_flushes_total",
			Help: "Total number of batches flushed by class and trigger",
		},
		[]string{"class", "trigger"},
	)

	// Indexer metrics (pkg/index)
	IndexQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portal_index_queue_depth",
			Help: "Number of index requests currently queued",
		},
		[]string{"index"},
	)

	IndexLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portal_index_lag",
			Help: "Difference between the source's last version and the index's last indexed version",
		},
		[]string{"index"},
	)

	IndexEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_index_entries_total",
			Help: "Total number of index entries written by operation",
		},
		[]string{"index", "op"},
	)

	// Permission proxy metrics (pkg/permission)
	AccessDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_access_denied_total",
			Help: "Total number of operations rejected by the permission proxy",
		},
		[]string{"class", "method"},
	)
)

func init() {
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(CacheWeight)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(EntityLoadsTotal)
	prometheus.MustRegister(BatchFlushDuration)
	prometheus.MustRegister(BatchOpsTotal)
	prometheus.MustRegister(BatchFlushesTotal)
	prometheus.MustRegister(IndexQueueDepth)
	prometheus.MustRegister(IndexLag)
	prometheus.MustRegister(IndexEntriesTotal)
	prometheus.MustRegister(AccessDeniedTotal)
}

// Handler returns the Prometheus HTTP handler for metrics scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
