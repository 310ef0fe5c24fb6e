// Package observability defines the Prometheus metrics exported by the proxy and the
// hook functions that feed them from the orchestration components.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioproxy_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioproxy_cache_evictions_total",
			Help: "Entries removed by capacity sweeps or TTL purges",
		},
		[]string{"cache", "reason"},
	)

	cacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audioproxy_cache_entries",
			Help: "Entries held in the memory tier",
		},
		[]string{"cache"},
	)

	extractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioproxy_extractions_total",
			Help: "Upstream extraction calls by outcome",
		},
		[]string{"outcome"},
	)

	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioproxy_extraction_retries_total",
			Help: "Retries of rate-limited extraction calls by strategy",
		},
		[]string{"strategy"},
	)

	queueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audioproxy_queue_wait_seconds",
			Help:    "Time an extraction task waited in the throttling queue",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	queueRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audioproxy_queue_task_seconds",
			Help:    "Time an extraction task ran once dequeued",
			Buckets: prometheus.DefBuckets,
		},
	)

	queueRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audioproxy_queue_rejected_total",
			Help: "Extraction tasks rejected because the queue was full",
		},
	)

	proxyRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioproxy_proxy_refreshes_total",
			Help: "Proxy list refresh attempts by result",
		},
		[]string{"result"},
	)

	proxyPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioproxy_proxy_pool_size",
			Help: "Addresses in the proxy rotation pool",
		},
	)

	authReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioproxy_auth_reloads_total",
			Help: "Credential reload attempts by result",
		},
		[]string{"result"},
	)

	streamedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audioproxy_streamed_bytes_total",
			Help: "Audio bytes piped to clients",
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// CacheLookup records a hit or miss on the named cache.
func CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// CacheEvicted records n entries removed from the named cache.
func CacheEvicted(cache, reason string, n int) {
	if n > 0 {
		cacheEvictions.WithLabelValues(cache, reason).Add(float64(n))
	}
}

// CacheSize records the current size of the named cache.
func CacheSize(cache string, n int) {
	cacheEntries.WithLabelValues(cache).Set(float64(n))
}

// Extraction records the outcome of one extraction attempt, labelled by error type.
func Extraction(outcome string) {
	extractions.WithLabelValues(outcome).Inc()
}

// Retry records a retry; a zero delay means the attempt moved to another proxy.
func Retry(delay time.Duration) {
	strategy := "backoff"
	if delay == 0 {
		strategy = "rotate"
	}
	retries.WithLabelValues(strategy).Inc()
}

// QueueTask records the timings of a completed queue task.
func QueueTask(wait, run time.Duration, _ error) {
	queueWait.Observe(wait.Seconds())
	queueRun.Observe(run.Seconds())
}

// QueueRejected records a task refused by a full queue.
func QueueRejected() {
	queueRejected.Inc()
}

// ProxyRefresh records a proxy list fetch.
func ProxyRefresh(count int, err error) {
	proxyRefreshes.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		proxyPoolSize.Set(float64(count))
	}
}

// AuthReload records a credential reload.
func AuthReload(err error) {
	authReloads.WithLabelValues(resultLabel(err)).Inc()
}

// Streamed records bytes piped to a client.
func Streamed(n int64) {
	if n > 0 {
		streamedBytes.Add(float64(n))
	}
}
