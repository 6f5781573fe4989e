// Package observability holds the Prometheus collector for the repository
// layer.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the repository layer.
type Collector struct {
	registry *prometheus.Registry

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec

	// Cache metrics, labelled by tier (object, list, aggregation, etag)
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheTimeouts *prometheus.CounterVec

	// Optimistic-lock metrics
	LockRetries   prometheus.Counter
	LockExhausted prometheus.Counter
}

// NewCollector creates (or returns the existing) metrics collector. A
// process-wide singleton avoids duplicate registration across test suites.
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	storeOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total store operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	storeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	cacheHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier",
		},
		[]string{"tier"},
	)

	cacheMisses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by tier",
		},
		[]string{"tier"},
	)

	cacheTimeouts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_timeouts_total",
			Help:      "Cache operations abandoned after the per-call timeout, by tier",
		},
		[]string{"tier"},
	)

	lockRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_lock_retries_total",
			Help:      "Conditional-write retries caused by concurrent writers",
		},
	)

	lockExhausted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_lock_exhausted_total",
			Help:      "Writes abandoned after exceeding the retry bound",
		},
	)

	registry.MustRegister(storeOps, storeDuration, cacheHits, cacheMisses, cacheTimeouts, lockRetries, lockExhausted)

	globalCollector = &Collector{
		registry:        registry,
		StoreOperations: storeOps,
		StoreDuration:   storeDuration,
		CacheHits:       cacheHits,
		CacheMisses:     cacheMisses,
		CacheTimeouts:   cacheTimeouts,
		LockRetries:     lockRetries,
		LockExhausted:   lockExhausted,
	}
	return globalCollector
}

// Registry exposes the collector's registry for scrape handlers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveStore records one store operation.
func (c *Collector) ObserveStore(operation, outcome string, elapsed time.Duration) {
	c.StoreOperations.WithLabelValues(operation, outcome).Inc()
	c.StoreDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
