package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/metrics"
)

// ESMetrics implements es.ESMetrics using Prometheus.
type ESMetrics struct {
	// Store metrics
	storeLoadDuration *prometheus.HistogramVec

	// Repository metrics
	repoLoadDuration *prometheus.HistogramVec

	// Cache metrics
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheEvicted prometheus.Counter
}

var _ es.ESMetrics = (*ESMetrics)(nil)

func NewESMetrics(reg prometheus.Registerer) *ESMetrics {
	m := &ESMetrics{
		storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_store_load_duration_seconds",
			Help:      "Event store load latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_repo_load_duration_seconds",
			Help:      "Aggregate rehydration latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_cache_hits_total",
			Help:      "Total number of aggregate cache hits",
		}, []string{"aggregate_type"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_cache_misses_total",
			Help:      "Total number of aggregate cache misses",
		}, []string{"aggregate_type"}),

		cacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_cache_evicted_total",
			Help:      "Total number of aggregates evicted from the cache",
		}),
	}

	reg.MustRegister(
		m.storeLoadDuration,
		m.repoLoadDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvicted,
	)

	return m
}

func (m *ESMetrics) StoreLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) CacheHit(aggType string) {
	m.cacheHits.WithLabelValues(aggType).Inc()
}

func (m *ESMetrics) CacheMiss(aggType string) {
	m.cacheMisses.WithLabelValues(aggType).Inc()
}

func (m *ESMetrics) CacheEvicted(count int) {
	m.cacheEvicted.Add(float64(count))
}
