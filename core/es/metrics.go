package es

import "github.com/codewandler/sequent/core/metrics"

// ESMetrics instruments stores, the repository and the aggregate cache.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	StoreLoadDuration(aggType string) metrics.Timer

	RepoLoadDuration(aggType string) metrics.Timer

	CacheHit(aggType string)
	CacheMiss(aggType string)
	CacheEvicted(count int)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoLoadDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopESMetrics) CacheHit(string)                        {}
func (nopESMetrics) CacheMiss(string)                       {}
func (nopESMetrics) CacheEvicted(int)                       {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
