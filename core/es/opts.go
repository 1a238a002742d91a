package es

import (
	"log/slog"
	"time"
)

type (
	valueOption[T any]    struct{ v T }
	LogOption             valueOption[*slog.Logger]
	MetricsOption         valueOption[ESMetrics]
	ClockOption           valueOption[func() time.Time]
	CacheExpirationOption valueOption[time.Duration]
	CacheSweepOption      valueOption[time.Duration]
	CacheMaxSizeOption    valueOption[int]
)

type (
	RepositoryOption     interface{ applyToRepository(*repoOpts) }
	StoreOption          interface{ applyToStore(*storeOpts) }
	AggregateCacheOption interface{ applyToAggregateCache(*aggregateCacheOpts) }
)

type (
	repoOpts struct {
		log     *slog.Logger
		metrics ESMetrics
	}
	storeOpts struct {
		log *slog.Logger
	}
	aggregateCacheOpts struct {
		log           *slog.Logger
		metrics       ESMetrics
		now           func() time.Time
		expiration    time.Duration
		sweepInterval time.Duration
		maxSize       int
	}
)

func WithLog(l *slog.Logger) LogOption           { return LogOption{v: l} }
func WithMetrics(m ESMetrics) MetricsOption      { return MetricsOption{v: m} }
func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }
func WithCacheMaxSize(n int) CacheMaxSizeOption  { return CacheMaxSizeOption{v: n} }
func WithCacheSweepInterval(d time.Duration) CacheSweepOption {
	return CacheSweepOption{v: d}
}
func WithCacheExpiration(d time.Duration) CacheExpirationOption {
	return CacheExpirationOption{v: d}
}

func (o LogOption) applyToRepository(r *repoOpts)               { r.log = o.v }
func (o LogOption) applyToStore(s *storeOpts)                   { s.log = o.v }
func (o LogOption) applyToAggregateCache(c *aggregateCacheOpts) { c.log = o.v }

func (o MetricsOption) applyToRepository(r *repoOpts)               { r.metrics = o.v }
func (o MetricsOption) applyToAggregateCache(c *aggregateCacheOpts) { c.metrics = o.v }

func (o ClockOption) applyToAggregateCache(c *aggregateCacheOpts)           { c.now = o.v }
func (o CacheExpirationOption) applyToAggregateCache(c *aggregateCacheOpts) { c.expiration = o.v }
func (o CacheSweepOption) applyToAggregateCache(c *aggregateCacheOpts)      { c.sweepInterval = o.v }
func (o CacheMaxSizeOption) applyToAggregateCache(c *aggregateCacheOpts)    { c.maxSize = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{log: slog.Default(), metrics: NopESMetrics()}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

func newStoreOpts(opts ...StoreOption) storeOpts {
	options := storeOpts{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	return options
}

func newAggregateCacheOpts(opts ...AggregateCacheOption) aggregateCacheOpts {
	options := aggregateCacheOpts{
		log:           slog.Default(),
		metrics:       NopESMetrics(),
		now:           time.Now,
		expiration:    30 * time.Minute,
		sweepInterval: time.Minute,
	}
	for _, opt := range opts {
		opt.applyToAggregateCache(&options)
	}
	return options
}
