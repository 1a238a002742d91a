package es

import (
	"context"
	"errors"
	"log/slog"

	"github.com/codewandler/sequent/core/cache"
	"github.com/codewandler/sequent/core/perkey"
)

// AggregateCache is the short-lived write-through cache of aggregates on
// the command side. It is keyed by (type, id) and falls back to the
// repository for anything it does not hold.
type AggregateCache struct {
	log     *slog.Logger
	repo    Repository
	mem     *cache.Memory
	entries cache.TypedCache[AggregateRoot]
	metrics ESMetrics
	sweeper *perkey.Sweeper
}

func NewAggregateCache(repo Repository, opts ...AggregateCacheOption) *AggregateCache {
	options := newAggregateCacheOpts(opts...)
	mem := cache.NewMemory(cache.MemoryOpts{
		Expiration: options.expiration,
		MaxSize:    options.maxSize,
		Now:        options.now,
	})
	c := &AggregateCache{
		log:     options.log.With(slog.String("component", "aggregate_cache")),
		repo:    repo,
		mem:     mem,
		entries: cache.NewTyped[AggregateRoot](mem),
		metrics: options.metrics,
	}
	c.sweeper = perkey.StartSweeper(options.sweepInterval, func() { c.Sweep() })
	return c
}

// Close stops the expiration sweep and waits for a running sweep to finish.
func (c *AggregateCache) Close() {
	c.sweeper.Stop()
	c.mem.Close()
}

// Get returns the cached aggregate, or loads it from the repository and
// caches it. Cached instances carrying uncommitted events are discarded.
func (c *AggregateCache) Get(ctx context.Context, aggType, aggID string) (AggregateRoot, error) {
	if aggID == "" {
		return nil, ErrMissingAggregateID
	}
	if a, ok := c.entries.Get(cacheKey(aggType, aggID)); ok {
		if !HasChanges(a) {
			c.metrics.CacheHit(aggType)
			return a, nil
		}
		c.log.Warn("discarding dirty cached aggregate", slog.String("type", aggType), slog.String("id", aggID))
		c.Remove(aggType, aggID)
	}
	c.metrics.CacheMiss(aggType)
	return c.load(ctx, aggType, aggID)
}

// Set caches a. Aggregates with uncommitted events are not cached.
func (c *AggregateCache) Set(a AggregateRoot) {
	if a.GetID() == "" || HasChanges(a) {
		return
	}
	c.entries.Put(cacheKey(a.AggregateType(), a.GetID()), a)
}

// Refresh replaces the cached entry with a fresh rebuild from the store.
// An aggregate without history is simply dropped from the cache.
func (c *AggregateCache) Refresh(ctx context.Context, aggType, aggID string) (AggregateRoot, error) {
	c.Remove(aggType, aggID)
	a, err := c.load(ctx, aggType, aggID)
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (c *AggregateCache) Remove(aggType, aggID string) {
	c.entries.Delete(cacheKey(aggType, aggID))
}

// Len returns the number of cached aggregates.
func (c *AggregateCache) Len() int { return c.mem.Len() }

// Sweep evicts aggregates idle beyond the expiration.
func (c *AggregateCache) Sweep() int {
	n := c.mem.Sweep()
	if n > 0 {
		c.metrics.CacheEvicted(n)
		c.log.Debug("evicted idle aggregates", slog.Int("count", n))
	}
	return n
}

func (c *AggregateCache) load(ctx context.Context, aggType, aggID string) (AggregateRoot, error) {
	a, err := c.repo.Get(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	c.Set(a)
	return a, nil
}

func cacheKey(aggType, aggID string) string { return aggType + "/" + aggID }
