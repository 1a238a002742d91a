package perkey

import (
	"sync"
	"time"
)

// Entry is a per-key value managed by an Arena.
type Entry interface {
	// Idle reports whether the entry has no pending work and has not been
	// touched for at least timeout.
	Idle(now time.Time, timeout time.Duration) bool
	// Close releases the entry. It is called at most once, after the entry
	// was removed from the arena.
	Close()
}

type arenaConfig struct {
	maxEntries int
	now        func() time.Time
}

// ArenaOption configures an Arena.
type ArenaOption func(*arenaConfig)

// WithMaxEntries bounds the number of live entries (0 = unbounded).
func WithMaxEntries(n int) ArenaOption {
	return func(c *arenaConfig) {
		if n >= 0 {
			c.maxEntries = n
		}
	}
}

// WithClock overrides the clock used for idle checks.
func WithClock(now func() time.Time) ArenaOption {
	return func(c *arenaConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// Arena holds one entry per key, created on first use. Entries that went
// idle are removed by Evict. Use and Evict are mutually exclusive, so work
// handed to an entry inside Use can never race with that entry's eviction.
type Arena[K comparable, V Entry] struct {
	mu         sync.Mutex
	entries    map[K]V
	create     func(K) V
	maxEntries int
	now        func() time.Time
	closed     bool
}

func NewArena[K comparable, V Entry](create func(K) V, opts ...ArenaOption) *Arena[K, V] {
	cfg := arenaConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Arena[K, V]{
		entries:    make(map[K]V),
		create:     create,
		maxEntries: cfg.maxEntries,
		now:        cfg.now,
	}
}

// Use runs fn with the entry for key, creating it when missing. fn runs
// under the arena lock and must be short and must not call back into the
// arena.
func (a *Arena[K, V]) Use(key K, fn func(V)) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrArenaClosed
	}
	e, ok := a.entries[key]
	if !ok {
		var victims []V
		if a.maxEntries > 0 && len(a.entries) >= a.maxEntries {
			// make room by dropping entries without pending work
			victims = a.collectIdleLocked(0)
			if len(a.entries) >= a.maxEntries {
				a.mu.Unlock()
				closeAll(victims)
				return ErrArenaFull
			}
		}
		e = a.create(key)
		a.entries[key] = e
		defer closeAll(victims)
	}
	fn(e)
	a.mu.Unlock()
	return nil
}

// Get returns the entry for key without creating it.
func (a *Arena[K, V]) Get(key K) (V, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	return e, ok
}

func (a *Arena[K, V]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Range calls fn for a snapshot of all entries.
func (a *Arena[K, V]) Range(fn func(K, V)) {
	a.mu.Lock()
	snapshot := make(map[K]V, len(a.entries))
	for k, v := range a.entries {
		snapshot[k] = v
	}
	a.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// Evict removes and closes all entries idle for at least timeout.
func (a *Arena[K, V]) Evict(timeout time.Duration) int {
	a.mu.Lock()
	victims := a.collectIdleLocked(timeout)
	a.mu.Unlock()
	closeAll(victims)
	return len(victims)
}

// Close rejects further Use calls and closes every entry.
func (a *Arena[K, V]) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	victims := make([]V, 0, len(a.entries))
	for k, e := range a.entries {
		victims = append(victims, e)
		delete(a.entries, k)
	}
	a.mu.Unlock()
	closeAll(victims)
}

func (a *Arena[K, V]) collectIdleLocked(timeout time.Duration) []V {
	now := a.now()
	var victims []V
	for k, e := range a.entries {
		if e.Idle(now, timeout) {
			victims = append(victims, e)
			delete(a.entries, k)
		}
	}
	return victims
}

func closeAll[V Entry](entries []V) {
	for _, e := range entries {
		e.Close()
	}
}
