package cache

import (
	"container/list"
	"sync"
	"time"
)

const DefaultExpiration = 30 * time.Minute

type MemoryOpts struct {
	// Expiration evicts entries not accessed for longer than this.
	Expiration time.Duration
	// SweepInterval runs Sweep in the background. Zero disables the
	// background sweep; expired entries are then only dropped on access
	// or by calling Sweep.
	SweepInterval time.Duration
	// MaxSize bounds the number of entries. The least recently accessed
	// entry is evicted when the bound is hit. Zero means unbounded.
	MaxSize int
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

type memEntry struct {
	key        string
	val        any
	lastAccess time.Time
}

// Memory is an in-process cache with access-based expiration.
// Entries are kept in access order, so both the expiration sweep and the
// capacity bound only ever touch the tail.
type Memory struct {
	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	expiration time.Duration
	maxSize    int
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewMemory(opts MemoryOpts) *Memory {
	if opts.Expiration <= 0 {
		opts.Expiration = DefaultExpiration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Memory{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		expiration: opts.Expiration,
		maxSize:    opts.MaxSize,
		now:        opts.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go m.sweepLoop(opts.SweepInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ele, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := ele.Value.(*memEntry)
	now := m.now()
	if m.expired(e, now) {
		m.removeElement(ele)
		return nil, false
	}
	e.lastAccess = now
	m.ll.MoveToFront(ele)
	return e.val, true
}

func (m *Memory) Put(key string, val any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if ele, ok := m.items[key]; ok {
		e := ele.Value.(*memEntry)
		e.val = val
		e.lastAccess = now
		m.ll.MoveToFront(ele)
		return
	}

	m.items[key] = m.ll.PushFront(&memEntry{key: key, val: val, lastAccess: now})
	if m.maxSize > 0 && m.ll.Len() > m.maxSize {
		m.removeElement(m.ll.Back())
	}
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ele, ok := m.items[key]; ok {
		m.removeElement(ele)
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// Sweep removes all expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for ele := m.ll.Back(); ele != nil; ele = m.ll.Back() {
		if !m.expired(ele.Value.(*memEntry), now) {
			break
		}
		m.removeElement(ele)
		removed++
	}
	return removed
}

// Close stops the background sweep and waits for it to exit.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Memory) expired(e *memEntry, now time.Time) bool {
	return now.Sub(e.lastAccess) > m.expiration
}

func (m *Memory) removeElement(ele *list.Element) {
	m.ll.Remove(ele)
	delete(m.items, ele.Value.(*memEntry).key)
}

var _ Cache = (*Memory)(nil)
