package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemory_GetPutDelete(t *testing.T) {
	m := NewMemory(MemoryOpts{})
	defer m.Close()

	_, ok := m.Get("missing")
	require.False(t, ok)

	m.Put("k", 1)
	v, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, 1, v)

	m.Put("k", 2)
	v, _ = m.Get("k")
	require.Equal(t, 2, v)
	require.Equal(t, 1, m.Len())

	m.Delete("k")
	_, ok = m.Get("k")
	require.False(t, ok)
}

func TestMemory_SweepEvictsIdleEntries(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(MemoryOpts{Expiration: time.Minute, Now: clock.Now})
	defer m.Close()

	m.Put("old", "a")
	clock.Advance(40 * time.Second)
	m.Put("fresh", "b")
	clock.Advance(30 * time.Second)

	// old is idle for 70s, fresh for 30s
	assert.Equal(t, 1, m.Sweep())
	_, ok := m.Get("old")
	assert.False(t, ok)
	_, ok = m.Get("fresh")
	assert.True(t, ok)
}

func TestMemory_AccessRefreshesExpiration(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(MemoryOpts{Expiration: time.Minute, Now: clock.Now})
	defer m.Close()

	m.Put("k", "v")
	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		_, ok := m.Get("k")
		require.True(t, ok)
	}
	assert.Equal(t, 0, m.Sweep())

	clock.Advance(61 * time.Second)
	_, ok := m.Get("k")
	assert.False(t, ok, "expired entries are dropped on access")
	assert.Equal(t, 0, m.Len())
}

func TestMemory_MaxSizeEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewMemory(MemoryOpts{MaxSize: 2})
	defer m.Close()

	m.Put("a", 1)
	m.Put("b", 2)
	_, _ = m.Get("a")
	m.Put("c", 3)

	_, ok := m.Get("b")
	assert.False(t, ok)
	_, ok = m.Get("a")
	assert.True(t, ok)
	_, ok = m.Get("c")
	assert.True(t, ok)
}

func TestMemory_BackgroundSweep(t *testing.T) {
	m := NewMemory(MemoryOpts{Expiration: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	defer m.Close()

	m.Put("k", "v")
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemory_CloseIsIdempotent(t *testing.T) {
	m := NewMemory(MemoryOpts{SweepInterval: time.Millisecond})
	m.Close()
	m.Close()
}

func TestMemory_Concurrent(t *testing.T) {
	m := NewMemory(MemoryOpts{MaxSize: 64, SweepInterval: time.Millisecond})
	defer m.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", g, i%16)
				m.Put(key, i)
				m.Get(key)
				if i%7 == 0 {
					m.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 64)
}
