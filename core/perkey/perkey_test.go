package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SequentialPerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		mu  sync.Mutex
		seq []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("key1", func() error {
				mu.Lock()
				seq = append(seq, i)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2}, seq)
}

func TestScheduler_SubmitKeepsOrder(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Submit(t.Context(), "k", func() {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 100 {
				close(done)
			}
		}))
	}
	<-done
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestScheduler_ParallelAcrossKeys(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(key, func() error {
				cur := running.Add(1)
				for {
					m := maxRunning.Load()
					if cur <= m || maxRunning.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, maxRunning.Load(), int32(2))
}

func TestScheduler_ErrorPropagation(t *testing.T) {
	s := New[string]()
	defer s.Close()

	expectedErr := errors.New("task error")
	require.ErrorIs(t, s.Do("key", func() error { return expectedErr }), expectedErr)
}

func TestScheduler_PanicBecomesError(t *testing.T) {
	s := New[string]()
	defer s.Close()

	err := s.Do("key", func() error { panic("boom") })
	require.ErrorIs(t, err, ErrPanic)

	// the key keeps working
	require.NoError(t, s.Do("key", func() error { return nil }))
}

func TestScheduler_DoContext_Cancelled(t *testing.T) {
	s := New[string]()
	defer s.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := s.DoContext(ctx, "key", func() error {
		t.Error("task should not execute")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_DoContext_Timeout(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Do("key", func() error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := s.DoContext(ctx, "key", func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()
}

func TestScheduler_Close(t *testing.T) {
	s := New[string]()
	s.Close()
	s.Close()

	require.Equal(t, ErrSchedulerClosed, s.Do("key", func() error { return nil }))
	require.Equal(t, ErrSchedulerClosed, s.Submit(t.Context(), "key", func() {}))
}

func TestScheduler_Close_DrainsExisting(t *testing.T) {
	s := New[string](WithBufferSize(10))

	var executed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("key", func() error {
				time.Sleep(10 * time.Millisecond)
				executed.Add(1)
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)

	s.Close()
	wg.Wait()
	require.EqualValues(t, 5, executed.Load())
}

func TestScheduler_Close_NoPanic(t *testing.T) {
	s := New[string]()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("key", func() error { return nil })
		}()
	}
	go func() {
		time.Sleep(time.Millisecond)
		s.Close()
	}()
	wg.Wait()
}

func TestScheduler_IdleEviction(t *testing.T) {
	s := New[int](WithIdleEviction(10*time.Millisecond, 5*time.Millisecond))
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Do(i, func() error { return nil }))
	}
	require.Eventually(t, func() bool { return s.Keys() == 0 }, time.Second, 5*time.Millisecond)

	// evicted keys come back on demand
	require.NoError(t, s.Do(3, func() error { return nil }))
}

func TestScheduler_ManyKeys(t *testing.T) {
	s := New[int]()
	defer s.Close()

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(i, func() error {
				total.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.EqualValues(t, 100, total.Load())
}

func TestSchedulerError(t *testing.T) {
	require.Equal(t, "test error", (&SchedulerError{msg: "test error"}).Error())
}
