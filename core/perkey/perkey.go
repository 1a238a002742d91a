// Package perkey provides primitives that serialize work per key while
// letting different keys proceed concurrently: a mailbox [Worker], an
// [Arena] of per-key entries with idle eviction and a capacity bound, and a
// [Scheduler] that runs functions in submission order per key.
//
// Typical use-case: event-sourced aggregates, where commands and events for
// one aggregate id must be handled one at a time, but different aggregates
// in parallel.
package perkey

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize    int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxKeys       int
}

// WithBufferSize sets the task buffer size per key (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithIdleEviction removes per-key workers that had nothing to do for
// timeout. The check runs every interval.
func WithIdleEviction(timeout, interval time.Duration) Option {
	return func(c *config) {
		c.idleTimeout = timeout
		c.sweepInterval = interval
	}
}

// WithMaxKeys bounds the number of concurrently live keys.
func WithMaxKeys(n int) Option {
	return func(c *config) { c.maxKeys = n }
}

// Scheduler runs tasks such that for any given key tasks are executed
// sequentially, in submission order. Tasks for different keys can proceed
// in parallel.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup // in-flight enqueues
	arena   *Arena[K, *schedWorker]
	sweeper *Sweeper
}

type schedWorker struct {
	tasks    chan *task
	pending  atomic.Int64
	lastUsed atomic.Int64
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	s := &Scheduler[K]{
		arena: NewArena(func(K) *schedWorker {
			w := &schedWorker{tasks: make(chan *task, cfg.bufferSize)}
			w.lastUsed.Store(time.Now().UnixNano())
			go w.run()
			return w
		}, WithMaxEntries(cfg.maxKeys)),
	}
	if cfg.idleTimeout > 0 {
		s.sweeper = StartSweeper(cfg.sweepInterval, func() { s.arena.Evict(cfg.idleTimeout) })
	}
	return s
}

// Do schedules fn to run for the given key and waits for its result.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation. A task that has
// already been enqueued still runs when the context is cancelled afterwards;
// only the wait is abandoned.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	t := &task{fn: fn, done: make(chan error, 1)}
	if err := s.enqueue(ctx, key, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues fn for key without waiting for it to run.
func (s *Scheduler[K]) Submit(ctx context.Context, key K, fn func()) error {
	return s.enqueue(ctx, key, &task{fn: func() error { fn(); return nil }})
}

// Keys returns the number of live per-key workers.
func (s *Scheduler[K]) Keys() int { return s.arena.Len() }

// Close stops accepting new tasks and shuts down all workers once the
// in-flight enqueues finished. Tasks already queued are still processed.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.wg.Wait()
	s.arena.Close()
}

func (s *Scheduler[K]) enqueue(ctx context.Context, key K, t *task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	var w *schedWorker
	if err := s.arena.Use(key, func(sw *schedWorker) {
		// pending > 0 keeps the worker out of eviction until the task ran
		sw.pending.Add(1)
		w = sw
	}); err != nil {
		if err == ErrArenaClosed {
			return ErrSchedulerClosed
		}
		return err
	}

	select {
	case w.tasks <- t:
		return nil
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	}
}

func (w *schedWorker) run() {
	for t := range w.tasks {
		err := t.call()
		if t.done != nil {
			t.done <- err
		}
		w.lastUsed.Store(time.Now().UnixNano())
		w.pending.Add(-1)
	}
}

func (t *task) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return t.fn()
}

func (w *schedWorker) Idle(now time.Time, timeout time.Duration) bool {
	if w.pending.Load() > 0 {
		return false
	}
	return now.Sub(time.Unix(0, w.lastUsed.Load())) >= timeout
}

func (w *schedWorker) Close() { close(w.tasks) }
