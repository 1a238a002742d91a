package perkey

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DrainFunc processes everything that is currently runnable and returns.
// A non-nil error (or a panic) makes the worker retry after its backoff.
type DrainFunc func() error

type workerConfig struct {
	log     *slog.Logger
	backoff time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

// WithWorkerLog sets the logger used for drain failures.
func WithWorkerLog(log *slog.Logger) WorkerOption {
	return func(c *workerConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRetryBackoff sets the pause before a failed drain is retried (default: 100ms).
func WithRetryBackoff(d time.Duration) WorkerOption {
	return func(c *workerConfig) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// Worker is a mailbox goroutine. It sleeps until notified, then runs its
// drain function until that returns cleanly. Notifications that arrive while
// a drain is running are coalesced into one further pass, so no wake-up is
// lost and at most one drain runs at any time.
type Worker struct {
	drain   DrainFunc
	log     *slog.Logger
	backoff time.Duration

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	busy     atomic.Bool
}

// NewWorker starts a worker goroutine for drain.
func NewWorker(drain DrainFunc, opts ...WorkerOption) *Worker {
	cfg := workerConfig{log: slog.Default(), backoff: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	w := &Worker{
		drain:   drain,
		log:     cfg.log,
		backoff: cfg.backoff,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Notify wakes the worker. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Busy reports whether a drain pass is running.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Stop terminates the worker and waits for its goroutine to exit.
// A drain pass in progress is allowed to finish. Must not be called from
// within the drain function.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.notify:
		}
		w.busy.Store(true)
		w.drainUntilClean()
		w.busy.Store(false)
	}
}

func (w *Worker) drainUntilClean() {
	for {
		err := w.safeDrain()
		if err == nil {
			return
		}
		w.log.Error(
			"drain failed",
			slog.Any("error", err),
			slog.Duration("retry_in", w.backoff),
		)
		select {
		case <-w.stop:
			return
		case <-time.After(w.backoff):
		}
	}
}

func (w *Worker) safeDrain() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return w.drain()
}
