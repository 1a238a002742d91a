package perkey

import (
	"sync"
	"time"
)

// Sweeper calls a function on a fixed interval until stopped.
type Sweeper struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartSweeper runs fn every interval. A non-positive interval returns a
// sweeper that never fires.
func StartSweeper(interval time.Duration, fn func()) *Sweeper {
	s := &Sweeper{stop: make(chan struct{}), done: make(chan struct{})}
	if interval <= 0 {
		close(s.done)
		return s
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return s
}

// Stop halts the sweeper and waits until a running sweep has returned.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
