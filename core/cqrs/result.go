package cqrs

import "sync"

// ResultWaiter hands command results to in-process callers waiting for
// them by command id. Results nobody waits for are dropped.
type ResultWaiter struct {
	mu      sync.Mutex
	waiters map[string][]chan CommandResult
}

func NewResultWaiter() *ResultWaiter {
	return &ResultWaiter{waiters: map[string][]chan CommandResult{}}
}

// Register starts waiting for commandID. It must be called before the
// command is sent. The returned func stops waiting.
func (w *ResultWaiter) Register(commandID string) (<-chan CommandResult, func()) {
	ch := make(chan CommandResult, 1)
	w.mu.Lock()
	w.waiters[commandID] = append(w.waiters[commandID], ch)
	w.mu.Unlock()
	return ch, func() { w.remove(commandID, ch) }
}

// Notify delivers r to everyone waiting for its command. It implements
// ResultNotifier.
func (w *ResultWaiter) Notify(r CommandResult) {
	w.mu.Lock()
	chs := w.waiters[r.CommandID]
	delete(w.waiters, r.CommandID)
	w.mu.Unlock()
	for _, ch := range chs {
		ch <- r
	}
}

// Waiting returns the number of command ids being waited for.
func (w *ResultWaiter) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

func (w *ResultWaiter) remove(commandID string, ch chan CommandResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chs := w.waiters[commandID]
	for i, c := range chs {
		if c == ch {
			chs = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	if len(chs) == 0 {
		delete(w.waiters, commandID)
	} else {
		w.waiters[commandID] = chs
	}
}
