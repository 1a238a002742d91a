package consumer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/perkey"
)

// ProcessingEvent is a received event stream together with the delivery it
// came from.
type ProcessingEvent struct {
	Stream *es.EventStream
	Source broker.Acker

	queue *ProcessingEventQueue
}

// Queue returns the queue the stream was handed to.
func (e *ProcessingEvent) Queue() *ProcessingEventQueue { return e.queue }

// ProcessingEventQueue applies the streams of one aggregate strictly in
// version order. A stream is dispatched only when its version directly
// follows the last recorded one; later versions wait until their
// predecessor went through, earlier ones are acknowledged as duplicates.
type ProcessingEventQueue struct {
	aggregateID string
	processor   *EventProcessor
	log         *slog.Logger
	worker      *perkey.Worker
	recheck     time.Duration

	mu         sync.Mutex
	aggType    string
	loaded     bool
	last       es.Version
	inbox      []*ProcessingEvent
	waiting    map[es.Version]*ProcessingEvent
	busy       bool
	closed     bool
	lastActive time.Time
	timer      *time.Timer
}

func newProcessingEventQueue(aggID string, p *EventProcessor, backoff, recheck time.Duration) *ProcessingEventQueue {
	q := &ProcessingEventQueue{
		aggregateID: aggID,
		processor:   p,
		recheck:     recheck,
		log:         p.log.With(slog.String("aggregate_id", aggID)),
		waiting:     map[es.Version]*ProcessingEvent{},
		lastActive:  p.now(),
	}
	q.worker = perkey.NewWorker(q.drain, perkey.WithWorkerLog(q.log), perkey.WithRetryBackoff(backoff))
	return q
}

func (q *ProcessingEventQueue) AggregateID() string { return q.aggregateID }

// Enqueue hands a stream to the queue.
func (q *ProcessingEventQueue) Enqueue(pe *ProcessingEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrProcessorClosed
	}
	pe.queue = q
	if q.aggType == "" {
		q.aggType = pe.Stream.AggregateType
	}
	q.inbox = append(q.inbox, pe)
	q.lastActive = q.processor.now()
	q.mu.Unlock()
	q.worker.Notify()
	return nil
}

// Version returns the last recorded version and whether it was loaded yet.
func (q *ProcessingEventQueue) Version() (es.Version, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last, q.loaded
}

// Parked returns the number of streams waiting for a predecessor.
func (q *ProcessingEventQueue) Parked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Idle implements perkey.Entry.
func (q *ProcessingEventQueue) Idle(now time.Time, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy || len(q.inbox) > 0 || len(q.waiting) > 0 {
		return false
	}
	return now.Sub(q.lastActive) >= timeout
}

// Close implements perkey.Entry. Unsettled streams stay with their
// deliveries and will be redelivered.
func (q *ProcessingEventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.worker.Stop()
	q.processor.metrics.Queues().Dec()
}

func (q *ProcessingEventQueue) drain() error {
	q.mu.Lock()
	q.busy = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.busy = false
		q.lastActive = q.processor.now()
		q.mu.Unlock()
	}()

	if err := q.load(); err != nil {
		// the worker retries after its backoff; nothing was consumed
		return err
	}
	for {
		pe, ok := q.next()
		if !ok {
			q.scheduleRecheck()
			return nil
		}
		q.process(pe)
	}
}

// scheduleRecheck reloads the recorded version after the recheck interval
// while streams are parked. Another instance of the processor may have
// handled their predecessors.
func (q *ProcessingEventQueue) scheduleRecheck() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.recheck <= 0 || q.timer != nil || len(q.waiting) == 0 {
		return
	}
	q.timer = time.AfterFunc(q.recheck, func() {
		q.mu.Lock()
		q.timer = nil
		if q.closed || len(q.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		q.loaded = false
		q.mu.Unlock()
		q.worker.Notify()
	})
}

// load reads the recorded version once.
func (q *ProcessingEventQueue) load() error {
	q.mu.Lock()
	if q.loaded || q.aggType == "" {
		q.mu.Unlock()
		return nil
	}
	aggType := q.aggType
	q.mu.Unlock()

	v, err := q.processor.versions.Get(q.processor.ctx, aggType, q.aggregateID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if v > q.last {
		q.last = v
	}
	q.loaded = true
	q.mu.Unlock()
	q.log.Debug("loaded recorded version", v.SlogAttr())
	return nil
}

// next sorts the inbox into the waiting map and returns the stream that
// directly follows the recorded version, if it arrived.
func (q *ProcessingEventQueue) next() (*ProcessingEvent, bool) {
	var duplicates []*ProcessingEvent
	defer func() {
		for _, d := range duplicates {
			q.duplicate(d)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	for _, pe := range q.inbox {
		v := pe.Stream.Version
		if v <= q.last {
			duplicates = append(duplicates, pe)
			continue
		}
		if prev, ok := q.waiting[v]; ok && !sameMessage(prev, pe) {
			// a newer delivery of the same version replaces the parked one;
			// a redelivery of the parked message is settled through pe
			duplicates = append(duplicates, prev)
		}
		q.waiting[v] = pe
		if v > q.last+1 {
			q.processor.metrics.StreamParked(q.processor.name, pe.Stream.AggregateType)
			q.log.Debug("parking stream until its predecessor arrives", v.SlogAttr(), q.last.SlogAttrWithKey("recorded"))
		}
	}
	q.inbox = nil

	// parked streams that fell behind a reloaded version are duplicates now
	for v, pe := range q.waiting {
		if v <= q.last {
			duplicates = append(duplicates, pe)
			delete(q.waiting, v)
		}
	}

	pe, ok := q.waiting[q.last+1]
	if ok {
		delete(q.waiting, q.last+1)
	}
	return pe, ok
}

func (q *ProcessingEventQueue) duplicate(pe *ProcessingEvent) {
	q.processor.metrics.StreamDuplicate(q.processor.name, pe.Stream.AggregateType)
	q.log.Debug("acknowledging duplicate stream", pe.Stream.SlogAttr())
	if err := pe.Source.Commit(); err != nil {
		q.log.Warn("settling duplicate delivery failed", slog.Any("error", err))
	}
}

func (q *ProcessingEventQueue) process(pe *ProcessingEvent) {
	p := q.processor
	s := pe.Stream
	log := q.log.With(s.SlogAttr())

	if err := p.dispatch(s); err != nil {
		p.metrics.StreamFailed(p.name, s.AggregateType)
		log.Warn("handling stream failed, delivery rejected", slog.Any("error", err))
		if rerr := pe.Source.Reject(); rerr != nil {
			log.Warn("rejecting delivery failed", slog.Any("error", rerr))
		}
		return
	}

	err := p.versions.Save(p.ctx, s.AggregateType, s.AggregateRootID, s.Version)
	switch {
	case err == nil:
		q.advance(s.Version)
	case errors.Is(err, es.ErrVersionConflict):
		// another instance recorded progress for this aggregate meanwhile
		v, gerr := p.versions.Get(p.ctx, s.AggregateType, s.AggregateRootID)
		if gerr != nil {
			log.Error("reloading recorded version failed", slog.Any("error", gerr))
			q.reject(log, pe)
			return
		}
		log.Warn("recorded version moved on, reloaded", v.SlogAttrWithKey("recorded"))
		q.mu.Lock()
		q.last = v
		q.mu.Unlock()
		if v < s.Version {
			q.reject(log, pe)
			return
		}
	default:
		log.Error("recording version failed", slog.Any("error", err))
		q.reject(log, pe)
		return
	}

	p.metrics.StreamHandled(p.name, s.AggregateType)
	if err := pe.Source.Commit(); err != nil {
		log.Warn("committing delivery failed", slog.Any("error", err))
	}
}

func (q *ProcessingEventQueue) advance(v es.Version) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v > q.last {
		q.last = v
	}
}

func (q *ProcessingEventQueue) reject(log *slog.Logger, pe *ProcessingEvent) {
	q.processor.metrics.StreamFailed(q.processor.name, pe.Stream.AggregateType)
	if err := pe.Source.Reject(); err != nil {
		log.Warn("rejecting delivery failed", slog.Any("error", err))
	}
}

var _ perkey.Entry = (*ProcessingEventQueue)(nil)

// sameMessage reports whether a and b are deliveries of one broker message.
func sameMessage(a, b *ProcessingEvent) bool {
	sa, ok := a.Source.(broker.Sequenced)
	if !ok {
		return false
	}
	sb, ok := b.Source.(broker.Sequenced)
	if !ok {
		return false
	}
	return sa.Sequence() != 0 && sa.Sequence() == sb.Sequence()
}
