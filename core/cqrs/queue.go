package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/sequent/core/perkey"
)

// CommandDispatcher runs one command. It must eventually acknowledge the
// command through its queue (Commit or Reject), possibly from another
// goroutine.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd *ProcessingCommand)
}

// ResultNotifier receives the result of every finished command.
type ResultNotifier func(CommandResult)

type ack struct {
	cmd       *ProcessingCommand
	result    CommandResult
	redeliver bool
}

// ProcessingCommandQueue serializes the commands of one aggregate.
//
// Commands get consecutive sequence numbers on Enqueue. A single worker
// dispatches them strictly in sequence order and does not dispatch the
// next command before the previous one was acknowledged. Acknowledgements
// may arrive out of order; they are buffered until their predecessors are
// acknowledged.
type ProcessingCommandQueue struct {
	aggregateID string
	ctx         context.Context
	dispatcher  CommandDispatcher
	notify      ResultNotifier
	log         *slog.Logger
	now         func() time.Time
	onClose     func()
	worker      *perkey.Worker

	mu                sync.Mutex
	messages          map[uint64]*ProcessingCommand
	waiting           map[uint64]ack
	nextSequence      uint64
	consumingSequence uint64
	previousSequence  uint64
	paused            bool
	closed            bool
	lastActive        time.Time
}

type queueConfig struct {
	log     *slog.Logger
	now     func() time.Time
	notify  ResultNotifier
	backoff time.Duration
	onClose func()
}

func newProcessingCommandQueue(ctx context.Context, aggregateID string, d CommandDispatcher, cfg queueConfig) *ProcessingCommandQueue {
	q := &ProcessingCommandQueue{
		aggregateID:       aggregateID,
		ctx:               ctx,
		dispatcher:        d,
		notify:            cfg.notify,
		log:               cfg.log.With(slog.String("aggregate_id", aggregateID)),
		now:               cfg.now,
		onClose:           cfg.onClose,
		messages:          map[uint64]*ProcessingCommand{},
		waiting:           map[uint64]ack{},
		nextSequence:      1,
		consumingSequence: 1,
		lastActive:        cfg.now(),
	}
	if q.notify == nil {
		q.notify = func(CommandResult) {}
	}
	q.worker = perkey.NewWorker(q.drain, perkey.WithWorkerLog(q.log), perkey.WithRetryBackoff(cfg.backoff))
	return q
}

func (q *ProcessingCommandQueue) AggregateID() string { return q.aggregateID }

// Enqueue assigns the next sequence to cmd and wakes the worker.
func (q *ProcessingCommandQueue) Enqueue(cmd *ProcessingCommand) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	cmd.queue = q
	cmd.Sequence = q.nextSequence
	q.nextSequence++
	q.messages[cmd.Sequence] = cmd
	q.lastActive = q.now()
	q.mu.Unlock()

	q.worker.Notify()
	return nil
}

// Commit acknowledges cmd as done with result.
func (q *ProcessingCommandQueue) Commit(cmd *ProcessingCommand, result CommandResult) {
	q.ack(ack{cmd: cmd, result: result})
}

// Reject acknowledges cmd as failed. With redeliver the source delivery is
// rejected so the broker hands the command out again; otherwise the
// delivery is committed and only the result reports the failure.
func (q *ProcessingCommandQueue) Reject(cmd *ProcessingCommand, result CommandResult, redeliver bool) {
	q.ack(ack{cmd: cmd, result: result, redeliver: redeliver})
}

// Pause stops the worker from dispatching further commands. A dispatch in
// progress is not interrupted.
func (q *ProcessingCommandQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// ResetSequence moves the dispatch cursor to seq. Enqueued commands are
// kept; already acknowledged sequences are skipped.
func (q *ProcessingCommandQueue) ResetSequence(seq uint64) {
	q.mu.Lock()
	q.consumingSequence = seq
	q.mu.Unlock()
}

// Restart resumes dispatching after Pause.
func (q *ProcessingCommandQueue) Restart() {
	q.mu.Lock()
	q.paused = false
	q.lastActive = q.now()
	q.mu.Unlock()
	q.worker.Notify()
}

// Pending returns the number of enqueued but unacknowledged commands.
func (q *ProcessingCommandQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Idle implements perkey.Entry.
func (q *ProcessingCommandQueue) Idle(now time.Time, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) > 0 || q.paused {
		return false
	}
	return now.Sub(q.lastActive) >= timeout
}

// Close implements perkey.Entry. It stops the worker; unacknowledged
// commands stay with their source delivery and will be redelivered.
func (q *ProcessingCommandQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.worker.Stop()
	if q.onClose != nil {
		q.onClose()
	}
}

func (q *ProcessingCommandQueue) drain() error {
	for {
		cmd, ok := q.next()
		if !ok {
			return nil
		}
		q.dispatch(cmd)
	}
}

// next returns the command to dispatch, if the cursor points at the one
// right after the last acknowledged command.
func (q *ProcessingCommandQueue) next() (*ProcessingCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.paused || q.closed || q.ctx.Err() != nil {
			return nil, false
		}
		if q.consumingSequence <= q.previousSequence {
			q.consumingSequence = q.previousSequence + 1
		}
		seq := q.consumingSequence
		if seq > q.previousSequence+1 || seq >= q.nextSequence {
			return nil, false
		}
		q.consumingSequence++
		if _, acked := q.waiting[seq]; acked {
			continue
		}
		cmd, ok := q.messages[seq]
		if !ok {
			continue
		}
		q.lastActive = q.now()
		return cmd, true
	}
}

func (q *ProcessingCommandQueue) dispatch(cmd *ProcessingCommand) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			q.log.Error("command dispatch panicked", cmd.SlogAttr(), slog.Any("error", err))
			q.Reject(cmd, newResult(cmd.Command, StatusFailed, "", err), false)
		}
	}()
	q.log.Debug("dispatch command", cmd.SlogAttr())
	q.dispatcher.Dispatch(q.ctx, cmd)
}

func (q *ProcessingCommandQueue) ack(a ack) {
	q.mu.Lock()
	expected := q.previousSequence + 1
	var ready []ack
	switch seq := a.cmd.Sequence; {
	case seq == expected:
		ready = append(ready, a)
		delete(q.messages, seq)
		q.previousSequence = seq
		for {
			n, ok := q.waiting[q.previousSequence+1]
			if !ok {
				break
			}
			delete(q.waiting, q.previousSequence+1)
			delete(q.messages, q.previousSequence+1)
			q.previousSequence++
			ready = append(ready, n)
		}
	case seq > expected:
		q.waiting[seq] = a
	default:
		q.log.Debug("ignoring stale ack", a.cmd.SlogAttr(), slog.Uint64("expected", expected))
	}
	q.lastActive = q.now()
	q.mu.Unlock()

	for _, r := range ready {
		q.settle(r)
	}
	q.worker.Notify()
}

func (q *ProcessingCommandQueue) settle(a ack) {
	var err error
	if a.redeliver {
		err = a.cmd.Source.Reject()
	} else {
		err = a.cmd.Source.Commit()
	}
	if err != nil {
		q.log.Warn("settling command delivery failed", a.cmd.SlogAttr(), slog.Any("error", err))
	}
	q.log.Debug("command done", a.cmd.SlogAttr(), a.result.SlogAttr())
	q.notify(a.result)
}
