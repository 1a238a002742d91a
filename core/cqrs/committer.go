package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/perkey"
)

// StreamPublisher publishes committed streams.
type StreamPublisher interface {
	Publish(ctx context.Context, s *es.EventStream) error
}

// CommittingEvent is an event stream waiting to be persisted, together with
// the aggregate and command it came from.
type CommittingEvent struct {
	Stream      *es.EventStream
	Aggregate   es.AggregateRoot
	Command     *ProcessingCommand
	CommandType string
	Result      string
}

func (e *CommittingEvent) result(status CommandStatus, err error) CommandResult {
	return newResult(e.Command.Command, status, e.Result, err)
}

// EventCommitter persists event streams one aggregate at a time and
// resolves the outcome of every append against the originating command
// queue. Conflicts are retried or resolved here and never reach the caller,
// except when a command exceeds its conflict retries.
type EventCommitter struct {
	ctx        context.Context
	cancel     context.CancelFunc
	log        *slog.Logger
	store      es.EventStore
	source     AggregateSource
	publisher  StreamPublisher
	metrics    Metrics
	maxRetries int

	arena   *perkey.Arena[string, *CommittingEventQueue]
	sweeper *perkey.Sweeper
}

var _ Committer = (*EventCommitter)(nil)

func NewEventCommitter(store es.EventStore, source AggregateSource, publisher StreamPublisher, opts ...CommitterOption) *EventCommitter {
	options := newCommitterOpts(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	c := &EventCommitter{
		ctx:        ctx,
		cancel:     cancel,
		log:        options.log.With(slog.String("component", "event_committer")),
		store:      store,
		source:     source,
		publisher:  publisher,
		metrics:    options.metrics,
		maxRetries: options.maxRetries,
	}
	c.arena = perkey.NewArena(func(aggID string) *CommittingEventQueue {
		return newCommittingEventQueue(aggID, c, options)
	}, perkey.WithMaxEntries(options.maxQueues), perkey.WithClock(options.now))
	if options.idle.timeout > 0 {
		c.sweeper = perkey.StartSweeper(options.idle.interval, func() { c.arena.Evict(options.idle.timeout) })
	}
	return c
}

// Commit enqueues ev on the commit queue of its aggregate.
func (c *EventCommitter) Commit(ev *CommittingEvent) error {
	return c.arena.Use(ev.Stream.AggregateRootID, func(q *CommittingEventQueue) {
		q.Enqueue(ev)
	})
}

// Queues returns the number of live commit queues.
func (c *EventCommitter) Queues() int { return c.arena.Len() }

// Close stops all commit queues. Streams not yet persisted are dropped;
// their commands were not acknowledged and will be redelivered.
func (c *EventCommitter) Close() {
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	c.cancel()
	c.arena.Close()
}

func (c *EventCommitter) commit(ev *CommittingEvent) {
	ctx, span := tracer().Start(c.ctx, "cqrs.commit", trace.WithAttributes(
		attribute.String("aggregate.type", ev.Stream.AggregateType),
		attribute.String("aggregate.id", ev.Stream.AggregateRootID),
		attribute.Int64("stream.version", int64(ev.Stream.Version)),
		attribute.String("command.id", ev.Stream.CommandID),
	))
	defer span.End()

	timer := c.metrics.CommitDuration(ev.Stream.AggregateType)
	res, err := c.store.Save(ctx, ev.Stream)
	timer.ObserveDuration()
	c.metrics.CommitOutcome(ev.Stream.AggregateType, res)
	span.SetAttributes(attribute.String("append.result", res.String()))

	log := c.log.With(ev.Stream.SlogAttr(), ev.Command.SlogAttr())

	switch res {
	case es.AppendSuccess:
		c.onSuccess(ctx, log, ev)
	case es.AppendDuplicatedCommand:
		c.onDuplicatedCommand(ctx, log, ev)
	case es.AppendDuplicatedEvent:
		if ev.Stream.Version == 1 {
			c.onDuplicatedCreation(ctx, log, ev)
		} else {
			c.onConflict(ctx, log, ev)
		}
	default:
		if err == nil {
			err = fmt.Errorf("append %s", res)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.onFailed(log, ev, err)
	}
}

func (c *EventCommitter) onSuccess(ctx context.Context, log *slog.Logger, ev *CommittingEvent) {
	if err := es.CommitEvents(ev.Aggregate, ev.Stream.Version); err != nil {
		// the stream is persisted, only the cached instance is off
		log.Error("aggregate out of step with committed stream", slog.Any("error", err))
		c.source.Remove(ev.Stream.AggregateType, ev.Stream.AggregateRootID)
	} else {
		c.source.Set(ev.Aggregate)
	}
	c.publish(ctx, log, ev.Stream)
	log.Debug("stream committed")
	c.complete(ev, ev.result(StatusSuccess, nil))
}

// onDuplicatedCommand handles a command that was persisted before, e.g.
// because its delivery was repeated. The stored stream is published again
// and the command completes without a second append.
func (c *EventCommitter) onDuplicatedCommand(ctx context.Context, log *slog.Logger, ev *CommittingEvent) {
	pc := ev.Command
	q := pc.queue
	q.Pause()
	q.ResetSequence(pc.Sequence + 1)
	c.clear(ev)
	c.refresh(ctx, log, ev)
	q.Restart()

	stored, err := c.store.GetByCommandID(ctx, ev.Stream.AggregateRootID, ev.Stream.CommandID)
	if err != nil {
		log.Error("loading stream of duplicated command failed", slog.Any("error", err))
		c.fail(ev, err, true)
		return
	}
	log.Info("command already committed, republishing", stored.SlogAttr())
	c.publish(ctx, log, stored)
	c.complete(ev, ev.result(StatusSuccess, nil))
}

// onDuplicatedCreation handles a clash on version 1. If the stored first
// stream belongs to the same command this is a repeated delivery, otherwise
// another command created the aggregate first.
func (c *EventCommitter) onDuplicatedCreation(ctx context.Context, log *slog.Logger, ev *CommittingEvent) {
	pc := ev.Command
	q := pc.queue

	stored, err := c.store.GetByVersion(ctx, ev.Stream.AggregateRootID, 1)
	if err != nil {
		log.Error("loading first stream failed", slog.Any("error", err))
		c.source.Remove(ev.Stream.AggregateType, ev.Stream.AggregateRootID)
		c.fail(ev, err, true)
		return
	}

	if stored.CommandID == ev.Stream.CommandID {
		q.Pause()
		q.ResetSequence(pc.Sequence)
		c.refresh(ctx, log, ev)
		log.Info("aggregate creation already committed, republishing", stored.SlogAttr())
		c.publish(ctx, log, stored)
		c.complete(ev, ev.result(StatusSuccess, nil))
		q.Restart()
		return
	}

	log.Warn("aggregate was created by another command", slog.String("creator", stored.CommandID))
	c.refresh(ctx, log, ev)
	q.ResetSequence(pc.Sequence + 1)
	c.fail(ev, fmt.Errorf("%w: %s", ErrDuplicateAggregateCreation, ev.Stream.AggregateRootID), false)
}

// onConflict handles a stale aggregate: another writer appended this
// version first. The aggregate is rebuilt and the command runs again,
// unless it already used up its retries.
func (c *EventCommitter) onConflict(ctx context.Context, log *slog.Logger, ev *CommittingEvent) {
	pc := ev.Command
	q := pc.queue
	pc.conflicts++
	c.metrics.ConflictRetry(ev.Stream.AggregateType)

	if pc.conflicts > c.maxRetries {
		log.Error("giving up after version conflicts", slog.Int("conflicts", pc.conflicts))
		c.refresh(ctx, log, ev)
		c.fail(ev, fmt.Errorf("%w: %d", ErrTooManyConflicts, pc.conflicts), false)
		return
	}

	log.Warn("version conflict, retrying command", slog.Int("conflicts", pc.conflicts))
	q.Pause()
	c.clear(ev)
	c.refresh(ctx, log, ev)
	q.ResetSequence(pc.Sequence)
	q.Restart()
}

func (c *EventCommitter) onFailed(log *slog.Logger, ev *CommittingEvent, err error) {
	log.Error("appending stream failed", slog.Any("error", err))
	c.source.Remove(ev.Stream.AggregateType, ev.Stream.AggregateRootID)
	c.fail(ev, err, true)
}

func (c *EventCommitter) complete(ev *CommittingEvent, result CommandResult) {
	c.metrics.CommandCompleted(ev.CommandType, result.Status)
	ev.Command.queue.Commit(ev.Command, result)
}

func (c *EventCommitter) fail(ev *CommittingEvent, err error, redeliver bool) {
	c.metrics.CommandCompleted(ev.CommandType, StatusFailed)
	ev.Command.queue.Reject(ev.Command, ev.result(StatusFailed, err), redeliver)
}

func (c *EventCommitter) refresh(ctx context.Context, log *slog.Logger, ev *CommittingEvent) {
	if _, err := c.source.Refresh(ctx, ev.Stream.AggregateType, ev.Stream.AggregateRootID); err != nil {
		log.Warn("refreshing aggregate failed", slog.Any("error", err))
		c.source.Remove(ev.Stream.AggregateType, ev.Stream.AggregateRootID)
	}
}

// clear drops the streams queued behind ev on its aggregate. Their commands
// are rewound so they run again against the refreshed aggregate.
func (c *EventCommitter) clear(ev *CommittingEvent) {
	q, ok := c.arena.Get(ev.Stream.AggregateRootID)
	if !ok {
		return
	}
	for _, dropped := range q.Clear() {
		cq := dropped.Command.queue
		if cq == ev.Command.queue {
			continue
		}
		cq.ResetSequence(dropped.Command.Sequence)
		cq.worker.Notify()
	}
}

func (c *EventCommitter) publish(ctx context.Context, log *slog.Logger, s *es.EventStream) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, s); err != nil {
		// the stream is durable; consumers catch up on the next publish
		log.Error("publishing stream failed", slog.Any("error", err))
	}
}

// CommittingEventQueue holds the streams of one aggregate that wait to be
// appended. A single worker appends them in arrival order.
type CommittingEventQueue struct {
	aggregateID string
	committer   *EventCommitter
	now         func() time.Time
	worker      *perkey.Worker

	mu         sync.Mutex
	items      []*CommittingEvent
	busy       bool
	closed     bool
	lastActive time.Time
}

func newCommittingEventQueue(aggID string, c *EventCommitter, options committerOpts) *CommittingEventQueue {
	q := &CommittingEventQueue{
		aggregateID: aggID,
		committer:   c,
		now:         options.now,
		lastActive:  options.now(),
	}
	q.worker = perkey.NewWorker(q.drain,
		perkey.WithWorkerLog(c.log.With(slog.String("aggregate_id", aggID))),
		perkey.WithRetryBackoff(options.backoff),
	)
	return q
}

func (q *CommittingEventQueue) Enqueue(ev *CommittingEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.lastActive = q.now()
	q.mu.Unlock()
	q.worker.Notify()
}

// Clear removes and returns every queued stream.
func (q *CommittingEventQueue) Clear() []*CommittingEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *CommittingEventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *CommittingEventQueue) Idle(now time.Time, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 || q.busy {
		return false
	}
	return now.Sub(q.lastActive) >= timeout
}

func (q *CommittingEventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.worker.Stop()
}

func (q *CommittingEventQueue) drain() error {
	for {
		q.mu.Lock()
		if q.closed || len(q.items) == 0 {
			q.busy = false
			q.mu.Unlock()
			return nil
		}
		ev := q.items[0]
		q.items = slices.Delete(q.items, 0, 1)
		q.busy = true
		q.mu.Unlock()

		q.commit(ev)

		q.mu.Lock()
		q.lastActive = q.now()
		q.mu.Unlock()
	}
}

func (q *CommittingEventQueue) commit(ev *CommittingEvent) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", perkey.ErrPanic, r)
			q.committer.log.Error("commit panicked", ev.Stream.SlogAttr(), slog.Any("error", err))
			q.committer.source.Remove(ev.Stream.AggregateType, ev.Stream.AggregateRootID)
			q.committer.fail(ev, err, true)
		}
	}()
	q.committer.commit(ev)
}
