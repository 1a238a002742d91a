package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/perkey"
)

const instrumentationName = "github.com/codewandler/sequent/core/consumer"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// EventProcessor applies received event streams to the registered
// handlers, one ProcessingEventQueue per aggregate. Its progress is
// recorded per aggregate in a VersionStore scoped to the processor name,
// so several processors can share one store.
type EventProcessor struct {
	name     string
	ctx      context.Context
	cancel   context.CancelFunc
	log      *slog.Logger
	registry *Registry
	versions es.VersionStore
	metrics  Metrics
	now      func() time.Time

	arena   *perkey.Arena[string, *ProcessingEventQueue]
	sweeper *perkey.Sweeper
}

func NewEventProcessor(name string, registry *Registry, versions es.VersionStore, opts ...EventProcessorOption) *EventProcessor {
	options := newEventProcessorOpts(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	p := &EventProcessor{
		name:     name,
		ctx:      ctx,
		cancel:   cancel,
		log:      options.log.With(slog.String("component", "event_processor"), slog.String("processor", name)),
		registry: registry,
		versions: es.NewScopedVersionStore(name, versions),
		metrics:  options.metrics,
		now:      options.now,
	}
	p.arena = perkey.NewArena(func(aggID string) *ProcessingEventQueue {
		p.metrics.Queues().Inc()
		return newProcessingEventQueue(aggID, p, options.backoff, options.recheck)
	}, perkey.WithMaxEntries(options.maxQueues), perkey.WithClock(options.now))
	if options.idle.timeout > 0 {
		p.sweeper = perkey.StartSweeper(options.idle.interval, func() { p.Evict(options.idle.timeout) })
	}
	return p
}

func (p *EventProcessor) Name() string { return p.name }

// Process hands s to the queue of its aggregate. source is settled once the
// stream was applied, found to be a duplicate, or failed.
func (p *EventProcessor) Process(ctx context.Context, s *es.EventStream, source broker.Acker) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.AggregateRootID == "" {
		return es.ErrMissingAggregateID
	}
	if source == nil {
		source = broker.NopAcker
	}
	pe := &ProcessingEvent{Stream: s, Source: source}

	var enqueueErr error
	err := p.arena.Use(s.AggregateRootID, func(q *ProcessingEventQueue) {
		enqueueErr = q.Enqueue(pe)
	})
	switch {
	case errors.Is(err, perkey.ErrArenaClosed):
		return ErrProcessorClosed
	case err != nil:
		return err
	}
	return enqueueErr
}

// Queue returns the live queue of aggID.
func (p *EventProcessor) Queue(aggID string) (*ProcessingEventQueue, bool) {
	return p.arena.Get(aggID)
}

// Queues returns the number of live queues.
func (p *EventProcessor) Queues() int { return p.arena.Len() }

// Evict closes queues that were idle for timeout.
func (p *EventProcessor) Evict(timeout time.Duration) int {
	n := p.arena.Evict(timeout)
	if n > 0 {
		p.log.Debug("evicted idle event queues", slog.Int("count", n))
	}
	return n
}

// Close stops the sweep and all queues.
func (p *EventProcessor) Close() {
	if p.sweeper != nil {
		p.sweeper.Stop()
	}
	p.cancel()
	p.arena.Close()
}

// dispatch runs every event of s through its handlers, in order. The first
// failure aborts the stream.
func (p *EventProcessor) dispatch(s *es.EventStream) (err error) {
	ctx, span := tracer().Start(p.ctx, "consumer.handle", trace.WithAttributes(
		attribute.String("processor", p.name),
		attribute.String("aggregate.type", s.AggregateType),
		attribute.String("aggregate.id", s.AggregateRootID),
		attribute.Int64("stream.version", int64(s.Version)),
	))
	defer span.End()
	defer p.metrics.HandleDuration(p.name, s.AggregateType).ObserveDuration()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ctx = withStream(ctx, s)
	for _, ev := range s.Events {
		eventType := es.EventTypeOf(ev)
		for _, h := range p.registry.Handlers(eventType) {
			if err := call(ctx, h, ev); err != nil {
				return fmt.Errorf("%s on %s@%d: %w", h.Name, eventType, s.Version, err)
			}
		}
	}
	return nil
}

func call(ctx context.Context, h EventHandler, ev es.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Fn(ctx, ev)
}
