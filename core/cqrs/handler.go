package cqrs

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

	"github.com/codewandler/sequent/core/codec"
	"github.com/codewandler/sequent/core/es"
)

const instrumentationName = "github.com/codewandler/sequent/core/cqrs"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// Committer takes over a command whose handler produced an event stream.
// It acknowledges the command once the stream is resolved.
type Committer interface {
	Commit(ev *CommittingEvent) error
}

// CommandHandler dispatches commands to their registered handler, derives
// the resulting event stream and hands it to the committer.
type CommandHandler struct {
	log        *slog.Logger
	registry   *Registry
	source     AggregateSource
	aggregates *es.AggregateRegistry
	committer  Committer
	metrics    Metrics
	ids        es.IDGenerator
	now        func() time.Time
}

var _ CommandDispatcher = (*CommandHandler)(nil)

func NewCommandHandler(
	registry *Registry,
	source AggregateSource,
	aggregates *es.AggregateRegistry,
	committer Committer,
	opts ...HandlerOption,
) *CommandHandler {
	options := newHandlerOpts(opts...)
	return &CommandHandler{
		log:        options.log.With(slog.String("component", "command_handler")),
		registry:   registry,
		source:     source,
		aggregates: aggregates,
		committer:  committer,
		metrics:    options.metrics,
		ids:        options.ids,
		now:        options.now,
	}
}

func (h *CommandHandler) Dispatch(ctx context.Context, pc *ProcessingCommand) {
	cmd := pc.Command
	cmdType := codec.TagOf(cmd)
	log := h.log.With(pc.SlogAttr(), slog.String("command_type", cmdType))

	ctx, span := tracer().Start(ctx, "cqrs.handle", trace.WithAttributes(
		attribute.String("command.type", cmdType),
		attribute.String("command.id", cmd.CommandID()),
		attribute.String("aggregate.id", cmd.AggregateRootID()),
		attribute.Int64("command.seq", int64(pc.Sequence)),
	))
	defer span.End()
	defer h.metrics.HandleDuration(cmdType).ObserveDuration()

	fail := func(err error, redeliver bool) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.CommandCompleted(cmdType, StatusFailed)
		pc.queue.Reject(pc, newResult(cmd, StatusFailed, "", err), redeliver)
	}

	fn, err := h.registry.Lookup(cmdType)
	if err != nil {
		log.Error("cannot route command", slog.Any("error", err))
		fail(err, false)
		return
	}

	cc := newCommandContext(ctx, log, cmd, h.source, h.aggregates)
	if err := h.call(fn, cc, cmd); err != nil {
		cc.discard()
		if cc.loadErr != nil && errors.Is(err, cc.loadErr) {
			log.Warn("loading aggregate failed, command will be redelivered", slog.Any("error", err))
			fail(err, true)
			return
		}
		log.Debug("command handler failed", slog.Any("error", err))
		fail(err, false)
		return
	}

	changed := cc.changed()
	switch len(changed) {
	case 0:
		log.Debug("command changed nothing")
		h.metrics.CommandCompleted(cmdType, StatusNothingChanged)
		pc.queue.Commit(pc, newResult(cmd, StatusNothingChanged, cc.result, nil))

	case 1:
		agg := changed[0]
		stream, err := es.NewEventStream(agg, cmd.CommandID(), h.ids, h.now)
		if err != nil {
			cc.discard()
			log.Error("building event stream failed", slog.Any("error", err))
			fail(err, false)
			return
		}
		span.SetAttributes(attribute.Int64("stream.version", int64(stream.Version)))
		ev := &CommittingEvent{
			Stream:      stream,
			Aggregate:   agg,
			Command:     pc,
			CommandType: cmdType,
			Result:      cc.result,
		}
		if err := h.committer.Commit(ev); err != nil {
			cc.discard()
			log.Warn("handing stream to committer failed", slog.Any("error", err))
			fail(err, true)
		}

	default:
		cc.discard()
		err := fmt.Errorf("%w: %d aggregates", ErrMultipleAggregatesChanged, len(changed))
		log.Error("command rejected", slog.Any("error", err))
		fail(err, false)
	}
}

func (h *CommandHandler) call(fn HandlerFunc, cc *CommandContext, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn(cc, cmd)
}
