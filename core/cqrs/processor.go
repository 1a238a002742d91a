package cqrs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/sequent/core/codec"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/perkey"
)

// CommandProcessor routes commands into one ProcessingCommandQueue per
// aggregate. Queues are created on demand and evicted once idle.
type CommandProcessor struct {
	ctx        context.Context
	cancel     context.CancelFunc
	log        *slog.Logger
	dispatcher CommandDispatcher
	notify     ResultNotifier
	metrics    Metrics

	arena   *perkey.Arena[string, *ProcessingCommandQueue]
	sweeper *perkey.Sweeper
}

func NewCommandProcessor(dispatcher CommandDispatcher, opts ...ProcessorOption) *CommandProcessor {
	options := newProcessorOpts(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	p := &CommandProcessor{
		ctx:        ctx,
		cancel:     cancel,
		log:        options.log.With(slog.String("component", "command_processor")),
		dispatcher: dispatcher,
		notify:     options.notify,
		metrics:    options.metrics,
	}
	if p.notify == nil {
		p.notify = func(CommandResult) {}
	}
	qcfg := queueConfig{
		log:     p.log,
		now:     options.now,
		notify:  p.notify,
		backoff: options.backoff,
		onClose: func() { p.metrics.Queues().Dec() },
	}
	p.arena = perkey.NewArena(func(aggID string) *ProcessingCommandQueue {
		p.metrics.Queues().Inc()
		return newProcessingCommandQueue(ctx, aggID, dispatcher, qcfg)
	}, perkey.WithMaxEntries(options.maxQueues), perkey.WithClock(options.now))
	if options.idle.timeout > 0 {
		p.sweeper = perkey.StartSweeper(options.idle.interval, func() { p.Evict(options.idle.timeout) })
	}
	return p
}

// Process enqueues cmd on the queue of its aggregate. A command without
// aggregate id is settled right away with a failed result.
func (p *CommandProcessor) Process(ctx context.Context, cmd *ProcessingCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmdType := codec.TagOf(cmd.Command)
	aggID := cmd.Command.AggregateRootID()
	if aggID == "" {
		err := es.ErrMissingAggregateID
		p.log.Error("rejecting command", slog.String("command_id", cmd.Command.CommandID()), slog.String("command_type", cmdType), slog.Any("error", err))
		if serr := cmd.Source.Commit(); serr != nil {
			p.log.Warn("settling command delivery failed", slog.Any("error", serr))
		}
		p.metrics.CommandCompleted(cmdType, StatusFailed)
		p.notify(newResult(cmd.Command, StatusFailed, "", err))
		return err
	}

	var enqueueErr error
	err := p.arena.Use(aggID, func(q *ProcessingCommandQueue) {
		enqueueErr = q.Enqueue(cmd)
	})
	switch {
	case errors.Is(err, perkey.ErrArenaClosed):
		return ErrProcessorClosed
	case err != nil:
		return err
	case enqueueErr != nil:
		return enqueueErr
	}
	p.metrics.CommandReceived(cmdType)
	return nil
}

// Queue returns the live queue of aggID.
func (p *CommandProcessor) Queue(aggID string) (*ProcessingCommandQueue, bool) {
	return p.arena.Get(aggID)
}

// Queues returns the number of live queues.
func (p *CommandProcessor) Queues() int { return p.arena.Len() }

// Pending returns the number of unacknowledged commands over all queues.
func (p *CommandProcessor) Pending() int {
	n := 0
	p.arena.Range(func(_ string, q *ProcessingCommandQueue) { n += q.Pending() })
	return n
}

// Evict closes queues that were idle for timeout.
func (p *CommandProcessor) Evict(timeout time.Duration) int {
	n := p.arena.Evict(timeout)
	if n > 0 {
		p.log.Debug("evicted idle command queues", slog.Int("count", n))
	}
	return n
}

// Close stops the sweep and all queues. Commands not yet acknowledged stay
// unsettled and will be redelivered by the broker.
func (p *CommandProcessor) Close() {
	if p.sweeper != nil {
		p.sweeper.Stop()
	}
	p.cancel()
	p.arena.Close()
}
