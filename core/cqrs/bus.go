package cqrs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/es"
)

// CommandBus sends commands through the broker, partitioned by aggregate id.
type CommandBus struct {
	log      *slog.Logger
	producer broker.Producer
	registry *Registry
	topics   broker.TopicResolver
	waiter   *ResultWaiter
	ids      es.IDGenerator
}

// NewCommandBus creates a bus. waiter may be nil, in which case Execute is
// unavailable.
func NewCommandBus(producer broker.Producer, registry *Registry, topics broker.TopicResolver, waiter *ResultWaiter, opts ...BusOption) *CommandBus {
	options := newBusOpts(opts...)
	return &CommandBus{
		log:      options.log.With(slog.String("component", "command_bus")),
		producer: producer,
		registry: registry,
		topics:   topics,
		waiter:   waiter,
		ids:      options.ids,
	}
}

// NewCommandID returns a fresh command id.
func (b *CommandBus) NewCommandID() string { return b.ids() }

// Send produces cmd. It returns once the broker accepted the command.
func (b *CommandBus) Send(ctx context.Context, cmd Command) error {
	if cmd.CommandID() == "" {
		return ErrMissingCommandID
	}
	if cmd.AggregateRootID() == "" {
		return es.ErrMissingAggregateID
	}
	tag, data, err := b.registry.Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	env := broker.Envelope{
		Content: data,
		Tag:     tag,
		Key:     cmd.AggregateRootID(),
		Headers: map[string]string{
			broker.HeaderMessageID:   cmd.CommandID(),
			broker.HeaderCommandID:   cmd.CommandID(),
			broker.HeaderAggregateID: cmd.AggregateRootID(),
		},
	}
	topic := b.topics.Topic(cmd.AggregateRootID())
	if err := b.producer.Produce(ctx, topic, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", tag, topic, err)
	}
	b.log.Debug("command sent", slog.String("command_id", cmd.CommandID()), slog.String("topic", topic))
	return nil
}

// Execute sends cmd and waits for its result. The result is only seen when
// the command is processed by this process.
func (b *CommandBus) Execute(ctx context.Context, cmd Command) (CommandResult, error) {
	if b.waiter == nil {
		return CommandResult{}, ErrNoResultWaiter
	}
	ch, stop := b.waiter.Register(cmd.CommandID())
	defer stop()
	if err := b.Send(ctx, cmd); err != nil {
		return CommandResult{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}
