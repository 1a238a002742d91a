package cqrs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/es"
)

// CommandConsumer feeds commands from the broker into a CommandProcessor.
type CommandConsumer struct {
	log       *slog.Logger
	consumer  broker.Consumer
	group     string
	topics    []string
	registry  *Registry
	processor *CommandProcessor

	mu  sync.Mutex
	sub broker.Subscription
}

func NewCommandConsumer(consumer broker.Consumer, group string, topics []string, registry *Registry, processor *CommandProcessor, log *slog.Logger) *CommandConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &CommandConsumer{
		log:       log.With(slog.String("component", "command_consumer"), slog.String("group", group)),
		consumer:  consumer,
		group:     group,
		topics:    topics,
		registry:  registry,
		processor: processor,
	}
}

// Start subscribes to the command topics.
func (c *CommandConsumer) Start(ctx context.Context) error {
	sub, err := c.consumer.Subscribe(ctx, c.group, c.topics, c.handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.log.Debug("started", slog.Any("topics", c.topics))
	return nil
}

// Stop unsubscribes. Commands already handed to the processor keep running.
func (c *CommandConsumer) Stop() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *CommandConsumer) handle(ctx context.Context, msg broker.Message) {
	env := msg.Envelope()
	cmd, err := c.registry.Decode(env.Tag, env.Content)
	if err != nil {
		// redelivery cannot fix an unknown or malformed command
		c.log.Error("dropping undecodable command", slog.String("tag", env.Tag), slog.Any("error", err))
		_ = msg.Commit()
		return
	}
	err = c.processor.Process(ctx, NewProcessingCommand(cmd, msg))
	switch {
	case err == nil:
	case errors.Is(err, es.ErrMissingAggregateID):
		// settled by the processor
	default:
		c.log.Warn("command not accepted, rejecting", slog.String("command_id", cmd.CommandID()), slog.Any("error", err))
		_ = msg.Reject()
	}
}
