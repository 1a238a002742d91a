package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/codec"
	"github.com/codewandler/sequent/core/es"
)

// DomainEventConsumer feeds published event streams from the broker into
// an EventProcessor.
type DomainEventConsumer struct {
	log       *slog.Logger
	consumer  broker.Consumer
	group     string
	topics    []string
	events    *es.EventRegistry
	codec     codec.Codec
	processor *EventProcessor

	mu  sync.Mutex
	sub broker.Subscription
}

// NewDomainEventConsumer subscribes processor to topics. The consumer group
// is the processor name, so instances of one processor share the work.
func NewDomainEventConsumer(consumer broker.Consumer, topics []string, events *es.EventRegistry, processor *EventProcessor, log *slog.Logger) *DomainEventConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &DomainEventConsumer{
		log:       log.With(slog.String("component", "domain_event_consumer"), slog.String("processor", processor.Name())),
		consumer:  consumer,
		group:     processor.Name(),
		topics:    topics,
		events:    events,
		codec:     codec.JSONCodec{},
		processor: processor,
	}
}

func (c *DomainEventConsumer) Start(ctx context.Context) error {
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

func (c *DomainEventConsumer) Stop() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *DomainEventConsumer) handle(ctx context.Context, msg broker.Message) {
	env := msg.Envelope()
	if env.Tag != es.StreamRecordTag {
		c.log.Warn("ignoring message that is not an event stream", slog.String("tag", env.Tag))
		_ = msg.Commit()
		return
	}
	stream, err := c.decode(env.Content)
	if err != nil {
		c.log.Error("dropping undecodable event stream", slog.Any("error", err))
		_ = msg.Commit()
		return
	}
	if err := c.processor.Process(ctx, stream, msg); err != nil {
		if errors.Is(err, es.ErrMissingAggregateID) {
			_ = msg.Commit()
			return
		}
		c.log.Warn("event stream not accepted, rejecting", stream.SlogAttr(), slog.Any("error", err))
		_ = msg.Reject()
	}
}

func (c *DomainEventConsumer) decode(data []byte) (*es.EventStream, error) {
	var rec es.StreamRecord
	if err := c.codec.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return c.events.DecodeStream(&rec)
}
