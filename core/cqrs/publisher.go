package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/codec"
	"github.com/codewandler/sequent/core/es"
)

// EventPublisher produces committed event streams to the broker, one topic
// partition per aggregate id.
type EventPublisher struct {
	log      *slog.Logger
	producer broker.Producer
	events   *es.EventRegistry
	topics   broker.TopicResolver
	codec    codec.Codec
	metrics  Metrics
	retries  int
	backoff  time.Duration
}

var _ StreamPublisher = (*EventPublisher)(nil)

func NewEventPublisher(producer broker.Producer, events *es.EventRegistry, topics broker.TopicResolver, opts ...PublisherOption) *EventPublisher {
	options := newPublisherOpts(opts...)
	return &EventPublisher{
		log:      options.log.With(slog.String("component", "event_publisher")),
		producer: producer,
		events:   events,
		topics:   topics,
		codec:    codec.JSONCodec{},
		metrics:  options.metrics,
		retries:  options.retries,
		backoff:  options.backoff,
	}
}

// Publish encodes s and produces it. Failed attempts are retried with a
// fixed backoff.
func (p *EventPublisher) Publish(ctx context.Context, s *es.EventStream) error {
	rec, err := p.events.EncodeStream(s)
	if err != nil {
		return fmt.Errorf("encode stream: %w", err)
	}
	data, err := p.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal stream: %w", err)
	}
	env := broker.Envelope{
		Content: data,
		Tag:     es.StreamRecordTag,
		Key:     s.AggregateRootID,
		Headers: map[string]string{
			broker.HeaderMessageID:   s.ID,
			broker.HeaderCommandID:   s.CommandID,
			broker.HeaderAggregateID: s.AggregateRootID,
		},
	}
	topic := p.topics.Topic(s.AggregateRootID)

	for attempt := 0; ; attempt++ {
		err = p.producer.Produce(ctx, topic, env)
		if err == nil {
			p.log.Debug("stream published", s.SlogAttr(), slog.String("topic", topic))
			return nil
		}
		p.metrics.PublishFailed(topic)
		if attempt >= p.retries {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		p.log.Warn("publish failed, retrying", s.SlogAttr(), slog.Int("attempt", attempt+1), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff):
		}
	}
}
