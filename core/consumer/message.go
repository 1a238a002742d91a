package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/codec"
	"github.com/codewandler/sequent/core/perkey"
)

// ApplicationMessage is a message that is not an event stream, e.g. a
// notification between bounded contexts. Messages with the same routing
// key are handled one at a time, in arrival order.
type ApplicationMessage interface {
	MessageID() string
	RoutingKey() string
}

// MessageBase implements ApplicationMessage for embedding.
type MessageBase struct {
	ID  string `json:"id"`
	Key string `json:"routing_key"`
}

func (m MessageBase) MessageID() string  { return m.ID }
func (m MessageBase) RoutingKey() string { return m.Key }

// MessageHandlerFunc handles one application message.
type MessageHandlerFunc func(ctx context.Context, msg ApplicationMessage) error

type messageHandler struct {
	name string
	fn   MessageHandlerFunc
}

// MessageRegistry maps message types to handlers and knows how to decode
// every registered type.
type MessageRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]messageHandler
	types    *codec.Registry
}

func NewMessageRegistry(opts ...codec.RegistryOption) *MessageRegistry {
	return &MessageRegistry{
		handlers: map[string][]messageHandler{},
		types:    codec.NewRegistry(opts...),
	}
}

// HandleMessage registers fn for messages of type M. M should be a struct
// type; messages arrive either as M or as *M.
func HandleMessage[M ApplicationMessage](r *MessageRegistry, name string, fn func(ctx context.Context, msg M) error) string {
	msgType := codec.TagFor[M]()
	r.types.Register(msgType, func() any { return new(M) })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], messageHandler{
		name: name,
		fn: func(ctx context.Context, msg ApplicationMessage) error {
			switch m := any(msg).(type) {
			case M:
				return fn(ctx, m)
			case *M:
				return fn(ctx, *m)
			default:
				return fmt.Errorf("%w: handler %s for %s got %T", ErrUnknownMessage, name, msgType, msg)
			}
		},
	})
	return msgType
}

func (r *MessageRegistry) handlersOf(msgType string) []messageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[msgType]
}

// Encode returns the type tag and wire form of msg.
func (r *MessageRegistry) Encode(msg ApplicationMessage) (string, []byte, error) {
	return r.types.Encode(msg)
}

// Decode rebuilds a message from its type tag and wire form.
func (r *MessageRegistry) Decode(msgType string, data []byte) (ApplicationMessage, error) {
	v, err := r.types.Decode(msgType, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownMessage, err)
	}
	msg, ok := v.(ApplicationMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an application message", ErrUnknownMessage, msgType)
	}
	return msg, nil
}

// MessageProcessor runs application messages through their handlers,
// serialized per routing key.
type MessageProcessor struct {
	name      string
	ctx       context.Context
	cancel    context.CancelFunc
	log       *slog.Logger
	registry  *MessageRegistry
	metrics   Metrics
	scheduler *perkey.Scheduler[string]
}

func NewMessageProcessor(name string, registry *MessageRegistry, opts ...MessageProcessorOption) *MessageProcessor {
	options := newMessageProcessorOpts(opts...)
	sopts := []perkey.Option{perkey.WithMaxKeys(options.maxKeys)}
	if options.idle.timeout > 0 {
		sopts = append(sopts, perkey.WithIdleEviction(options.idle.timeout, options.idle.interval))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageProcessor{
		name:      name,
		ctx:       ctx,
		cancel:    cancel,
		log:       options.log.With(slog.String("component", "message_processor"), slog.String("processor", name)),
		registry:  registry,
		metrics:   options.metrics,
		scheduler: perkey.New[string](sopts...),
	}
}

func (p *MessageProcessor) Name() string { return p.name }

// Process queues msg behind earlier messages with the same routing key.
// Once every handler succeeded the source is committed; the first failure
// rejects it.
func (p *MessageProcessor) Process(ctx context.Context, msg ApplicationMessage, source broker.Acker) error {
	if msg.MessageID() == "" {
		return ErrMissingID
	}
	key := msg.RoutingKey()
	if key == "" {
		return ErrMissingKey
	}
	if source == nil {
		source = broker.NopAcker
	}
	err := p.scheduler.Submit(ctx, key, func() { p.handle(msg, source) })
	if errors.Is(err, perkey.ErrSchedulerClosed) {
		return ErrProcessorClosed
	}
	return err
}

// Keys returns the number of routing keys with a live worker.
func (p *MessageProcessor) Keys() int { return p.scheduler.Keys() }

// Close waits for queued messages to finish and stops all workers.
func (p *MessageProcessor) Close() {
	p.scheduler.Close()
	p.cancel()
}

func (p *MessageProcessor) handle(msg ApplicationMessage, source broker.Acker) {
	msgType := codec.TagOf(msg)
	log := p.log.With(slog.String("message_id", msg.MessageID()), slog.String("message_type", msgType))

	for _, h := range p.registry.handlersOf(msgType) {
		if err := callMessage(p.ctx, h, msg); err != nil {
			p.metrics.MessageFailed(p.name, msgType)
			log.Warn("message handler failed, delivery rejected", slog.String("handler", h.name), slog.Any("error", err))
			if rerr := source.Reject(); rerr != nil {
				log.Warn("rejecting delivery failed", slog.Any("error", rerr))
			}
			return
		}
	}
	p.metrics.MessageHandled(p.name, msgType)
	if err := source.Commit(); err != nil {
		log.Warn("committing delivery failed", slog.Any("error", err))
	}
}

func callMessage(ctx context.Context, h messageHandler, msg ApplicationMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.fn(ctx, msg)
}

// MessagePublisher produces application messages, partitioned by routing
// key.
type MessagePublisher struct {
	producer broker.Producer
	registry *MessageRegistry
	topics   broker.TopicResolver
}

func NewMessagePublisher(producer broker.Producer, registry *MessageRegistry, topics broker.TopicResolver) *MessagePublisher {
	return &MessagePublisher{producer: producer, registry: registry, topics: topics}
}

func (p *MessagePublisher) Publish(ctx context.Context, msg ApplicationMessage) error {
	if msg.MessageID() == "" {
		return ErrMissingID
	}
	if msg.RoutingKey() == "" {
		return ErrMissingKey
	}
	tag, data, err := p.registry.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	env := broker.Envelope{
		Content: data,
		Tag:     tag,
		Key:     msg.RoutingKey(),
		Headers: map[string]string{broker.HeaderMessageID: msg.MessageID()},
	}
	topic := p.topics.Topic(msg.RoutingKey())
	if err := p.producer.Produce(ctx, topic, env); err != nil {
		return fmt.Errorf("publish %s to %s: %w", tag, topic, err)
	}
	return nil
}

// MessageConsumer feeds application messages from the broker into a
// MessageProcessor.
type MessageConsumer struct {
	log       *slog.Logger
	consumer  broker.Consumer
	topics    []string
	registry  *MessageRegistry
	processor *MessageProcessor

	mu  sync.Mutex
	sub broker.Subscription
}

func NewMessageConsumer(consumer broker.Consumer, topics []string, registry *MessageRegistry, processor *MessageProcessor, log *slog.Logger) *MessageConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &MessageConsumer{
		log:       log.With(slog.String("component", "message_consumer"), slog.String("processor", processor.Name())),
		consumer:  consumer,
		topics:    topics,
		registry:  registry,
		processor: processor,
	}
}

func (c *MessageConsumer) Start(ctx context.Context) error {
	sub, err := c.consumer.Subscribe(ctx, c.processor.Name(), c.topics, c.handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *MessageConsumer) Stop() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *MessageConsumer) handle(ctx context.Context, m broker.Message) {
	env := m.Envelope()
	msg, err := c.registry.Decode(env.Tag, env.Content)
	if err != nil {
		c.log.Error("dropping undecodable message", slog.String("tag", env.Tag), slog.Any("error", err))
		_ = m.Commit()
		return
	}
	err = c.processor.Process(ctx, msg, m)
	switch {
	case err == nil:
	case errors.Is(err, ErrMissingID), errors.Is(err, ErrMissingKey):
		c.log.Error("dropping invalid message", slog.Any("error", err))
		_ = m.Commit()
	default:
		c.log.Warn("message not accepted, rejecting", slog.Any("error", err))
		_ = m.Reject()
	}
}
