package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/sequent/core/broker"
	"github.com/codewandler/sequent/core/config"
	"github.com/codewandler/sequent/core/consumer"
	"github.com/codewandler/sequent/core/cqrs"
	"github.com/codewandler/sequent/core/es"
)

var (
	ErrStopped       = errors.New("engine stopped")
	ErrDuplicateName = errors.New("processor name already in use")
)

type BrokerConfig struct {
	Producer broker.Producer
	Consumer broker.Consumer
}

type StoreConfig struct {
	Events es.EventStore
	// Versions records the progress of event processors.
	Versions es.VersionStore
}

type Registries struct {
	Commands   *cqrs.Registry
	Events     *es.EventRegistry
	Aggregates *es.AggregateRegistry
}

type MetricsConfig struct {
	ES       es.ESMetrics
	CQRS     cqrs.Metrics
	Consumer consumer.Metrics
}

type Config struct {
	Context    context.Context
	Log        *slog.Logger
	Engine     config.Engine
	Topics     config.Topics
	Cache      config.Cache
	Broker     BrokerConfig
	Store      StoreConfig
	Registries Registries
	Metrics    MetricsConfig
	IDs        es.IDGenerator
}

// Engine wires the command side (consumer, processor, handler, committer,
// publisher) and any number of event and message processors onto one
// broker and one set of stores.
type Engine struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	config    Config

	ownedBroker *broker.Memory

	cache     *es.AggregateCache
	waiter    *cqrs.ResultWaiter
	processor *cqrs.CommandProcessor
	committer *cqrs.EventCommitter
	publisher *cqrs.EventPublisher
	bus       *cqrs.CommandBus
	commands  *cqrs.CommandConsumer

	commandTopics broker.TopicResolver
	eventTopics   broker.TopicResolver
	messageTopics broker.TopicResolver

	mu       sync.Mutex
	started  bool
	stopped  bool
	names    map[string]struct{}
	events   []eventPipeline
	messages []messagePipeline

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

type eventPipeline struct {
	processor *consumer.EventProcessor
	consumer  *consumer.DomainEventConsumer
}

type messagePipeline struct {
	processor *consumer.MessageProcessor
	consumer  *consumer.MessageConsumer
}

func New(cfg Config) (e *Engine, err error) {
	e = &Engine{
		names: map[string]struct{}{},
		done:  make(chan struct{}),
	}

	// === settings ===
	cfg.Engine = engineDefaults(cfg.Engine)
	cfg.Topics = topicDefaults(cfg.Topics)
	cfg.Cache = cacheDefaults(cfg.Cache)
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = fmt.Sprintf("node-%s", gonanoid.Must(6))
	}
	if cfg.IDs == nil {
		cfg.IDs = es.DefaultIDGenerator()
	}

	// === logger ===
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	e.log = cfg.Log.With(slog.String("node", cfg.Engine.Name))

	// === context ===
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	e.ctx, e.cancelCtx = context.WithCancel(cfg.Context)

	// === broker & stores ===
	if cfg.Broker.Producer == nil || cfg.Broker.Consumer == nil {
		if cfg.Broker.Producer != nil || cfg.Broker.Consumer != nil {
			return nil, errors.New("broker producer and consumer must be set together")
		}
		e.ownedBroker = broker.NewMemory(broker.WithMemoryLog(e.log))
		cfg.Broker.Producer = e.ownedBroker
		cfg.Broker.Consumer = e.ownedBroker
	}
	if cfg.Store.Events == nil {
		cfg.Store.Events = es.NewInMemoryEventStore(es.WithLog(e.log))
	}
	if cfg.Store.Versions == nil {
		cfg.Store.Versions = es.NewInMemoryVersionStore()
	}

	// === registries & metrics ===
	if cfg.Registries.Commands == nil {
		cfg.Registries.Commands = cqrs.NewRegistry()
	}
	if cfg.Registries.Events == nil {
		cfg.Registries.Events = es.NewEventRegistry()
	}
	if cfg.Registries.Aggregates == nil {
		cfg.Registries.Aggregates = es.NewAggregateRegistry()
	}
	if cfg.Metrics.ES == nil {
		cfg.Metrics.ES = es.NopESMetrics()
	}
	if cfg.Metrics.CQRS == nil {
		cfg.Metrics.CQRS = cqrs.NopMetrics()
	}
	if cfg.Metrics.Consumer == nil {
		cfg.Metrics.Consumer = consumer.NopMetrics()
	}
	e.config = cfg

	e.log.Debug("creating engine", slog.Any("engine", cfg.Engine), slog.Any("topics", cfg.Topics))

	e.commandTopics = broker.NewTopicResolver(cfg.Topics.Commands, cfg.Topics.Partitions, cfg.Topics.Seed)
	e.eventTopics = broker.NewTopicResolver(cfg.Topics.Events, cfg.Topics.Partitions, cfg.Topics.Seed)
	e.messageTopics = broker.NewTopicResolver(cfg.Topics.Messages, cfg.Topics.Partitions, cfg.Topics.Seed)

	// === command side ===
	ec := cfg.Engine
	idle := cqrs.WithIdleEviction(ec.IdleTimeout, ec.SweepInterval)

	e.cache = es.NewAggregateCache(
		es.NewRepository(cfg.Store.Events, cfg.Registries.Aggregates, es.WithLog(e.log), es.WithMetrics(cfg.Metrics.ES)),
		es.WithLog(e.log),
		es.WithMetrics(cfg.Metrics.ES),
		es.WithCacheExpiration(cfg.Cache.Expiration),
		es.WithCacheSweepInterval(cfg.Cache.SweepInterval),
		es.WithCacheMaxSize(cfg.Cache.MaxSize),
	)
	e.publisher = cqrs.NewEventPublisher(cfg.Broker.Producer, cfg.Registries.Events, e.eventTopics,
		cqrs.WithLog(e.log),
		cqrs.WithMetrics(cfg.Metrics.CQRS),
		cqrs.WithPublishRetries(ec.PublishRetries),
		cqrs.WithRetryBackoff(ec.RetryBackoff),
	)
	e.committer = cqrs.NewEventCommitter(cfg.Store.Events, e.cache, e.publisher,
		cqrs.WithLog(e.log),
		cqrs.WithMetrics(cfg.Metrics.CQRS),
		cqrs.WithMaxConflictRetries(ec.MaxConflictRetries),
		cqrs.WithMaxQueues(ec.MaxQueues),
		cqrs.WithRetryBackoff(ec.RetryBackoff),
		idle,
	)
	handler := cqrs.NewCommandHandler(cfg.Registries.Commands, e.cache, cfg.Registries.Aggregates, e.committer,
		cqrs.WithLog(e.log),
		cqrs.WithMetrics(cfg.Metrics.CQRS),
		cqrs.WithIDGenerator(cfg.IDs),
	)
	e.waiter = cqrs.NewResultWaiter()
	e.processor = cqrs.NewCommandProcessor(handler,
		cqrs.WithLog(e.log),
		cqrs.WithMetrics(cfg.Metrics.CQRS),
		cqrs.WithResultNotifier(e.waiter.Notify),
		cqrs.WithMaxQueues(ec.MaxQueues),
		cqrs.WithRetryBackoff(ec.RetryBackoff),
		idle,
	)
	e.bus = cqrs.NewCommandBus(cfg.Broker.Producer, cfg.Registries.Commands, e.commandTopics, e.waiter,
		cqrs.WithLog(e.log),
		cqrs.WithIDGenerator(cfg.IDs),
	)
	e.commands = cqrs.NewCommandConsumer(cfg.Broker.Consumer, cfg.Engine.Group, e.commandTopics.All(), cfg.Registries.Commands, e.processor, e.log)

	return e, nil
}

func (e *Engine) Name() string                        { return e.config.Engine.Name }
func (e *Engine) Bus() *cqrs.CommandBus               { return e.bus }
func (e *Engine) Processor() *cqrs.CommandProcessor   { return e.processor }
func (e *Engine) Committer() *cqrs.EventCommitter     { return e.committer }
func (e *Engine) Cache() *es.AggregateCache           { return e.cache }
func (e *Engine) Registries() Registries              { return e.config.Registries }
func (e *Engine) EventTopics() broker.TopicResolver   { return e.eventTopics }
func (e *Engine) MessageTopics() broker.TopicResolver { return e.messageTopics }

// Execute sends cmd and waits for its result.
func (e *Engine) Execute(ctx context.Context, cmd cqrs.Command) (cqrs.CommandResult, error) {
	return e.bus.Execute(ctx, cmd)
}

// HandleEvents adds an event processor fed from the event topics. Its name
// is the consumer group and scopes its recorded versions. Processors added
// after Start are started right away.
func (e *Engine) HandleEvents(name string, registry *consumer.Registry, opts ...consumer.EventProcessorOption) (*consumer.EventProcessor, error) {
	ec := e.config.Engine
	opts = append([]consumer.EventProcessorOption{
		consumer.WithLog(e.log),
		consumer.WithMetrics(e.config.Metrics.Consumer),
		consumer.WithMaxQueues(ec.MaxQueues),
		consumer.WithIdleEviction(ec.IdleTimeout, ec.SweepInterval),
		consumer.WithRetryBackoff(ec.RetryBackoff),
		consumer.WithParkRecheck(ec.ParkRecheck),
	}, opts...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.claimLocked(name); err != nil {
		return nil, err
	}
	p := consumer.NewEventProcessor(name, registry, e.config.Store.Versions, opts...)
	c := consumer.NewDomainEventConsumer(e.config.Broker.Consumer, e.eventTopics.All(), e.config.Registries.Events, p, e.log)
	if e.started {
		if err := c.Start(e.ctx); err != nil {
			p.Close()
			delete(e.names, name)
			return nil, fmt.Errorf("start event processor %s: %w", name, err)
		}
	}
	e.events = append(e.events, eventPipeline{processor: p, consumer: c})
	return p, nil
}

// HandleMessages adds an application message processor fed from the
// message topics.
func (e *Engine) HandleMessages(name string, registry *consumer.MessageRegistry, opts ...consumer.MessageProcessorOption) (*consumer.MessageProcessor, error) {
	ec := e.config.Engine
	opts = append([]consumer.MessageProcessorOption{
		consumer.WithLog(e.log),
		consumer.WithMetrics(e.config.Metrics.Consumer),
		consumer.WithMaxQueues(ec.MaxQueues),
		consumer.WithIdleEviction(ec.IdleTimeout, ec.SweepInterval),
	}, opts...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.claimLocked(name); err != nil {
		return nil, err
	}
	p := consumer.NewMessageProcessor(name, registry, opts...)
	c := consumer.NewMessageConsumer(e.config.Broker.Consumer, e.messageTopics.All(), registry, p, e.log)
	if e.started {
		if err := c.Start(e.ctx); err != nil {
			p.Close()
			delete(e.names, name)
			return nil, fmt.Errorf("start message processor %s: %w", name, err)
		}
	}
	e.messages = append(e.messages, messagePipeline{processor: p, consumer: c})
	return p, nil
}

// MessagePublisher returns a publisher for messages of registry on the
// message topics.
func (e *Engine) MessagePublisher(registry *consumer.MessageRegistry) *consumer.MessagePublisher {
	return consumer.NewMessagePublisher(e.config.Broker.Producer, registry, e.messageTopics)
}

func (e *Engine) claimLocked(name string) error {
	if e.stopped {
		return ErrStopped
	}
	if name == "" {
		return errors.New("processor name must not be empty")
	}
	if _, ok := e.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	e.names[name] = struct{}{}
	return nil
}

// Start subscribes the command consumer and every added processor.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}
	for _, p := range e.events {
		if err := p.consumer.Start(e.ctx); err != nil {
			return fmt.Errorf("start event processor %s: %w", p.processor.Name(), err)
		}
	}
	for _, p := range e.messages {
		if err := p.consumer.Start(e.ctx); err != nil {
			return fmt.Errorf("start message processor %s: %w", p.processor.Name(), err)
		}
	}
	if err := e.commands.Start(e.ctx); err != nil {
		return fmt.Errorf("start command consumer: %w", err)
	}
	e.started = true
	e.log.Info("engine started", slog.Int("event_processors", len(e.events)), slog.Int("message_processors", len(e.messages)))
	return nil
}

// Shutdown stops consuming, waits until accepted commands are settled or
// ctx is done, then closes every component. It returns ctx.Err() when the
// grace period ran out with commands still in flight.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		events, messages := e.events, e.messages
		e.mu.Unlock()

		e.log.Info("engine shutting down")
		if err := e.commands.Stop(); err != nil {
			e.log.Warn("stopping command consumer failed", slog.Any("error", err))
		}
		e.stopErr = e.drain(ctx)

		for _, p := range events {
			if err := p.consumer.Stop(); err != nil {
				e.log.Warn("stopping event consumer failed", slog.String("processor", p.processor.Name()), slog.Any("error", err))
			}
		}
		for _, p := range messages {
			if err := p.consumer.Stop(); err != nil {
				e.log.Warn("stopping message consumer failed", slog.String("processor", p.processor.Name()), slog.Any("error", err))
			}
		}

		e.processor.Close()
		e.committer.Close()
		for _, p := range events {
			p.processor.Close()
		}
		for _, p := range messages {
			p.processor.Close()
		}
		e.cache.Close()
		if e.ownedBroker != nil {
			_ = e.ownedBroker.Close()
		}
		e.cancelCtx()
		close(e.done)
		e.log.Info("engine stopped")
	})
	return e.stopErr
}

func (e *Engine) drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := e.processor.Pending()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			e.log.Warn("grace period over, commands left unsettled", slog.Int("pending", n))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop shuts down with the configured grace period.
func (e *Engine) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.Engine.ShutdownGrace)
	defer cancel()
	_ = e.Shutdown(ctx)
}

// Done is closed once the engine is shut down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run creates and starts an engine. It stops when cfg.Context is done.
func Run(cfg Config) (*Engine, error) {
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		e.Stop()
		return nil, err
	}
	go func() {
		select {
		case <-e.ctx.Done():
			e.Stop()
		case <-e.done:
		}
	}()
	return e, nil
}

func engineDefaults(c config.Engine) config.Engine {
	d := config.Default().Engine
	if c.Group == "" {
		c.Group = d.Group
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.ParkRecheck == 0 {
		c.ParkRecheck = d.ParkRecheck
	}
	if c.MaxConflictRetries == 0 {
		c.MaxConflictRetries = d.MaxConflictRetries
	}
	if c.PublishRetries == 0 {
		c.PublishRetries = d.PublishRetries
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

func topicDefaults(t config.Topics) config.Topics {
	d := config.Default().Topics
	if t.Commands == "" {
		t.Commands = d.Commands
	}
	if t.Events == "" {
		t.Events = d.Events
	}
	if t.Messages == "" {
		t.Messages = d.Messages
	}
	if t.Partitions == 0 {
		t.Partitions = d.Partitions
	}
	return t
}

func cacheDefaults(c config.Cache) config.Cache {
	d := config.Default().Cache
	if c.Expiration == 0 {
		c.Expiration = d.Expiration
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}
