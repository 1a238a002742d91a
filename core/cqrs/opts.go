package cqrs

import (
	"log/slog"
	"time"

	"github.com/codewandler/sequent/core/es"
)

const (
	DefaultMaxConflictRetries = 16
	DefaultPublishRetries     = 3
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultSweepInterval      = time.Minute
	DefaultRetryBackoff       = 100 * time.Millisecond
)

type idleEviction struct {
	timeout  time.Duration
	interval time.Duration
}

type (
	valueOption[T any]       struct{ v T }
	LogOption                valueOption[*slog.Logger]
	MetricsOption            valueOption[Metrics]
	ClockOption              valueOption[func() time.Time]
	IDGeneratorOption        valueOption[es.IDGenerator]
	ResultNotifierOption     valueOption[ResultNotifier]
	MaxQueuesOption          valueOption[int]
	IdleEvictionOption       valueOption[idleEviction]
	RetryBackoffOption       valueOption[time.Duration]
	MaxConflictRetriesOption valueOption[int]
	PublishRetriesOption     valueOption[int]
)

type (
	ProcessorOption interface{ applyToProcessor(*processorOpts) }
	HandlerOption   interface{ applyToHandler(*handlerOpts) }
	CommitterOption interface{ applyToCommitter(*committerOpts) }
	PublisherOption interface{ applyToPublisher(*publisherOpts) }
	BusOption       interface{ applyToBus(*busOpts) }
)

type (
	processorOpts struct {
		log       *slog.Logger
		metrics   Metrics
		now       func() time.Time
		notify    ResultNotifier
		maxQueues int
		idle      idleEviction
		backoff   time.Duration
	}
	handlerOpts struct {
		log     *slog.Logger
		metrics Metrics
		now     func() time.Time
		ids     es.IDGenerator
	}
	committerOpts struct {
		log        *slog.Logger
		metrics    Metrics
		now        func() time.Time
		maxRetries int
		maxQueues  int
		idle       idleEviction
		backoff    time.Duration
	}
	publisherOpts struct {
		log     *slog.Logger
		metrics Metrics
		retries int
		backoff time.Duration
	}
	busOpts struct {
		log *slog.Logger
		ids es.IDGenerator
	}
)

func WithLog(l *slog.Logger) LogOption                     { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption                  { return MetricsOption{v: m} }
func WithClock(now func() time.Time) ClockOption           { return ClockOption{v: now} }
func WithIDGenerator(ids es.IDGenerator) IDGeneratorOption { return IDGeneratorOption{v: ids} }
func WithResultNotifier(n ResultNotifier) ResultNotifierOption {
	return ResultNotifierOption{v: n}
}

// WithMaxQueues bounds the number of live per-aggregate queues
// (0 = unbounded). Commands for new aggregates are refused while full.
func WithMaxQueues(n int) MaxQueuesOption { return MaxQueuesOption{v: n} }

// WithIdleEviction removes queues without pending work that were idle for
// timeout. The check runs every interval.
func WithIdleEviction(timeout, interval time.Duration) IdleEvictionOption {
	return IdleEvictionOption{v: idleEviction{timeout: timeout, interval: interval}}
}

// WithRetryBackoff sets the pause before a failed step is retried.
func WithRetryBackoff(d time.Duration) RetryBackoffOption { return RetryBackoffOption{v: d} }

// WithMaxConflictRetries bounds how often one command is re-run after a
// version conflict before it fails.
func WithMaxConflictRetries(n int) MaxConflictRetriesOption {
	return MaxConflictRetriesOption{v: n}
}

// WithPublishRetries sets how often publishing a stream is retried.
func WithPublishRetries(n int) PublishRetriesOption { return PublishRetriesOption{v: n} }

func (o LogOption) applyToProcessor(p *processorOpts) { p.log = o.v }
func (o LogOption) applyToHandler(h *handlerOpts)     { h.log = o.v }
func (o LogOption) applyToCommitter(c *committerOpts) { c.log = o.v }
func (o LogOption) applyToPublisher(p *publisherOpts) { p.log = o.v }
func (o LogOption) applyToBus(b *busOpts)             { b.log = o.v }

func (o MetricsOption) applyToProcessor(p *processorOpts) { p.metrics = o.v }
func (o MetricsOption) applyToHandler(h *handlerOpts)     { h.metrics = o.v }
func (o MetricsOption) applyToCommitter(c *committerOpts) { c.metrics = o.v }
func (o MetricsOption) applyToPublisher(p *publisherOpts) { p.metrics = o.v }

func (o ClockOption) applyToProcessor(p *processorOpts) { p.now = o.v }
func (o ClockOption) applyToHandler(h *handlerOpts)     { h.now = o.v }
func (o ClockOption) applyToCommitter(c *committerOpts) { c.now = o.v }

func (o IDGeneratorOption) applyToHandler(h *handlerOpts) { h.ids = o.v }
func (o IDGeneratorOption) applyToBus(b *busOpts)         { b.ids = o.v }

func (o ResultNotifierOption) applyToProcessor(p *processorOpts) { p.notify = o.v }

func (o MaxQueuesOption) applyToProcessor(p *processorOpts) { p.maxQueues = o.v }
func (o MaxQueuesOption) applyToCommitter(c *committerOpts) { c.maxQueues = o.v }

func (o IdleEvictionOption) applyToProcessor(p *processorOpts) { p.idle = o.v }
func (o IdleEvictionOption) applyToCommitter(c *committerOpts) { c.idle = o.v }

func (o RetryBackoffOption) applyToProcessor(p *processorOpts) { p.backoff = o.v }
func (o RetryBackoffOption) applyToCommitter(c *committerOpts) { c.backoff = o.v }
func (o RetryBackoffOption) applyToPublisher(p *publisherOpts) { p.backoff = o.v }

func (o MaxConflictRetriesOption) applyToCommitter(c *committerOpts) { c.maxRetries = o.v }

func (o PublishRetriesOption) applyToPublisher(p *publisherOpts) { p.retries = o.v }

func defaultIdle() idleEviction {
	return idleEviction{timeout: DefaultIdleTimeout, interval: DefaultSweepInterval}
}

func newProcessorOpts(opts ...ProcessorOption) processorOpts {
	options := processorOpts{
		log:     slog.Default(),
		metrics: NopMetrics(),
		now:     time.Now,
		idle:    defaultIdle(),
		backoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt.applyToProcessor(&options)
	}
	return options
}

func newHandlerOpts(opts ...HandlerOption) handlerOpts {
	options := handlerOpts{
		log:     slog.Default(),
		metrics: NopMetrics(),
		now:     time.Now,
		ids:     es.DefaultIDGenerator(),
	}
	for _, opt := range opts {
		opt.applyToHandler(&options)
	}
	return options
}

func newCommitterOpts(opts ...CommitterOption) committerOpts {
	options := committerOpts{
		log:        slog.Default(),
		metrics:    NopMetrics(),
		now:        time.Now,
		maxRetries: DefaultMaxConflictRetries,
		idle:       defaultIdle(),
		backoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt.applyToCommitter(&options)
	}
	return options
}

func newPublisherOpts(opts ...PublisherOption) publisherOpts {
	options := publisherOpts{
		log:     slog.Default(),
		metrics: NopMetrics(),
		retries: DefaultPublishRetries,
		backoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt.applyToPublisher(&options)
	}
	return options
}

func newBusOpts(opts ...BusOption) busOpts {
	options := busOpts{log: slog.Default(), ids: es.DefaultIDGenerator()}
	for _, opt := range opts {
		opt.applyToBus(&options)
	}
	return options
}
