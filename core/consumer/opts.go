package consumer

import (
	"log/slog"
	"time"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultRetryBackoff  = 100 * time.Millisecond
	DefaultParkRecheck   = time.Second
)

type idleEviction struct {
	timeout  time.Duration
	interval time.Duration
}

type (
	valueOption[T any] struct{ v T }
	LogOption          valueOption[*slog.Logger]
	MetricsOption      valueOption[Metrics]
	ClockOption        valueOption[func() time.Time]
	MaxQueuesOption    valueOption[int]
	IdleEvictionOption valueOption[idleEviction]
	RetryBackoffOption valueOption[time.Duration]
	ParkRecheckOption  valueOption[time.Duration]
)

type (
	EventProcessorOption   interface{ applyToEventProcessor(*eventProcessorOpts) }
	MessageProcessorOption interface{ applyToMessageProcessor(*messageProcessorOpts) }
)

type (
	eventProcessorOpts struct {
		log       *slog.Logger
		metrics   Metrics
		now       func() time.Time
		maxQueues int
		idle      idleEviction
		backoff   time.Duration
		recheck   time.Duration
	}
	messageProcessorOpts struct {
		log     *slog.Logger
		metrics Metrics
		maxKeys int
		idle    idleEviction
	}
)

func WithLog(l *slog.Logger) LogOption           { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption        { return MetricsOption{v: m} }
func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }

// WithMaxQueues bounds the number of live per-key queues (0 = unbounded).
func WithMaxQueues(n int) MaxQueuesOption { return MaxQueuesOption{v: n} }

// WithIdleEviction removes queues without pending work that were idle for
// timeout. The check runs every interval.
func WithIdleEviction(timeout, interval time.Duration) IdleEvictionOption {
	return IdleEvictionOption{v: idleEviction{timeout: timeout, interval: interval}}
}

// WithRetryBackoff sets the pause before loading a recorded version is
// retried.
func WithRetryBackoff(d time.Duration) RetryBackoffOption { return RetryBackoffOption{v: d} }

// WithParkRecheck sets how long a queue holding parked streams waits before
// it reads the recorded version again. Instances sharing a consumer group
// advance it for each other. 0 disables the recheck.
func WithParkRecheck(d time.Duration) ParkRecheckOption { return ParkRecheckOption{v: d} }

func (o LogOption) applyToEventProcessor(p *eventProcessorOpts)         { p.log = o.v }
func (o LogOption) applyToMessageProcessor(p *messageProcessorOpts)     { p.log = o.v }
func (o MetricsOption) applyToEventProcessor(p *eventProcessorOpts)     { p.metrics = o.v }
func (o MetricsOption) applyToMessageProcessor(p *messageProcessorOpts) { p.metrics = o.v }
func (o ClockOption) applyToEventProcessor(p *eventProcessorOpts)       { p.now = o.v }

func (o MaxQueuesOption) applyToEventProcessor(p *eventProcessorOpts)     { p.maxQueues = o.v }
func (o MaxQueuesOption) applyToMessageProcessor(p *messageProcessorOpts) { p.maxKeys = o.v }

func (o IdleEvictionOption) applyToEventProcessor(p *eventProcessorOpts)     { p.idle = o.v }
func (o IdleEvictionOption) applyToMessageProcessor(p *messageProcessorOpts) { p.idle = o.v }

func (o RetryBackoffOption) applyToEventProcessor(p *eventProcessorOpts) { p.backoff = o.v }
func (o ParkRecheckOption) applyToEventProcessor(p *eventProcessorOpts)  { p.recheck = o.v }

func defaultIdle() idleEviction {
	return idleEviction{timeout: DefaultIdleTimeout, interval: DefaultSweepInterval}
}

func newEventProcessorOpts(opts ...EventProcessorOption) eventProcessorOpts {
	options := eventProcessorOpts{
		log:     slog.Default(),
		metrics: NopMetrics(),
		now:     time.Now,
		idle:    defaultIdle(),
		backoff: DefaultRetryBackoff,
		recheck: DefaultParkRecheck,
	}
	for _, opt := range opts {
		opt.applyToEventProcessor(&options)
	}
	return options
}

func newMessageProcessorOpts(opts ...MessageProcessorOption) messageProcessorOpts {
	options := messageProcessorOpts{
		log:     slog.Default(),
		metrics: NopMetrics(),
		idle:    defaultIdle(),
	}
	for _, opt := range opts {
		opt.applyToMessageProcessor(&options)
	}
	return options
}
