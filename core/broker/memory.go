package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/sequent/core/perkey"
)

type memoryConfig struct {
	log             *slog.Logger
	redeliveryDelay time.Duration
	shuffle         bool
	seed            uint64
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*memoryConfig)

func WithMemoryLog(log *slog.Logger) MemoryOption {
	return func(c *memoryConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRedeliveryDelay sets how long a rejected message waits before it is
// delivered again (default: 50ms).
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		if d >= 0 {
			c.redeliveryDelay = d
		}
	}
}

// WithShuffle makes every subscriber pick its next message at random
// instead of in arrival order.
func WithShuffle(seed uint64) MemoryOption {
	return func(c *memoryConfig) {
		c.shuffle = true
		c.seed = seed
	}
}

// Memory is an in-process Broker. Every group subscribed to a topic gets
// each message once; inside a group messages go round-robin to the
// members. Messages produced to a topic nobody subscribed to are dropped.
type Memory struct {
	mu     sync.Mutex
	log    *slog.Logger
	cfg    memoryConfig
	closed bool

	// topic -> group -> members
	groups map[string]map[string]*memGroup
	subs   map[uint64]*memSub
	seq    atomic.Uint64

	rndMu sync.Mutex
	rnd   *rand.Rand

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

type memGroup struct {
	members []*memSub
	next    int
}

var _ Broker = (*Memory)(nil)

func NewMemory(opts ...MemoryOption) *Memory {
	cfg := memoryConfig{log: slog.Default(), redeliveryDelay: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	b := &Memory{
		log:    cfg.log.With(slog.String("broker", "memory")),
		cfg:    cfg,
		groups: map[string]map[string]*memGroup{},
		subs:   map[uint64]*memSub{},
		timers: map[*time.Timer]struct{}{},
	}
	if cfg.shuffle {
		b.rnd = rand.New(rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15))
	}
	return b
}

func (b *Memory) Produce(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	seq := b.seq.Add(1)
	for group := range b.groups[topic] {
		b.deliverLocked(&memMessage{b: b, seq: seq, topic: topic, group: group, env: env, attempt: 1})
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, group string, topics []string, h MessageHandler) (Subscription, error) {
	if group == "" {
		return nil, ErrNoGroup
	}
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.seq.Add(1)
	subCtx, cancel := context.WithCancel(ctx)
	s := &memSub{
		b:       b,
		id:      id,
		group:   group,
		topics:  slices.Clone(topics),
		handler: h,
		ctx:     subCtx,
		cancel:  cancel,
		log: b.log.With(slog.Group(
			"subscription",
			slog.Uint64("id", id),
			slog.String("group", group),
			slog.Any("topics", topics),
		)),
	}
	s.worker = perkey.NewWorker(s.drain, perkey.WithWorkerLog(s.log))
	b.subs[id] = s
	for _, topic := range s.topics {
		if b.groups[topic] == nil {
			b.groups[topic] = map[string]*memGroup{}
		}
		g := b.groups[topic][group]
		if g == nil {
			g = &memGroup{}
			b.groups[topic][group] = g
		}
		g.members = append(g.members, s)
	}
	b.mu.Unlock()

	context.AfterFunc(subCtx, func() { _ = s.Unsubscribe() })
	s.log.Debug("subscribed")
	return s, nil
}

// Close stops all subscriptions and pending redeliveries.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.timersMu.Lock()
	for t := range b.timers {
		t.Stop()
		delete(b.timers, t)
	}
	b.timersMu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	b.log.Debug("closed")
	return nil
}

// Pending returns the number of messages queued but not yet handed to a
// handler, across all subscriptions.
func (b *Memory) Pending() int {
	b.mu.Lock()
	subs := make([]*memSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	n := 0
	for _, s := range subs {
		s.mu.Lock()
		n += len(s.queue)
		s.mu.Unlock()
	}
	return n
}

func (b *Memory) deliverLocked(m *memMessage) {
	g := b.groups[m.topic][m.group]
	if g == nil || len(g.members) == 0 {
		b.log.Debug("dropping message without subscriber", slog.String("topic", m.topic), slog.String("group", m.group))
		return
	}
	s := g.members[g.next%len(g.members)]
	g.next++
	s.push(m)
}

func (b *Memory) redeliver(m *memMessage) {
	next := &memMessage{b: b, seq: m.seq, topic: m.topic, group: m.group, env: m.env, attempt: m.attempt + 1}
	var t *time.Timer
	b.timersMu.Lock()
	t = time.AfterFunc(b.cfg.redeliveryDelay, func() {
		b.timersMu.Lock()
		delete(b.timers, t)
		b.timersMu.Unlock()

		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.closed {
			b.deliverLocked(next)
		}
	})
	b.timers[t] = struct{}{}
	b.timersMu.Unlock()
}

func (b *Memory) pick(n int) int {
	if b.rnd == nil || n <= 1 {
		return 0
	}
	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return b.rnd.IntN(n)
}

/* ---------------------- subscription ---------------------- */

type memSub struct {
	b       *Memory
	id      uint64
	group   string
	topics  []string
	handler MessageHandler
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	worker  *perkey.Worker

	mu    sync.Mutex
	queue []*memMessage
	once  sync.Once
}

func (s *memSub) push(m *memMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	s.worker.Notify()
}

func (s *memSub) pop() (*memMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	i := s.b.pick(len(s.queue))
	m := s.queue[i]
	s.queue = slices.Delete(s.queue, i, i+1)
	return m, true
}

func (s *memSub) drain() error {
	for s.ctx.Err() == nil {
		m, ok := s.pop()
		if !ok {
			return nil
		}
		s.handle(m)
	}
	return nil
}

func (s *memSub) handle(m *memMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", slog.String("topic", m.topic), slog.Any("panic", fmt.Sprint(r)))
			_ = m.Reject()
		}
	}()
	s.handler(s.ctx, m)
}

// Unsubscribe detaches the subscriber. Messages still queued for it are
// handed to the remaining members of its group. It must not be called
// from inside the handler.
func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.worker.Stop()

		s.b.mu.Lock()
		delete(s.b.subs, s.id)
		for _, topic := range s.topics {
			g := s.b.groups[topic][s.group]
			if g == nil {
				continue
			}
			g.members = slices.DeleteFunc(g.members, func(o *memSub) bool { return o == s })
			if len(g.members) == 0 {
				delete(s.b.groups[topic], s.group)
			}
		}
		s.mu.Lock()
		leftover := s.queue
		s.queue = nil
		s.mu.Unlock()
		if !s.b.closed {
			for _, m := range leftover {
				s.b.deliverLocked(m)
			}
		}
		s.b.mu.Unlock()
		s.log.Debug("unsubscribed", slog.Int("requeued", len(leftover)))
	})
	return nil
}

/* ---------------------- message ---------------------- */

type memMessage struct {
	b       *Memory
	seq     uint64
	topic   string
	group   string
	env     Envelope
	attempt int
	settled atomic.Bool
}

func (m *memMessage) Envelope() Envelope { return m.env }
func (m *memMessage) Topic() string      { return m.topic }

// Attempt is 1 for the first delivery and grows with each redelivery.
func (m *memMessage) Attempt() int { return m.attempt }

func (m *memMessage) Sequence() uint64 { return m.seq }

func (m *memMessage) Commit() error {
	m.settled.CompareAndSwap(false, true)
	return nil
}

func (m *memMessage) Reject() error {
	if m.settled.CompareAndSwap(false, true) {
		m.b.redeliver(m)
	}
	return nil
}
