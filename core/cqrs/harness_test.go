package cqrs_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/core/cqrs"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/internal/testdomain"
)

type capturePublisher struct {
	mu      sync.Mutex
	streams []*es.EventStream
}

func (p *capturePublisher) Publish(_ context.Context, s *es.EventStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s)
	return nil
}

func (p *capturePublisher) commandIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.streams))
	for _, s := range p.streams {
		out = append(out, s.CommandID)
	}
	return out
}

// scriptedStore lets a test intercept Save.
type scriptedStore struct {
	es.EventStore
	save func(ctx context.Context, s *es.EventStream) (es.AppendResult, error, bool)
}

func (s *scriptedStore) Save(ctx context.Context, stream *es.EventStream) (es.AppendResult, error) {
	if s.save != nil {
		if res, err, ok := s.save(ctx, stream); ok {
			return res, err
		}
	}
	return s.EventStore.Save(ctx, stream)
}

type ackCounter struct {
	commits atomic.Int32
	rejects atomic.Int32
}

func (a *ackCounter) Commit() error {
	a.commits.Add(1)
	return nil
}

func (a *ackCounter) Reject() error {
	a.rejects.Add(1)
	return nil
}

type harness struct {
	t         *testing.T
	regs      testdomain.Registries
	mem       *es.InMemoryEventStore
	cache     *es.AggregateCache
	published *capturePublisher
	committer *cqrs.EventCommitter
	processor *cqrs.CommandProcessor
	waiter    *cqrs.ResultWaiter
}

type harnessConfig struct {
	wrapStore  func(es.EventStore) es.EventStore
	wrapSource func(*es.AggregateCache) cqrs.AggregateSource
	register   func(testdomain.Registries)
	committer  []cqrs.CommitterOption
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		regs:      testdomain.NewRegistries(),
		mem:       es.NewInMemoryEventStore(),
		published: &capturePublisher{},
		waiter:    cqrs.NewResultWaiter(),
	}
	if cfg.register != nil {
		cfg.register(h.regs)
	}
	var store es.EventStore = h.mem
	if cfg.wrapStore != nil {
		store = cfg.wrapStore(store)
	}
	h.cache = es.NewAggregateCache(es.NewRepository(store, h.regs.Aggregates))
	var source cqrs.AggregateSource = h.cache
	if cfg.wrapSource != nil {
		source = cfg.wrapSource(h.cache)
	}

	copts := append([]cqrs.CommitterOption{cqrs.WithRetryBackoff(5 * time.Millisecond)}, cfg.committer...)
	h.committer = cqrs.NewEventCommitter(store, source, h.published, copts...)
	handler := cqrs.NewCommandHandler(h.regs.Commands, source, h.regs.Aggregates, h.committer)
	h.processor = cqrs.NewCommandProcessor(handler,
		cqrs.WithResultNotifier(h.waiter.Notify),
		cqrs.WithRetryBackoff(5*time.Millisecond),
	)
	t.Cleanup(func() {
		h.processor.Close()
		h.committer.Close()
		h.cache.Close()
	})
	return h
}

// send processes cmd and returns a channel with its result.
func (h *harness) send(cmd cqrs.Command, src *ackCounter) <-chan cqrs.CommandResult {
	h.t.Helper()
	ch, _ := h.waiter.Register(cmd.CommandID())
	pc := cqrs.NewProcessingCommand(cmd, nil)
	if src != nil {
		pc.Source = src
	}
	require.NoError(h.t, h.processor.Process(h.t.Context(), pc))
	return ch
}

func (h *harness) exec(cmd cqrs.Command) cqrs.CommandResult {
	h.t.Helper()
	return h.wait(h.send(cmd, nil))
}

func (h *harness) wait(ch <-chan cqrs.CommandResult) cqrs.CommandResult {
	h.t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatal("timeout waiting for command result")
		return cqrs.CommandResult{}
	}
}

func (h *harness) note(id string) *testdomain.Note {
	h.t.Helper()
	a, err := es.NewRepository(h.mem, h.regs.Aggregates).Get(h.t.Context(), testdomain.AggregateType, id)
	require.NoError(h.t, err)
	return a.(*testdomain.Note)
}

func (h *harness) versions(id string) []es.Version {
	h.t.Helper()
	streams, err := h.mem.GetAll(h.t.Context(), testdomain.AggregateType, id, 1, es.MaxVersion)
	require.NoError(h.t, err)
	out := make([]es.Version, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Version)
	}
	return out
}

func cmdID(prefix string, i int) string { return fmt.Sprintf("%s-%d", prefix, i) }
