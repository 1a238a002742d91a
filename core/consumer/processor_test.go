package consumer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/core/consumer"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/internal/testdomain"
)

const processorName = "titles"

type delivery struct {
	commits atomic.Int32
	rejects atomic.Int32
}

func (d *delivery) Commit() error {
	d.commits.Add(1)
	return nil
}

func (d *delivery) Reject() error {
	d.rejects.Add(1)
	return nil
}

func (d *delivery) settled() bool { return d.commits.Load()+d.rejects.Load() > 0 }

type seen struct {
	mu   sync.Mutex
	list []string
}

func (s *seen) add(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, v)
}

func (s *seen) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.list...)
}

func renamed(aggID string, v es.Version) *es.EventStream {
	return &es.EventStream{
		ID:              fmt.Sprintf("s-%s-%d", aggID, v),
		CommandID:       fmt.Sprintf("c-%s-%d", aggID, v),
		AggregateType:   testdomain.AggregateType,
		AggregateRootID: aggID,
		Version:         v,
		Events: []es.DomainEvent{&testdomain.NoteRenamed{
			EventBase: es.EventBase{AggregateRootID: aggID, Version: v},
			Title:     fmt.Sprintf("%s@%d", aggID, v),
		}},
	}
}

func recordRenames(reg *consumer.Registry, into *seen) {
	consumer.Handle(reg, "record", func(_ context.Context, e *testdomain.NoteRenamed) error {
		into.add(e.Title)
		return nil
	})
}

func newProcessor(t *testing.T, reg *consumer.Registry, versions es.VersionStore) *consumer.EventProcessor {
	t.Helper()
	p := consumer.NewEventProcessor(processorName, reg, versions, consumer.WithRetryBackoff(5*time.Millisecond))
	t.Cleanup(p.Close)
	return p
}

func recorded(t *testing.T, versions es.VersionStore, aggID string) es.Version {
	t.Helper()
	v, err := es.NewScopedVersionStore(processorName, versions).Get(t.Context(), testdomain.AggregateType, aggID)
	require.NoError(t, err)
	return v
}

func process(t *testing.T, p *consumer.EventProcessor, s *es.EventStream) *delivery {
	t.Helper()
	d := &delivery{}
	require.NoError(t, p.Process(t.Context(), s, d))
	return d
}

func waitSettled(t *testing.T, ds ...*delivery) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, d := range ds {
			if !d.settled() {
				return false
			}
		}
		return true
	}, 5*time.Second, 2*time.Millisecond)
}

func TestEventProcessor_InOrder(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	versions := es.NewInMemoryVersionStore()
	p := newProcessor(t, reg, versions)

	var ds []*delivery
	for v := es.Version(1); v <= 5; v++ {
		ds = append(ds, process(t, p, renamed("a1", v)))
	}
	waitSettled(t, ds...)

	require.Equal(t, []string{"a1@1", "a1@2", "a1@3", "a1@4", "a1@5"}, got.get())
	require.Equal(t, es.Version(5), recorded(t, versions, "a1"))
	for _, d := range ds {
		require.EqualValues(t, 1, d.commits.Load())
	}
}

func TestEventProcessor_ParksUntilPredecessorArrives(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	versions := es.NewInMemoryVersionStore()
	p := newProcessor(t, reg, versions)

	d3 := process(t, p, renamed("a1", 3))
	d2 := process(t, p, renamed("a1", 2))
	require.Eventually(t, func() bool {
		q, ok := p.Queue("a1")
		return ok && q.Parked() == 2
	}, time.Second, 2*time.Millisecond)
	require.Empty(t, got.get())
	require.False(t, d2.settled())
	require.False(t, d3.settled())

	d1 := process(t, p, renamed("a1", 1))
	waitSettled(t, d1, d2, d3)

	require.Equal(t, []string{"a1@1", "a1@2", "a1@3"}, got.get())
	require.Equal(t, es.Version(3), recorded(t, versions, "a1"))
}

type sequencedDelivery struct {
	delivery
	seq uint64
}

func (d *sequencedDelivery) Sequence() uint64 { return d.seq }

func TestEventProcessor_RedeliveryOfParkedStream(t *testing.T) {
	t.Run("same broker message is settled once", func(t *testing.T) {
		var got seen
		reg := consumer.NewRegistry()
		recordRenames(reg, &got)
		versions := es.NewInMemoryVersionStore()
		p := newProcessor(t, reg, versions)

		first := &sequencedDelivery{seq: 7}
		require.NoError(t, p.Process(t.Context(), renamed("a1", 2), first))
		again := &sequencedDelivery{seq: 7}
		require.NoError(t, p.Process(t.Context(), renamed("a1", 2), again))

		d1 := process(t, p, renamed("a1", 1))
		waitSettled(t, d1, &again.delivery)

		require.EqualValues(t, 0, first.commits.Load())
		require.EqualValues(t, 0, first.rejects.Load())
		require.EqualValues(t, 1, again.commits.Load())
		require.Equal(t, []string{"a1@1", "a1@2"}, got.get())
	})

	t.Run("republished stream settles the parked copy", func(t *testing.T) {
		var got seen
		reg := consumer.NewRegistry()
		recordRenames(reg, &got)
		versions := es.NewInMemoryVersionStore()
		p := newProcessor(t, reg, versions)

		first := &sequencedDelivery{seq: 7}
		require.NoError(t, p.Process(t.Context(), renamed("a1", 2), first))
		republished := &sequencedDelivery{seq: 9}
		require.NoError(t, p.Process(t.Context(), renamed("a1", 2), republished))

		d1 := process(t, p, renamed("a1", 1))
		waitSettled(t, d1, &first.delivery, &republished.delivery)

		require.EqualValues(t, 1, first.commits.Load())
		require.EqualValues(t, 1, republished.commits.Load())
		require.Equal(t, []string{"a1@1", "a1@2"}, got.get())
	})
}

func TestEventProcessor_ParkedStreamSeesProgressOfOtherInstances(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	versions := es.NewInMemoryVersionStore()
	p := consumer.NewEventProcessor(processorName, reg, versions,
		consumer.WithRetryBackoff(5*time.Millisecond),
		consumer.WithParkRecheck(5*time.Millisecond),
	)
	t.Cleanup(p.Close)

	d2 := process(t, p, renamed("a1", 2))
	require.Eventually(t, func() bool {
		q, ok := p.Queue("a1")
		return ok && q.Parked() == 1
	}, time.Second, 2*time.Millisecond)

	// version 1 was handled by another member of the group
	require.NoError(t, es.NewScopedVersionStore(processorName, versions).Save(t.Context(), testdomain.AggregateType, "a1", 1))

	waitSettled(t, d2)
	require.EqualValues(t, 1, d2.commits.Load())
	require.Equal(t, []string{"a1@2"}, got.get())
	require.Equal(t, es.Version(2), recorded(t, versions, "a1"))
}

func TestEventProcessor_DuplicateIsAcknowledged(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	versions := es.NewInMemoryVersionStore()
	p := newProcessor(t, reg, versions)

	waitSettled(t, process(t, p, renamed("a1", 1)), process(t, p, renamed("a1", 2)))

	dup := process(t, p, renamed("a1", 1))
	waitSettled(t, dup)
	require.EqualValues(t, 1, dup.commits.Load())
	require.Equal(t, []string{"a1@1", "a1@2"}, got.get())
	require.Equal(t, es.Version(2), recorded(t, versions, "a1"))
}

func TestEventProcessor_ResumesFromRecordedVersion(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	versions := es.NewInMemoryVersionStore()
	scoped := es.NewScopedVersionStore(processorName, versions)
	for v := es.Version(1); v <= 3; v++ {
		require.NoError(t, scoped.Save(t.Context(), testdomain.AggregateType, "a1", v))
	}
	p := newProcessor(t, reg, versions)

	d3 := process(t, p, renamed("a1", 3))
	d4 := process(t, p, renamed("a1", 4))
	waitSettled(t, d3, d4)

	require.Equal(t, []string{"a1@4"}, got.get())
	q, ok := p.Queue("a1")
	require.True(t, ok)
	v, loaded := q.Version()
	require.True(t, loaded)
	require.Equal(t, es.Version(4), v)
}

func TestEventProcessor_HandlerFailureRejects(t *testing.T) {
	var (
		got   seen
		fails atomic.Int32
	)
	fails.Store(1)
	reg := consumer.NewRegistry()
	consumer.Handle(reg, "flaky", func(_ context.Context, e *testdomain.NoteRenamed) error {
		if fails.Add(-1) >= 0 {
			return errors.New("projection down")
		}
		got.add(e.Title)
		return nil
	})
	versions := es.NewInMemoryVersionStore()
	p := newProcessor(t, reg, versions)

	d := process(t, p, renamed("a1", 1))
	waitSettled(t, d)
	require.EqualValues(t, 1, d.rejects.Load())
	require.Zero(t, d.commits.Load())
	require.Zero(t, recorded(t, versions, "a1"))

	// the redelivery goes through
	d = process(t, p, renamed("a1", 1))
	waitSettled(t, d)
	require.EqualValues(t, 1, d.commits.Load())
	require.Equal(t, []string{"a1@1"}, got.get())
	require.Equal(t, es.Version(1), recorded(t, versions, "a1"))
}

func TestEventProcessor_HandlerPanicRejects(t *testing.T) {
	reg := consumer.NewRegistry()
	consumer.Handle(reg, "boom", func(context.Context, *testdomain.NoteRenamed) error { panic("boom") })
	p := newProcessor(t, reg, es.NewInMemoryVersionStore())

	d := process(t, p, renamed("a1", 1))
	waitSettled(t, d)
	require.EqualValues(t, 1, d.rejects.Load())
}

func TestEventProcessor_HandlersRunInOrder(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	consumer.Handle(reg, "a", func(context.Context, *testdomain.NoteCreated) error {
		got.add("a:created")
		return nil
	})
	consumer.Handle(reg, "b", func(ctx context.Context, _ *testdomain.NoteCreated) error {
		s, ok := consumer.StreamFrom(ctx)
		if !ok {
			return errors.New("no stream in context")
		}
		got.add(fmt.Sprintf("b:created@%d", s.Version))
		return nil
	})
	consumer.Handle(reg, "a", func(context.Context, *testdomain.NoteTagged) error {
		got.add("a:tagged")
		return nil
	})
	p := newProcessor(t, reg, es.NewInMemoryVersionStore())

	stream := &es.EventStream{
		ID:              "s1",
		CommandID:       "c1",
		AggregateType:   testdomain.AggregateType,
		AggregateRootID: "a1",
		Version:         1,
		Events: []es.DomainEvent{
			&testdomain.NoteCreated{EventBase: es.EventBase{AggregateRootID: "a1", Version: 1}},
			&testdomain.NoteTagged{EventBase: es.EventBase{AggregateRootID: "a1", Version: 1}},
			&testdomain.NoteArchived{EventBase: es.EventBase{AggregateRootID: "a1", Version: 1}},
		},
	}
	d := process(t, p, stream)
	waitSettled(t, d)
	require.EqualValues(t, 1, d.commits.Load())
	require.Equal(t, []string{"a:created", "b:created@1", "a:tagged"}, got.get())
}

// racingVersions simulates another processor instance that records the
// version just before this one does.
type racingVersions struct {
	es.VersionStore
	race atomic.Bool
}

func (r *racingVersions) Save(ctx context.Context, aggType, aggID string, v es.Version) error {
	if r.race.CompareAndSwap(true, false) {
		if err := r.VersionStore.Save(ctx, aggType, aggID, v); err != nil {
			return err
		}
	}
	return r.VersionStore.Save(ctx, aggType, aggID, v)
}

func TestEventProcessor_VersionConflictReloads(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	versions := &racingVersions{VersionStore: es.NewInMemoryVersionStore()}
	p := newProcessor(t, reg, versions)

	waitSettled(t, process(t, p, renamed("a1", 1)))

	versions.race.Store(true)
	d := process(t, p, renamed("a1", 2))
	waitSettled(t, d)
	require.EqualValues(t, 1, d.commits.Load())

	waitSettled(t, process(t, p, renamed("a1", 3)))
	require.Equal(t, []string{"a1@1", "a1@2", "a1@3"}, got.get())
	require.Equal(t, es.Version(3), recorded(t, versions.VersionStore, "a1"))
}

type flakyVersions struct {
	es.VersionStore
	failures atomic.Int32
}

func (f *flakyVersions) Get(ctx context.Context, aggType, aggID string) (es.Version, error) {
	if f.failures.Add(-1) >= 0 {
		return 0, errors.New("store unavailable")
	}
	return f.VersionStore.Get(ctx, aggType, aggID)
}

func TestEventProcessor_RetriesVersionLoad(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	versions := &flakyVersions{VersionStore: es.NewInMemoryVersionStore()}
	versions.failures.Store(2)
	p := newProcessor(t, reg, versions)

	d := process(t, p, renamed("a1", 1))
	waitSettled(t, d)
	require.EqualValues(t, 1, d.commits.Load())
	require.Equal(t, []string{"a1@1"}, got.get())
}

func TestEventProcessor_AggregatesAreIndependent(t *testing.T) {
	var got seen
	reg := consumer.NewRegistry()
	recordRenames(reg, &got)
	p := newProcessor(t, reg, es.NewInMemoryVersionStore())

	// a2 is not held up by the gap in a1
	process(t, p, renamed("a1", 2))
	d := process(t, p, renamed("a2", 1))
	waitSettled(t, d)
	require.Equal(t, []string{"a2@1"}, got.get())
	require.Equal(t, 2, p.Queues())

	require.Eventually(t, func() bool { return p.Evict(0) == 1 }, time.Second, 2*time.Millisecond)
	_, ok := p.Queue("a1")
	require.True(t, ok, "queue with parked streams is kept")
}

func TestEventProcessor_Errors(t *testing.T) {
	p := newProcessor(t, consumer.NewRegistry(), es.NewInMemoryVersionStore())

	err := p.Process(t.Context(), renamed("", 1), nil)
	require.ErrorIs(t, err, es.ErrMissingAggregateID)

	p.Close()
	err = p.Process(t.Context(), renamed("a1", 1), nil)
	require.ErrorIs(t, err, consumer.ErrProcessorClosed)
}
