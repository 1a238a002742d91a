// Package estests holds conformance tests every EventStore and
// VersionStore implementation must pass. Adapters run them from their own
// tests:
//
//	func TestEventStore(t *testing.T) {
//		estests.RunEventStore(t, func(t *testing.T, events *es.EventRegistry) es.EventStore {
//			return newStore(t, events)
//		})
//	}
package estests

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/internal/testdomain"
)

// EventStoreFactory returns an empty store that can decode the events of
// registry.
type EventStoreFactory func(t *testing.T, registry *es.EventRegistry) es.EventStore

// VersionStoreFactory returns an empty version store.
type VersionStoreFactory func(t *testing.T) es.VersionStore

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Stream builds a valid stream of the test domain: version 1 creates the
// note, later versions rename it.
func Stream(aggID string, v es.Version, commandID string) *es.EventStream {
	ts := epoch.Add(time.Duration(v) * time.Second)
	base := es.EventBase{
		ID:              fmt.Sprintf("e-%s-%d", aggID, v),
		AggregateRootID: aggID,
		Version:         v,
		Timestamp:       ts,
	}
	var ev es.DomainEvent
	if v == 1 {
		ev = &testdomain.NoteCreated{EventBase: base, Title: "v1"}
	} else {
		ev = &testdomain.NoteRenamed{EventBase: base, Title: fmt.Sprintf("v%d", v)}
	}
	return &es.EventStream{
		ID:              fmt.Sprintf("s-%s-%d", aggID, v),
		Timestamp:       ts,
		CommandID:       commandID,
		AggregateType:   testdomain.AggregateType,
		AggregateRootID: aggID,
		Version:         v,
		Events:          []es.DomainEvent{ev},
	}
}

// RequireStreamEqual compares streams by value; timestamps must denote the
// same instant.
func RequireStreamEqual(t *testing.T, want, got *es.EventStream) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %s != %s", want.Timestamp, got.Timestamp)
	assert.Equal(t, want.CommandID, got.CommandID)
	assert.Equal(t, want.AggregateType, got.AggregateType)
	assert.Equal(t, want.AggregateRootID, got.AggregateRootID)
	assert.Equal(t, want.Version, got.Version)
	require.Len(t, got.Events, len(want.Events))
	for i := range want.Events {
		assert.Equal(t, es.EventTypeOf(want.Events[i]), es.EventTypeOf(got.Events[i]))
		assert.Equal(t, want.Events[i].GetID(), got.Events[i].GetID())
		assert.Equal(t, want.Events[i].GetVersion(), got.Events[i].GetVersion())
		assert.True(t, want.Events[i].GetTimestamp().Equal(got.Events[i].GetTimestamp()))
	}
}

func RunEventStore(t *testing.T, newStore EventStoreFactory) {
	newSUT := func(t *testing.T) es.EventStore {
		return newStore(t, testdomain.NewRegistries().Events)
	}

	t.Run("save and read back", func(t *testing.T) {
		store := newSUT(t)
		ctx := t.Context()

		s1, s2 := Stream("n1", 1, "c1"), Stream("n1", 2, "c2")
		for _, s := range []*es.EventStream{s1, s2} {
			res, err := store.Save(ctx, s)
			require.NoError(t, err)
			require.Equal(t, es.AppendSuccess, res)
		}

		got, err := store.GetByVersion(ctx, "n1", 2)
		require.NoError(t, err)
		RequireStreamEqual(t, s2, got)
		renamed, ok := got.Events[0].(*testdomain.NoteRenamed)
		require.True(t, ok, "got %T", got.Events[0])
		require.Equal(t, "v2", renamed.Title)

		got, err = store.GetByCommandID(ctx, "n1", "c1")
		require.NoError(t, err)
		RequireStreamEqual(t, s1, got)
	})

	t.Run("not found", func(t *testing.T) {
		store := newSUT(t)
		ctx := t.Context()

		_, err := store.GetByVersion(ctx, "n1", 1)
		require.ErrorIs(t, err, es.ErrStreamNotFound)
		_, err = store.GetByCommandID(ctx, "n1", "c1")
		require.ErrorIs(t, err, es.ErrStreamNotFound)

		all, err := store.GetAll(ctx, testdomain.AggregateType, "n1", 1, 10)
		require.NoError(t, err)
		require.Empty(t, all)
	})

	t.Run("duplicated event", func(t *testing.T) {
		store := newSUT(t)
		ctx := t.Context()

		_, err := store.Save(ctx, Stream("n1", 1, "c1"))
		require.NoError(t, err)

		res, err := store.Save(ctx, Stream("n1", 1, "c2"))
		require.NoError(t, err)
		require.Equal(t, es.AppendDuplicatedEvent, res)

		// same version and same command: the version wins
		res, err = store.Save(ctx, Stream("n1", 1, "c1"))
		require.NoError(t, err)
		require.Equal(t, es.AppendDuplicatedEvent, res)

		got, err := store.GetByVersion(ctx, "n1", 1)
		require.NoError(t, err)
		require.Equal(t, "c1", got.CommandID)
	})

	t.Run("duplicated command", func(t *testing.T) {
		store := newSUT(t)
		ctx := t.Context()

		_, err := store.Save(ctx, Stream("n1", 1, "c1"))
		require.NoError(t, err)

		res, err := store.Save(ctx, Stream("n1", 2, "c1"))
		require.NoError(t, err)
		require.Equal(t, es.AppendDuplicatedCommand, res)

		_, err = store.GetByVersion(ctx, "n1", 2)
		require.ErrorIs(t, err, es.ErrStreamNotFound)

		// command ids are unique per aggregate only
		res, err = store.Save(ctx, Stream("n2", 1, "c1"))
		require.NoError(t, err)
		require.Equal(t, es.AppendSuccess, res)
	})

	t.Run("invalid stream", func(t *testing.T) {
		store := newSUT(t)

		s := Stream("n1", 1, "")
		res, err := store.Save(t.Context(), s)
		require.ErrorIs(t, err, es.ErrInvalidStream)
		require.Equal(t, es.AppendFailed, res)
	})

	t.Run("get all", func(t *testing.T) {
		store := newSUT(t)
		ctx := t.Context()

		// saved out of order
		for _, v := range []es.Version{3, 1, 5, 2, 4} {
			_, err := store.Save(ctx, Stream("n1", v, fmt.Sprintf("c%d", v)))
			require.NoError(t, err)
		}
		_, err := store.Save(ctx, Stream("n2", 1, "c1"))
		require.NoError(t, err)

		all, err := store.GetAll(ctx, testdomain.AggregateType, "n1", 2, 4)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, s := range all {
			require.Equal(t, es.Version(i+2), s.Version)
		}

		all, err = store.GetAll(ctx, testdomain.AggregateType, "n1", 1, 100)
		require.NoError(t, err)
		require.Len(t, all, 5)

		all, err = store.GetAll(ctx, testdomain.AggregateType, "n1", 4, es.MaxVersion)
		require.NoError(t, err)
		require.Len(t, all, 2)

		all, err = store.GetAll(ctx, "other", "n1", 1, 100)
		require.NoError(t, err)
		require.Empty(t, all)
	})

	t.Run("concurrent saves of one version", func(t *testing.T) {
		store := newSUT(t)
		ctx := t.Context()

		const writers = 8
		results := make([]es.AppendResult, writers)
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = store.Save(ctx, Stream("n1", 1, fmt.Sprintf("c%d", i)))
			}()
		}
		wg.Wait()

		wins := 0
		for i := range writers {
			require.NoError(t, errs[i])
			switch results[i] {
			case es.AppendSuccess:
				wins++
			case es.AppendDuplicatedEvent:
			default:
				t.Fatalf("writer %d: unexpected result %s", i, results[i])
			}
		}
		require.Equal(t, 1, wins)
	})
}

func RunVersionStore(t *testing.T, newStore VersionStoreFactory) {
	t.Run("strictly consecutive", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()

		v, err := store.Get(ctx, testdomain.AggregateType, "n1")
		require.NoError(t, err)
		require.Zero(t, v)

		require.ErrorIs(t, store.Save(ctx, testdomain.AggregateType, "n1", 2), es.ErrVersionConflict)
		require.NoError(t, store.Save(ctx, testdomain.AggregateType, "n1", 1))
		require.ErrorIs(t, store.Save(ctx, testdomain.AggregateType, "n1", 1), es.ErrVersionConflict)
		require.NoError(t, store.Save(ctx, testdomain.AggregateType, "n1", 2))
		require.ErrorIs(t, store.Save(ctx, testdomain.AggregateType, "n1", 4), es.ErrVersionConflict)
		require.NoError(t, store.Save(ctx, testdomain.AggregateType, "n1", 3))

		v, err = store.Get(ctx, testdomain.AggregateType, "n1")
		require.NoError(t, err)
		require.Equal(t, es.Version(3), v)

		require.ErrorIs(t, store.Save(ctx, testdomain.AggregateType, "n1", 0), es.ErrVersionConflict)
	})

	t.Run("keyed by type and id", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()

		require.NoError(t, store.Save(ctx, "a", "x", 1))
		require.NoError(t, store.Save(ctx, "b", "x", 1))
		require.NoError(t, store.Save(ctx, "b", "x", 2))

		v, err := store.Get(ctx, "a", "x")
		require.NoError(t, err)
		require.Equal(t, es.Version(1), v)

		scoped := es.NewScopedVersionStore("projector", store)
		v, err = scoped.Get(ctx, "a", "x")
		require.NoError(t, err)
		require.Zero(t, v)
	})

	t.Run("similar ids stay apart", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()

		require.NoError(t, store.Save(ctx, "Order", "user:1", 1))
		require.NoError(t, store.Save(ctx, "a.b", "c", 1))
		require.NoError(t, store.Save(ctx, "a:b", "c", 1))
		require.NoError(t, store.Save(ctx, "a:b", "c", 2))
		require.NoError(t, es.NewScopedVersionStore("p.x", store).Save(ctx, "T", "n1", 1))

		for _, k := range [][2]string{
			{"Order", "user_1"},
			{"Order", "user.1"},
			{"a", "b.c"},
			{"a", "b:c"},
			{"a_b", "c"},
		} {
			v, err := store.Get(ctx, k[0], k[1])
			require.NoError(t, err)
			require.Zero(t, v, "%s/%s", k[0], k[1])
		}

		v, err := store.Get(ctx, "a:b", "c")
		require.NoError(t, err)
		require.Equal(t, es.Version(2), v)

		v, err = es.NewScopedVersionStore("p", store).Get(ctx, "x.T", "n1")
		require.NoError(t, err)
		require.Zero(t, v)
		v, err = es.NewScopedVersionStore("p.x", store).Get(ctx, "T", "n1")
		require.NoError(t, err)
		require.Equal(t, es.Version(1), v)
	})

	t.Run("concurrent advance", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()
		require.NoError(t, store.Save(ctx, testdomain.AggregateType, "n1", 1))

		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = store.Save(ctx, testdomain.AggregateType, "n1", 2)
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, es.ErrVersionConflict)
		}
		require.Equal(t, 1, wins)
	})
}
