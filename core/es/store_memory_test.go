package es

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryEventStore_SaveOutcomes(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryEventStore()

	n := &note{}
	require.NoError(t, n.Init("n1"))
	s1 := commitNote(n, "c1", &noteCreated{Title: "a"})

	res, err := store.Save(ctx, s1)
	require.NoError(t, err)
	require.Equal(t, AppendSuccess, res)

	// same version, new command
	other := &note{}
	require.NoError(t, other.Init("n1"))
	dupVersion := commitNote(other, "c2", &noteCreated{Title: "b"})
	res, err = store.Save(ctx, dupVersion)
	require.NoError(t, err)
	assert.Equal(t, AppendDuplicatedEvent, res)

	// new version, same command
	require.NoError(t, CommitEvents(n, 1))
	dupCommand := commitNote(n, "c1", &noteRenamed{Title: "c"})
	res, err = store.Save(ctx, dupCommand)
	require.NoError(t, err)
	assert.Equal(t, AppendDuplicatedCommand, res)

	assert.Equal(t, Version(1), store.Version("n1"))
}

func TestInMemoryEventStore_InvalidStream(t *testing.T) {
	res, err := NewInMemoryEventStore().Save(t.Context(), &EventStream{AggregateRootID: "n1"})
	require.Error(t, err)
	assert.Equal(t, AppendFailed, res)
}

func TestInMemoryEventStore_Queries(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryEventStore()

	n := &note{}
	require.NoError(t, n.Init("n1"))
	for i, cmd := range []string{"c1", "c2", "c3", "c4"} {
		var ev DomainEvent = &noteRenamed{Title: cmd}
		if i == 0 {
			ev = &noteCreated{Title: cmd}
		}
		s := commitNote(n, cmd, ev)
		res, err := store.Save(ctx, s)
		require.NoError(t, err)
		require.Equal(t, AppendSuccess, res)
		require.NoError(t, CommitEvents(n, s.Version))
	}

	all, err := store.GetAll(ctx, "note", "n1", 1, MaxVersion)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, s := range all {
		assert.Equal(t, Version(i+1), s.Version)
	}

	mid, err := store.GetAll(ctx, "note", "n1", 2, 3)
	require.NoError(t, err)
	require.Len(t, mid, 2)
	assert.Equal(t, "c2", mid[0].CommandID)

	none, err := store.GetAll(ctx, "other", "n1", 1, MaxVersion)
	require.NoError(t, err)
	assert.Empty(t, none)

	s, err := store.GetByCommandID(ctx, "n1", "c3")
	require.NoError(t, err)
	assert.Equal(t, Version(3), s.Version)

	s, err = store.GetByVersion(ctx, "n1", 4)
	require.NoError(t, err)
	assert.Equal(t, "c4", s.CommandID)

	_, err = store.GetByCommandID(ctx, "n1", "nope")
	require.ErrorIs(t, err, ErrStreamNotFound)
	_, err = store.GetByVersion(ctx, "n2", 1)
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestAppendResult_String(t *testing.T) {
	assert.Equal(t, "success", AppendSuccess.String())
	assert.Equal(t, "duplicated_event", AppendDuplicatedEvent.String())
	assert.Equal(t, "duplicated_command", AppendDuplicatedCommand.String())
	assert.Equal(t, "failed", AppendFailed.String())
	assert.Equal(t, "unknown", AppendResult(42).String())
}
