package es

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEvent_StampsVersionAndBuffers(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("n1"))
	require.True(t, n.Created())

	ev := &noteCreated{Title: "hello"}
	require.NoError(t, ApplyEvent(n, ev))

	assert.Equal(t, "hello", n.Title)
	assert.Equal(t, Version(1), ev.Version)
	assert.Equal(t, "n1", ev.AggregateRootID)
	assert.Equal(t, Version(0), n.GetVersion(), "version only moves on commit")
	assert.Len(t, n.Uncommitted(), 1)
	assert.True(t, HasChanges(n))

	// a different type in the same cycle shares the version
	tag := &noteTagged{Tag: "x"}
	require.NoError(t, ApplyEvent(n, tag))
	assert.Equal(t, Version(1), tag.Version)
}

func TestApplyEvent_RejectsSecondEventOfSameType(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("n1"))
	require.NoError(t, ApplyEvent(n, &noteRenamed{Title: "a"}))

	err := ApplyEvent(n, &noteRenamed{Title: "b"})
	require.ErrorIs(t, err, ErrDuplicateEventType)
	assert.Equal(t, "a", n.Title)
	assert.Len(t, n.Uncommitted(), 1)

	// after commit, the type is allowed again
	require.NoError(t, CommitEvents(n, 1))
	require.NoError(t, ApplyEvent(n, &noteRenamed{Title: "b"}))
}

func TestApplyEvent_MissingID(t *testing.T) {
	n := &note{}
	require.False(t, n.Created())
	require.ErrorIs(t, ApplyEvent(n, &noteCreated{}), ErrMissingAggregateID)
	require.ErrorIs(t, n.Init(""), ErrMissingAggregateID)
}

func TestInit_IDCannotChange(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("a"))
	require.NoError(t, n.Init("a"))
	require.ErrorIs(t, n.Init("b"), ErrAggregateIDChanged)
}

func TestCommitEvents(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("n1"))
	require.NoError(t, ApplyEvent(n, &noteCreated{Title: "t"}))

	require.ErrorIs(t, CommitEvents(n, 2), ErrVersionMismatch)
	require.NoError(t, CommitEvents(n, 1))
	assert.Equal(t, Version(1), n.GetVersion())
	assert.Empty(t, n.Uncommitted())
	assert.False(t, HasChanges(n))
}

func TestVersionAfterNCommands(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("n1"))
	for i := 1; i <= 10; i++ {
		require.NoError(t, ApplyEvent(n, &noteRenamed{Title: "t"}))
		require.NoError(t, CommitEvents(n, n.GetVersion()+1))
	}
	assert.Equal(t, Version(10), n.GetVersion())
}

func TestDiscardChanges(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("n1"))
	require.NoError(t, ApplyEvent(n, &noteRenamed{Title: "t"}))
	DiscardChanges(n)
	assert.False(t, HasChanges(n))
	require.NoError(t, ApplyEvent(n, &noteRenamed{Title: "t2"}))
}

func TestReplayEvents(t *testing.T) {
	src := &note{}
	require.NoError(t, src.Init("n1"))
	s1 := commitNote(src, "c1", &noteCreated{Title: "a"})
	require.NoError(t, CommitEvents(src, 1))
	s2 := commitNote(src, "c2", &noteRenamed{Title: "b"}, &noteTagged{Tag: "x"})
	require.NoError(t, CommitEvents(src, 2))

	n := &note{}
	require.NoError(t, ReplayEvents(n, []*EventStream{s1, s2}))
	assert.Equal(t, "n1", n.GetID())
	assert.Equal(t, Version(2), n.GetVersion())
	assert.Equal(t, "b", n.Title)
	assert.Equal(t, []string{"x"}, n.Tags)
	assert.False(t, HasChanges(n), "replay does not buffer")
}

func TestReplayEvents_NonContiguous(t *testing.T) {
	src := &note{}
	require.NoError(t, src.Init("n1"))
	s1 := commitNote(src, "c1", &noteCreated{Title: "a"})
	require.NoError(t, CommitEvents(src, 1))
	_ = commitNote(src, "c2", &noteRenamed{Title: "b"})
	require.NoError(t, CommitEvents(src, 2))
	s3 := commitNote(src, "c3", &noteRenamed{Title: "c"})

	n := &note{}
	require.ErrorIs(t, ReplayEvents(n, []*EventStream{s1, s3}), ErrNonContiguousReplay)
}

func TestAggregateRegistry(t *testing.T) {
	_, aggs := newTestRegistries()

	a, err := aggs.New("note", "n1")
	require.NoError(t, err)
	require.IsType(t, &note{}, a)
	require.Equal(t, "n1", a.GetID())

	_, err = aggs.New("nope", "n1")
	require.ErrorIs(t, err, ErrUnknownAggregateType)
	_, err = aggs.New("note", "")
	require.ErrorIs(t, err, ErrMissingAggregateID)
}
