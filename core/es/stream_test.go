package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventStream(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("n1"))
	require.NoError(t, ApplyEvent(n, &noteCreated{Title: "a"}))
	require.NoError(t, ApplyEvent(n, &noteTagged{Tag: "x"}))

	s, err := NewEventStream(n, "cmd-1", seqIDs("id"), fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "id-1", s.ID)
	assert.Equal(t, "cmd-1", s.CommandID)
	assert.Equal(t, "note", s.AggregateType)
	assert.Equal(t, "n1", s.AggregateRootID)
	assert.Equal(t, Version(1), s.Version)
	assert.Equal(t, fixedNow(), s.Timestamp)
	require.Len(t, s.Events, 2)
	assert.Equal(t, "id-2", s.Events[0].GetID())
	assert.Equal(t, "id-3", s.Events[1].GetID())
	assert.Equal(t, fixedNow(), s.Events[1].GetTimestamp())
}

func TestNewEventStream_NothingToCommit(t *testing.T) {
	n := &note{}
	require.NoError(t, n.Init("n1"))
	_, err := NewEventStream(n, "cmd", seqIDs("id"), fixedNow)
	require.ErrorIs(t, err, ErrInvalidStream)

	_, err = NewEventStream(&note{}, "cmd", seqIDs("id"), fixedNow)
	require.ErrorIs(t, err, ErrMissingAggregateID)
}

func TestEventStream_Validate(t *testing.T) {
	ev := &noteCreated{EventBase: EventBase{AggregateRootID: "n1", Version: 1}}
	valid := EventStream{CommandID: "c", AggregateRootID: "n1", Version: 1, Events: []DomainEvent{ev}}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(s *EventStream){
		"no command":  func(s *EventStream) { s.CommandID = "" },
		"version 0":   func(s *EventStream) { s.Version = 0 },
		"no events":   func(s *EventStream) { s.Events = nil },
		"foreign agg": func(s *EventStream) { s.AggregateRootID = "n2" },
		"wrong ver":   func(s *EventStream) { s.Version = 2 },
	} {
		t.Run(name, func(t *testing.T) {
			s := valid
			mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestEventRegistry_StreamRoundTrip(t *testing.T) {
	events, _ := newTestRegistries()
	n := &note{}
	require.NoError(t, n.Init("n1"))
	s := commitNote(n, "c1", &noteCreated{Title: "a"}, &noteTagged{Tag: "x"})

	rec, err := events.EncodeStream(s)
	require.NoError(t, err)
	require.Len(t, rec.Events, 2)
	assert.Equal(t, EventTypeOf(&noteCreated{}), rec.Events[0].Type)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var back StreamRecord
	require.NoError(t, json.Unmarshal(data, &back))

	decoded, err := events.DecodeStream(&back)
	require.NoError(t, err)
	require.NoError(t, decoded.Validate())
	assert.Equal(t, s.ID, decoded.ID)
	assert.True(t, s.Timestamp.Equal(decoded.Timestamp))
	require.Len(t, decoded.Events, 2)
	created := decoded.Events[0].(*noteCreated)
	assert.Equal(t, "a", created.Title)
	assert.Equal(t, "n1", created.AggregateRootID)
	assert.Equal(t, Version(1), created.Version)
}

func TestEventRegistry_UnknownType(t *testing.T) {
	events, _ := newTestRegistries()
	_, err := events.Decode(EventRecord{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownEventType)
	assert.Len(t, events.Types(), 3)
}
