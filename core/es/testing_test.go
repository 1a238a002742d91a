package es

import (
	"fmt"
	"time"
)

type (
	noteCreated struct {
		EventBase
		Title string `json:"title"`
	}
	noteRenamed struct {
		EventBase
		Title string `json:"title"`
	}
	noteTagged struct {
		EventBase
		Tag string `json:"tag"`
	}
)

type note struct {
	BaseAggregateRoot
	Title string
	Tags  []string
}

func (n *note) AggregateType() string { return "note" }

func (n *note) Apply(ev DomainEvent) error {
	switch e := ev.(type) {
	case *noteCreated:
		n.Title = e.Title
	case *noteRenamed:
		n.Title = e.Title
	case *noteTagged:
		n.Tags = append(n.Tags, e.Tag)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}
	return nil
}

func newTestRegistries() (*EventRegistry, *AggregateRegistry) {
	events := NewEventRegistry()
	RegisterEvent[noteCreated](events)
	RegisterEvent[noteRenamed](events)
	RegisterEvent[noteTagged](events)
	aggs := NewAggregateRegistry()
	RegisterAggregate[note](aggs)
	return events, aggs
}

func seqIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

// commitNote applies events to n as one command and returns the stream.
func commitNote(n *note, commandID string, events ...DomainEvent) *EventStream {
	for _, ev := range events {
		if err := ApplyEvent(n, ev); err != nil {
			panic(err)
		}
	}
	s, err := NewEventStream(n, commandID, seqIDs(commandID), fixedNow)
	if err != nil {
		panic(err)
	}
	return s
}
