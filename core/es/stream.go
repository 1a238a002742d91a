package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventStream is the atomic unit of persistence: every event one command
// produced on one aggregate, at one version.
type EventStream struct {
	ID              string
	Timestamp       time.Time
	CommandID       string
	AggregateType   string
	AggregateRootID string
	Version         Version
	Events          []DomainEvent
}

// NewEventStream collects the uncommitted events of a. Events without id or
// timestamp get one from ids and now.
func NewEventStream(a AggregateRoot, commandID string, ids IDGenerator, now func() time.Time) (*EventStream, error) {
	b := a.aggregateRoot()
	if b.id == "" {
		return nil, ErrMissingAggregateID
	}
	if len(b.uncommitted) == 0 {
		return nil, fmt.Errorf("%w: no uncommitted events", ErrInvalidStream)
	}
	ts := now()
	s := &EventStream{
		ID:              ids(),
		Timestamp:       ts,
		CommandID:       commandID,
		AggregateType:   a.AggregateType(),
		AggregateRootID: b.id,
		Version:         b.version + 1,
		Events:          a.Uncommitted(),
	}
	for _, ev := range s.Events {
		base := ev.eventBase()
		if base.ID == "" {
			base.ID = ids()
		}
		if base.Timestamp.IsZero() {
			base.Timestamp = ts
		}
	}
	return s, s.Validate()
}

// Validate checks the stream's internal consistency.
func (s *EventStream) Validate() error {
	switch {
	case s.AggregateRootID == "":
		return ErrMissingAggregateID
	case s.CommandID == "":
		return fmt.Errorf("%w: missing command id", ErrInvalidStream)
	case s.Version == 0:
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidStream)
	case len(s.Events) == 0:
		return fmt.Errorf("%w: no events", ErrInvalidStream)
	}
	for _, ev := range s.Events {
		if ev.GetAggregateRootID() != s.AggregateRootID || ev.GetVersion() != s.Version {
			return fmt.Errorf(
				"%w: event %s belongs to %s@%d",
				ErrInvalidStream, EventTypeOf(ev), ev.GetAggregateRootID(), ev.GetVersion(),
			)
		}
	}
	return nil
}

func (s *EventStream) SlogAttr() slog.Attr {
	return slog.Group(
		"stream",
		slog.String("id", s.ID),
		slog.String("command_id", s.CommandID),
		slog.String("aggregate_type", s.AggregateType),
		slog.String("aggregate_id", s.AggregateRootID),
		s.Version.SlogAttr(),
		slog.Int("events", len(s.Events)),
	)
}

// EventRecord is a serialized event.
type EventRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StreamRecord is the storage and wire form of an EventStream.
type StreamRecord struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	CommandID       string        `json:"command_id"`
	AggregateType   string        `json:"aggregate_type"`
	AggregateRootID string        `json:"aggregate_root_id"`
	Version         Version       `json:"version"`
	Events          []EventRecord `json:"events"`
}
