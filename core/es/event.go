package es

import (
	"fmt"
	"time"

	"github.com/codewandler/sequent/core/codec"
)

// DomainEvent is implemented by embedding *EventBase semantics, i.e. by
// embedding EventBase in the event struct and using the event as pointer.
type DomainEvent interface {
	GetID() string
	GetAggregateRootID() string
	GetVersion() Version
	GetTimestamp() time.Time
	eventBase() *EventBase
}

// EventBase carries the envelope fields every event has. The aggregate
// id and version are filled in by ApplyEvent, the id and timestamp when
// the event stream is built.
type EventBase struct {
	ID              string    `json:"id"`
	AggregateRootID string    `json:"aggregate_root_id"`
	Version         Version   `json:"version"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e *EventBase) GetID() string              { return e.ID }
func (e *EventBase) GetAggregateRootID() string { return e.AggregateRootID }
func (e *EventBase) GetVersion() Version        { return e.Version }
func (e *EventBase) GetTimestamp() time.Time    { return e.Timestamp }
func (e *EventBase) eventBase() *EventBase      { return e }

// EventTypeOf returns the type tag of an event. Events may override the
// default (fully qualified Go type name) with an EventType method.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return codec.TagOf(ev)
}

// EventRegistry maps event type tags to constructors so persisted and
// published events can be decoded. It is built once at startup.
type EventRegistry struct {
	reg *codec.Registry
}

func NewEventRegistry(opts ...codec.RegistryOption) *EventRegistry {
	return &EventRegistry{reg: codec.NewRegistry(opts...)}
}

func (r *EventRegistry) Register(eventType string, ctor func() DomainEvent) {
	r.reg.Register(eventType, func() any { return ctor() })
}

// RegisterEvent registers *T and returns its type tag.
//
//	es.RegisterEvent[NoteCreated](reg)
func RegisterEvent[T any, PT interface {
	*T
	DomainEvent
}](r *EventRegistry) string {
	eventType := EventTypeOf(PT(new(T)))
	r.Register(eventType, func() DomainEvent { return PT(new(T)) })
	return eventType
}

// Types lists the registered event types.
func (r *EventRegistry) Types() []string { return r.reg.Tags() }

func (r *EventRegistry) Encode(ev DomainEvent) (EventRecord, error) {
	_, data, err := r.reg.Encode(ev)
	if err != nil {
		return EventRecord{}, err
	}
	return EventRecord{Type: EventTypeOf(ev), Data: data}, nil
}

func (r *EventRegistry) Decode(rec EventRecord) (DomainEvent, error) {
	if !r.reg.Has(rec.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, rec.Type)
	}
	v, err := r.reg.Decode(rec.Type, rec.Data)
	if err != nil {
		return nil, err
	}
	ev, ok := v.(DomainEvent)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a domain event", ErrUnknownEventType, rec.Type)
	}
	return ev, nil
}

// EncodeStream converts a stream into its storage and wire form.
func (r *EventRegistry) EncodeStream(s *EventStream) (*StreamRecord, error) {
	rec := &StreamRecord{
		ID:              s.ID,
		Timestamp:       s.Timestamp,
		CommandID:       s.CommandID,
		AggregateType:   s.AggregateType,
		AggregateRootID: s.AggregateRootID,
		Version:         s.Version,
		Events:          make([]EventRecord, 0, len(s.Events)),
	}
	for _, ev := range s.Events {
		er, err := r.Encode(ev)
		if err != nil {
			return nil, err
		}
		rec.Events = append(rec.Events, er)
	}
	return rec, nil
}

// DecodeStream rebuilds a stream from its storage and wire form.
func (r *EventRegistry) DecodeStream(rec *StreamRecord) (*EventStream, error) {
	s := &EventStream{
		ID:              rec.ID,
		Timestamp:       rec.Timestamp,
		CommandID:       rec.CommandID,
		AggregateType:   rec.AggregateType,
		AggregateRootID: rec.AggregateRootID,
		Version:         rec.Version,
		Events:          make([]DomainEvent, 0, len(rec.Events)),
	}
	for _, er := range rec.Events {
		ev, err := r.Decode(er)
		if err != nil {
			return nil, err
		}
		s.Events = append(s.Events, ev)
	}
	return s, nil
}

// StreamRecordTag is the envelope tag of published event streams.
var StreamRecordTag = codec.TagFor[StreamRecord]()
