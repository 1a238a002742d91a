package es

import (
	"fmt"
	"sync"
)

// AggregateRoot is an event-sourced domain object.
//
// Concrete aggregates embed BaseAggregateRoot and implement Apply as one
// type switch over their own events:
//
//	func (n *Note) Apply(ev es.DomainEvent) error {
//	    switch e := ev.(type) {
//	    case *NoteCreated:
//	        n.Title = e.Title
//	    case *NoteRenamed:
//	        n.Title = e.Title
//	    default:
//	        return fmt.Errorf("%w: %T", es.ErrUnknownEventType, ev)
//	    }
//	    return nil
//	}
//
// State changes only ever happen through ApplyEvent (new events) and
// ReplayEvents (history).
type AggregateRoot interface {
	AggregateType() string
	GetID() string
	GetVersion() Version
	Uncommitted() []DomainEvent
	Apply(event DomainEvent) error
	aggregateRoot() *BaseAggregateRoot
}

// BaseAggregateRoot tracks identity, version and uncommitted events.
// An aggregate without id is uncreated, one with id but version 0 is
// created, anything else is versioned.
type BaseAggregateRoot struct {
	id          string
	version     Version
	uncommitted []DomainEvent
	types       map[string]struct{}
}

func (b *BaseAggregateRoot) GetID() string       { return b.id }
func (b *BaseAggregateRoot) GetVersion() Version { return b.version }
func (b *BaseAggregateRoot) Created() bool       { return b.id != "" }

func (b *BaseAggregateRoot) Uncommitted() []DomainEvent {
	out := make([]DomainEvent, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

// Init assigns the aggregate id. Assigning the same id twice is a no-op.
func (b *BaseAggregateRoot) Init(id string) error {
	if id == "" {
		return ErrMissingAggregateID
	}
	if b.id != "" && b.id != id {
		return fmt.Errorf("%w: %s -> %s", ErrAggregateIDChanged, b.id, id)
	}
	b.id = id
	return nil
}

func (b *BaseAggregateRoot) aggregateRoot() *BaseAggregateRoot { return b }

// HasChanges reports whether a has uncommitted events.
func HasChanges(a AggregateRoot) bool {
	return len(a.aggregateRoot().uncommitted) > 0
}

// ApplyEvent stamps ev with the aggregate id and the next version, runs the
// aggregate's mutator and buffers ev as uncommitted. All events of one
// command cycle share the same version. A second event of the same type in
// one cycle is rejected.
func ApplyEvent(a AggregateRoot, ev DomainEvent) error {
	b := a.aggregateRoot()
	if b.id == "" {
		return ErrMissingAggregateID
	}
	eventType := EventTypeOf(ev)
	if _, dup := b.types[eventType]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEventType, eventType)
	}

	base := ev.eventBase()
	base.AggregateRootID = b.id
	base.Version = b.version + 1

	if err := a.Apply(ev); err != nil {
		return err
	}

	if b.types == nil {
		b.types = map[string]struct{}{}
	}
	b.types[eventType] = struct{}{}
	b.uncommitted = append(b.uncommitted, ev)
	return nil
}

// CommitEvents marks the uncommitted events as persisted at expected,
// which must be the next version.
func CommitEvents(a AggregateRoot, expected Version) error {
	b := a.aggregateRoot()
	if expected != b.version+1 {
		return fmt.Errorf("%w: commit %d onto %d", ErrVersionMismatch, expected, b.version)
	}
	b.version = expected
	b.uncommitted = nil
	b.types = nil
	return nil
}

// DiscardChanges drops uncommitted events without touching the version.
// The in-memory state already reflects them, so the aggregate must not be
// used afterwards unless it is rebuilt.
func DiscardChanges(a AggregateRoot) {
	b := a.aggregateRoot()
	b.uncommitted = nil
	b.types = nil
}

// ReplayEvents rebuilds state from persisted streams. Each stream must be
// the direct successor of the current version.
func ReplayEvents(a AggregateRoot, streams []*EventStream) error {
	b := a.aggregateRoot()
	for _, s := range streams {
		if s.Version != b.version+1 {
			return fmt.Errorf(
				"%w: stream %d after %d for %s",
				ErrNonContiguousReplay, s.Version, b.version, s.AggregateRootID,
			)
		}
		if b.id == "" {
			b.id = s.AggregateRootID
		} else if s.AggregateRootID != b.id {
			return fmt.Errorf("%w: stream of %s", ErrInvalidStream, s.AggregateRootID)
		}
		for _, ev := range s.Events {
			if err := a.Apply(ev); err != nil {
				return fmt.Errorf("replay %s@%d: %w", EventTypeOf(ev), s.Version, err)
			}
		}
		b.version = s.Version
	}
	return nil
}

// AggregateFactory returns an empty aggregate instance.
type AggregateFactory func() AggregateRoot

// AggregateRegistry maps aggregate type names to factories.
type AggregateRegistry struct {
	mu        sync.RWMutex
	factories map[string]AggregateFactory
}

func NewAggregateRegistry() *AggregateRegistry {
	return &AggregateRegistry{factories: map[string]AggregateFactory{}}
}

func (r *AggregateRegistry) Register(aggType string, f AggregateFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[aggType] = f
}

// RegisterAggregate registers *T under its AggregateType and returns the name.
func RegisterAggregate[T any, PT interface {
	*T
	AggregateRoot
}](r *AggregateRegistry) string {
	aggType := PT(new(T)).AggregateType()
	r.Register(aggType, func() AggregateRoot { return PT(new(T)) })
	return aggType
}

// New creates an empty aggregate of aggType with the given id.
func (r *AggregateRegistry) New(aggType, id string) (AggregateRoot, error) {
	r.mu.RLock()
	f, ok := r.factories[aggType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, aggType)
	}
	a := f()
	if err := a.aggregateRoot().Init(id); err != nil {
		return nil, err
	}
	return a, nil
}
