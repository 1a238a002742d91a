package es

import (
	"context"
	"strconv"
)

// AppendResult classifies the outcome of EventStore.Save.
type AppendResult int

const (
	// AppendSuccess means the stream is now durable.
	AppendSuccess AppendResult = iota
	// AppendDuplicatedEvent means a stream with the same (aggregate id, version) exists.
	AppendDuplicatedEvent
	// AppendDuplicatedCommand means a stream with the same (aggregate id, command id) exists.
	AppendDuplicatedCommand
	// AppendFailed means the store could not tell; the returned error says why.
	AppendFailed
)

func (r AppendResult) String() string {
	switch r {
	case AppendSuccess:
		return "success"
	case AppendDuplicatedEvent:
		return "duplicated_event"
	case AppendDuplicatedCommand:
		return "duplicated_command"
	case AppendFailed:
		return "failed"
	}
	return "unknown"
}

// EventStore persists event streams. Implementations must enforce both
// uniqueness constraints, (aggregate id, version) and (aggregate id,
// command id), atomically with the write.
type EventStore interface {
	// Save appends s. Transient faults are reported as AppendFailed with a
	// non-nil error; duplicates are reported through the result only.
	Save(ctx context.Context, s *EventStream) (AppendResult, error)
	// GetByCommandID returns ErrStreamNotFound when nothing matches.
	GetByCommandID(ctx context.Context, aggID, commandID string) (*EventStream, error)
	// GetByVersion returns ErrStreamNotFound when nothing matches.
	GetByVersion(ctx context.Context, aggID string, version Version) (*EventStream, error)
	// GetAll returns the streams with minVersion <= version <= maxVersion,
	// ascending by version.
	GetAll(ctx context.Context, aggType, aggID string, minVersion, maxVersion Version) ([]*EventStream, error)
}

// VersionStore durably records, per aggregate, the last stream version a
// consumer has fully applied.
type VersionStore interface {
	// Get returns 0 when nothing was recorded yet.
	Get(ctx context.Context, aggType, aggID string) (Version, error)
	// Save records version. Version 1 is created; any later version only
	// replaces version-1. ErrVersionConflict otherwise.
	Save(ctx context.Context, aggType, aggID string, version Version) error
}

// ScopedVersionStore namespaces a shared VersionStore per consumer, so
// several processors can track their progress in one store.
type ScopedVersionStore struct {
	scope string
	store VersionStore
}

func NewScopedVersionStore(scope string, store VersionStore) *ScopedVersionStore {
	return &ScopedVersionStore{scope: scope, store: store}
}

func (s *ScopedVersionStore) Get(ctx context.Context, aggType, aggID string) (Version, error) {
	return s.store.Get(ctx, s.scoped(aggType), aggID)
}

func (s *ScopedVersionStore) Save(ctx context.Context, aggType, aggID string, version Version) error {
	return s.store.Save(ctx, s.scoped(aggType), aggID, version)
}

// scoped length-prefixes the scope, so no pair of scope and type maps to
// the same name as another pair.
func (s *ScopedVersionStore) scoped(aggType string) string {
	if s.scope == "" {
		return aggType
	}
	return strconv.Itoa(len(s.scope)) + ":" + s.scope + "." + aggType
}

var _ VersionStore = (*ScopedVersionStore)(nil)
