package es

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
)

type memAggregate struct {
	aggType    string
	byVersion  map[Version]*EventStream
	byCommand  map[string]*EventStream
	maxVersion Version
}

// InMemoryEventStore is an EventStore for tests and single-process use.
type InMemoryEventStore struct {
	mu   sync.RWMutex
	log  *slog.Logger
	aggs map[string]*memAggregate
}

func NewInMemoryEventStore(opts ...StoreOption) *InMemoryEventStore {
	options := newStoreOpts(opts...)
	return &InMemoryEventStore{
		log:  options.log.With(slog.String("store", "memory")),
		aggs: map[string]*memAggregate{},
	}
}

func (s *InMemoryEventStore) Save(_ context.Context, stream *EventStream) (AppendResult, error) {
	if err := stream.Validate(); err != nil {
		return AppendFailed, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggs[stream.AggregateRootID]
	if !ok {
		agg = &memAggregate{
			aggType:   stream.AggregateType,
			byVersion: map[Version]*EventStream{},
			byCommand: map[string]*EventStream{},
		}
		s.aggs[stream.AggregateRootID] = agg
	}
	if _, dup := agg.byVersion[stream.Version]; dup {
		return AppendDuplicatedEvent, nil
	}
	if _, dup := agg.byCommand[stream.CommandID]; dup {
		return AppendDuplicatedCommand, nil
	}

	agg.byVersion[stream.Version] = stream
	agg.byCommand[stream.CommandID] = stream
	agg.maxVersion = max(agg.maxVersion, stream.Version)

	s.log.Debug("saved", stream.SlogAttr())
	return AppendSuccess, nil
}

func (s *InMemoryEventStore) GetByCommandID(_ context.Context, aggID, commandID string) (*EventStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agg, ok := s.aggs[aggID]; ok {
		if stream, ok := agg.byCommand[commandID]; ok {
			return stream, nil
		}
	}
	return nil, ErrStreamNotFound
}

func (s *InMemoryEventStore) GetByVersion(_ context.Context, aggID string, version Version) (*EventStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agg, ok := s.aggs[aggID]; ok {
		if stream, ok := agg.byVersion[version]; ok {
			return stream, nil
		}
	}
	return nil, ErrStreamNotFound
}

func (s *InMemoryEventStore) GetAll(_ context.Context, aggType, aggID string, minVersion, maxVersion Version) ([]*EventStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggs[aggID]
	if !ok || agg.aggType != aggType {
		return nil, nil
	}
	out := make([]*EventStream, 0, len(agg.byVersion))
	for v, stream := range agg.byVersion {
		if v >= minVersion && v <= maxVersion {
			out = append(out, stream)
		}
	}
	slices.SortFunc(out, func(a, b *EventStream) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// Version returns the highest stored version of aggID.
func (s *InMemoryEventStore) Version(aggID string) Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agg, ok := s.aggs[aggID]; ok {
		return agg.maxVersion
	}
	return 0
}

var _ EventStore = (*InMemoryEventStore)(nil)
