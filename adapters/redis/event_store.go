package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/sequent/core/es"
)

const (
	streamsSuffix  = ":streams"
	commandsSuffix = ":commands"
)

// EventStore is an es.EventStore keeping a sorted set of stream records
// and a command index per aggregate.
type EventStore struct {
	client   goredis.UniversalClient
	prefix   string
	registry *es.EventRegistry
	log      *slog.Logger
	append   *goredis.Script
}

var _ es.EventStore = (*EventStore)(nil)

// NewEventStore decodes events with registry. log may be nil.
func NewEventStore(client goredis.UniversalClient, prefix string, registry *es.EventRegistry, log *slog.Logger) *EventStore {
	if log == nil {
		log = slog.Default()
	}
	return &EventStore{
		client:   client,
		prefix:   prefixOr(prefix),
		registry: registry,
		log:      log.With(slog.String("store", "redis")),
		append:   goredis.NewScript(luaAppendStream),
	}
}

func (s *EventStore) Save(ctx context.Context, stream *es.EventStream) (es.AppendResult, error) {
	if err := stream.Validate(); err != nil {
		return es.AppendFailed, err
	}
	rec, err := s.registry.EncodeStream(stream)
	if err != nil {
		return es.AppendFailed, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return es.AppendFailed, err
	}

	keys := []string{
		s.buildKey(stream.AggregateRootID, streamsSuffix),
		s.buildKey(stream.AggregateRootID, commandsSuffix),
	}
	res, err := s.append.Run(ctx, s.client, keys, uint64(stream.Version), stream.CommandID, string(data)).Int()
	if err != nil {
		return es.AppendFailed, fmt.Errorf("append stream: %w", err)
	}
	switch res {
	case 0:
		s.log.Debug("saved", stream.SlogAttr())
		return es.AppendSuccess, nil
	case 1:
		return es.AppendDuplicatedEvent, nil
	case 2:
		return es.AppendDuplicatedCommand, nil
	default:
		return es.AppendFailed, fmt.Errorf("append stream: unexpected script result %d", res)
	}
}

func (s *EventStore) GetByCommandID(ctx context.Context, aggID, commandID string) (*es.EventStream, error) {
	raw, err := s.client.HGet(ctx, s.buildKey(aggID, commandsSuffix), commandID).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, es.ErrStreamNotFound
		}
		return nil, fmt.Errorf("get command %s: %w", commandID, err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse version of command %s: %w", commandID, err)
	}
	return s.GetByVersion(ctx, aggID, es.Version(v))
}

func (s *EventStore) GetByVersion(ctx context.Context, aggID string, version es.Version) (*es.EventStream, error) {
	records, err := s.rangeRecords(ctx, aggID, version, version)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, es.ErrStreamNotFound
	}
	return s.registry.DecodeStream(records[0])
}

func (s *EventStore) GetAll(ctx context.Context, aggType, aggID string, minVersion, maxVersion es.Version) ([]*es.EventStream, error) {
	records, err := s.rangeRecords(ctx, aggID, minVersion, maxVersion)
	if err != nil {
		return nil, err
	}
	var out []*es.EventStream
	for _, rec := range records {
		if rec.AggregateType != aggType {
			continue
		}
		stream, err := s.registry.DecodeStream(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, stream)
	}
	return out, nil
}

// rangeRecords returns the records of aggID with a version in [lo, hi],
// ordered by version.
func (s *EventStore) rangeRecords(ctx context.Context, aggID string, lo, hi es.Version) ([]*es.StreamRecord, error) {
	raw, err := s.client.ZRangeByScore(ctx, s.buildKey(aggID, streamsSuffix), &goredis.ZRangeBy{
		Min: strconv.FormatUint(uint64(lo), 10),
		Max: strconv.FormatUint(uint64(hi), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range streams of %s: %w", aggID, err)
	}
	out := make([]*es.StreamRecord, 0, len(raw))
	for _, data := range raw {
		rec := &es.StreamRecord{}
		if err := json.Unmarshal([]byte(data), rec); err != nil {
			return nil, fmt.Errorf("decode stream record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *EventStore) buildKey(aggID, suffix string) string {
	return s.prefix + ":aggregate:" + aggID + suffix
}
