package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codewandler/sequent/core/es"
)

const versionConstraint = "event_streams_version"

// EventStore is an es.EventStore on the event_streams table.
type EventStore struct {
	pool     *pgxpool.Pool
	registry *es.EventRegistry
	log      *slog.Logger
}

var _ es.EventStore = (*EventStore)(nil)

// NewEventStore decodes events with registry. log may be nil.
func NewEventStore(pool *pgxpool.Pool, registry *es.EventRegistry, log *slog.Logger) *EventStore {
	if log == nil {
		log = slog.Default()
	}
	return &EventStore{
		pool:     pool,
		registry: registry,
		log:      log.With(slog.String("store", "postgres")),
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

	_, err = s.pool.Exec(ctx, `
INSERT INTO event_streams (aggregate_id, version, command_id, aggregate_type, record)
VALUES ($1, $2, $3, $4, $5)
`,
		stream.AggregateRootID,
		int64(stream.Version),
		stream.CommandID,
		stream.AggregateType,
		data,
	)
	if err == nil {
		s.log.Debug("saved", stream.SlogAttr())
		return es.AppendSuccess, nil
	}

	constraint, ok := violatedConstraint(err)
	if !ok {
		return es.AppendFailed, fmt.Errorf("insert stream: %w", err)
	}
	if constraint == versionConstraint {
		return es.AppendDuplicatedEvent, nil
	}
	// the command index fired first, the version may still be taken
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_streams WHERE aggregate_id = $1 AND version = $2)`,
		stream.AggregateRootID, int64(stream.Version),
	).Scan(&exists)
	if err != nil {
		return es.AppendFailed, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return es.AppendDuplicatedEvent, nil
	}
	return es.AppendDuplicatedCommand, nil
}

func (s *EventStore) GetByCommandID(ctx context.Context, aggID, commandID string) (*es.EventStream, error) {
	return s.getOne(ctx,
		`SELECT record FROM event_streams WHERE aggregate_id = $1 AND command_id = $2`,
		aggID, commandID,
	)
}

func (s *EventStore) GetByVersion(ctx context.Context, aggID string, version es.Version) (*es.EventStream, error) {
	return s.getOne(ctx,
		`SELECT record FROM event_streams WHERE aggregate_id = $1 AND version = $2`,
		aggID, int64(version),
	)
}

func (s *EventStore) GetAll(ctx context.Context, aggType, aggID string, minVersion, maxVersion es.Version) ([]*es.EventStream, error) {
	rows, err := s.pool.Query(ctx, `
SELECT record FROM event_streams
WHERE aggregate_id = $1 AND aggregate_type = $2 AND version BETWEEN $3 AND $4
ORDER BY version
`,
		aggID, aggType, int64(minVersion), clampVersion(maxVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("collect streams: %w", err)
	}

	out := make([]*es.EventStream, 0, len(records))
	for _, data := range records {
		stream, err := s.decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, stream)
	}
	return out, nil
}

func (s *EventStore) getOne(ctx context.Context, query string, args ...any) (*es.EventStream, error) {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, es.ErrStreamNotFound
		}
		return nil, fmt.Errorf("query stream: %w", err)
	}
	return s.decode(data)
}

func (s *EventStore) decode(data []byte) (*es.EventStream, error) {
	rec := &es.StreamRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode stream record: %w", err)
	}
	return s.registry.DecodeStream(rec)
}

// clampVersion maps es.MaxVersion into the signed range of the column.
func clampVersion(v es.Version) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
