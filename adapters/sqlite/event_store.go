package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/codewandler/sequent/core/es"
)

// EventStore is an es.EventStore on the event_streams table. The primary
// key and the command index reject duplicated versions and commands.
type EventStore struct {
	db       *sql.DB
	registry *es.EventRegistry
	log      *slog.Logger
}

var _ es.EventStore = (*EventStore)(nil)

// NewEventStore decodes events with registry. log may be nil.
func NewEventStore(db *sql.DB, registry *es.EventRegistry, log *slog.Logger) *EventStore {
	if log == nil {
		log = slog.Default()
	}
	return &EventStore{
		db:       db,
		registry: registry,
		log:      log.With(slog.String("store", "sqlite")),
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

	res, err := s.db.ExecContext(ctx, `
INSERT INTO event_streams (aggregate_id, version, command_id, aggregate_type, record)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING
`,
		stream.AggregateRootID,
		int64(stream.Version),
		stream.CommandID,
		stream.AggregateType,
		data,
	)
	if err != nil {
		return es.AppendFailed, fmt.Errorf("insert stream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return es.AppendFailed, err
	}
	if n == 1 {
		s.log.Debug("saved", stream.SlogAttr())
		return es.AppendSuccess, nil
	}

	// rejected by a constraint, the version takes precedence
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_streams WHERE aggregate_id = ? AND version = ?)`,
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
		`SELECT record FROM event_streams WHERE aggregate_id = ? AND command_id = ?`,
		aggID, commandID,
	)
}

func (s *EventStore) GetByVersion(ctx context.Context, aggID string, version es.Version) (*es.EventStream, error) {
	return s.getOne(ctx,
		`SELECT record FROM event_streams WHERE aggregate_id = ? AND version = ?`,
		aggID, int64(version),
	)
}

func (s *EventStore) GetAll(ctx context.Context, aggType, aggID string, minVersion, maxVersion es.Version) ([]*es.EventStream, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT record FROM event_streams
WHERE aggregate_id = ? AND aggregate_type = ? AND version BETWEEN ? AND ?
ORDER BY version
`,
		aggID, aggType, int64(minVersion), clampVersion(maxVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	var out []*es.EventStream
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		stream, err := s.decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, stream)
	}
	return out, rows.Err()
}

func (s *EventStore) getOne(ctx context.Context, query string, args ...any) (*es.EventStream, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
