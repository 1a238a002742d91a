package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codewandler/sequent/core/es"
)

// VersionStore is an es.VersionStore on the aggregate_versions table.
type VersionStore struct {
	pool *pgxpool.Pool
}

var _ es.VersionStore = (*VersionStore)(nil)

func NewVersionStore(pool *pgxpool.Pool) *VersionStore {
	return &VersionStore{pool: pool}
}

func (s *VersionStore) Get(ctx context.Context, aggType, aggID string) (es.Version, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM aggregate_versions WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggType, aggID,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get version of %s/%s: %w", aggType, aggID, err)
	}
	return es.Version(v), nil
}

func (s *VersionStore) Save(ctx context.Context, aggType, aggID string, version es.Version) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch version {
	case 0:
		return fmt.Errorf("%w: version must be >= 1", es.ErrVersionConflict)
	case 1:
		tag, err = s.pool.Exec(ctx, `
INSERT INTO aggregate_versions (aggregate_type, aggregate_id, version)
VALUES ($1, $2, 1)
ON CONFLICT DO NOTHING
`,
			aggType, aggID,
		)
	default:
		tag, err = s.pool.Exec(ctx, `
UPDATE aggregate_versions SET version = $1
WHERE aggregate_type = $2 AND aggregate_id = $3 AND version = $4
`,
			int64(version), aggType, aggID, int64(version-1),
		)
	}
	if err != nil {
		return fmt.Errorf("save version of %s/%s: %w", aggType, aggID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s cannot move to %d", es.ErrVersionConflict, aggType, aggID, version)
	}
	return nil
}
