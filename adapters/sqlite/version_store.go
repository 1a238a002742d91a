package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codewandler/sequent/core/es"
)

// VersionStore is an es.VersionStore on the aggregate_versions table.
type VersionStore struct {
	db *sql.DB
}

var _ es.VersionStore = (*VersionStore)(nil)

func NewVersionStore(db *sql.DB) *VersionStore {
	return &VersionStore{db: db}
}

func (s *VersionStore) Get(ctx context.Context, aggType, aggID string) (es.Version, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM aggregate_versions WHERE aggregate_type = ? AND aggregate_id = ?`,
		aggType, aggID,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get version of %s/%s: %w", aggType, aggID, err)
	}
	return es.Version(v), nil
}

func (s *VersionStore) Save(ctx context.Context, aggType, aggID string, version es.Version) error {
	var (
		res sql.Result
		err error
	)
	switch version {
	case 0:
		return fmt.Errorf("%w: version must be >= 1", es.ErrVersionConflict)
	case 1:
		res, err = s.db.ExecContext(ctx, `
INSERT INTO aggregate_versions (aggregate_type, aggregate_id, version)
VALUES (?, ?, 1)
ON CONFLICT DO NOTHING
`,
			aggType, aggID,
		)
	default:
		res, err = s.db.ExecContext(ctx, `
UPDATE aggregate_versions SET version = ?
WHERE aggregate_type = ? AND aggregate_id = ? AND version = ?
`,
			int64(version), aggType, aggID, int64(version-1),
		)
	}
	if err != nil {
		return fmt.Errorf("save version of %s/%s: %w", aggType, aggID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s cannot move to %d", es.ErrVersionConflict, aggType, aggID, version)
	}
	return nil
}
