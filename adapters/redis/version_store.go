package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/sequent/core/es"
)

// VersionStore is an es.VersionStore with one string key per aggregate.
type VersionStore struct {
	client goredis.UniversalClient
	prefix string
	save   *goredis.Script
}

var _ es.VersionStore = (*VersionStore)(nil)

func NewVersionStore(client goredis.UniversalClient, prefix string) *VersionStore {
	return &VersionStore{
		client: client,
		prefix: prefixOr(prefix),
		save:   goredis.NewScript(luaSaveVersion),
	}
}

func (s *VersionStore) Get(ctx context.Context, aggType, aggID string) (es.Version, error) {
	raw, err := s.client.Get(ctx, s.key(aggType, aggID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get version of %s/%s: %w", aggType, aggID, err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version of %s/%s: %w", aggType, aggID, err)
	}
	return es.Version(v), nil
}

func (s *VersionStore) Save(ctx context.Context, aggType, aggID string, version es.Version) error {
	if version == 0 {
		return fmt.Errorf("%w: version must be >= 1", es.ErrVersionConflict)
	}
	ok, err := s.save.Run(ctx, s.client, []string{s.key(aggType, aggID)}, uint64(version)).Int()
	if err != nil {
		return fmt.Errorf("save version of %s/%s: %w", aggType, aggID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s/%s cannot move to %d", es.ErrVersionConflict, aggType, aggID, version)
	}
	return nil
}

// key length-prefixes the type so ids containing ":" stay apart.
func (s *VersionStore) key(aggType, aggID string) string {
	return s.prefix + ":version:" + strconv.Itoa(len(aggType)) + ":" + aggType + ":" + aggID
}
