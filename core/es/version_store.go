package es

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/codewandler/sequent/ports/kv"
)

// KVVersionStore is a VersionStore on top of any kv.Store with
// compare-and-set semantics.
type KVVersionStore struct {
	kv     kv.Store
	prefix string
}

// NewKVVersionStore stores one key per aggregate below prefix.
func NewKVVersionStore(store kv.Store, prefix string) *KVVersionStore {
	if prefix == "" {
		prefix = "version"
	}
	return &KVVersionStore{kv: store, prefix: prefix}
}

// NewInMemoryVersionStore is a KVVersionStore backed by kv.MemStore.
func NewInMemoryVersionStore() *KVVersionStore {
	return NewKVVersionStore(kv.NewMemStore(), "")
}

func (s *KVVersionStore) Get(ctx context.Context, aggType, aggID string) (Version, error) {
	v, err := kv.Get[Version](ctx, s.kv, s.key(aggType, aggID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get version of %s/%s: %w", aggType, aggID, err)
	}
	return v, nil
}

func (s *KVVersionStore) Save(ctx context.Context, aggType, aggID string, version Version) error {
	if version == 0 {
		return fmt.Errorf("%w: version must be >= 1", ErrVersionConflict)
	}
	key := s.key(aggType, aggID)
	data := []byte(fmt.Sprintf("%d", version))

	if version == 1 {
		if _, err := s.kv.Create(ctx, key, data); err != nil {
			if errors.Is(err, kv.ErrKeyExists) {
				return fmt.Errorf("%w: %s/%s already at >= 1", ErrVersionConflict, aggType, aggID)
			}
			return err
		}
		return nil
	}

	cur, rev, err := kv.GetWithRevision[Version](ctx, s.kv, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s has no version, cannot save %d", ErrVersionConflict, aggType, aggID, version)
		}
		return err
	}
	if cur != version-1 {
		return fmt.Errorf("%w: %s/%s at %d, cannot save %d", ErrVersionConflict, aggType, aggID, cur, version)
	}
	if _, err := s.kv.Update(ctx, key, data, rev); err != nil {
		if errors.Is(err, kv.ErrRevisionMismatch) {
			return fmt.Errorf("%w: %s/%s changed concurrently", ErrVersionConflict, aggType, aggID)
		}
		return err
	}
	return nil
}

// key encodes type and id separately, so distinct aggregates never share
// a key and every key stays within the character set of NATS KV.
func (s *KVVersionStore) key(aggType, aggID string) string {
	return s.prefix + "." + keyPart(aggType) + "." + keyPart(aggID)
}

// keyPart is the unpadded base64url form of v; "=" stands for the empty
// string and is outside that alphabet.
func keyPart(v string) string {
	if v == "" {
		return "="
	}
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}

var _ VersionStore = (*KVVersionStore)(nil)
