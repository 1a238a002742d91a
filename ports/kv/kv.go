// Package kv is the key-value port. Besides plain reads and writes it
// offers revision based compare-and-set, which is what version tracking
// needs to stay correct with several writers.
package kv

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrKeyExists        = errors.New("key exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Entry is a stored value with the revision it was written at.
type Entry struct {
	Data     []byte
	Revision uint64
}

type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, key string, data []byte) (uint64, error)
	// Create writes only if key does not exist (ErrKeyExists otherwise).
	Create(ctx context.Context, key string, data []byte) (uint64, error)
	// Update writes only if key is at revision (ErrRevisionMismatch otherwise).
	Update(ctx context.Context, key string, data []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
}

func Put[T any](ctx context.Context, store Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = store.Put(ctx, key, data)
	return err
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	out, _, err = GetWithRevision[T](ctx, store, key)
	return
}

// GetWithRevision decodes the value at key and returns its revision.
func GetWithRevision[T any](ctx context.Context, store Store, key string) (out T, rev uint64, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, 0, err
	}
	if err = json.Unmarshal(entry.Data, &out); err != nil {
		return out, 0, err
	}
	return out, entry.Revision, nil
}
