package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/ports/kv"
)

type KvConfig struct {
	Connect Connector
	Bucket  string
	// History is the number of revisions kept per key (default: 1).
	History uint8
	Storage jetstream.StorageType
}

// KvStore is a kv.Store on a JetStream key-value bucket. Bucket revisions
// are the stream sequences, which gives compare-and-set for free.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

var _ kv.Store = (*KvStore)(nil)

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	history := cfg.History
	if history == 0 {
		history = 1
	}

	bucket, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: history,
		Storage: cfg.Storage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{kv: bucket, closeNc: closeNc}, nil
}

// NewVersionStore returns an es.VersionStore on a JetStream bucket.
func NewVersionStore(cfg KvConfig) (*es.KVVersionStore, *KvStore, error) {
	store, err := NewKvStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return es.NewKVVersionStore(store, ""), store, nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	e, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("nats kv: get %s: %w", key, err)
	}
	return kv.Entry{Data: e.Value(), Revision: e.Revision()}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, data []byte) (uint64, error) {
	rev, err := k.kv.Put(ctx, key, data)
	if err != nil {
		return 0, fmt.Errorf("nats kv: put %s: %w", key, err)
	}
	return rev, nil
}

func (k *KvStore) Create(ctx context.Context, key string, data []byte) (uint64, error) {
	rev, err := k.kv.Create(ctx, key, data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, kv.ErrKeyExists
		}
		return 0, fmt.Errorf("nats kv: create %s: %w", key, err)
	}
	return rev, nil
}

func (k *KvStore) Update(ctx context.Context, key string, data []byte, revision uint64) (uint64, error) {
	rev, err := k.kv.Update(ctx, key, data, revision)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, kv.ErrRevisionMismatch
		}
		return 0, fmt.Errorf("nats kv: update %s: %w", key, err)
	}
	return rev, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("nats kv: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the connection.
func (k *KvStore) Close() error {
	k.closeNc()
	return nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}
