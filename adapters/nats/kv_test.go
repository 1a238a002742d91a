package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/ports/kv"
)

func TestKvStore(t *testing.T) {
	store, err := NewKvStore(KvConfig{Bucket: "kv-test", Connect: NewTestContainer(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := t.Context()

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	rev, err := store.Create(ctx, "v", []byte("1"))
	require.NoError(t, err)
	_, err = store.Create(ctx, "v", []byte("1"))
	require.ErrorIs(t, err, kv.ErrKeyExists)

	rev2, err := store.Update(ctx, "v", []byte("2"), rev)
	require.NoError(t, err)
	require.Greater(t, rev2, rev)
	_, err = store.Update(ctx, "v", []byte("3"), rev)
	require.ErrorIs(t, err, kv.ErrRevisionMismatch)

	e, err := store.Get(ctx, "v")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), e.Data)
	require.Equal(t, rev2, e.Revision)

	require.NoError(t, kv.Put(ctx, store, "fruit", map[string]int{"apple": 10}))
	fruit, err := kv.Get[map[string]int](ctx, store, "fruit")
	require.NoError(t, err)
	require.Equal(t, 10, fruit["apple"])

	require.NoError(t, store.Delete(ctx, "fruit"))
	_, err = store.Get(ctx, "fruit")
	require.ErrorIs(t, err, kv.ErrNotFound)
}
