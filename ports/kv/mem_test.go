package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	type Foo struct {
		Name string
		Age  int
	}
	s := NewMemStore()

	_, err := Get[Foo](t.Context(), s, "foobar")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Put[Foo](t.Context(), s, "p1", Foo{Name: "P1", Age: 10}))
	require.NoError(t, Put[Foo](t.Context(), s, "p2", Foo{Name: "P2", Age: 20}))

	loaded, err := Get[Foo](t.Context(), s, "p1")
	require.NoError(t, err)
	require.Equal(t, Foo{Name: "P1", Age: 10}, loaded)

	require.NoError(t, s.Delete(t.Context(), "p1"))
	_, err = Get[Foo](t.Context(), s, "p1")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Memory_CompareAndSet(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	rev, err := s.Create(ctx, "v", []byte("1"))
	require.NoError(t, err)

	_, err = s.Create(ctx, "v", []byte("1"))
	require.ErrorIs(t, err, ErrKeyExists)

	rev2, err := s.Update(ctx, "v", []byte("2"), rev)
	require.NoError(t, err)
	require.Greater(t, rev2, rev)

	_, err = s.Update(ctx, "v", []byte("3"), rev)
	require.ErrorIs(t, err, ErrRevisionMismatch)

	_, err = s.Update(ctx, "missing", []byte("1"), 1)
	require.ErrorIs(t, err, ErrRevisionMismatch)

	e, err := s.Get(ctx, "v")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), e.Data)
	require.Equal(t, rev2, e.Revision)
}
