package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/es/estests"
	"github.com/codewandler/sequent/internal/testdomain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open("file:" + filepath.Join(t.TempDir(), "sequent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEventStore(t *testing.T) {
	estests.RunEventStore(t, func(t *testing.T, registry *es.EventRegistry) es.EventStore {
		return NewEventStore(openTestDB(t), registry, nil)
	})
}

func TestVersionStore(t *testing.T) {
	estests.RunVersionStore(t, func(t *testing.T) es.VersionStore {
		return NewVersionStore(openTestDB(t))
	})
}

func TestOpen_InMemory(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewEventStore(db, testdomain.NewRegistries().Events, nil)
	res, err := store.Save(t.Context(), estests.Stream("n1", 1, "c1"))
	require.NoError(t, err)
	require.Equal(t, es.AppendSuccess, res)

	got, err := store.GetByCommandID(t.Context(), "n1", "c1")
	require.NoError(t, err)
	estests.RequireStreamEqual(t, estests.Stream("n1", 1, "c1"), got)
}

func TestOpen_Reopen(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "sequent.db")
	registry := testdomain.NewRegistries().Events

	db, err := Open(dsn)
	require.NoError(t, err)
	_, err = NewEventStore(db, registry, nil).Save(t.Context(), estests.Stream("n1", 1, "c1"))
	require.NoError(t, err)
	require.NoError(t, NewVersionStore(db).Save(t.Context(), testdomain.AggregateType, "n1", 1))
	require.NoError(t, db.Close())

	db, err = Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	got, err := NewEventStore(db, registry, nil).GetByVersion(t.Context(), "n1", 1)
	require.NoError(t, err)
	require.Equal(t, "c1", got.CommandID)

	v, err := NewVersionStore(db).Get(t.Context(), testdomain.AggregateType, "n1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), v)
}
