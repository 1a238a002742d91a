package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/es/estests"
	"github.com/codewandler/sequent/internal/testdomain"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := Connect(t.Context(), Config{Addr: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestEventStore(t *testing.T) {
	estests.RunEventStore(t, func(t *testing.T, registry *es.EventRegistry) es.EventStore {
		_, client := newTestClient(t)
		return NewEventStore(client, "", registry, nil)
	})
}

func TestVersionStore(t *testing.T) {
	estests.RunVersionStore(t, func(t *testing.T) es.VersionStore {
		_, client := newTestClient(t)
		return NewVersionStore(client, "")
	})
}

func TestKeys(t *testing.T) {
	server, client := newTestClient(t)
	ctx := t.Context()

	versions := NewVersionStore(client, "app")
	require.NoError(t, versions.Save(ctx, testdomain.AggregateType, "n1", 1))
	got, err := server.Get("app:version:4:note:n1")
	require.NoError(t, err)
	require.Equal(t, "1", got)

	events := NewEventStore(client, "app", testdomain.NewRegistries().Events, nil)
	_, err = events.Save(ctx, estests.Stream("n1", 1, "c1"))
	require.NoError(t, err)
	require.True(t, server.Exists("app:aggregate:n1:streams"))
	require.Equal(t, "1", server.HGet("app:aggregate:n1:commands", "c1"))
}

func TestConnect_Unreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := Connect(t.Context(), Config{Addr: addr})
	require.Error(t, err)
}
