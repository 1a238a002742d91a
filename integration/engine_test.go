package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/adapters/nats"
	"github.com/codewandler/sequent/core/app"
	"github.com/codewandler/sequent/core/config"
	"github.com/codewandler/sequent/core/consumer"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/internal/testdomain"
)

const (
	numNodes   = 3
	numNotes   = 6
	numRenames = 8
)

type node struct {
	engine *app.Engine
	events *nats.EventStore
}

// projection records the versions a processor saw, per note.
type projection struct {
	mu   sync.Mutex
	seen map[string][]es.Version
}

func (p *projection) add(aggID string, v es.Version) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[aggID] = append(p.seen[aggID], v)
}

func (p *projection) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, vs := range p.seen {
		n += len(vs)
	}
	return n
}

func (p *projection) versions(aggID string) []es.Version {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]es.Version(nil), p.seen[aggID]...)
}

func newNode(t *testing.T, connect nats.Connector, i int, titles *projection) *node {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})).
		With(slog.String("node", fmt.Sprintf("node-%d", i)))
	regs := testdomain.NewRegistries()

	b, err := nats.NewBroker(nats.BrokerConfig{
		Connect:  connect,
		Log:      log,
		Storage:  jetstream.MemoryStorage,
		NakDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	events, err := nats.NewEventStore(nats.EventStoreConfig{
		Connect:  connect,
		Log:      log,
		Registry: regs.Events,
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	versions, kvStore, err := nats.NewVersionStore(nats.KvConfig{
		Connect: connect,
		Bucket:  "versions",
		Storage: jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })

	engine, err := app.New(app.Config{
		Context: t.Context(),
		Log:     log,
		Engine: config.Engine{
			Name:         fmt.Sprintf("node-%d", i),
			Group:        "integration",
			RetryBackoff: 10 * time.Millisecond,
			ParkRecheck:  20 * time.Millisecond,
		},
		Broker:     app.BrokerConfig{Producer: b, Consumer: b},
		Store:      app.StoreConfig{Events: events, Versions: versions},
		Registries: app.Registries{Commands: regs.Commands, Events: regs.Events, Aggregates: regs.Aggregates},
	})
	require.NoError(t, err)

	reg := consumer.NewRegistry()
	consumer.Handle(reg, "created", func(_ context.Context, e *testdomain.NoteCreated) error {
		titles.add(e.GetAggregateRootID(), e.GetVersion())
		return nil
	})
	consumer.Handle(reg, "renamed", func(_ context.Context, e *testdomain.NoteRenamed) error {
		titles.add(e.GetAggregateRootID(), e.GetVersion())
		return nil
	})
	_, err = engine.HandleEvents("titles", reg)
	require.NoError(t, err)

	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)
	return &node{engine: engine, events: events}
}

// TestEngine_Nodes runs three engines on one NATS server. All nodes consume
// commands in one group, so renames of the same note race on different
// nodes and are resolved by the commit conflict protocol. The projection
// runs on every node in one group and must still see each note in version
// order.
func TestEngine_Nodes(t *testing.T) {
	connect := nats.NewTestContainer(t)
	titles := &projection{seen: map[string][]es.Version{}}

	nodes := make([]*node, numNodes)
	for i := range nodes {
		nodes[i] = newNode(t, connect, i, titles)
	}

	ctx := t.Context()
	noteID := func(n int) string { return fmt.Sprintf("note-%d", n) }

	for n := range numNotes {
		bus := nodes[n%numNodes].engine.Bus()
		require.NoError(t, bus.Send(ctx, testdomain.NewCreateNote(fmt.Sprintf("create-%d", n), noteID(n), "draft")))
	}
	require.Eventually(t, func() bool {
		for n := range numNotes {
			if _, err := nodes[0].events.GetByVersion(ctx, noteID(n), 1); err != nil {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "notes created")

	var wg sync.WaitGroup
	for i, nd := range nodes {
		wg.Go(func() {
			for r := range numRenames {
				for n := range numNotes {
					id := fmt.Sprintf("rename-%d-%d-%d", i, n, r)
					cmd := testdomain.NewRenameNote(id, noteID(n), id)
					if err := nd.engine.Bus().Send(ctx, cmd); err != nil {
						t.Errorf("send %s: %v", id, err)
					}
				}
			}
		})
	}
	wg.Wait()

	want := numNotes * (1 + numNodes*numRenames)
	require.Eventually(t, func() bool { return titles.total() >= want }, time.Minute, 100*time.Millisecond)

	for n := range numNotes {
		streams, err := nodes[1].events.GetAll(ctx, testdomain.AggregateType, noteID(n), 1, es.MaxVersion)
		require.NoError(t, err)
		require.Len(t, streams, 1+numNodes*numRenames, noteID(n))

		commands := map[string]struct{}{}
		for i, s := range streams {
			require.Equal(t, es.Version(i+1), s.Version)
			commands[s.CommandID] = struct{}{}
		}
		require.Len(t, commands, len(streams), "every command committed once")

		got := titles.versions(noteID(n))
		require.Len(t, got, len(streams))
		for i, v := range got {
			require.Equal(t, es.Version(i+1), v, "projected in version order")
		}
	}
}
