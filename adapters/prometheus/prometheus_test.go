package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/sequent/core/app"
	"github.com/codewandler/sequent/core/config"
	"github.com/codewandler/sequent/core/cqrs"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/internal/testdomain"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	m.StoreLoadDuration("note").ObserveDuration()
	m.RepoLoadDuration("note").ObserveDuration()
	m.CacheHit("note")
	m.CacheHit("note")
	m.CacheMiss("note")
	m.CacheEvicted(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("note")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues("note")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheEvicted))
	assert.Equal(t, 1, testutil.CollectAndCount(m.repoLoadDuration))
}

func TestNewCQRSMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCQRSMetrics(reg)

	m.CommandReceived("CreateNote")
	m.CommandCompleted("CreateNote", cqrs.StatusSuccess)
	m.CommandCompleted("CreateNote", cqrs.StatusFailed)
	m.HandleDuration("CreateNote").ObserveDuration()
	m.CommitDuration("note").ObserveDuration()
	m.CommitOutcome("note", es.AppendDuplicatedEvent)
	m.ConflictRetry("note")
	m.PublishFailed("events.1")
	m.Queues().Inc()
	m.Queues().Inc()
	m.Queues().Dec()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsReceived.WithLabelValues("CreateNote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsCompleted.WithLabelValues("CreateNote", cqrs.StatusFailed.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitOutcomes.WithLabelValues("note", es.AppendDuplicatedEvent.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflictRetry.WithLabelValues("note")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishFailed.WithLabelValues("events.1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queues))
}

func TestNewConsumerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewConsumerMetrics(reg)

	m.StreamHandled("titles", "note")
	m.StreamHandled("titles", "note")
	m.StreamParked("titles", "note")
	m.StreamDuplicate("titles", "note")
	m.StreamFailed("titles", "note")
	m.HandleDuration("titles", "note").ObserveDuration()
	m.MessageHandled("mailer", "Welcome")
	m.MessageFailed("mailer", "Welcome")
	m.Queues().Set(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.streams.WithLabelValues("titles", "note", "handled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streams.WithLabelValues("titles", "note", "parked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("mailer", "Welcome", "failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queues))
}

func TestNewAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	all := NewAllMetrics(reg)
	require.NotNil(t, all.ES)
	require.NotNil(t, all.CQRS)
	require.NotNil(t, all.Consumer)

	// registering twice collides
	require.Panics(t, func() { NewAllMetrics(reg) })
}

func TestMetrics_Engine(t *testing.T) {
	reg := prometheus.NewRegistry()
	all := NewAllMetrics(reg)

	regs := testdomain.NewRegistries()
	e, err := app.New(app.Config{
		Engine: config.Engine{Name: "metrics", RetryBackoff: 5 * time.Millisecond},
		Topics: config.Topics{Partitions: 2},
		Registries: app.Registries{
			Commands:   regs.Commands,
			Events:     regs.Events,
			Aggregates: regs.Aggregates,
		},
		Metrics: app.MetricsConfig{ES: all.ES, CQRS: all.CQRS, Consumer: all.Consumer},
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	require.NoError(t, e.Start())

	res, err := e.Execute(t.Context(), testdomain.NewCreateNote("c1", "n1", "draft"))
	require.NoError(t, err)
	require.Equal(t, cqrs.StatusSuccess, res.Status)

	require.Equal(t, 1.0, testutil.ToFloat64(all.CQRS.commitOutcomes.WithLabelValues(testdomain.AggregateType, es.AppendSuccess.String())))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["sequent_cqrs_commands_received_total"])
	assert.True(t, names["sequent_cqrs_commits_total"])
}
