package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/sequent/core/cqrs"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/metrics"
)

// CQRSMetrics implements cqrs.Metrics using Prometheus.
type CQRSMetrics struct {
	commandsReceived  *prometheus.CounterVec
	commandsCompleted *prometheus.CounterVec
	handleDuration    *prometheus.HistogramVec

	commitDuration *prometheus.HistogramVec
	commitOutcomes *prometheus.CounterVec
	conflictRetry  *prometheus.CounterVec

	publishFailed *prometheus.CounterVec
	queues        prometheus.Gauge
}

var _ cqrs.Metrics = (*CQRSMetrics)(nil)

func NewCQRSMetrics(reg prometheus.Registerer) *CQRSMetrics {
	m := &CQRSMetrics{
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cqrs_commands_received_total",
			Help:      "Total number of commands accepted by the processor",
		}, []string{"command_type"}),

		commandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cqrs_commands_completed_total",
			Help:      "Total number of completed commands by status",
		}, []string{"command_type", "status"}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cqrs_handle_duration_seconds",
			Help:      "Command handler latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"command_type"}),

		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cqrs_commit_duration_seconds",
			Help:      "Event stream commit latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		commitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cqrs_commits_total",
			Help:      "Total number of commits by store result",
		}, []string{"aggregate_type", "result"}),

		conflictRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cqrs_conflict_retries_total",
			Help:      "Total number of commands re-run after a version conflict",
		}, []string{"aggregate_type"}),

		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cqrs_publish_failed_total",
			Help:      "Total number of event streams that could not be published",
		}, []string{"topic"}),

		queues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cqrs_command_queues",
			Help:      "Number of live per-aggregate command queues",
		}),
	}

	reg.MustRegister(
		m.commandsReceived,
		m.commandsCompleted,
		m.handleDuration,
		m.commitDuration,
		m.commitOutcomes,
		m.conflictRetry,
		m.publishFailed,
		m.queues,
	)

	return m
}

func (m *CQRSMetrics) CommandReceived(commandType string) {
	m.commandsReceived.WithLabelValues(commandType).Inc()
}

func (m *CQRSMetrics) CommandCompleted(commandType string, status cqrs.CommandStatus) {
	m.commandsCompleted.WithLabelValues(commandType, status.String()).Inc()
}

func (m *CQRSMetrics) HandleDuration(commandType string) metrics.Timer {
	return newTimer(m.handleDuration.WithLabelValues(commandType))
}

func (m *CQRSMetrics) CommitDuration(aggType string) metrics.Timer {
	return newTimer(m.commitDuration.WithLabelValues(aggType))
}

func (m *CQRSMetrics) CommitOutcome(aggType string, result es.AppendResult) {
	m.commitOutcomes.WithLabelValues(aggType, result.String()).Inc()
}

func (m *CQRSMetrics) ConflictRetry(aggType string) {
	m.conflictRetry.WithLabelValues(aggType).Inc()
}

func (m *CQRSMetrics) PublishFailed(topic string) {
	m.publishFailed.WithLabelValues(topic).Inc()
}

func (m *CQRSMetrics) Queues() metrics.Gauge { return m.queues }
