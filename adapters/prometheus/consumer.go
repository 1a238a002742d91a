package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/sequent/core/consumer"
	"github.com/codewandler/sequent/core/metrics"
)

// ConsumerMetrics implements consumer.Metrics using Prometheus.
type ConsumerMetrics struct {
	streams        *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
	messages       *prometheus.CounterVec
	queues         prometheus.Gauge
}

var _ consumer.Metrics = (*ConsumerMetrics)(nil)

func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	m := &ConsumerMetrics{
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_streams_total",
			Help:      "Total number of event streams seen by processors, by outcome",
		}, []string{"processor", "aggregate_type", "outcome"}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consumer_handle_duration_seconds",
			Help:      "Event handler latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"processor", "aggregate_type"}),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_messages_total",
			Help:      "Total number of application messages handled, by outcome",
		}, []string{"processor", "message_type", "outcome"}),

		queues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_queues",
			Help:      "Number of live per-key consumer queues",
		}),
	}

	reg.MustRegister(
		m.streams,
		m.handleDuration,
		m.messages,
		m.queues,
	)

	return m
}

func (m *ConsumerMetrics) StreamHandled(processor, aggType string) {
	m.streams.WithLabelValues(processor, aggType, "handled").Inc()
}

func (m *ConsumerMetrics) StreamFailed(processor, aggType string) {
	m.streams.WithLabelValues(processor, aggType, "failed").Inc()
}

func (m *ConsumerMetrics) StreamDuplicate(processor, aggType string) {
	m.streams.WithLabelValues(processor, aggType, "duplicate").Inc()
}

func (m *ConsumerMetrics) StreamParked(processor, aggType string) {
	m.streams.WithLabelValues(processor, aggType, "parked").Inc()
}

func (m *ConsumerMetrics) HandleDuration(processor, aggType string) metrics.Timer {
	return newTimer(m.handleDuration.WithLabelValues(processor, aggType))
}

func (m *ConsumerMetrics) MessageHandled(processor, messageType string) {
	m.messages.WithLabelValues(processor, messageType, "handled").Inc()
}

func (m *ConsumerMetrics) MessageFailed(processor, messageType string) {
	m.messages.WithLabelValues(processor, messageType, "failed").Inc()
}

func (m *ConsumerMetrics) Queues() metrics.Gauge { return m.queues }
