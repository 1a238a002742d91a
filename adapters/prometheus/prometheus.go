// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the event store, the command side and the consumers.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/sequent/core/metrics"
)

const namespace = "sequent"

func newTimer(h prometheus.Observer) metrics.Timer {
	return metrics.HistogramTimer(h)
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds the Prometheus implementations for every package.
// Its fields plug straight into app.MetricsConfig.
type AllMetrics struct {
	ES       *ESMetrics
	CQRS     *CQRSMetrics
	Consumer *ConsumerMetrics
}

// NewAllMetrics registers all metrics with reg.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:       NewESMetrics(reg),
		CQRS:     NewCQRSMetrics(reg),
		Consumer: NewConsumerMetrics(reg),
	}
}
