package consumer

import "github.com/codewandler/sequent/core/metrics"

// Metrics instruments event and application message consumption.
type Metrics interface {
	StreamHandled(processor, aggType string)
	StreamFailed(processor, aggType string)
	StreamDuplicate(processor, aggType string)
	StreamParked(processor, aggType string)
	HandleDuration(processor, aggType string) metrics.Timer

	MessageHandled(processor, messageType string)
	MessageFailed(processor, messageType string)

	// Queues tracks the number of live per-aggregate event queues.
	Queues() metrics.Gauge
}

type nopMetrics struct{}

func (nopMetrics) StreamHandled(string, string)                {}
func (nopMetrics) StreamFailed(string, string)                 {}
func (nopMetrics) StreamDuplicate(string, string)              {}
func (nopMetrics) StreamParked(string, string)                 {}
func (nopMetrics) HandleDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) MessageHandled(string, string)               {}
func (nopMetrics) MessageFailed(string, string)                {}
func (nopMetrics) Queues() metrics.Gauge                       { return metrics.NopGauge() }

func NopMetrics() Metrics { return nopMetrics{} }
