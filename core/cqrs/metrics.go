package cqrs

import (
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/core/metrics"
)

// Metrics instruments the command side. Implementations must be safe for
// concurrent use.
type Metrics interface {
	CommandReceived(commandType string)
	CommandCompleted(commandType string, status CommandStatus)
	HandleDuration(commandType string) metrics.Timer

	CommitDuration(aggType string) metrics.Timer
	CommitOutcome(aggType string, result es.AppendResult)
	ConflictRetry(aggType string)

	PublishFailed(topic string)

	// Queues tracks the number of live per-aggregate command queues.
	Queues() metrics.Gauge
}

type nopMetrics struct{}

func (nopMetrics) CommandReceived(string)                 {}
func (nopMetrics) CommandCompleted(string, CommandStatus) {}
func (nopMetrics) HandleDuration(string) metrics.Timer    { return metrics.NopTimer() }
func (nopMetrics) CommitDuration(string) metrics.Timer    { return metrics.NopTimer() }
func (nopMetrics) CommitOutcome(string, es.AppendResult)  {}
func (nopMetrics) ConflictRetry(string)                   {}
func (nopMetrics) PublishFailed(string)                   {}
func (nopMetrics) Queues() metrics.Gauge                  { return metrics.NopGauge() }

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
