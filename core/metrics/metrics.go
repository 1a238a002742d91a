// Package metrics defines the instrumentation interfaces used by the core
// packages. Backends (see adapters/prometheus) implement them; the core only
// ever talks to these interfaces and falls back to the Nop variants.
package metrics

import "time"

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram samples observations into buckets.
type Histogram interface {
	Observe(value float64)
}

// Timer measures an operation from its creation until ObserveDuration.
//
//	defer m.SaveDuration("note").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// TimerFunc creates a started Timer.
type TimerFunc func() Timer

// HistogramTimer returns a Timer that observes the elapsed seconds into h.
func HistogramTimer(h Histogram) Timer {
	return &histogramTimer{h: h, start: time.Now()}
}

type histogramTimer struct {
	h     Histogram
	start time.Time
}

func (t *histogramTimer) ObserveDuration() { t.h.Observe(time.Since(t.start).Seconds()) }
