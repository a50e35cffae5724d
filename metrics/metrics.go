// Package metrics defines the tiny recorder interface both limiter
// subsystems report to.
package metrics

// MetricsRecorder is the metrics backend both limiters report to: Add for
// counters, Observe for histograms/timings.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpMetricsRecorder discards everything. It is the default so Acquire's
// hot path never needs a nil check.
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}
