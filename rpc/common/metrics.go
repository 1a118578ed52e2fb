package common

import (
	"io"

	vmetrics "github.com/VictoriaMetrics/metrics"
)

// WriteMetrics writes all engine counters and gauges in the Prometheus text format.
// Process metrics (go runtime, fds, ...) are included when exposeProcess is set.
func WriteMetrics(w io.Writer, exposeProcess bool) {
	vmetrics.WritePrometheus(w, exposeProcess)
}
