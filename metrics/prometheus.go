// Package metrics exposes Prometheus collectors for provider executions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(executions)
	prometheus.MustRegister(phaseFailures)
	prometheus.MustRegister(executionSeconds)
}

var executions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gfac",
		Name:      "executions_total",
		Help:      "Number of finished executions by backend and status.",
	},
	[]string{"backend", "status"},
)

var phaseFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gfac",
		Name:      "phase_failures_total",
		Help:      "Number of lifecycle phase failures by backend, phase and fault kind.",
	},
	[]string{"backend", "phase", "kind"},
)

var executionSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gfac",
		Name:      "execution_seconds",
		Help:      "Wall time of executions, from staging to output collection.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
	},
	[]string{"backend"},
)

// ExecutionFinished records a finished execution.
func ExecutionFinished(backend, status string, d time.Duration) {
	executions.WithLabelValues(backend, status).Inc()
	executionSeconds.WithLabelValues(backend).Observe(d.Seconds())
}

// PhaseFailed records a failed lifecycle phase.
func PhaseFailed(backend, phase, kind string) {
	phaseFailures.WithLabelValues(backend, phase, kind).Inc()
}
