package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	activeRuns    prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil registerer keeps them in
// a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		// Labels: rule, outcome (passed, failed, error)
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacheck",
			Name:      "checks_total",
			Help:      "Checks executed by rule and outcome",
		}, []string{"rule", "outcome"}),
		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datacheck",
			Name:      "check_duration_seconds",
			Help:      "Time spent executing one check",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"rule"}),
		// Labels: status (completed, failed)
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacheck",
			Name:      "runs_total",
			Help:      "Runs finalized by terminal status",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "datacheck",
			Name:      "active_runs",
			Help:      "Runs currently being orchestrated",
		}),
	}
}
