// Package metrics defines the Prometheus collectors a TopPlanner run
// reports, grounded on local-volume/provisioner/pkg/metrics and
// lib/controller/metrics: a handful of counters/histograms registered once
// and passed explicitly to the planner, never read from package globals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles the metrics of a planning run. Callers construct one
// with NewCollectors, register it with their own registry, and set it as
// planner.TopPlanner.Metrics. TopPlanner.Plan updates RunsTotal and
// WarningsTotal; RunDuration and PrepPlatesPerRun are not observed by it.
type Collectors struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	PrepPlatesPerRun prometheus.Histogram
	WarningsTotal    *prometheus.CounterVec
}

// NewCollectors constructs an unregistered Collectors bundle, mirroring
// local-volume/provisioner/pkg/metrics' module-level NewXxx constructors.
func NewCollectors() *Collectors {
	return &Collectors{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isoplanner",
			Name:      "runs_total",
			Help:      "Total number of planning runs, by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isoplanner",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a planning run.",
			Buckets:   prometheus.DefBuckets,
		}),
		PrepPlatesPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isoplanner",
			Name:      "prep_plates_per_run",
			Help:      "Number of preparation plates emitted by a planning run.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12, 16, 24},
		}),
		WarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isoplanner",
			Name:      "warnings_total",
			Help:      "Warnings emitted during planning, by kind.",
		}, []string{"kind"}),
	}
}

// MustRegister registers every collector with r, panicking on duplicate
// registration — matching the teacher's startup-time registration style.
func (c *Collectors) MustRegister(r prometheus.Registerer) {
	r.MustRegister(c.RunsTotal, c.RunDuration, c.PrepPlatesPerRun, c.WarningsTotal)
}

// ObserveOutcome increments RunsTotal for the given outcome ("success" or
// "error").
func (c *Collectors) ObserveOutcome(outcome string) {
	if c == nil {
		return
	}
	c.RunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveWarning increments WarningsTotal for the given warning kind.
func (c *Collectors) ObserveWarning(kind string) {
	if c == nil {
		return
	}
	c.WarningsTotal.WithLabelValues(kind).Inc()
}
