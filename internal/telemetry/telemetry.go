// Package telemetry holds the Prometheus instruments of the engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wikimetrics"

// Metrics groups every instrument. Build one per registry.
type Metrics struct {
	registry *prometheus.Registry

	UnitsFinished *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	JobsCompleted    *prometheus.CounterVec
	UserFailures     *prometheus.CounterVec
	ReportsCompleted *prometheus.CounterVec

	RecordsValidated  *prometheus.CounterVec
	DuplicatesDropped prometheus.Counter

	RunsMaterialized     prometheus.Counter
	OccurrencesTruncated prometheus.Counter
	SchedulerFailures    prometheus.Counter
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		UnitsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_units_finished_total",
			Help:      "Units of work that reached a terminal status.",
		}, []string{"pool", "status"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_queue_depth",
			Help:      "Units waiting for a worker.",
		}, []string{"pool"}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_jobs_completed_total",
			Help:      "Metric jobs computed, by metric.",
		}, []string{"metric"}),
		UserFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_user_failures_total",
			Help:      "Per-user metric computations that returned an error.",
		}, []string{"metric"}),
		ReportsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_completed_total",
			Help:      "Report runs by terminal status.",
		}, []string{"status"}),
		RecordsValidated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cohort_records_validated_total",
			Help:      "Cohort records classified, by outcome.",
		}, []string{"outcome"}),
		DuplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cohort_duplicates_dropped_total",
			Help:      "Valid cohort records dropped because their username was already present.",
		}),
		RunsMaterialized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_materialized_total",
			Help:      "Scheduled runs created for recurrent reports.",
		}),
		OccurrencesTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_occurrences_truncated_total",
			Help:      "Missed occurrences dropped by the per-run cap.",
		}),
		SchedulerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_report_failures_total",
			Help:      "Recurrent reports skipped because their catch-up failed.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
