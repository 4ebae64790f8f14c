// Package metrics collects Prometheus counters and histograms for the
// update jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/clashctl/clashctl/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's private registry and collectors. A nil Metrics
// is a valid no-op receiver.
type Metrics struct {
	registry           *prometheus.Registry
	jobRunsTotal       *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	jobBusyTotal       *prometheus.CounterVec
}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	jobRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clashctl",
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Total update job runs by kind, trigger and outcome.",
		},
		[]string{"kind", "trigger", "outcome"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clashctl",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Update job runtime from start to terminal outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)
	jobBusyTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clashctl",
			Subsystem: "job",
			Name:      "busy_rejections_total",
			Help:      "Runs rejected because a job of the same kind was in flight.",
		},
		[]string{"kind", "trigger"},
	)

	registry.MustRegister(jobRunsTotal, jobDurationSeconds, jobBusyTotal)

	return &Metrics{
		registry:           registry,
		jobRunsTotal:       jobRunsTotal,
		jobDurationSeconds: jobDurationSeconds,
		jobBusyTotal:       jobBusyTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records one finished run.
func (m *Metrics) ObserveJob(kind core.JobKind, trigger core.Trigger, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.jobRunsTotal.WithLabelValues(string(kind), string(trigger), outcome).Inc()
	if seconds := duration.Seconds(); seconds >= 0 {
		m.jobDurationSeconds.WithLabelValues(string(kind)).Observe(seconds)
	}
}

// IncBusy records a run rejected by the single-flight guard.
func (m *Metrics) IncBusy(kind core.JobKind, trigger core.Trigger) {
	if m == nil {
		return
	}
	m.jobBusyTotal.WithLabelValues(string(kind), string(trigger)).Inc()
}
