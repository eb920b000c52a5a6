// Package telemetry exposes Prometheus metrics for the job pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for job orchestration
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobDuration   prometheus.Histogram
}

// NewMetrics creates and registers the collectors on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "jobs_submitted_total",
			Help:      "Number of backtest jobs accepted for execution.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "jobs_finished_total",
			Help:      "Number of backtest jobs reaching a terminal state.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtest",
			Name:      "jobs_running",
			Help:      "Number of backtest jobs currently executing.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backtest",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of completed backtest jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	registry.MustRegister(m.jobsSubmitted, m.jobsFinished, m.jobsRunning, m.jobDuration)
	return m
}

// JobSubmitted records a job acceptance
func (m *Metrics) JobSubmitted() {
	m.jobsSubmitted.Inc()
}

// JobStarted records a job entering the running state
func (m *Metrics) JobStarted() {
	m.jobsRunning.Inc()
}

// JobFinished records a job reaching a terminal state. wasRunning keeps
// the running gauge balanced for jobs that terminate while still queued.
func (m *Metrics) JobFinished(status string, duration time.Duration, wasRunning bool) {
	if wasRunning {
		m.jobsRunning.Dec()
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
