// Package metrics exposes pipeline and supervisor counters in Prometheus
// format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lazarus"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsFinished  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	issues        *prometheus.CounterVec
	reclaims      prometheus.Counter
	restarts      prometheus.Counter
	queueDepth    *prometheus.GaugeVec
	inFlight      prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "jobs_finished_total",
			Help:      "Jobs leaving in_progress, by resulting status and outcome tag.",
		}, []string{"status", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "result"}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fixer",
			Name:      "issues_total",
			Help:      "Compatibility issues by kind and fix outcome.",
		}, []string{"kind", "outcome"}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "reclaims_total",
			Help:      "Jobs reclaimed after their lease expired.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Orchestrator restarts triggered by a stalled heartbeat.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs in the queue by status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed by this orchestrator.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsFinished, m.stageDuration, m.issues,
		m.reclaims, m.restarts, m.queueDepth, m.inFlight,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// JobFinished counts a job reaching status with the given outcome tag.
func (m *Metrics) JobFinished(status, outcome string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status, outcome).Inc()
}

// ObserveStage records how long a stage took and whether it succeeded.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

// IssueOutcome counts one issue of kind ending with outcome.
func (m *Metrics) IssueOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(kind, outcome).Inc()
}

// Reclaimed counts jobs returned by a watchdog reclaim.
func (m *Metrics) Reclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaims.Add(float64(n))
}

// Restarted counts one orchestrator restart.
func (m *Metrics) Restarted() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// SetQueueDepth publishes the per-status job counts.
func (m *Metrics) SetQueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// InFlight adjusts the in-flight job gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}
