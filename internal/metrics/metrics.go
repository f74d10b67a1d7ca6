// Package metrics exports Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	JobsTotal    *prometheus.CounterVec
	JobsRunning  prometheus.Gauge
	TaskDuration *prometheus.HistogramVec
	StepDuration prometheus.Histogram
	StepsTotal   *prometheus.CounterVec

	CreditsConsumed prometheus.Counter
	TokensConsumed  prometheus.Counter

	QueueAvailable prometheus.Gauge
	QueueWaiting   prometheus.Gauge
	QueueFallbacks prometheus.Counter
}

// New registers the engine collectors with the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total jobs processed by terminal status",
			},
			[]string{"status"},
		),
		JobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "Number of jobs currently being executed",
			},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "End-to-end task duration in seconds by terminal status",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		StepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Individual step duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total steps executed by outcome",
			},
			[]string{"outcome"},
		),
		CreditsConsumed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_consumed_total",
				Help:      "Total credits consumed by finished runs",
			},
		),
		TokensConsumed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_consumed_total",
				Help:      "Total model tokens consumed by finished runs",
			},
		),
		QueueAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_available",
				Help:      "1 when the queue broker is reachable, 0 in degraded mode",
			},
		),
		QueueWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_waiting_jobs",
				Help:      "Jobs waiting in the queue stream",
			},
		),
		QueueFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_fallbacks_total",
				Help:      "Enqueue calls that degraded to a fallback job id",
			},
		),
	}
}

// RecordJobStart marks a job as in flight.
func (m *Metrics) RecordJobStart() {
	m.JobsRunning.Inc()
}

// RecordJobDone records a finished job with its terminal status and usage.
func (m *Metrics) RecordJobDone(status string, duration time.Duration, credits, tokens int) {
	m.JobsRunning.Dec()
	m.JobsTotal.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.CreditsConsumed.Add(float64(credits))
	m.TokensConsumed.Add(float64(tokens))
}

// RecordStep records one step attempt.
func (m *Metrics) RecordStep(outcome string, duration time.Duration) {
	m.StepsTotal.WithLabelValues(outcome).Inc()
	m.StepDuration.Observe(duration.Seconds())
}

// SetQueueAvailable flips the availability gauge.
func (m *Metrics) SetQueueAvailable(available bool) {
	if available {
		m.QueueAvailable.Set(1)
	} else {
		m.QueueAvailable.Set(0)
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
