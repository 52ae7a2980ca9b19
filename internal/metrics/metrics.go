// ABOUTME: Prometheus collectors for queue, worker and bridge activity
// ABOUTME: Methods are nil-safe so components run unchanged without metrics

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coven_queue"

// Metrics exposes Prometheus collectors that report task orchestration activity.
type Metrics struct {
	jobsEnqueued    prometheus.Counter
	jobsCompleted   *prometheus.CounterVec
	jobRetries      prometheus.Counter
	jobsActive      prometheus.Gauge
	jobDuration     prometheus.Histogram
	bridgeEvents    *prometheus.CounterVec
	bridgeOverflows prometheus.Counter
}

// MustNewMetrics constructs and registers the collectors. Registration errors
// panic, mirroring promauto. Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of query jobs added to the queue.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Job attempts that finished, by outcome.",
		}, []string{"outcome"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Number of failed attempts that were scheduled for retry.",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of jobs currently being executed by workers.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time spent processing one job attempt.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		bridgeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_events_total",
			Help:      "Events delivered to session subscribers, by type.",
		}, []string{"type"}),
		bridgeOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_overflows_total",
			Help:      "Subscriptions closed because the subscriber fell behind.",
		}),
	}

	reg.MustRegister(
		m.jobsEnqueued,
		m.jobsCompleted,
		m.jobRetries,
		m.jobsActive,
		m.jobDuration,
		m.bridgeEvents,
		m.bridgeOverflows,
	)
	return m
}

// IncEnqueued counts a job added to the queue.
func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.jobsEnqueued.Inc()
}

// JobStarted marks a job attempt as running and returns a func that records
// its outcome ("completed", "failed", "retried" or "cancelled") and duration.
func (m *Metrics) JobStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.jobsActive.Inc()
	return func(outcome string) {
		m.jobsActive.Dec()
		m.jobDuration.Observe(time.Since(start).Seconds())
		m.jobsCompleted.WithLabelValues(outcome).Inc()
		if outcome == "retried" {
			m.jobRetries.Inc()
		}
	}
}

// IncBridgeEvent counts an event delivered to a subscriber.
func (m *Metrics) IncBridgeEvent(eventType string) {
	if m == nil {
		return
	}
	m.bridgeEvents.WithLabelValues(eventType).Inc()
}

// IncBridgeOverflow counts a subscription dropped for falling behind.
func (m *Metrics) IncBridgeOverflow() {
	if m == nil {
		return
	}
	m.bridgeOverflows.Inc()
}
