package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	submitted *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	running   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geneq",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the scheduler.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geneq",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geneq",
			Name:      "job_duration_seconds",
			Help:      "Wall time from start of execution to a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "geneq",
			Name:      "jobs_running",
			Help:      "Jobs currently executing.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.finished, m.duration, m.running)
	}
	return m
}

func (m *Metrics) jobSubmitted(kind string) {
	if m != nil {
		m.submitted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) jobStarted(kind string) {
	if m != nil {
		m.running.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) jobFinished(kind, status string, started bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(kind, status).Inc()
	if started {
		m.running.WithLabelValues(kind).Dec()
		m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}
