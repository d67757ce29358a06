package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	enqueued  *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	jobs      *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the queue metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_enqueued_total",
				Help: "Total number of jobs enqueued",
			},
			[]string{"kind"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_completed_total",
				Help: "Total number of jobs completed successfully",
			},
			[]string{"kind"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_failed_total",
				Help: "Total number of jobs that failed permanently",
			},
			[]string{"kind"},
		),
		retried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_retried_total",
				Help: "Total number of job retries scheduled",
			},
			[]string{"kind"},
		),
		jobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobs",
				Help: "Current number of unfinished jobs per state",
			},
			[]string{"state"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Job attempt duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"kind", "outcome"},
		),
	}
	reg.MustRegister(m.enqueued, m.completed, m.failed, m.retried, m.jobs, m.duration)
	return m
}

// The methods below are nil-safe so a Queue can run without metrics.

func (m *Metrics) incEnqueued(k Kind) {
	if m != nil {
		m.enqueued.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) incCompleted(k Kind) {
	if m != nil {
		m.completed.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) incFailed(k Kind) {
	if m != nil {
		m.failed.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) incRetried(k Kind) {
	if m != nil {
		m.retried.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) observe(k Kind, outcome string, seconds float64) {
	if m != nil {
		m.duration.WithLabelValues(string(k), outcome).Observe(seconds)
	}
}

func (m *Metrics) setStates(counts map[State]int) {
	if m == nil {
		return
	}
	for _, s := range []State{StateWaiting, StateActive, StateDelayed, StatePaused} {
		m.jobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
