package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments job throughput. A nil *Metrics records nothing.
type Metrics struct {
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persuasion",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Message generation jobs submitted, by lane.",
		}, []string{"lane"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persuasion",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Message generation jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "persuasion",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from enqueue to terminal state.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 300},
		}, []string{"status"}),
	}
}

func (m *Metrics) observeSubmit(lane Priority) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(lane)).Inc()
}

func (m *Metrics) observeDone(r *Record) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(string(r.Status)).Inc()
	if !r.EnqueuedAt.IsZero() && !r.FinishedAt.IsZero() {
		m.duration.WithLabelValues(string(r.Status)).Observe(r.FinishedAt.Sub(r.EnqueuedAt).Seconds())
	}
}

func since(t time.Time, now time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return now.Sub(t)
}
