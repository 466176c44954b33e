package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures engine operation counters.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	matches    *prometheus.CounterVec
}

// NewMetrics registers engine metrics on reg. A nil reg yields unregistered
// collectors, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_operations_total",
			Help: "Engine operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconciler_operation_duration_seconds",
			Help:    "Engine operation latency including lock wait.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_match_results_total",
			Help: "Three-way match results by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.matches)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) match(status string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(status).Inc()
}
