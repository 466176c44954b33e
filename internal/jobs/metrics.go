package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	unbalanced prometheus.Counter
	fxGaps     prometheus.Gauge
	rematched  *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddUnbalanced counts posted distributions found out of balance.
func (m *Metrics) AddUnbalanced(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.unbalanced.Add(float64(count))
}

// SetFXGaps records the number of currency pairs lacking a rate.
func (m *Metrics) SetFXGaps(count int) {
	if m == nil {
		return
	}
	m.fxGaps.Set(float64(count))
}

// AddRematched counts invoices re-matched by the sweep, by resulting status.
func (m *Metrics) AddRematched(status string) {
	if m == nil {
		return
	}
	m.rematched.WithLabelValues(status).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	unbalanced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_unbalanced_distributions_total",
		Help: "Posted GL distributions whose debits and credits disagree.",
	})
	fxGaps := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_fx_coverage_gaps",
		Help: "Currency pairs without a rate at the last coverage check.",
	})
	rematched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_rematched_invoices_total",
		Help: "Invoices re-matched in the background by resulting status.",
	}, []string{"status"})
	registerer.MustRegister(runs, failures, duration, unbalanced, fxGaps, rematched)
	return &Metrics{runs: runs, failures: failures, duration: duration, unbalanced: unbalanced, fxGaps: fxGaps, rematched: rematched}
}
