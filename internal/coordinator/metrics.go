package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	submitted      *prometheus.CounterVec
	submitFailures *prometheus.CounterVec
	finalized      *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	polls          *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	activePollers  prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencoord",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by a provider and recorded.",
		}, []string{"tool", "provider"}),
		submitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencoord",
			Name:      "submit_failures_total",
			Help:      "Submissions that did not produce a job.",
		}, []string{"reason"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencoord",
			Name:      "finalize_attempts_total",
			Help:      "Finalize attempts by path and whether they won the race.",
		}, []string{"path", "result"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencoord",
			Name:      "webhook_deliveries_total",
			Help:      "Inbound provider deliveries by outcome.",
		}, []string{"provider", "outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencoord",
			Name:      "poll_results_total",
			Help:      "Poll loop terminations by reason.",
		}, []string{"result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencoord",
			Name:      "reconcile_jobs_total",
			Help:      "Flagged jobs visited by the reconciler.",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gencoord",
			Name:      "job_duration_seconds",
			Help:      "Time from submission to finalization.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"tool", "status"}),
		activePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gencoord",
			Name:      "active_pollers",
			Help:      "Poll loops currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.submitFailures, m.finalized, m.webhooks,
			m.polls, m.reconciled, m.jobDuration, m.activePollers)
	}
	return m
}

func (m *Metrics) jobSubmitted(tool, provider string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(tool, provider).Inc()
}

func (m *Metrics) submitFailed(reason string) {
	if m == nil {
		return
	}
	m.submitFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) finalizeAttempt(path Path, won bool) {
	if m == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.finalized.WithLabelValues(string(path), result).Inc()
}

func (m *Metrics) webhookDelivery(provider string, outcome NotifyResult) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, string(outcome)).Inc()
}

func (m *Metrics) pollResult(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) reconcileResult(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) observeDuration(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(tool, status).Observe(d.Seconds())
}

func (m *Metrics) pollerStarted() {
	if m == nil {
		return
	}
	m.activePollers.Inc()
}

func (m *Metrics) pollerStopped() {
	if m == nil {
		return
	}
	m.activePollers.Dec()
}
