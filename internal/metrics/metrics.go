// Package metrics holds the Prometheus collectors shared by the worker and API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	JobsLeased    *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsScheduled *prometheus.CounterVec
	RadiusReplies *prometheus.CounterVec
	SweepRows     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsLeased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wifipay", Name: "jobs_leased_total",
			Help: "Jobs leased by a worker.",
		}, []string{"type"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wifipay", Name: "jobs_completed_total",
			Help: "Jobs marked completed.",
		}, []string{"type"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wifipay", Name: "jobs_retried_total",
			Help: "Job attempts that failed and were handed to the retry policy.",
		}, []string{"type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wifipay", Name: "jobs_abandoned_total",
			Help: "Jobs failed terminally without retry.",
		}, []string{"type"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wifipay", Name: "job_duration_seconds",
			Help:    "Handler wall time per job attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		JobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wifipay", Name: "jobs_scheduled_total",
			Help: "Jobs enqueued by producers.",
		}, []string{"type"}),
		RadiusReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wifipay", Name: "radius_requests_total",
			Help: "Dynamic authorization requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wifipay", Name: "sweep_rows_total",
			Help: "Rows changed by periodic sweeps.",
		}, []string{"sweep"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsLeased, m.JobsCompleted, m.JobsRetried, m.JobsFailed,
			m.JobDuration, m.JobsScheduled, m.RadiusReplies, m.SweepRows,
		)
	}
	return m
}
