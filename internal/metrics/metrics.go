// Package metrics exposes the Prometheus instruments of the approvals service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the workflow core touches.
type Metrics struct {
	ApprovalsCreated prometheus.Counter
	DecisionsTotal   *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	SweepRuns        prometheus.Counter
	SweepEscalated   prometheus.Counter
	SweepExpired     prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// New registers the instruments against reg. A nil registerer yields a
// throwaway local registry, so unit tests never need Prometheus wiring.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ApprovalsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "approvals_created_total",
			Help: "Total number of approval requests created.",
		}),
		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_decisions_total",
			Help: "Total number of recorded approver decisions.",
		}, []string{"decision"}),
		EscalationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_escalations_total",
			Help: "Total number of executed escalation hand-offs.",
		}, []string{"reason"}),
		SweepRuns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "approvals_timeout_sweeps_total",
			Help: "Total number of timeout sweep runs.",
		}),
		SweepEscalated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "approvals_timeout_escalations_total",
			Help: "Total number of requests escalated by the timeout sweep.",
		}),
		SweepExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "approvals_expired_total",
			Help: "Total number of requests expired after running out of chain.",
		}),
		SweepDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_timeout_sweep_duration_seconds",
			Help:    "Duration of timeout sweep runs.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}
