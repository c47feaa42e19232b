package approval

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the approval registry.
type Metrics struct {
	RequestsCreated prometheus.Counter
	RequestsFailed  prometheus.Counter
	Decisions       *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec
	Pending         prometheus.Gauge
}

// NewMetrics registers and returns approval metrics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_approval_requests_created_total",
			Help: "Total approval requests created.",
		}),
		RequestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_approval_requests_failed_total",
			Help: "Total approval requests that could not be created.",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_approval_decisions_total",
			Help: "Total decision attempts by requested status and outcome.",
		}, []string{"status", "outcome"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_approval_store_duration_seconds",
			Help:    "Seconds spent in approval store calls.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signoff_approval_pending",
			Help: "Approvals currently awaiting a decision.",
		}),
	}
	reg.MustRegister(m.RequestsCreated, m.RequestsFailed, m.Decisions, m.StoreDuration, m.Pending)
	return m
}
