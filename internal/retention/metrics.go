package retention

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention sweeper.
type Metrics struct {
	Runs          *prometheus.CounterVec
	Deleted       prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signoff",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Total retention sweeps by result.",
		}, []string{"result"}),
		Deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signoff",
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Total decided approvals removed by retention.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signoff",
			Subsystem: "retention",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each retention sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(m.Runs, m.Deleted, m.SweepDuration)
	return m
}
