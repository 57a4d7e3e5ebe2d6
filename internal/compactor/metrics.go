package compactor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for compaction outcomes.
type Metrics struct {
	Compactions *prometheus.CounterVec
}

// NewMetrics creates and registers compactor metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_compactions_total",
			Help: "Context compactions by path (verbatim, cached, summarized, truncated).",
		}, []string{"path"}),
	}
	reg.MustRegister(m.Compactions)
	return m
}

// Hooks returns the callback struct the Compactor reports through.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCompact: func(path string) {
			m.Compactions.WithLabelValues(path).Inc()
		},
	}
}
