package envelope

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for envelope invocations.
type Metrics struct {
	CallsTotal *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics registers and returns envelope metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_envelope_calls_total",
			Help: "Total envelope invocations by tool, status and error kind.",
		}, []string{"tool", "status", "error_kind"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_envelope_duration_seconds",
			Help:    "Wall time of envelope invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~41s
		}, []string{"tool"}),
	}
	reg.MustRegister(m.CallsTotal, m.Duration)
	return m
}

// Hooks returns Hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnInvoke: func(tool, status, errorKind string, elapsed float64) {
			m.CallsTotal.WithLabelValues(tool, status, errorKind).Inc()
			m.Duration.WithLabelValues(tool).Observe(elapsed)
		},
	}
}
