package jobs

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for the job manager.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Steps       prometheus.Counter
	Active      prometheus.Gauge
}

// NewMetrics creates and registers job metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_jobs_total",
			Help: "Job state transitions by target status.",
		}, []string{"status"}),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_job_steps_total",
			Help: "Job steps completed.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_jobs_active",
			Help: "Jobs currently running or paused in this process.",
		}),
	}
	reg.MustRegister(m.Transitions, m.Steps, m.Active)
	return m
}

// Hooks returns the callback struct the Manager reports through.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnTransition: func(from, to Status) {
			m.Transitions.WithLabelValues(string(to)).Inc()
			active := func(s Status) bool { return s == StatusRunning || s == StatusPaused }
			switch {
			case !active(from) && active(to):
				m.Active.Inc()
			case active(from) && !active(to):
				m.Active.Dec()
			}
		},
		OnStep: func() {
			m.Steps.Inc()
		},
	}
}
