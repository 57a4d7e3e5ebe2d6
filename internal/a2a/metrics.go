package a2a

import "github.com/prometheus/client_golang/prometheus"

// Hooks are callbacks the orchestrator reports through. Nil fields are skipped.
type Hooks struct {
	OnAgentCall     func(agent, outcome string, duration float64)
	OnPolicyRewrite func()
	OnComplete      func(e *CompleteEvent)
}

// CompleteEvent summarizes a flow that reached a terminal state.
type CompleteEvent struct {
	State        State
	FailedStage  string
	Duration     float64
	Rewrites     int
	RunbookSteps int
}

// Metrics holds Prometheus metrics for incident flows.
type Metrics struct {
	FlowsTotal      *prometheus.CounterVec
	FlowDuration    *prometheus.HistogramVec
	FlowFailures    *prometheus.CounterVec
	RunbookSteps    prometheus.Histogram
	AgentCallsTotal *prometheus.CounterVec
	AgentDuration   *prometheus.HistogramVec
	PolicyRewrites  prometheus.Counter
}

// NewMetrics registers and returns flow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_flows_total",
			Help: "Total incident flows by final state.",
		}, []string{"state"}),
		FlowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_flow_duration_seconds",
			Help:    "Duration of incident flows in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
		}, []string{"state"}),
		FlowFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_flow_failures_total",
			Help: "Aborted incident flows by failed stage.",
		}, []string{"stage"}),
		RunbookSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_flow_runbook_steps",
			Help:    "Approved runbook steps per finished flow.",
			Buckets: prometheus.LinearBuckets(0, 1, 12), // 0 .. 11
		}),
		AgentCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_agent_calls_total",
			Help: "Agent calls made by the orchestrator by agent and outcome.",
		}, []string{"agent", "outcome"}),
		AgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_agent_call_duration_seconds",
			Help:    "Duration of agent calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"agent"}),
		PolicyRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_policy_rewrites_total",
			Help: "Runbooks sent back for redrafting after a policy rejection.",
		}),
	}

	reg.MustRegister(
		m.FlowsTotal,
		m.FlowDuration,
		m.FlowFailures,
		m.RunbookSteps,
		m.AgentCallsTotal,
		m.AgentDuration,
		m.PolicyRewrites,
	)

	return m
}

// Hooks returns a Hooks that increments the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAgentCall: func(agent, outcome string, duration float64) {
			m.AgentCallsTotal.WithLabelValues(agent, outcome).Inc()
			m.AgentDuration.WithLabelValues(agent).Observe(duration)
		},
		OnPolicyRewrite: func() {
			m.PolicyRewrites.Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.FlowsTotal.WithLabelValues(string(e.State)).Inc()
			m.FlowDuration.WithLabelValues(string(e.State)).Observe(e.Duration)
			if e.State == StateAborted {
				m.FlowFailures.WithLabelValues(e.FailedStage).Inc()
				return
			}
			m.RunbookSteps.Observe(float64(e.RunbookSteps))
		},
	}
}
