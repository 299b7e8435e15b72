package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initSafeModeMetrics() {
	m.safeModeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "safe_mode_degraded",
		Help:      "1 while serving reads from the durable store, 0 otherwise",
	})

	m.safeModeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safe_mode_transitions_total",
			Help:      "Safe mode transitions by target state",
		},
		[]string{"to"},
	)

	m.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Degraded reads rejected by the limiter, by scope (global, owner)",
		},
		[]string{"scope"},
	)

	m.register(m.safeModeState, m.safeModeTransitions, m.rateLimited)
}

// RecordSafeModeTransition records a state change.
func (m *Manager) RecordSafeModeTransition(to string, degraded bool) {
	if !m.Enabled() {
		return
	}
	m.safeModeTransitions.WithLabelValues(to).Inc()
	if degraded {
		m.safeModeState.Set(1)
		return
	}
	m.safeModeState.Set(0)
}

// RecordRateLimited records a rejected degraded read.
func (m *Manager) RecordRateLimited(scope string) {
	if !m.Enabled() {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}
