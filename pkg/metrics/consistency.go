package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initConsistencyMetrics() {
	m.reconcileSampled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliation_sampled_total",
		Help:      "Cache keys compared against the durable store",
	})

	m.reconcileMismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches_total",
			Help:      "Divergences found and corrected, by kind",
		},
		[]string{"kind"},
	)

	m.reconcileRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_mismatch_rate",
		Help:      "Mismatch rate of the latest reconciliation run",
	})

	m.reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_runs_total",
			Help:      "Reconciliation runs by status (completed, skipped, failed)",
		},
		[]string{"status"},
	)

	m.archiveMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_records_total",
			Help:      "Records handled by the archiver, by action (moved, flagged, purged)",
		},
		[]string{"action"},
	)

	m.register(m.reconcileSampled, m.reconcileMismatches, m.reconcileRate, m.reconcileRuns, m.archiveMoved)
}

// RecordReconciliation records the result of a reconciliation run.
func (m *Manager) RecordReconciliation(sampled int, mismatches map[string]int, rate float64) {
	if !m.Enabled() {
		return
	}
	m.reconcileRuns.WithLabelValues("completed").Inc()
	m.reconcileSampled.Add(float64(sampled))
	for kind, n := range mismatches {
		m.reconcileMismatches.WithLabelValues(kind).Add(float64(n))
	}
	m.reconcileRate.Set(rate)
}

// RecordReconciliationRun records a run that did not complete.
func (m *Manager) RecordReconciliationRun(status string) {
	if !m.Enabled() {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
}

// RecordArchive records archiver activity.
func (m *Manager) RecordArchive(action string, n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.archiveMoved.WithLabelValues(action).Add(float64(n))
}
