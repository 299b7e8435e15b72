package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initPersistenceMetrics(cfg Config) {
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "persistence_queue_depth",
		Help:      "Outcomes waiting to be written to the durable store",
	})

	m.batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_batches_total",
			Help:      "Persistence batches by status (applied, retried, dead_lettered)",
		},
		[]string{"status"},
	)

	m.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "persistence_batch_duration_seconds",
		Help:      "Time to apply one batch to the durable store, retries included",
		Buckets:   cfg.BatchDurationBuckets,
	})

	m.deadLetters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "persistence_dead_letters",
		Help:      "Batches currently held in the dead-letter store",
	})

	m.enqueueRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_enqueue_rejected_total",
		Help:      "Outcomes rejected because the queue was full or unreachable",
	})

	m.register(m.queueDepth, m.batches, m.batchDuration, m.deadLetters, m.enqueueRejected)
}

// SetQueueDepth sets the current persistence queue depth.
func (m *Manager) SetQueueDepth(depth int64) {
	if !m.Enabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordBatch records a batch outcome. Duration is ignored for retried batches.
func (m *Manager) RecordBatch(ctx context.Context, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.batches.WithLabelValues(status).Inc()
	if status != "retried" {
		observeWithExemplar(ctx, m.batchDuration, duration.Seconds())
	}
}

// SetDeadLetters sets the number of stored dead-letter batches.
func (m *Manager) SetDeadLetters(n int) {
	if !m.Enabled() {
		return
	}
	m.deadLetters.Set(float64(n))
}

// RecordEnqueueRejected records an outcome that could not be queued.
func (m *Manager) RecordEnqueueRejected() {
	if !m.Enabled() {
		return
	}
	m.enqueueRejected.Inc()
}
