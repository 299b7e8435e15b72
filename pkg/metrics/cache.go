package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initCacheMetrics(cfg Config) {
	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Due-item lookups by result (hit, miss, degraded)",
		},
		[]string{"result"},
	)

	m.cacheRehydrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_rehydrations_total",
			Help:      "Cache keys rehydrated from the durable store",
		},
		[]string{"source"},
	)

	m.dueQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "due_query_duration_seconds",
			Help:      "Latency of due-item queries",
			Buckets:   cfg.DueQueryBuckets,
		},
		[]string{"result"},
	)

	m.rebuildProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "season_rebuild_progress_ratio",
			Help:      "Progress of the latest season cache rebuild (0-1)",
		},
		[]string{"season"},
	)

	m.register(m.cacheLookups, m.cacheRehydrations, m.dueQueryDuration, m.rebuildProgress)
}

// RecordCacheLookup records a due-item lookup and its latency.
// Result is one of hit, miss or degraded.
func (m *Manager) RecordCacheLookup(ctx context.Context, result string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
	observeWithExemplar(ctx, m.dueQueryDuration.WithLabelValues(result), duration.Seconds())
}

// RecordRehydration records keys loaded into the cache.
// Source is lazy for read-path misses and rebuild for season rebuilds.
func (m *Manager) RecordRehydration(source string, keys int) {
	if !m.Enabled() || keys <= 0 {
		return
	}
	m.cacheRehydrations.WithLabelValues(source).Add(float64(keys))
}

// SetRebuildProgress sets the rebuild progress ratio for a season.
func (m *Manager) SetRebuildProgress(seasonID string, ratio float64) {
	if !m.Enabled() {
		return
	}
	m.rebuildProgress.WithLabelValues(seasonID).Set(ratio)
}
