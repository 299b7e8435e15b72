// Package reconcile samples memory records, compares the cached due time of
// each against the durable store and overwrites the cache where they diverge.
// The store is never written.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/lease"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
	"github.com/goclaw/cadence/pkg/telemetry/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// LeaseName is the lease held for the duration of a run.
const LeaseName = "reconcile"

// Mismatch kinds.
const (
	KindStale   = "stale"
	KindMissing = "missing"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Store is the read side of the durable store used by reconciliation.
type Store interface {
	RecordsFor(ctx context.Context, key schedule.Key) ([]schedule.MemoryRecord, error)
	SampleRecords(ctx context.Context, seasonID string, n int) ([]schedule.MemoryRecord, error)
	ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]schedule.Season, error)
	storage.DirtyMarkerStore
}

// Telemetry receives reconciliation signals.
type Telemetry interface {
	RecordReconciliation(sampled int, mismatches map[string]int, rate float64)
	RecordReconciliationRun(status string)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordReconciliation(int, map[string]int, float64) {}
func (nopTelemetry) RecordReconciliationRun(string)                    {}

// Config configures a Service.
type Config struct {
	Interval      time.Duration
	SampleSize    int
	Tolerance     time.Duration
	Threshold     float64
	LeaseTTL      time.Duration
	InFlightGrace time.Duration
	Holder        string
}

// DefaultConfig returns a daily run over 10,000 records with a 1s tolerance
// and a 0.1% alert threshold.
func DefaultConfig() Config {
	return Config{
		Interval:      24 * time.Hour,
		SampleSize:    10000,
		Tolerance:     time.Second,
		Threshold:     0.001,
		LeaseTTL:      10 * time.Minute,
		InFlightGrace: 2 * time.Minute,
		Holder:        "cadence",
	}
}

// Report is the result of one run.
type Report struct {
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sampled    int            `json:"sampled"`
	DirtyPairs int            `json:"dirty_pairs"`
	Deferred   int            `json:"deferred"`
	NotCached  int            `json:"not_cached"`
	Mismatches map[string]int `json:"mismatches"`
	Corrected  int            `json:"corrected"`
	Rate       float64        `json:"rate"`
	Alert      bool           `json:"alert"`
}

// MismatchCount returns the total number of mismatches found.
func (r Report) MismatchCount() int {
	n := 0
	for _, c := range r.Mismatches {
		n += c
	}
	return n
}

// Service runs reconciliation passes.
type Service struct {
	index     cache.Index
	store     Store
	leases    lease.Manager
	log       logger.Logger
	telemetry Telemetry
	nowFn     func() time.Time

	mu   sync.RWMutex
	cfg  Config
	last *Report
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t Telemetry) Option {
	return func(s *Service) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.nowFn = now
	}
}

// New creates a Service.
func New(index cache.Index, store Store, leases lease.Manager, cfg Config, opts ...Option) (*Service, error) {
	if index == nil || store == nil || leases == nil {
		return nil, fmt.Errorf("reconcile: index, store and lease manager are required")
	}
	if cfg.SampleSize <= 0 || cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("reconcile: sample size and lease ttl must be positive")
	}
	s := &Service{
		index:     index,
		store:     store,
		leases:    leases,
		cfg:       cfg,
		log:       logger.Global(),
		telemetry: nopTelemetry{},
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Component(s.log, "reconcile")
	return s, nil
}

// SetSampling updates the default sample size and alert threshold.
func (s *Service) SetSampling(sampleSize int, threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sampleSize > 0 {
		s.cfg.SampleSize = sampleSize
	}
	if threshold > 0 {
		s.cfg.Threshold = threshold
	}
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// LastReport returns the most recent completed report, or nil.
func (s *Service) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Run performs one pass over up to sampleSize records; a non-positive
// sampleSize uses the configured default. If another instance holds the
// lease the report has StatusSkipped and no error.
func (s *Service) Run(ctx context.Context, sampleSize int) (Report, error) {
	cfg := s.config()
	if sampleSize <= 0 {
		sampleSize = cfg.SampleSize
	}

	var report Report
	skipped, err := lease.Run(ctx, s.leases, LeaseName, cfg.Holder, cfg.LeaseTTL, func(ctx context.Context) error {
		var err error
		report, err = s.pass(ctx, cfg, sampleSize)
		return err
	})
	if skipped {
		s.log.InfoContext(ctx, "reconciliation skipped, lease held elsewhere")
		s.telemetry.RecordReconciliationRun(StatusSkipped)
		return Report{Status: StatusSkipped, StartedAt: s.nowFn(), FinishedAt: s.nowFn()}, nil
	}
	if err != nil {
		s.telemetry.RecordReconciliationRun(StatusFailed)
		return report, err
	}

	s.telemetry.RecordReconciliationRun(StatusCompleted)
	s.telemetry.RecordReconciliation(report.Sampled, report.Mismatches, report.Rate)
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report, nil
}

func (s *Service) pass(ctx context.Context, cfg Config, sampleSize int) (report Report, err error) {
	ctx, span := tracing.Start(ctx, "reconcile.run", attribute.Int("sample_size", sampleSize))
	defer func() { tracing.End(span, err) }()

	now := s.nowFn()
	report = Report{Status: StatusCompleted, StartedAt: now, Mismatches: map[string]int{}}

	dirty, deferred, err := s.dirtyPairs(ctx, cfg, now)
	if err != nil {
		return report, err
	}
	report.DirtyPairs = len(dirty)
	report.Deferred = len(deferred)

	loaded := make(map[schedule.Key]bool)
	for _, d := range dirty {
		if report.Sampled >= sampleSize {
			break
		}
		records, err := s.store.RecordsFor(ctx, d.key)
		if err != nil {
			return report, fmt.Errorf("read dirty pair %s: %w", d.key, err)
		}
		if rem := sampleSize - report.Sampled; len(records) > rem {
			records = records[:rem]
		}
		if err := s.compare(ctx, cfg, records, loaded, &report); err != nil {
			return report, err
		}
		if err := s.store.ClearDirty(ctx, []schedule.Key{d.key}, "", d.markedAt); err != nil {
			s.log.WarnContext(ctx, "clearing reconciled markers failed", "key", d.key.String(), "error", err)
		}
	}

	if rem := sampleSize - report.Sampled; rem > 0 {
		records, err := s.randomSample(ctx, rem)
		if err != nil {
			return report, err
		}
		kept := records[:0]
		for _, r := range records {
			if _, ok := deferred[r.Pair()]; !ok {
				kept = append(kept, r)
			}
		}
		if err := s.compare(ctx, cfg, kept, loaded, &report); err != nil {
			return report, err
		}
	}

	if report.Sampled > 0 {
		report.Rate = float64(report.MismatchCount()) / float64(report.Sampled)
	}
	report.FinishedAt = s.nowFn()
	report.Alert = report.Rate > cfg.Threshold

	attrs := []any{
		"sampled", report.Sampled, "mismatches", report.MismatchCount(),
		"not_cached", report.NotCached, "deferred", report.Deferred,
		"rate", report.Rate, "threshold", cfg.Threshold,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	}
	if report.Alert {
		s.log.ErrorContext(ctx, "ALERT: cache mismatch rate above threshold", append(attrs, "alert", true)...)
	} else {
		s.log.InfoContext(ctx, "reconciliation finished", attrs...)
	}
	return report, nil
}

type dirtyPair struct {
	key      schedule.Key
	markedAt time.Time
}

// dirtyPairs groups markers by pair. Pairs with a recent in-flight marker or
// an unreplayed dead letter are deferred, since the store may still be
// behind the cache for them.
func (s *Service) dirtyPairs(ctx context.Context, cfg Config, now time.Time) ([]dirtyPair, map[schedule.Key]struct{}, error) {
	markers, err := s.store.ListDirty(ctx, "", 0)
	if err != nil {
		return nil, nil, fmt.Errorf("list dirty markers: %w", err)
	}

	deferred := make(map[schedule.Key]struct{})
	latest := make(map[schedule.Key]time.Time)
	var order []schedule.Key
	for _, m := range markers {
		p := m.Pair()
		switch {
		case m.Reason == schedule.ReasonDeadLetter:
			deferred[p] = struct{}{}
		case m.Reason == schedule.ReasonInFlight && now.Sub(m.MarkedAt) < cfg.InFlightGrace:
			deferred[p] = struct{}{}
		}
		t, seen := latest[p]
		if !seen {
			order = append(order, p)
		}
		if !seen || m.MarkedAt.After(t) {
			latest[p] = m.MarkedAt
		}
	}

	out := make([]dirtyPair, 0, len(order))
	for _, p := range order {
		if _, ok := deferred[p]; ok {
			continue
		}
		out = append(out, dirtyPair{key: p, markedAt: latest[p]})
	}
	return out, deferred, nil
}

// randomSample splits n across the active seasons.
func (s *Service) randomSample(ctx context.Context, n int) ([]schedule.MemoryRecord, error) {
	active := true
	seasons, err := s.store.ListSeasons(ctx, storage.SeasonFilter{Active: &active})
	if err != nil {
		return nil, fmt.Errorf("list active seasons: %w", err)
	}
	if len(seasons) == 0 {
		return nil, nil
	}

	per, extra := n/len(seasons), n%len(seasons)
	var out []schedule.MemoryRecord
	for i, season := range seasons {
		want := per
		if i < extra {
			want++
		}
		if want == 0 {
			continue
		}
		records, err := s.store.SampleRecords(ctx, season.ID, want)
		if err != nil {
			if storage.IsPartitionMissing(err) {
				continue
			}
			return nil, fmt.Errorf("sample season %s: %w", season.ID, err)
		}
		out = append(out, records...)
	}
	return out, nil
}

func (s *Service) compare(ctx context.Context, cfg Config, records []schedule.MemoryRecord, loaded map[schedule.Key]bool, report *Report) error {
	for _, r := range records {
		report.Sampled++
		key := r.Pair()
		isLoaded, ok := loaded[key]
		if !ok {
			var err error
			isLoaded, err = s.index.Loaded(ctx, key)
			if err != nil {
				return err
			}
			loaded[key] = isLoaded
		}
		if !isLoaded {
			report.NotCached++
			continue
		}

		cached, found, err := s.index.Score(ctx, key, r.ItemID)
		if err != nil {
			return err
		}
		want := r.NextReviewAt.UTC().Truncate(time.Second)
		var kind string
		switch {
		case !found:
			kind = KindMissing
		case absDiff(cached, want) > cfg.Tolerance:
			kind = KindStale
		default:
			continue
		}

		report.Mismatches[kind]++
		if err := s.index.Upsert(ctx, key, r.ItemID, want); err != nil {
			return err
		}
		report.Corrected++
		s.log.DebugContext(ctx, "corrected cache entry",
			"key", key.String(), "item_id", r.ItemID, "kind", kind, "cached", cached, "store", want)
	}
	return nil
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// Start runs a pass every interval until ctx is cancelled. Failed and
// skipped passes are logged and retried on the next tick.
func (s *Service) Start(ctx context.Context) error {
	interval := s.config().Interval
	if interval <= 0 {
		return fmt.Errorf("reconcile: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Run(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
				s.log.ErrorContext(ctx, "reconciliation failed", "error", err)
			}
		}
	}
}
