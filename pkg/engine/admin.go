package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/archive"
	"github.com/goclaw/cadence/pkg/persist"
	"github.com/goclaw/cadence/pkg/reconcile"
	"github.com/goclaw/cadence/pkg/rehydrate"
	"github.com/goclaw/cadence/pkg/safemode"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
	"github.com/goclaw/cadence/pkg/telemetry/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// RebuildSeasonCache loads every owner of a season into the cache.
func (e *Engine) RebuildSeasonCache(ctx context.Context, seasonID string, onProgress rehydrate.ProgressFunc) (p rehydrate.Progress, err error) {
	ctx, span := tracing.Start(ctx, spanRebuild, attribute.String("season_id", seasonID))
	defer func() { tracing.End(span, err) }()

	mode := e.modeFor(ctx)
	if mode.Degraded() {
		return p, ErrDegraded
	}
	p, err = e.c.Rehydrator.RebuildSeason(ctx, seasonID, onProgress)
	mode.Observe(ctx, err)
	return p, err
}

// Health summarises cache and consistency state.
type Health struct {
	Reachable          bool       `json:"reachable"`
	Mode               string     `json:"mode"`
	ModeSince          time.Time  `json:"mode_since"`
	MismatchRate       float64    `json:"mismatch_rate"`
	LastReconciliation *time.Time `json:"last_reconciliation,omitempty"`
	QueueDepth         int64      `json:"queue_depth"`
	DeadLetters        int        `json:"dead_letters"`
}

// GetCacheHealth reports cache reachability, the safe mode state, the last
// reconciliation mismatch rate and the persistence backlog.
func (e *Engine) GetCacheHealth(ctx context.Context) (Health, error) {
	mode := e.modeFor(ctx)
	pctx, cancel := context.WithTimeout(ctx, e.config.HealthTimeout)
	pingErr := e.c.Index.Ping(pctx)
	cancel()

	h := Health{
		Reachable: pingErr == nil,
		Mode:      mode.State().String(),
		ModeSince: mode.Since(),
	}
	if r := e.c.Reconciler.LastReport(); r != nil {
		h.MismatchRate = r.Rate
		finished := r.FinishedAt
		h.LastReconciliation = &finished
	}

	depth, err := e.c.Persister.Depth(ctx)
	if err != nil {
		return h, fmt.Errorf("queue depth: %w", err)
	}
	h.QueueDepth = depth
	dead, err := e.c.Persister.DeadLetters(ctx)
	if err != nil {
		return h, fmt.Errorf("dead letters: %w", err)
	}
	h.DeadLetters = dead
	return h, nil
}

// TriggerReconciliation runs one reconciliation pass now. A non-positive
// sampleSize uses the configured default.
func (e *Engine) TriggerReconciliation(ctx context.Context, sampleSize int) (reconcile.Report, error) {
	mode := e.modeFor(ctx)
	if mode.Degraded() {
		return reconcile.Report{}, ErrDegraded
	}
	report, err := e.c.Reconciler.Run(ctx, sampleSize)
	mode.Observe(ctx, err)
	return report, err
}

// ArchiveSeason moves an inactive season to cold storage. confirm must be true.
func (e *Engine) ArchiveSeason(ctx context.Context, seasonID string, confirm bool) (archive.Result, error) {
	return e.c.Archiver.ArchiveSeason(ctx, seasonID, confirm)
}

// SeasonInput describes a season to create.
type SeasonInput struct {
	ID          string    `json:"id" validate:"required"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"required,gtfield=Start"`
	AutoArchive bool      `json:"auto_archive"`
}

// CreateSeason allocates the season's partition and then records the season
// as active. A partition failure leaves no season behind.
func (e *Engine) CreateSeason(ctx context.Context, in SeasonInput) (s schedule.Season, err error) {
	ctx, span := tracing.Start(ctx, spanCreateSeason, attribute.String("season_id", in.ID))
	defer func() { tracing.End(span, err) }()

	if err := schedule.ValidateSeasonID(in.ID); err != nil {
		return s, err
	}
	if !in.End.After(in.Start) {
		return s, &schedule.ValidationError{Field: "end", Reason: "must be after start"}
	}
	if err := e.c.Partitions.Create(ctx, in.ID); err != nil {
		return s, err
	}
	s = schedule.Season{
		ID:          in.ID,
		Start:       in.Start.UTC(),
		End:         in.End.UTC(),
		IsActive:    true,
		AutoArchive: in.AutoArchive,
		CreatedAt:   e.nowFn().UTC(),
	}
	if err := e.c.Store.CreateSeason(ctx, s); err != nil {
		return schedule.Season{}, err
	}
	e.logger.InfoContext(ctx, "season created", "season_id", s.ID, "auto_archive", s.AutoArchive)
	return s, nil
}

// DeactivateSeason marks a season inactive, making it archivable. New
// outcomes for the season are refused from then on. Outcomes already queued
// still reach the store and are moved by the archiver; once the season is
// archived its partition refuses them and they are dead-lettered.
func (e *Engine) DeactivateSeason(ctx context.Context, seasonID string) (schedule.Season, error) {
	s, err := e.c.Store.GetSeason(ctx, seasonID)
	if err != nil {
		return schedule.Season{}, err
	}
	if s.IsActive {
		s.IsActive = false
		if err := e.c.Store.UpdateSeason(ctx, *s); err != nil {
			return schedule.Season{}, err
		}
		e.logger.InfoContext(ctx, "season deactivated", "season_id", seasonID)
	}
	e.c.Partitions.Deactivate(ctx, seasonID)
	return *s, nil
}

// ListSeasons returns seasons, optionally filtered by activity.
func (e *Engine) ListSeasons(ctx context.Context, active *bool) ([]schedule.Season, error) {
	return e.c.Store.ListSeasons(ctx, storage.SeasonFilter{Active: active})
}

// ReplayDeadLetters re-applies up to limit dead-lettered persistence batches.
func (e *Engine) ReplayDeadLetters(ctx context.Context, limit int) (persist.ReplayResult, error) {
	return e.c.Persister.ReplayDeadLetters(ctx, limit)
}

// FlagExpiredArchives flags archive records past the retention floor.
func (e *Engine) FlagExpiredArchives(ctx context.Context) (int, error) {
	return e.c.Archiver.FlagExpired(ctx)
}

// PurgeArchive permanently deletes flagged archive records of a season.
func (e *Engine) PurgeArchive(ctx context.Context, seasonID string, confirm bool) (int, error) {
	return e.c.Archiver.PurgeEligible(ctx, seasonID, confirm)
}

// ReclaimPartition drops an emptied season partition.
func (e *Engine) ReclaimPartition(ctx context.Context, seasonID string) error {
	return e.c.Partitions.Drop(ctx, seasonID)
}

// ListPartitions returns every physical partition.
func (e *Engine) ListPartitions(ctx context.Context) ([]storage.Partition, error) {
	return e.c.Partitions.List(ctx)
}

// SafeModeHistory returns the recorded safe mode transitions, oldest first.
func (e *Engine) SafeModeHistory(ctx context.Context) []safemode.Transition {
	return e.modeFor(ctx).History()
}

// repairDegraded drops the cache keys of pairs written while degraded so
// the next read rehydrates them from the store.
func (e *Engine) repairDegraded(ctx context.Context) (err error) {
	ctx, span := tracing.Start(ctx, spanRepair)
	defer func() { tracing.End(span, err) }()

	markers, err := e.c.Store.ListDirty(ctx, schedule.ReasonDegraded, 0)
	if err != nil {
		return fmt.Errorf("list degraded pairs: %w", err)
	}
	repaired := 0
	for _, m := range markers {
		key := m.Pair()
		if err := e.c.Index.Remove(ctx, key); err != nil {
			return fmt.Errorf("invalidate %s: %w", key, err)
		}
		if err := e.c.Store.ClearDirty(ctx, []schedule.Key{key}, schedule.ReasonDegraded, m.MarkedAt); err != nil {
			return fmt.Errorf("clear degraded marker %s: %w", key, err)
		}
		repaired++
	}
	if repaired > 0 {
		e.logger.InfoContext(ctx, "degraded pairs invalidated for rehydration", "pairs", repaired)
	}
	return nil
}
