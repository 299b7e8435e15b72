// Package archive moves the records of inactive seasons from the active
// store into cold storage and manages their retention.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/lease"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
	"github.com/goclaw/cadence/pkg/telemetry/tracing"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrConfirmationRequired is returned when a destructive call lacks confirm.
	ErrConfirmationRequired = errors.New("archive: explicit confirmation required")
	// ErrSeasonActive is returned when archiving a season that is still active.
	ErrSeasonActive = errors.New("archive: season is still active")
)

// Run statuses.
const (
	StatusArchived        = "archived"
	StatusAlreadyArchived = "already_archived"
	StatusSkipped         = "skipped"
)

// Store is the active-store surface the archiver needs.
type Store interface {
	GetSeason(ctx context.Context, id string) (*schedule.Season, error)
	ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]schedule.Season, error)
	UpdateSeason(ctx context.Context, season schedule.Season) error
	ScanSeason(ctx context.Context, seasonID string, after storage.Cursor, limit int) ([]schedule.MemoryRecord, error)
	CountSeason(ctx context.Context, seasonID string) (int64, error)
	DeleteRecords(ctx context.Context, keys []schedule.RecordKey) (int, error)
}

// Partitions flags a season's partition once it is empty.
type Partitions interface {
	MarkReclaimable(ctx context.Context, seasonID string) error
}

// Telemetry receives archive signals.
type Telemetry interface {
	RecordArchive(action string, n int)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordArchive(string, int) {}

// Config configures an Archiver.
type Config struct {
	BatchSize      int
	Retention      time.Duration
	SweepInterval  time.Duration
	ExpiryInterval time.Duration
	LeaseTTL       time.Duration
	PurgeBatch     int
	Holder         string
}

// DefaultConfig returns batches of 500 and a three-year retention floor.
func DefaultConfig() Config {
	return Config{
		BatchSize:      500,
		Retention:      3 * 365 * 24 * time.Hour,
		SweepInterval:  6 * time.Hour,
		ExpiryInterval: 7 * 24 * time.Hour,
		LeaseTTL:       30 * time.Minute,
		PurgeBatch:     500,
		Holder:         "cadence",
	}
}

// Result describes one ArchiveSeason call.
type Result struct {
	SeasonID   string     `json:"season_id"`
	Status     string     `json:"status"`
	Moved      int        `json:"moved"`
	Batches    int        `json:"batches"`
	CacheKeys  int        `json:"cache_keys"`
	CacheError string     `json:"cache_error,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Archiver runs season archival and archive retention.
type Archiver struct {
	store      Store
	archive    storage.ArchiveStore
	index      cache.Index
	partitions Partitions
	leases     lease.Manager
	cfg        Config
	log        logger.Logger
	telemetry  Telemetry
	nowFn      func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.log = l
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t Telemetry) Option {
	return func(a *Archiver) {
		if t != nil {
			a.telemetry = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		a.nowFn = now
	}
}

// New creates an Archiver.
func New(store Store, archive storage.ArchiveStore, index cache.Index, partitions Partitions, leases lease.Manager, cfg Config, opts ...Option) (*Archiver, error) {
	if store == nil || archive == nil || index == nil || partitions == nil || leases == nil {
		return nil, fmt.Errorf("archive: all dependencies are required")
	}
	if cfg.BatchSize <= 0 || cfg.LeaseTTL <= 0 || cfg.Retention <= 0 {
		return nil, fmt.Errorf("archive: batch size, lease ttl and retention must be positive")
	}
	a := &Archiver{
		store:      store,
		archive:    archive,
		index:      index,
		partitions: partitions,
		leases:     leases,
		cfg:        cfg,
		log:        logger.Global(),
		telemetry:  nopTelemetry{},
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.Component(a.log, "archive")
	return a, nil
}

// ArchiveSeason moves every record of an inactive season into the archive,
// purges its cache keys and stamps the season archived. The partition is
// marked reclaimable first, which closes it to writes, so no record can land
// in the active store once the move has drained it. Each batch is copied
// before it is deleted, so a crash leaves records in both stores rather than
// neither, and a rerun overwrites the copies. Calling it again on an archived
// season moves any records left behind.
func (a *Archiver) ArchiveSeason(ctx context.Context, seasonID string, confirm bool) (Result, error) {
	res := Result{SeasonID: seasonID}
	if !confirm {
		return res, ErrConfirmationRequired
	}
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return res, err
	}
	if _, err := a.season(ctx, seasonID); err != nil {
		return res, err
	}

	skipped, err := lease.Run(ctx, a.leases, "archive:"+seasonID, a.cfg.Holder, a.cfg.LeaseTTL, func(ctx context.Context) error {
		// Another holder may have finished while this call waited.
		season, err := a.season(ctx, seasonID)
		if err != nil {
			return err
		}
		return a.move(ctx, season, &res)
	})
	if skipped {
		a.log.InfoContext(ctx, "archive skipped, lease held elsewhere", "season_id", seasonID)
		res.Status = StatusSkipped
		return res, nil
	}
	return res, err
}

// season loads seasonID and refuses active seasons.
func (a *Archiver) season(ctx context.Context, seasonID string) (schedule.Season, error) {
	season, err := a.store.GetSeason(ctx, seasonID)
	if err != nil {
		return schedule.Season{}, fmt.Errorf("get season %s: %w", seasonID, err)
	}
	if season.IsActive {
		return schedule.Season{}, ErrSeasonActive
	}
	return *season, nil
}

func (a *Archiver) move(ctx context.Context, season schedule.Season, res *Result) (err error) {
	ctx, span := tracing.Start(ctx, "archive.season", attribute.String("season_id", season.ID))
	defer func() { tracing.End(span, err) }()

	if season.ArchivedAt != nil {
		n, err := a.store.CountSeason(ctx, season.ID)
		if err != nil && !storage.IsPartitionMissing(err) {
			return fmt.Errorf("count season %s: %w", season.ID, err)
		}
		if n == 0 {
			res.Status = StatusAlreadyArchived
			res.ArchivedAt = season.ArchivedAt
			return nil
		}
		a.log.WarnContext(ctx, "archived season still holds active records, moving them", "season_id", season.ID, "records", n)
	}

	start := a.nowFn()
	a.log.InfoContext(ctx, "season archive started", "season_id", season.ID)

	if err := a.partitions.MarkReclaimable(ctx, season.ID); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Deleted records drop out of the scan, so every page starts at the head.
		page, err := a.store.ScanSeason(ctx, season.ID, storage.Cursor{}, a.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("scan season %s: %w", season.ID, err)
		}
		if len(page) == 0 {
			break
		}
		if err := a.moveBatch(ctx, page); err != nil {
			return err
		}
		res.Moved += len(page)
		res.Batches++
		a.telemetry.RecordArchive("moved", len(page))
		a.log.InfoContext(ctx, "archive batch moved",
			"season_id", season.ID, "batch", res.Batches, "moved", res.Moved)
	}

	remaining, err := a.store.CountSeason(ctx, season.ID)
	if err != nil {
		return fmt.Errorf("count season %s: %w", season.ID, err)
	}
	if remaining > 0 {
		return fmt.Errorf("season %s still holds %d active records after archive", season.ID, remaining)
	}

	keys, err := a.index.PurgeSeason(ctx, season.ID, a.cfg.PurgeBatch)
	res.CacheKeys = keys
	if err != nil {
		// Stale keys are harmless: a rehydration of an archived pair finds nothing.
		res.CacheError = err.Error()
		a.log.WarnContext(ctx, "cache purge incomplete", "season_id", season.ID, "keys", keys, "error", err)
	}
	a.telemetry.RecordArchive("cache_keys", keys)

	res.Status = StatusArchived
	now := a.nowFn()
	if season.ArchivedAt == nil {
		season.ArchivedAt = &now
		if err := a.store.UpdateSeason(ctx, season); err != nil {
			return fmt.Errorf("stamp season %s archived: %w", season.ID, err)
		}
	}
	res.ArchivedAt = season.ArchivedAt

	a.log.InfoContext(ctx, "season archived",
		"season_id", season.ID, "moved", res.Moved, "cache_keys", keys, "duration", now.Sub(start))
	return nil
}

func (a *Archiver) moveBatch(ctx context.Context, page []schedule.MemoryRecord) error {
	now := a.nowFn()
	archived := make([]schedule.ArchiveRecord, len(page))
	keys := make([]schedule.RecordKey, len(page))
	for i, r := range page {
		archived[i] = schedule.ArchiveRecord{MemoryRecord: r, ArchivedAt: now}
		keys[i] = r.Key()
	}
	if err := a.archive.PutArchive(ctx, archived); err != nil {
		return fmt.Errorf("copy batch to archive: %w", err)
	}
	if _, err := a.store.DeleteRecords(ctx, keys); err != nil {
		return fmt.Errorf("delete archived batch: %w", err)
	}
	return nil
}

// Sweep archives every inactive season with AutoArchive set.
func (a *Archiver) Sweep(ctx context.Context) ([]Result, error) {
	inactive := false
	seasons, err := a.store.ListSeasons(ctx, storage.SeasonFilter{Active: &inactive})
	if err != nil {
		return nil, fmt.Errorf("list inactive seasons: %w", err)
	}

	var results []Result
	var errs []error
	for _, s := range seasons {
		if !s.AutoArchive || !s.Archivable() {
			continue
		}
		res, err := a.ArchiveSeason(ctx, s.ID, true)
		if err != nil {
			a.log.ErrorContext(ctx, "season archive failed", "season_id", s.ID, "error", err)
			errs = append(errs, fmt.Errorf("season %s: %w", s.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// FlagExpired marks archive records older than the retention floor as
// eligible for deletion. Nothing is deleted.
func (a *Archiver) FlagExpired(ctx context.Context) (int, error) {
	cutoff := a.nowFn().Add(-a.cfg.Retention)
	n, err := a.archive.FlagEligible(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("flag expired archive records: %w", err)
	}
	a.telemetry.RecordArchive("flagged", n)
	if n > 0 {
		a.log.InfoContext(ctx, "archive records flagged for deletion", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// PurgeEligible permanently deletes flagged archive records of a season.
func (a *Archiver) PurgeEligible(ctx context.Context, seasonID string, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrConfirmationRequired
	}
	n, err := a.archive.PurgeEligible(ctx, seasonID)
	if err != nil {
		return 0, fmt.Errorf("purge archive for %s: %w", seasonID, err)
	}
	a.telemetry.RecordArchive("purged", n)
	a.log.WarnContext(ctx, "archive records permanently deleted", "season_id", seasonID, "count", n)
	return n, nil
}

// Start runs Sweep and FlagExpired on their intervals until ctx is cancelled.
func (a *Archiver) Start(ctx context.Context) error {
	if a.cfg.SweepInterval <= 0 || a.cfg.ExpiryInterval <= 0 {
		return fmt.Errorf("archive: sweep and expiry intervals must be positive")
	}
	sweep := time.NewTicker(a.cfg.SweepInterval)
	defer sweep.Stop()
	expiry := time.NewTicker(a.cfg.ExpiryInterval)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.log.ErrorContext(ctx, "archive sweep failed", "error", err)
			}
		case <-expiry.C:
			if _, err := a.FlagExpired(ctx); err != nil && ctx.Err() == nil {
				a.log.ErrorContext(ctx, "archive expiry flagging failed", "error", err)
			}
		}
	}
}
