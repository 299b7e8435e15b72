// Package rehydrate repopulates the schedule cache from the durable store,
// either lazily for one owner on a cache miss or eagerly for a whole season.
package rehydrate

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
	"github.com/goclaw/cadence/pkg/telemetry/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// DefaultPageSize is the number of records read per page during a rebuild.
const DefaultPageSize = 1000

// Store is the read side of the durable store used for rehydration.
type Store interface {
	RecordsFor(ctx context.Context, key schedule.Key) ([]schedule.MemoryRecord, error)
	ScanSeason(ctx context.Context, seasonID string, after storage.Cursor, limit int) ([]schedule.MemoryRecord, error)
	CountSeason(ctx context.Context, seasonID string) (int64, error)
}

// Telemetry receives rehydration signals.
type Telemetry interface {
	RecordRehydration(source string, keys int)
	SetRebuildProgress(seasonID string, ratio float64)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordRehydration(string, int)      {}
func (nopTelemetry) SetRebuildProgress(string, float64) {}

// Progress is reported after each page of a season rebuild.
type Progress struct {
	SeasonID string  `json:"season_id"`
	Records  int64   `json:"records"`
	Owners   int     `json:"owners"`
	Total    int64   `json:"total"`
	Percent  float64 `json:"percent"`
	Done     bool    `json:"done"`
}

// ProgressFunc receives rebuild progress.
type ProgressFunc func(Progress)

// Rehydrator loads cache keys from the store.
type Rehydrator struct {
	index     cache.Index
	store     Store
	pageSize  int
	log       logger.Logger
	telemetry Telemetry
	group     singleflight.Group
}

// Option configures a Rehydrator.
type Option func(*Rehydrator)

// WithPageSize sets the rebuild page size.
func WithPageSize(n int) Option {
	return func(r *Rehydrator) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Rehydrator) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t Telemetry) Option {
	return func(r *Rehydrator) {
		if t != nil {
			r.telemetry = t
		}
	}
}

// New creates a Rehydrator.
func New(index cache.Index, store Store, opts ...Option) *Rehydrator {
	r := &Rehydrator{
		index:     index,
		store:     store,
		pageSize:  DefaultPageSize,
		log:       logger.Global(),
		telemetry: nopTelemetry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.Component(r.log, "rehydrate")
	return r
}

// Rehydrate loads every record of key into the cache and returns how many
// entries were loaded. Concurrent calls for one key share a single store read.
func (r *Rehydrator) Rehydrate(ctx context.Context, key schedule.Key) (int, error) {
	v, err, shared := r.group.Do(key.String(), func() (interface{}, error) {
		return r.load(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	if shared {
		r.log.DebugContext(ctx, "rehydration shared with concurrent caller", "key", key.String())
	}
	return v.(int), nil
}

func (r *Rehydrator) load(ctx context.Context, key schedule.Key) (n int, err error) {
	ctx, span := tracing.Start(ctx, "rehydrate.key",
		attribute.String("owner_id", key.OwnerID), attribute.String("season_id", key.SeasonID))
	defer func() { tracing.End(span, err) }()

	records, err := r.store.RecordsFor(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read records for %s: %w", key, err)
	}
	if err := r.index.Load(ctx, key, entries(records)); err != nil {
		return 0, err
	}
	r.telemetry.RecordRehydration("lazy", 1)
	return len(records), nil
}

// RebuildSeason loads every owner of a season into the cache, paging through
// the store by (owner, item). An owner is only loaded once all of its records
// have been read. onProgress may be nil.
func (r *Rehydrator) RebuildSeason(ctx context.Context, seasonID string, onProgress ProgressFunc) (p Progress, err error) {
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return Progress{}, err
	}
	ctx, span := tracing.Start(ctx, "rehydrate.season", attribute.String("season_id", seasonID))
	defer func() { tracing.End(span, err) }()

	total, err := r.store.CountSeason(ctx, seasonID)
	if err != nil {
		return Progress{}, fmt.Errorf("count season %s: %w", seasonID, err)
	}
	p = Progress{SeasonID: seasonID, Total: total}
	start := time.Now()
	r.log.InfoContext(ctx, "season rebuild started", "season_id", seasonID, "records", total)

	var (
		cursor  storage.Cursor
		pending []schedule.MemoryRecord
	)
	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		page, err := r.store.ScanSeason(ctx, seasonID, cursor, r.pageSize)
		if err != nil {
			return p, fmt.Errorf("scan season %s: %w", seasonID, err)
		}
		last := len(page) < r.pageSize
		if len(page) > 0 {
			cursor = storage.CursorOf(page[len(page)-1])
		}
		pending = append(pending, page...)

		// Hold back the trailing owner until the next page proves it complete.
		ready := pending
		if !last {
			ready, pending = splitTrailingOwner(pending)
		} else {
			pending = nil
		}

		owners, err := r.loadOwners(ctx, seasonID, ready)
		if err != nil {
			return p, err
		}
		p.Owners += owners
		p.Records += int64(len(ready))
		p.Percent = percent(p.Records, total)
		p.Done = last
		r.telemetry.SetRebuildProgress(seasonID, p.Percent/100)
		if onProgress != nil {
			onProgress(p)
		}
		if last {
			break
		}
	}

	r.telemetry.RecordRehydration("rebuild", p.Owners)
	r.log.InfoContext(ctx, "season rebuild finished",
		"season_id", seasonID, "owners", p.Owners, "records", p.Records, "duration", time.Since(start))
	return p, nil
}

func (r *Rehydrator) loadOwners(ctx context.Context, seasonID string, records []schedule.MemoryRecord) (int, error) {
	owners := 0
	for start := 0; start < len(records); {
		end := start
		for end < len(records) && records[end].OwnerID == records[start].OwnerID {
			end++
		}
		key := schedule.Key{OwnerID: records[start].OwnerID, SeasonID: seasonID}
		if err := r.index.Load(ctx, key, entries(records[start:end])); err != nil {
			return owners, fmt.Errorf("load %s: %w", key, err)
		}
		owners++
		start = end
	}
	return owners, nil
}

// splitTrailingOwner separates the records of the last owner in records.
// If every record belongs to one owner, nothing is ready.
func splitTrailingOwner(records []schedule.MemoryRecord) (ready, held []schedule.MemoryRecord) {
	if len(records) == 0 {
		return nil, nil
	}
	lastOwner := records[len(records)-1].OwnerID
	i := len(records)
	for i > 0 && records[i-1].OwnerID == lastOwner {
		i--
	}
	held = append([]schedule.MemoryRecord(nil), records[i:]...)
	return records[:i], held
}

func entries(records []schedule.MemoryRecord) []schedule.Entry {
	out := make([]schedule.Entry, len(records))
	for i, rec := range records {
		out[i] = rec.Entry()
	}
	return out
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(done) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
