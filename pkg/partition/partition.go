// Package partition tracks which seasons have a physical partition able to
// accept writes, and owns the partition lifecycle.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

var (
	// ErrUnavailable rejects writes to a season without a live partition.
	ErrUnavailable = errors.New("partition unavailable")
	// ErrNotEmpty refuses to drop a partition that still holds records.
	ErrNotEmpty = errors.New("partition not empty")
)

// CreationError means a season's partition could not be allocated. The
// season must not be activated until it is resolved.
type CreationError struct {
	SeasonID string
	Cause    error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create partition for season %s: %v", e.SeasonID, e.Cause)
}

func (e *CreationError) Unwrap() error { return e.Cause }

// IsCreationError reports whether err wraps a *CreationError.
func IsCreationError(err error) bool {
	var ce *CreationError
	return errors.As(err, &ce)
}

// Table is the store surface the manager needs.
type Table interface {
	storage.PartitionedTable
	CountSeason(ctx context.Context, seasonID string) (int64, error)
	ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]schedule.Season, error)
}

// Manager keeps an in-memory set of writable partitions. A season is
// writable while its partition is not reclaimable and the season has not
// been deactivated. A partition created ahead of its season row counts as
// writable.
type Manager struct {
	table        Table
	log          logger.Logger
	refreshEvery time.Duration
	nowFn        func() time.Time

	mu          sync.RWMutex
	live        map[string]struct{}
	lastRefresh time.Time
}

// New creates a manager. Call Warm before serving traffic.
func New(table Table, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		table:        table,
		log:          logger.Component(log, "partition"),
		refreshEvery: 5 * time.Second,
		nowFn:        time.Now,
		live:         make(map[string]struct{}),
	}
}

// Warm loads the set of writable partitions from the store.
func (m *Manager) Warm(ctx context.Context) error {
	parts, err := m.table.ListPartitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	inactive := false
	closed, err := m.table.ListSeasons(ctx, storage.SeasonFilter{Active: &inactive})
	if err != nil {
		return fmt.Errorf("list inactive seasons: %w", err)
	}
	skip := make(map[string]struct{}, len(closed))
	for _, s := range closed {
		skip[s.ID] = struct{}{}
	}
	live := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if _, ok := skip[p.SeasonID]; ok || p.Reclaimable {
			continue
		}
		live[p.SeasonID] = struct{}{}
	}
	m.mu.Lock()
	m.live = live
	m.lastRefresh = m.nowFn()
	m.mu.Unlock()
	return nil
}

// Create allocates the partition for seasonID. It is idempotent.
func (m *Manager) Create(ctx context.Context, seasonID string) error {
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return &CreationError{SeasonID: seasonID, Cause: err}
	}
	if err := m.table.CreatePartition(ctx, seasonID); err != nil {
		m.log.ErrorContext(ctx, "partition creation failed", "season", seasonID, "error", err)
		return &CreationError{SeasonID: seasonID, Cause: err}
	}
	m.mu.Lock()
	m.live[seasonID] = struct{}{}
	m.mu.Unlock()
	m.log.InfoContext(ctx, "partition created", "season", seasonID)
	return nil
}

// Ensure returns nil when seasonID may accept writes and ErrUnavailable
// otherwise. The live set is reloaded from the store at most once per
// refresh interval so partitions created, and seasons deactivated, by other
// instances are picked up.
func (m *Manager) Ensure(ctx context.Context, seasonID string) error {
	if m.claimRefresh() {
		if err := m.Warm(ctx); err != nil {
			if !m.has(seasonID) {
				return err
			}
			m.log.WarnContext(ctx, "partition refresh failed, using cached set", "error", err)
		}
	}
	if m.has(seasonID) {
		return nil
	}
	return fmt.Errorf("season %s: %w", seasonID, ErrUnavailable)
}

// claimRefresh reports whether the caller should reload the live set and,
// if so, stamps the refresh time so concurrent callers do not pile on.
func (m *Manager) claimRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if now.Sub(m.lastRefresh) < m.refreshEvery {
		return false
	}
	m.lastRefresh = now
	return true
}

func (m *Manager) has(seasonID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.live[seasonID]
	return ok
}

// Deactivate stops writes to seasonID on this instance. Other instances
// observe the deactivation on their next refresh, and the store refuses
// writes once the partition is reclaimable.
func (m *Manager) Deactivate(ctx context.Context, seasonID string) {
	m.forget(seasonID)
	m.log.InfoContext(ctx, "partition closed to writes", "season", seasonID)
}

// MarkReclaimable stops writes to seasonID and flags its partition for reclamation.
func (m *Manager) MarkReclaimable(ctx context.Context, seasonID string) error {
	if err := m.table.MarkPartitionReclaimable(ctx, seasonID); err != nil {
		return fmt.Errorf("mark partition %s reclaimable: %w", seasonID, err)
	}
	m.forget(seasonID)
	m.log.InfoContext(ctx, "partition marked reclaimable", "season", seasonID)
	return nil
}

// Drop removes the physical partition. It refuses while records remain.
func (m *Manager) Drop(ctx context.Context, seasonID string) error {
	n, err := m.table.CountSeason(ctx, seasonID)
	if err != nil {
		return fmt.Errorf("count season %s: %w", seasonID, err)
	}
	if n > 0 {
		return fmt.Errorf("season %s holds %d records: %w", seasonID, n, ErrNotEmpty)
	}
	if err := m.table.DropPartition(ctx, seasonID); err != nil {
		return fmt.Errorf("drop partition %s: %w", seasonID, err)
	}
	m.forget(seasonID)
	m.log.InfoContext(ctx, "partition dropped", "season", seasonID)
	return nil
}

// List returns every known partition.
func (m *Manager) List(ctx context.Context) ([]storage.Partition, error) {
	return m.table.ListPartitions(ctx)
}

func (m *Manager) forget(seasonID string) {
	m.mu.Lock()
	delete(m.live, seasonID)
	m.mu.Unlock()
}
