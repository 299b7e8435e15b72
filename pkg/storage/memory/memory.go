// Package memory provides an in-memory implementation of the storage interfaces.
package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

type markerKey struct {
	pair   schedule.Key
	reason string
}

// MemoryStorage implements storage.Store, storage.ArchiveStore and
// storage.DeadLetterStore using in-memory maps.
type MemoryStorage struct {
	mu          sync.RWMutex
	partitions  map[string]*storage.Partition
	records     map[string]map[schedule.RecordKey]schedule.MemoryRecord // seasonID -> key -> record
	seasons     map[string]schedule.Season
	markers     map[markerKey]schedule.DirtyMarker
	archive     map[schedule.RecordKey]schedule.ArchiveRecord
	deadLetters map[string]storage.DeadLetter
	nowFn       func() time.Time
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		partitions:  make(map[string]*storage.Partition),
		records:     make(map[string]map[schedule.RecordKey]schedule.MemoryRecord),
		seasons:     make(map[string]schedule.Season),
		markers:     make(map[markerKey]schedule.DirtyMarker),
		archive:     make(map[schedule.RecordKey]schedule.ArchiveRecord),
		deadLetters: make(map[string]storage.DeadLetter),
		nowFn:       time.Now,
	}
}

// UpsertRecords applies records with last-review-wins semantics. Partitions
// marked reclaimable no longer accept writes.
func (m *MemoryStorage) UpsertRecords(ctx context.Context, records []schedule.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if p, ok := m.partitions[r.SeasonID]; !ok || p.Reclaimable {
			return &storage.PartitionMissingError{SeasonID: r.SeasonID}
		}
	}
	for _, r := range records {
		part := m.records[r.SeasonID]
		if existing, ok := part[r.Key()]; ok && !r.Newer(existing) {
			continue
		}
		part[r.Key()] = copyRecord(r)
	}
	return nil
}

// GetRecord retrieves a record by key.
func (m *MemoryStorage) GetRecord(ctx context.Context, key schedule.RecordKey) (*schedule.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[key.SeasonID][key]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "memory_record", ID: key.SeasonID + "/" + key.OwnerID + "/" + key.ItemID}
	}
	cp := copyRecord(r)
	return &cp, nil
}

// RecordsFor returns every record of a pair in due order.
func (m *MemoryStorage) RecordsFor(ctx context.Context, key schedule.Key) ([]schedule.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	part, ok := m.records[key.SeasonID]
	if !ok {
		return nil, &storage.PartitionMissingError{SeasonID: key.SeasonID}
	}
	var out []schedule.MemoryRecord
	for k, r := range part {
		if k.OwnerID == key.OwnerID {
			out = append(out, copyRecord(r))
		}
	}
	sortByDue(out)
	return out, nil
}

// DueRecords returns up to limit records of a pair due at or before now.
func (m *MemoryStorage) DueRecords(ctx context.Context, key schedule.Key, now time.Time, limit int) ([]schedule.MemoryRecord, error) {
	all, err := m.RecordsFor(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []schedule.MemoryRecord
	for _, r := range all {
		if r.NextReviewAt.After(now) || len(out) >= limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// ScanSeason pages through a season in (owner_id, item_id) order.
func (m *MemoryStorage) ScanSeason(ctx context.Context, seasonID string, after storage.Cursor, limit int) ([]schedule.MemoryRecord, error) {
	m.mu.RLock()
	part, ok := m.records[seasonID]
	if !ok {
		m.mu.RUnlock()
		return nil, &storage.PartitionMissingError{SeasonID: seasonID}
	}
	all := make([]schedule.MemoryRecord, 0, len(part))
	for _, r := range part {
		if after.IsZero() || after.After(r) {
			all = append(all, copyRecord(r))
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].OwnerID != all[j].OwnerID {
			return all[i].OwnerID < all[j].OwnerID
		}
		return all[i].ItemID < all[j].ItemID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CountSeason returns the number of active records in a season.
func (m *MemoryStorage) CountSeason(ctx context.Context, seasonID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	part, ok := m.records[seasonID]
	if !ok {
		return 0, &storage.PartitionMissingError{SeasonID: seasonID}
	}
	return int64(len(part)), nil
}

// SampleRecords returns up to n random records of a season.
func (m *MemoryStorage) SampleRecords(ctx context.Context, seasonID string, n int) ([]schedule.MemoryRecord, error) {
	m.mu.RLock()
	part, ok := m.records[seasonID]
	if !ok {
		m.mu.RUnlock()
		return nil, &storage.PartitionMissingError{SeasonID: seasonID}
	}
	all := make([]schedule.MemoryRecord, 0, len(part))
	for _, r := range part {
		all = append(all, copyRecord(r))
	}
	m.mu.RUnlock()

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// DeleteRecords removes records and returns how many existed.
func (m *MemoryStorage) DeleteRecords(ctx context.Context, keys []schedule.RecordKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, k := range keys {
		part := m.records[k.SeasonID]
		if _, ok := part[k]; ok {
			delete(part, k)
			deleted++
		}
	}
	return deleted, nil
}

// CreateSeason stores a new season.
func (m *MemoryStorage) CreateSeason(ctx context.Context, season schedule.Season) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.seasons[season.ID]; exists {
		return &storage.DuplicateKeyError{EntityType: "season", ID: season.ID}
	}
	if season.CreatedAt.IsZero() {
		season.CreatedAt = m.nowFn()
	}
	m.seasons[season.ID] = season
	return nil
}

// GetSeason retrieves a season by ID.
func (m *MemoryStorage) GetSeason(ctx context.Context, id string) (*schedule.Season, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.seasons[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "season", ID: id}
	}
	return &s, nil
}

// ListSeasons lists seasons ordered by start time.
func (m *MemoryStorage) ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]schedule.Season, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schedule.Season, 0, len(m.seasons))
	for _, s := range m.seasons {
		if filter.Active != nil && s.IsActive != *filter.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateSeason replaces an existing season.
func (m *MemoryStorage) UpdateSeason(ctx context.Context, season schedule.Season) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seasons[season.ID]; !ok {
		return &storage.NotFoundError{EntityType: "season", ID: season.ID}
	}
	m.seasons[season.ID] = season
	return nil
}

// MarkDirty upserts dirty markers. A marker's time never moves backwards.
func (m *MemoryStorage) MarkDirty(ctx context.Context, markers []schedule.DirtyMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mk := range markers {
		k := markerKey{pair: mk.Pair(), reason: mk.Reason}
		if cur, ok := m.markers[k]; ok && cur.MarkedAt.After(mk.MarkedAt) {
			continue
		}
		m.markers[k] = mk
	}
	return nil
}

// ClearDirty removes matching markers marked at or before before.
func (m *MemoryStorage) ClearDirty(ctx context.Context, pairs []schedule.Key, reason string, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range pairs {
		for k, mk := range m.markers {
			if k.pair != p || (reason != "" && k.reason != reason) {
				continue
			}
			if !mk.MarkedAt.After(before) {
				delete(m.markers, k)
			}
		}
	}
	return nil
}

// ListDirty returns markers oldest first.
func (m *MemoryStorage) ListDirty(ctx context.Context, reason string, limit int) ([]schedule.DirtyMarker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schedule.DirtyMarker, 0, len(m.markers))
	for k, mk := range m.markers {
		if reason == "" || k.reason == reason {
			out = append(out, mk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].MarkedAt.Before(out[j].MarkedAt)
		}
		return out[i].Pair().String() < out[j].Pair().String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreatePartition allocates an empty partition for a season.
func (m *MemoryStorage) CreatePartition(ctx context.Context, seasonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.partitions[seasonID]; ok {
		return nil
	}
	m.partitions[seasonID] = &storage.Partition{SeasonID: seasonID, CreatedAt: m.nowFn()}
	m.records[seasonID] = make(map[schedule.RecordKey]schedule.MemoryRecord)
	return nil
}

// DropPartition removes a partition and its records.
func (m *MemoryStorage) DropPartition(ctx context.Context, seasonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.partitions[seasonID]; !ok {
		return &storage.PartitionMissingError{SeasonID: seasonID}
	}
	delete(m.partitions, seasonID)
	delete(m.records, seasonID)
	return nil
}

// MarkPartitionReclaimable flags a partition for reclamation.
func (m *MemoryStorage) MarkPartitionReclaimable(ctx context.Context, seasonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[seasonID]
	if !ok {
		return &storage.PartitionMissingError{SeasonID: seasonID}
	}
	if !p.Reclaimable {
		now := m.nowFn()
		p.Reclaimable = true
		p.ReclaimableAt = &now
	}
	return nil
}

// ListPartitions lists partitions ordered by season ID.
func (m *MemoryStorage) ListPartitions(ctx context.Context) ([]storage.Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]storage.Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeasonID < out[j].SeasonID })
	return out, nil
}

// PutArchive writes archive records.
func (m *MemoryStorage) PutArchive(ctx context.Context, records []schedule.ArchiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		r.MemoryRecord = copyRecord(r.MemoryRecord)
		m.archive[r.Key()] = r
	}
	return nil
}

// GetArchive retrieves an archive record by key.
func (m *MemoryStorage) GetArchive(ctx context.Context, key schedule.RecordKey) (*schedule.ArchiveRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.archive[key]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "archive_record", ID: key.SeasonID + "/" + key.OwnerID + "/" + key.ItemID}
	}
	return &r, nil
}

// ListArchive lists archive records of a season.
func (m *MemoryStorage) ListArchive(ctx context.Context, seasonID string, limit int) ([]schedule.ArchiveRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schedule.ArchiveRecord
	for k, r := range m.archive {
		if k.SeasonID == seasonID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].ItemID < out[j].ItemID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountArchive counts archive records of a season.
func (m *MemoryStorage) CountArchive(ctx context.Context, seasonID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for k := range m.archive {
		if k.SeasonID == seasonID {
			n++
		}
	}
	return n, nil
}

// FlagEligible flags records archived before cutoff.
func (m *MemoryStorage) FlagEligible(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flagged := 0
	for k, r := range m.archive {
		if r.EligibleForDeletion || !r.ArchivedAt.Before(cutoff) {
			continue
		}
		r.EligibleForDeletion = true
		m.archive[k] = r
		flagged++
	}
	return flagged, nil
}

// PurgeEligible deletes flagged archive records of a season.
func (m *MemoryStorage) PurgeEligible(ctx context.Context, seasonID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for k, r := range m.archive {
		if k.SeasonID == seasonID && r.EligibleForDeletion {
			delete(m.archive, k)
			purged++
		}
	}
	return purged, nil
}

// PutDeadLetter stores a failed batch.
func (m *MemoryStorage) PutDeadLetter(ctx context.Context, dl storage.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl.Outcomes = append([]schedule.Outcome(nil), dl.Outcomes...)
	m.deadLetters[dl.ID] = dl
	return nil
}

// ListDeadLetters lists failed batches oldest first.
func (m *MemoryStorage) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]storage.DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDeadLetter removes a failed batch.
func (m *MemoryStorage) DeleteDeadLetter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deadLetters[id]; !ok {
		return &storage.NotFoundError{EntityType: "dead_letter", ID: id}
	}
	delete(m.deadLetters, id)
	return nil
}

// CountDeadLetters returns the number of stored failed batches.
func (m *MemoryStorage) CountDeadLetters(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.deadLetters), nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}

func copyRecord(r schedule.MemoryRecord) schedule.MemoryRecord {
	if r.LastReviewAt != nil {
		t := *r.LastReviewAt
		r.LastReviewAt = &t
	}
	return r
}

func sortByDue(records []schedule.MemoryRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].NextReviewAt.Equal(records[j].NextReviewAt) {
			return records[i].NextReviewAt.Before(records[j].NextReviewAt)
		}
		return records[i].ItemID < records[j].ItemID
	})
}

var (
	_ storage.Store           = (*MemoryStorage)(nil)
	_ storage.ArchiveStore    = (*MemoryStorage)(nil)
	_ storage.DeadLetterStore = (*MemoryStorage)(nil)
)
