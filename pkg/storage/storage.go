// Package storage provides the durable store abstraction for memory records,
// seasons, partitions, dirty markers and the cold archive.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
)

// Store is the durable source of truth for scheduling state.
type Store interface {
	RecordStore
	SeasonStore
	DirtyMarkerStore
	PartitionedTable

	Ping(ctx context.Context) error
	Close() error
}

// RecordStore holds active memory records.
type RecordStore interface {
	// UpsertRecords inserts or updates records. An existing record is only
	// replaced when the incoming LastReviewAt is not older (last review wins).
	UpsertRecords(ctx context.Context, records []schedule.MemoryRecord) error
	GetRecord(ctx context.Context, key schedule.RecordKey) (*schedule.MemoryRecord, error)
	// RecordsFor returns every record of a pair ordered by next_review_at, item_id.
	RecordsFor(ctx context.Context, key schedule.Key) ([]schedule.MemoryRecord, error)
	// DueRecords returns up to limit records of a pair due at or before now.
	DueRecords(ctx context.Context, key schedule.Key, now time.Time, limit int) ([]schedule.MemoryRecord, error)
	// ScanSeason pages through a season ordered by (owner_id, item_id),
	// starting strictly after cursor. A zero cursor starts from the beginning.
	ScanSeason(ctx context.Context, seasonID string, after Cursor, limit int) ([]schedule.MemoryRecord, error)
	CountSeason(ctx context.Context, seasonID string) (int64, error)
	// SampleRecords returns up to n records of a season picked at random.
	SampleRecords(ctx context.Context, seasonID string, n int) ([]schedule.MemoryRecord, error)
	DeleteRecords(ctx context.Context, keys []schedule.RecordKey) (int, error)
}

// SeasonStore holds season metadata.
type SeasonStore interface {
	CreateSeason(ctx context.Context, season schedule.Season) error
	GetSeason(ctx context.Context, id string) (*schedule.Season, error)
	ListSeasons(ctx context.Context, filter SeasonFilter) ([]schedule.Season, error)
	UpdateSeason(ctx context.Context, season schedule.Season) error
}

// DirtyMarkerStore holds markers for pairs whose cache may lag the store.
// Markers are keyed by (owner, season, reason).
type DirtyMarkerStore interface {
	MarkDirty(ctx context.Context, markers []schedule.DirtyMarker) error
	// ClearDirty removes markers of the given reason marked at or before
	// before. An empty reason matches every reason.
	ClearDirty(ctx context.Context, pairs []schedule.Key, reason string, before time.Time) error
	// ListDirty returns markers oldest first. An empty reason lists all.
	ListDirty(ctx context.Context, reason string, limit int) ([]schedule.DirtyMarker, error)
}

// PartitionedTable manages the physical partitions of the records table.
type PartitionedTable interface {
	CreatePartition(ctx context.Context, seasonID string) error
	DropPartition(ctx context.Context, seasonID string) error
	MarkPartitionReclaimable(ctx context.Context, seasonID string) error
	ListPartitions(ctx context.Context) ([]Partition, error)
}

// ArchiveStore is cold storage for records of archived seasons.
type ArchiveStore interface {
	// PutArchive writes archive records; rewriting an existing key is a no-op
	// apart from refreshing its fields.
	PutArchive(ctx context.Context, records []schedule.ArchiveRecord) error
	GetArchive(ctx context.Context, key schedule.RecordKey) (*schedule.ArchiveRecord, error)
	ListArchive(ctx context.Context, seasonID string, limit int) ([]schedule.ArchiveRecord, error)
	CountArchive(ctx context.Context, seasonID string) (int64, error)
	// FlagEligible marks records archived before cutoff as eligible for deletion.
	FlagEligible(ctx context.Context, cutoff time.Time) (int, error)
	// PurgeEligible deletes flagged records of a season.
	PurgeEligible(ctx context.Context, seasonID string) (int, error)
}

// DeadLetterStore holds persistence batches that exhausted their retries.
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, dl DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	CountDeadLetters(ctx context.Context) (int, error)
}

// Cursor is a keyset pagination position within a season.
type Cursor struct {
	OwnerID string
	ItemID  string
}

// IsZero reports whether the cursor is at the start.
func (c Cursor) IsZero() bool {
	return c.OwnerID == "" && c.ItemID == ""
}

// After reports whether r sorts strictly after c.
func (c Cursor) After(r schedule.MemoryRecord) bool {
	if r.OwnerID != c.OwnerID {
		return r.OwnerID > c.OwnerID
	}
	return r.ItemID > c.ItemID
}

// CursorOf returns the cursor positioned at r.
func CursorOf(r schedule.MemoryRecord) Cursor {
	return Cursor{OwnerID: r.OwnerID, ItemID: r.ItemID}
}

// SeasonFilter narrows ListSeasons.
type SeasonFilter struct {
	Active *bool
}

// Partition describes one physical partition.
type Partition struct {
	SeasonID      string     `json:"season_id"`
	CreatedAt     time.Time  `json:"created_at"`
	Reclaimable   bool       `json:"reclaimable"`
	ReclaimableAt *time.Time `json:"reclaimable_at,omitempty"`
}

// DeadLetter is a failed persistence batch kept for manual replay.
type DeadLetter struct {
	ID       string             `json:"id"`
	Outcomes []schedule.Outcome `json:"outcomes"`
	Error    string             `json:"error"`
	Attempts int                `json:"attempts"`
	FailedAt time.Time          `json:"failed_at"`
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// DuplicateKeyError indicates that an entity with the given ID already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

// PartitionMissingError indicates a write or read against a season whose
// partition does not exist.
type PartitionMissingError struct {
	SeasonID string
}

func (e *PartitionMissingError) Error() string {
	return fmt.Sprintf("partition for season %s does not exist", e.SeasonID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsDuplicateKey reports whether err wraps a DuplicateKeyError.
func IsDuplicateKey(err error) bool {
	var target *DuplicateKeyError
	return errors.As(err, &target)
}

// IsPartitionMissing reports whether err wraps a PartitionMissingError.
func IsPartitionMissing(err error) bool {
	var target *PartitionMissingError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err wraps a StorageUnavailableError.
func IsUnavailable(err error) bool {
	var target *StorageUnavailableError
	return errors.As(err, &target)
}
