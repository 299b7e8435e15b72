// Package schedule defines the data model shared by the scheduling cache,
// the durable store and the background services.
package schedule

import (
	"fmt"
	"regexp"
	"time"
)

// Dirty marker reasons.
const (
	ReasonInFlight   = "in_flight"
	ReasonDeadLetter = "dead_letter"
	ReasonDegraded   = "degraded"
)

const maxIDLength = 128

var seasonIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// Key identifies one owner's schedule within one season.
type Key struct {
	OwnerID  string `json:"owner_id"`
	SeasonID string `json:"season_id"`
}

func (k Key) String() string {
	return k.SeasonID + "/" + k.OwnerID
}

// RecordKey identifies a single memory record.
type RecordKey struct {
	OwnerID  string `json:"owner_id"`
	ItemID   string `json:"item_id"`
	SeasonID string `json:"season_id"`
}

// Pair returns the owner/season pair the record belongs to.
func (k RecordKey) Pair() Key {
	return Key{OwnerID: k.OwnerID, SeasonID: k.SeasonID}
}

// MemoryRecord is the durable scheduling state for one item of one owner in one season.
type MemoryRecord struct {
	OwnerID      string     `json:"owner_id"`
	ItemID       string     `json:"item_id"`
	SeasonID     string     `json:"season_id"`
	Stability    float64    `json:"stability"`
	NextReviewAt time.Time  `json:"next_review_at"`
	LastReviewAt *time.Time `json:"last_review_at,omitempty"`
}

// Key returns the record's unique key.
func (r MemoryRecord) Key() RecordKey {
	return RecordKey{OwnerID: r.OwnerID, ItemID: r.ItemID, SeasonID: r.SeasonID}
}

// Pair returns the owner/season pair the record belongs to.
func (r MemoryRecord) Pair() Key {
	return Key{OwnerID: r.OwnerID, SeasonID: r.SeasonID}
}

// Entry returns the cache entry derived from the record.
func (r MemoryRecord) Entry() Entry {
	return Entry{ItemID: r.ItemID, DueAt: r.NextReviewAt}
}

// Newer reports whether r should replace existing under last-review-wins.
// A record without a review time never replaces one that has it.
func (r MemoryRecord) Newer(existing MemoryRecord) bool {
	switch {
	case r.LastReviewAt == nil:
		return existing.LastReviewAt == nil
	case existing.LastReviewAt == nil:
		return true
	default:
		return !r.LastReviewAt.Before(*existing.LastReviewAt)
	}
}

// Entry is one member of the cached due-date index.
type Entry struct {
	ItemID string
	DueAt  time.Time
}

// Score converts a due time to the index score (epoch seconds).
func Score(t time.Time) float64 {
	return float64(t.Unix())
}

// FromScore converts an index score back to a time.
func FromScore(score float64) time.Time {
	return time.Unix(int64(score), 0).UTC()
}

// Season is a bounded time window grouping memory records.
type Season struct {
	ID          string     `json:"id"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	IsActive    bool       `json:"is_active"`
	AutoArchive bool       `json:"auto_archive"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Archivable reports whether the season can be moved to cold storage.
func (s Season) Archivable() bool {
	return !s.IsActive && s.ArchivedAt == nil
}

// DirtyMarker records that the cache and the store may disagree for a pair.
type DirtyMarker struct {
	OwnerID  string    `json:"owner_id"`
	SeasonID string    `json:"season_id"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"marked_at"`
}

// Pair returns the marked owner/season pair.
func (m DirtyMarker) Pair() Key {
	return Key{OwnerID: m.OwnerID, SeasonID: m.SeasonID}
}

// ArchiveRecord is a memory record moved to cold storage.
type ArchiveRecord struct {
	MemoryRecord
	ArchivedAt          time.Time `json:"archived_at"`
	EligibleForDeletion bool      `json:"eligible_for_deletion"`
}

// Outcome is a scheduling result supplied by the SRS engine.
type Outcome struct {
	OwnerID    string    `json:"owner_id"`
	ItemID     string    `json:"item_id"`
	SeasonID   string    `json:"season_id"`
	DueAt      time.Time `json:"due_at"`
	Stability  float64   `json:"stability"`
	ReviewedAt time.Time `json:"reviewed_at"`
	// QueuedAt is when the pair was marked in flight on submit.
	QueuedAt time.Time `json:"queued_at,omitempty"`
}

// Record converts the outcome into the record it produces.
func (o Outcome) Record() MemoryRecord {
	reviewed := o.ReviewedAt
	return MemoryRecord{
		OwnerID:      o.OwnerID,
		ItemID:       o.ItemID,
		SeasonID:     o.SeasonID,
		Stability:    o.Stability,
		NextReviewAt: o.DueAt.UTC().Truncate(time.Second),
		LastReviewAt: &reviewed,
	}
}

// Pair returns the owner/season pair of the outcome.
func (o Outcome) Pair() Key {
	return Key{OwnerID: o.OwnerID, SeasonID: o.SeasonID}
}

// Validate checks identifiers and timestamps.
func (o Outcome) Validate() error {
	if err := ValidateOwnerID(o.OwnerID); err != nil {
		return err
	}
	if err := ValidateItemID(o.ItemID); err != nil {
		return err
	}
	if err := ValidateSeasonID(o.SeasonID); err != nil {
		return err
	}
	if o.DueAt.IsZero() {
		return &ValidationError{Field: "due_at", Reason: "must be set"}
	}
	if o.Stability < 0 {
		return &ValidationError{Field: "stability", Reason: "must not be negative"}
	}
	return nil
}

// Dedupe keeps the latest outcome per record key, preserving first-seen order.
func Dedupe(outcomes []Outcome) []Outcome {
	idx := make(map[RecordKey]int, len(outcomes))
	out := make([]Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		k := o.Record().Key()
		if i, ok := idx[k]; ok {
			if !o.ReviewedAt.Before(out[i].ReviewedAt) {
				out[i] = o
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, o)
	}
	return out
}

// Pairs returns the distinct owner/season pairs touched by outcomes.
func Pairs(outcomes []Outcome) []Key {
	seen := make(map[Key]struct{}, len(outcomes))
	out := make([]Key, 0, len(outcomes))
	for _, o := range outcomes {
		p := o.Pair()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Markers returns one marker per pair touched by outcomes, stamped with the
// latest QueuedAt seen for the pair. Outcomes without QueuedAt use fallback.
func Markers(outcomes []Outcome, reason string, fallback time.Time) []DirtyMarker {
	idx := make(map[Key]int, len(outcomes))
	out := make([]DirtyMarker, 0, len(outcomes))
	for _, o := range outcomes {
		at := o.QueuedAt
		if at.IsZero() {
			at = fallback
		}
		p := o.Pair()
		if i, ok := idx[p]; ok {
			if at.After(out[i].MarkedAt) {
				out[i].MarkedAt = at
			}
			continue
		}
		idx[p] = len(out)
		out = append(out, DirtyMarker{OwnerID: p.OwnerID, SeasonID: p.SeasonID, Reason: reason, MarkedAt: at})
	}
	return out
}

// ValidationError describes an invalid identifier or field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// ValidateOwnerID checks an owner identifier.
func ValidateOwnerID(id string) error {
	return validateID("owner_id", id)
}

// ValidateItemID checks an item identifier.
func ValidateItemID(id string) error {
	return validateID("item_id", id)
}

// ValidateSeasonID checks that id can name a physical partition.
func ValidateSeasonID(id string) error {
	if !seasonIDPattern.MatchString(id) {
		return &ValidationError{Field: "season_id", Reason: fmt.Sprintf("%q must match %s", id, seasonIDPattern)}
	}
	return nil
}

func validateID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(id) > maxIDLength {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d bytes", maxIDLength)}
	}
	return nil
}
