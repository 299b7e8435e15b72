// Package cache defines the schedule cache: an ordered due-date index per
// owner and season supporting upsert-by-member and range-by-score.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
)

// ErrMiss is returned by DueItems when the key has never been loaded or was evicted.
var ErrMiss = errors.New("cache miss")

// Index is the in-memory schedule index.
type Index interface {
	// Upsert sets the due time of one item. It does not mark the key loaded.
	Upsert(ctx context.Context, key schedule.Key, itemID string, dueAt time.Time) error
	// DueItems returns up to limit item IDs due at or before now, ascending by
	// due time with ties broken by item ID. It returns ErrMiss for an unloaded key.
	DueItems(ctx context.Context, key schedule.Key, now time.Time, limit int) ([]string, error)
	// Load adds entries that are not already present and marks the key loaded.
	Load(ctx context.Context, key schedule.Key, entries []schedule.Entry) error
	// Loaded reports whether the key is fully populated.
	Loaded(ctx context.Context, key schedule.Key) (bool, error)
	// Score returns the cached due time of an item.
	Score(ctx context.Context, key schedule.Key, itemID string) (time.Time, bool, error)
	// Remove drops every entry under the key.
	Remove(ctx context.Context, key schedule.Key) error
	// PurgeSeason removes every key of a season in batches and returns the key count.
	PurgeSeason(ctx context.Context, seasonID string, batch int) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// UnreachableError wraps a failure to talk to the cache backend.
type UnreachableError struct {
	Op    string
	Cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("cache unreachable during %s: %v", e.Op, e.Cause)
}

func (e *UnreachableError) Unwrap() error { return e.Cause }

// IsUnreachable reports whether err wraps an UnreachableError.
func IsUnreachable(err error) bool {
	var target *UnreachableError
	return errors.As(err, &target)
}
