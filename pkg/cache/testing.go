package cache

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
)

// IndexTestSuite runs conformance tests against any Index implementation.
type IndexTestSuite struct {
	NewIndex func(t *testing.T) Index
}

// RunAllTests runs all index tests.
func (s *IndexTestSuite) RunAllTests(t *testing.T) {
	t.Run("DueOrderingAndTieBreak", s.TestDueOrderingAndTieBreak)
	t.Run("MissUntilLoaded", s.TestMissUntilLoaded)
	t.Run("LoadKeepsNewerUpsert", s.TestLoadKeepsNewerUpsert)
	t.Run("UpsertOverwrites", s.TestUpsertOverwrites)
	t.Run("RemoveCausesMiss", s.TestRemoveCausesMiss)
	t.Run("PurgeSeason", s.TestPurgeSeason)
	t.Run("Limit", s.TestLimit)
}

var suiteNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func assertItems(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// TestDueOrderingAndTieBreak verifies ascending due order with item ID tie-break.
func (s *IndexTestSuite) TestDueOrderingAndTieBreak(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	entries := []schedule.Entry{
		{ItemID: "A", DueAt: suiteNow.Add(-time.Hour)},
		{ItemID: "B", DueAt: suiteNow.Add(time.Hour)},
		{ItemID: "D", DueAt: suiteNow.Add(-2 * time.Hour)},
		{ItemID: "C", DueAt: suiteNow.Add(-2 * time.Hour)},
	}
	if err := idx.Load(ctx, key, entries); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := idx.DueItems(ctx, key, suiteNow, 10)
	if err != nil {
		t.Fatalf("DueItems failed: %v", err)
	}
	assertItems(t, got, "C", "D", "A")
}

// TestMissUntilLoaded verifies a structural miss differs from an empty result.
func (s *IndexTestSuite) TestMissUntilLoaded(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()
	key := schedule.Key{OwnerID: "U2", SeasonID: "S1"}

	if _, err := idx.DueItems(ctx, key, suiteNow, 10); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	// An upsert alone does not make the key authoritative.
	if err := idx.Upsert(ctx, key, "A", suiteNow.Add(-time.Minute)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := idx.DueItems(ctx, key, suiteNow, 10); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after bare upsert, got %v", err)
	}

	if err := idx.Load(ctx, schedule.Key{OwnerID: "U3", SeasonID: "S1"}, nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, err := idx.DueItems(ctx, schedule.Key{OwnerID: "U3", SeasonID: "S1"}, suiteNow, 10)
	if err != nil {
		t.Fatalf("expected loaded empty key to succeed, got %v", err)
	}
	assertItems(t, got)

	loaded, err := idx.Loaded(ctx, schedule.Key{OwnerID: "U3", SeasonID: "S1"})
	if err != nil || !loaded {
		t.Errorf("expected U3 loaded, got %v %v", loaded, err)
	}
}

// TestLoadKeepsNewerUpsert verifies rehydration never overwrites a fresher entry.
func (s *IndexTestSuite) TestLoadKeepsNewerUpsert(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	fresh := suiteNow.Add(48 * time.Hour)
	if err := idx.Upsert(ctx, key, "A", fresh); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Load(ctx, key, []schedule.Entry{
		{ItemID: "A", DueAt: suiteNow.Add(-time.Hour)},
		{ItemID: "B", DueAt: suiteNow.Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	due, found, err := idx.Score(ctx, key, "A")
	if err != nil || !found {
		t.Fatalf("Score failed: %v found=%v", err, found)
	}
	if !due.Equal(fresh) {
		t.Errorf("expected fresh due %v, got %v", fresh, due)
	}

	got, err := idx.DueItems(ctx, key, suiteNow, 10)
	if err != nil {
		t.Fatalf("DueItems failed: %v", err)
	}
	assertItems(t, got, "B")
}

// TestUpsertOverwrites verifies upsert replaces an existing due time.
func (s *IndexTestSuite) TestUpsertOverwrites(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	if err := idx.Load(ctx, key, []schedule.Entry{{ItemID: "A", DueAt: suiteNow.Add(-time.Hour)}}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := idx.Upsert(ctx, key, "A", suiteNow.Add(time.Hour)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Upsert(ctx, key, "A", suiteNow.Add(time.Hour)); err != nil {
		t.Fatalf("repeated Upsert failed: %v", err)
	}

	got, err := idx.DueItems(ctx, key, suiteNow, 10)
	if err != nil {
		t.Fatalf("DueItems failed: %v", err)
	}
	assertItems(t, got)

	if _, found, _ := idx.Score(ctx, key, "missing"); found {
		t.Error("expected missing item not to be found")
	}
}

// TestRemoveCausesMiss verifies Remove drops the whole key.
func (s *IndexTestSuite) TestRemoveCausesMiss(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	if err := idx.Load(ctx, key, []schedule.Entry{{ItemID: "A", DueAt: suiteNow}}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := idx.Remove(ctx, key); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := idx.DueItems(ctx, key, suiteNow, 10); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after Remove, got %v", err)
	}
}

// TestPurgeSeason verifies only the target season's keys are removed.
func (s *IndexTestSuite) TestPurgeSeason(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()

	for _, owner := range []string{"U1", "U2", "U3"} {
		for _, season := range []string{"S1", "S10"} {
			key := schedule.Key{OwnerID: owner, SeasonID: season}
			if err := idx.Load(ctx, key, []schedule.Entry{{ItemID: "A", DueAt: suiteNow}}); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
		}
	}

	n, err := idx.PurgeSeason(ctx, "S1", 2)
	if err != nil {
		t.Fatalf("PurgeSeason failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 keys purged, got %d", n)
	}

	if _, err := idx.DueItems(ctx, schedule.Key{OwnerID: "U1", SeasonID: "S1"}, suiteNow, 10); !errors.Is(err, ErrMiss) {
		t.Errorf("expected S1 purged, got %v", err)
	}
	got, err := idx.DueItems(ctx, schedule.Key{OwnerID: "U1", SeasonID: "S10"}, suiteNow, 10)
	if err != nil {
		t.Fatalf("expected S10 intact, got %v", err)
	}
	assertItems(t, got, "A")
}

// TestLimit verifies the result is capped at limit.
func (s *IndexTestSuite) TestLimit(t *testing.T) {
	idx := s.NewIndex(t)
	ctx := context.Background()
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	var entries []schedule.Entry
	for i, id := range []string{"A", "B", "C", "D", "E"} {
		entries = append(entries, schedule.Entry{ItemID: id, DueAt: suiteNow.Add(-time.Duration(5-i) * time.Minute)})
	}
	if err := idx.Load(ctx, key, entries); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := idx.DueItems(ctx, key, suiteNow, 2)
	if err != nil {
		t.Fatalf("DueItems failed: %v", err)
	}
	assertItems(t, got, "A", "B")
}
