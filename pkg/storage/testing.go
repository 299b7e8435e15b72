package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
)

// StoreTestSuite defines a test suite that can be run against any Store implementation.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
}

// RunAllTests runs all store tests against the provided implementation.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("UpsertLastReviewWins", s.TestUpsertLastReviewWins)
	t.Run("UpsertIdempotent", s.TestUpsertIdempotent)
	t.Run("UpsertWithoutPartition", s.TestUpsertWithoutPartition)
	t.Run("DueRecordsOrdering", s.TestDueRecordsOrdering)
	t.Run("ScanSeasonKeyset", s.TestScanSeasonKeyset)
	t.Run("SampleAndCount", s.TestSampleAndCount)
	t.Run("DeleteRecords", s.TestDeleteRecords)
	t.Run("SeasonLifecycle", s.TestSeasonLifecycle)
	t.Run("DirtyMarkers", s.TestDirtyMarkers)
	t.Run("Partitions", s.TestPartitions)
	t.Run("ConcurrentUpserts", s.TestConcurrentUpserts)
}

func testRecord(owner, item, season string, due time.Time, reviewed time.Time) schedule.MemoryRecord {
	return schedule.MemoryRecord{
		OwnerID:      owner,
		ItemID:       item,
		SeasonID:     season,
		Stability:    2.5,
		NextReviewAt: due.UTC().Truncate(time.Second),
		LastReviewAt: &reviewed,
	}
}

func (s *StoreTestSuite) setup(t *testing.T, seasons ...string) Store {
	t.Helper()
	store := s.NewStore(t)
	t.Cleanup(func() { store.Close() })
	for _, id := range seasons {
		if err := store.CreatePartition(context.Background(), id); err != nil {
			t.Fatalf("CreatePartition(%s) failed: %v", id, err)
		}
	}
	return store
}

// TestUpsertLastReviewWins verifies an older review never overwrites a newer one.
func (s *StoreTestSuite) TestUpsertLastReviewWins(t *testing.T) {
	store := s.setup(t, "S1")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	newer := testRecord("U1", "A", "S1", base.Add(48*time.Hour), base.Add(time.Hour))
	older := testRecord("U1", "A", "S1", base.Add(24*time.Hour), base)

	if err := store.UpsertRecords(ctx, []schedule.MemoryRecord{newer}); err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}
	if err := store.UpsertRecords(ctx, []schedule.MemoryRecord{older}); err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	got, err := store.GetRecord(ctx, newer.Key())
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !got.NextReviewAt.Equal(newer.NextReviewAt) {
		t.Errorf("expected next_review_at %v, got %v", newer.NextReviewAt, got.NextReviewAt)
	}
}

// TestUpsertIdempotent verifies applying the same batch twice leaves one record.
func (s *StoreTestSuite) TestUpsertIdempotent(t *testing.T) {
	store := s.setup(t, "S1")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	batch := []schedule.MemoryRecord{
		testRecord("U1", "A", "S1", base, base),
		testRecord("U1", "B", "S1", base.Add(time.Hour), base),
	}
	for i := 0; i < 2; i++ {
		if err := store.UpsertRecords(ctx, batch); err != nil {
			t.Fatalf("UpsertRecords attempt %d failed: %v", i, err)
		}
	}

	n, err := store.CountSeason(ctx, "S1")
	if err != nil {
		t.Fatalf("CountSeason failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 records, got %d", n)
	}
}

// TestUpsertWithoutPartition verifies writes to an unallocated season fail.
func (s *StoreTestSuite) TestUpsertWithoutPartition(t *testing.T) {
	store := s.setup(t)
	now := time.Now()

	err := store.UpsertRecords(context.Background(), []schedule.MemoryRecord{testRecord("U1", "A", "missing", now, now)})
	if err == nil {
		t.Fatal("expected error for missing partition")
	}
	if !IsPartitionMissing(err) {
		t.Errorf("expected PartitionMissingError, got %T: %v", err, err)
	}
}

// TestDueRecordsOrdering verifies due ordering with item ID tie-break.
func (s *StoreTestSuite) TestDueRecordsOrdering(t *testing.T) {
	store := s.setup(t, "S1")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	records := []schedule.MemoryRecord{
		testRecord("U1", "C", "S1", base.Add(-time.Hour), base),
		testRecord("U1", "B", "S1", base.Add(-2*time.Hour), base),
		testRecord("U1", "A", "S1", base.Add(-time.Hour), base),
		testRecord("U1", "D", "S1", base.Add(time.Hour), base),
		testRecord("U2", "E", "S1", base.Add(-3*time.Hour), base),
	}
	if err := store.UpsertRecords(ctx, records); err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	due, err := store.DueRecords(ctx, schedule.Key{OwnerID: "U1", SeasonID: "S1"}, base, 10)
	if err != nil {
		t.Fatalf("DueRecords failed: %v", err)
	}
	want := []string{"B", "A", "C"}
	if len(due) != len(want) {
		t.Fatalf("expected %d due records, got %d", len(want), len(due))
	}
	for i, id := range want {
		if due[i].ItemID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, due[i].ItemID)
		}
	}

	limited, err := store.DueRecords(ctx, schedule.Key{OwnerID: "U1", SeasonID: "S1"}, base, 1)
	if err != nil {
		t.Fatalf("DueRecords failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ItemID != "B" {
		t.Errorf("expected [B], got %v", limited)
	}

	all, err := store.RecordsFor(ctx, schedule.Key{OwnerID: "U1", SeasonID: "S1"})
	if err != nil {
		t.Fatalf("RecordsFor failed: %v", err)
	}
	if len(all) != 4 || all[3].ItemID != "D" {
		t.Errorf("expected 4 records ending with D, got %v", all)
	}
}

// TestScanSeasonKeyset verifies keyset pagination visits every record once.
func (s *StoreTestSuite) TestScanSeasonKeyset(t *testing.T) {
	store := s.setup(t, "S1", "S2")
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var records []schedule.MemoryRecord
	for u := 0; u < 3; u++ {
		for i := 0; i < 4; i++ {
			records = append(records, testRecord(fmt.Sprintf("U%d", u), fmt.Sprintf("item-%d", i), "S1", now, now))
		}
	}
	records = append(records, testRecord("U0", "other", "S2", now, now))
	if err := store.UpsertRecords(ctx, records); err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	seen := make(map[schedule.RecordKey]bool)
	var cursor Cursor
	pages := 0
	for {
		page, err := store.ScanSeason(ctx, "S1", cursor, 5)
		if err != nil {
			t.Fatalf("ScanSeason failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		pages++
		for _, r := range page {
			if r.SeasonID != "S1" {
				t.Fatalf("unexpected season %s in scan", r.SeasonID)
			}
			if seen[r.Key()] {
				t.Fatalf("record %v returned twice", r.Key())
			}
			seen[r.Key()] = true
		}
		cursor = CursorOf(page[len(page)-1])
	}

	if len(seen) != 12 {
		t.Errorf("expected 12 records, got %d", len(seen))
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
}

// TestSampleAndCount verifies sampling stays within the season and size.
func (s *StoreTestSuite) TestSampleAndCount(t *testing.T) {
	store := s.setup(t, "S1")
	ctx := context.Background()
	now := time.Now()

	var records []schedule.MemoryRecord
	for i := 0; i < 20; i++ {
		records = append(records, testRecord("U1", fmt.Sprintf("item-%02d", i), "S1", now, now))
	}
	if err := store.UpsertRecords(ctx, records); err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	sample, err := store.SampleRecords(ctx, "S1", 5)
	if err != nil {
		t.Fatalf("SampleRecords failed: %v", err)
	}
	if len(sample) == 0 || len(sample) > 5 {
		t.Errorf("expected between 1 and 5 sampled records, got %d", len(sample))
	}

	n, err := store.CountSeason(ctx, "S1")
	if err != nil {
		t.Fatalf("CountSeason failed: %v", err)
	}
	if n != 20 {
		t.Errorf("expected 20, got %d", n)
	}
}

// TestDeleteRecords verifies deletion and the reported count.
func (s *StoreTestSuite) TestDeleteRecords(t *testing.T) {
	store := s.setup(t, "S1")
	ctx := context.Background()
	now := time.Now()

	a := testRecord("U1", "A", "S1", now, now)
	b := testRecord("U1", "B", "S1", now, now)
	if err := store.UpsertRecords(ctx, []schedule.MemoryRecord{a, b}); err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	n, err := store.DeleteRecords(ctx, []schedule.RecordKey{a.Key(), {OwnerID: "U9", ItemID: "Z", SeasonID: "S1"}})
	if err != nil {
		t.Fatalf("DeleteRecords failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	if _, err := store.GetRecord(ctx, a.Key()); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

// TestSeasonLifecycle verifies season create, list, update and not-found.
func (s *StoreTestSuite) TestSeasonLifecycle(t *testing.T) {
	store := s.setup(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s1 := schedule.Season{ID: "S1", Start: start, End: start.AddDate(0, 3, 0), IsActive: true, AutoArchive: true}
	s2 := schedule.Season{ID: "S2", Start: start.AddDate(0, 3, 0), End: start.AddDate(0, 6, 0), IsActive: true}

	for _, season := range []schedule.Season{s1, s2} {
		if err := store.CreateSeason(ctx, season); err != nil {
			t.Fatalf("CreateSeason failed: %v", err)
		}
	}
	if err := store.CreateSeason(ctx, s1); !IsDuplicateKey(err) {
		t.Errorf("expected DuplicateKeyError, got %v", err)
	}

	s1.IsActive = false
	if err := store.UpdateSeason(ctx, s1); err != nil {
		t.Fatalf("UpdateSeason failed: %v", err)
	}

	active := true
	list, err := store.ListSeasons(ctx, SeasonFilter{Active: &active})
	if err != nil {
		t.Fatalf("ListSeasons failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "S2" {
		t.Errorf("expected only S2 active, got %v", list)
	}

	got, err := store.GetSeason(ctx, "S1")
	if err != nil {
		t.Fatalf("GetSeason failed: %v", err)
	}
	if got.IsActive || !got.AutoArchive {
		t.Errorf("unexpected season state: %+v", got)
	}

	if _, err := store.GetSeason(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if err := store.UpdateSeason(ctx, schedule.Season{ID: "nope"}); !IsNotFound(err) {
		t.Errorf("expected NotFoundError on update, got %v", err)
	}
}

// TestDirtyMarkers verifies markers are keyed per reason and cleared by age.
func (s *StoreTestSuite) TestDirtyMarkers(t *testing.T) {
	store := s.setup(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pair := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	markers := []schedule.DirtyMarker{
		{OwnerID: "U1", SeasonID: "S1", Reason: schedule.ReasonInFlight, MarkedAt: t0},
		{OwnerID: "U1", SeasonID: "S1", Reason: schedule.ReasonDegraded, MarkedAt: t0.Add(time.Second)},
		{OwnerID: "U2", SeasonID: "S1", Reason: schedule.ReasonInFlight, MarkedAt: t0.Add(2 * time.Second)},
	}
	if err := store.MarkDirty(ctx, markers); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}

	all, err := store.ListDirty(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListDirty failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 markers, got %d", len(all))
	}

	// A newer in-flight mark must survive a clear bounded by an older time.
	if err := store.MarkDirty(ctx, []schedule.DirtyMarker{{OwnerID: "U2", SeasonID: "S1", Reason: schedule.ReasonInFlight, MarkedAt: t0.Add(time.Minute)}}); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}
	// Re-marking with an older time must not move the marker backwards.
	if err := store.MarkDirty(ctx, []schedule.DirtyMarker{{OwnerID: "U2", SeasonID: "S1", Reason: schedule.ReasonInFlight, MarkedAt: t0.Add(3 * time.Second)}}); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}
	if err := store.ClearDirty(ctx, []schedule.Key{{OwnerID: "U2", SeasonID: "S1"}}, schedule.ReasonInFlight, t0.Add(10*time.Second)); err != nil {
		t.Fatalf("ClearDirty failed: %v", err)
	}

	if err := store.ClearDirty(ctx, []schedule.Key{pair}, schedule.ReasonInFlight, t0.Add(time.Hour)); err != nil {
		t.Fatalf("ClearDirty failed: %v", err)
	}

	inFlight, err := store.ListDirty(ctx, schedule.ReasonInFlight, 0)
	if err != nil {
		t.Fatalf("ListDirty failed: %v", err)
	}
	if len(inFlight) != 1 || inFlight[0].OwnerID != "U2" {
		t.Errorf("expected only U2 in-flight marker to remain, got %v", inFlight)
	}

	degraded, err := store.ListDirty(ctx, schedule.ReasonDegraded, 0)
	if err != nil {
		t.Fatalf("ListDirty failed: %v", err)
	}
	if len(degraded) != 1 {
		t.Errorf("expected degraded marker to remain, got %v", degraded)
	}
}

// TestPartitions verifies partition create, reclaim flag and drop.
func (s *StoreTestSuite) TestPartitions(t *testing.T) {
	store := s.setup(t)
	ctx := context.Background()

	if err := store.CreatePartition(ctx, "S1"); err != nil {
		t.Fatalf("CreatePartition failed: %v", err)
	}
	if err := store.CreatePartition(ctx, "S1"); err != nil {
		t.Fatalf("CreatePartition should be idempotent: %v", err)
	}
	if err := store.CreatePartition(ctx, "S2"); err != nil {
		t.Fatalf("CreatePartition failed: %v", err)
	}

	if err := store.MarkPartitionReclaimable(ctx, "S1"); err != nil {
		t.Fatalf("MarkPartitionReclaimable failed: %v", err)
	}

	due := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	err := store.UpsertRecords(ctx, []schedule.MemoryRecord{testRecord("U1", "A", "S1", due, due)})
	if !IsPartitionMissing(err) {
		t.Fatalf("expected reclaimable partition to reject writes, got %v", err)
	}
	if n, _ := store.CountSeason(ctx, "S1"); n != 0 {
		t.Fatalf("expected no records in reclaimable partition, got %d", n)
	}
	if err := store.UpsertRecords(ctx, []schedule.MemoryRecord{testRecord("U1", "A", "S2", due, due)}); err != nil {
		t.Fatalf("UpsertRecords into live partition failed: %v", err)
	}

	parts, err := store.ListPartitions(ctx)
	if err != nil {
		t.Fatalf("ListPartitions failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if !parts[0].Reclaimable || parts[1].Reclaimable {
		t.Errorf("expected only S1 reclaimable, got %+v", parts)
	}

	if err := store.DropPartition(ctx, "S1"); err != nil {
		t.Fatalf("DropPartition failed: %v", err)
	}
	parts, err = store.ListPartitions(ctx)
	if err != nil {
		t.Fatalf("ListPartitions failed: %v", err)
	}
	if len(parts) != 1 || parts[0].SeasonID != "S2" {
		t.Errorf("expected only S2, got %+v", parts)
	}
}

// TestConcurrentUpserts verifies parallel idempotent writes converge.
func (s *StoreTestSuite) TestConcurrentUpserts(t *testing.T) {
	store := s.setup(t, "S1")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				r := testRecord("U1", fmt.Sprintf("item-%d", i), "S1", base.Add(time.Duration(i)*time.Hour), base)
				if err := store.UpsertRecords(ctx, []schedule.MemoryRecord{r}); err != nil {
					t.Errorf("UpsertRecords failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	n, err := store.CountSeason(ctx, "S1")
	if err != nil {
		t.Fatalf("CountSeason failed: %v", err)
	}
	if n != 10 {
		t.Errorf("expected 10 records, got %d", n)
	}
}

// ArchiveTestSuite runs conformance tests against archive and dead-letter stores.
type ArchiveTestSuite struct {
	NewArchive func(t *testing.T) interface {
		ArchiveStore
		DeadLetterStore
	}
}

// RunAllTests runs all archive tests.
func (s *ArchiveTestSuite) RunAllTests(t *testing.T) {
	t.Run("PutIdempotent", s.TestPutIdempotent)
	t.Run("FlagAndPurge", s.TestFlagAndPurge)
	t.Run("DeadLetters", s.TestDeadLetters)
}

func archived(owner, item, season string, at time.Time) schedule.ArchiveRecord {
	reviewed := at.Add(-time.Hour)
	return schedule.ArchiveRecord{
		MemoryRecord: testRecord(owner, item, season, at, reviewed),
		ArchivedAt:   at.UTC().Truncate(time.Second),
	}
}

// TestPutIdempotent verifies rewriting archive records does not duplicate them.
func (s *ArchiveTestSuite) TestPutIdempotent(t *testing.T) {
	store := s.NewArchive(t)
	ctx := context.Background()
	now := time.Now()

	batch := []schedule.ArchiveRecord{archived("U1", "A", "S1", now), archived("U1", "B", "S1", now), archived("U1", "A", "S2", now)}
	for i := 0; i < 2; i++ {
		if err := store.PutArchive(ctx, batch); err != nil {
			t.Fatalf("PutArchive failed: %v", err)
		}
	}

	n, err := store.CountArchive(ctx, "S1")
	if err != nil {
		t.Fatalf("CountArchive failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 archived in S1, got %d", n)
	}

	got, err := store.GetArchive(ctx, batch[1].Key())
	if err != nil {
		t.Fatalf("GetArchive failed: %v", err)
	}
	if got.ItemID != "B" || got.ArchivedAt.IsZero() {
		t.Errorf("unexpected archive record %+v", got)
	}

	list, err := store.ListArchive(ctx, "S1", 10)
	if err != nil {
		t.Fatalf("ListArchive failed: %v", err)
	}
	if len(list) != 2 || list[0].ItemID != "A" {
		t.Errorf("unexpected list %v", list)
	}
}

// TestFlagAndPurge verifies only old flagged records are purged.
func (s *ArchiveTestSuite) TestFlagAndPurge(t *testing.T) {
	store := s.NewArchive(t)
	ctx := context.Background()
	now := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)

	old := archived("U1", "A", "S1", now.AddDate(-4, 0, 0))
	recent := archived("U1", "B", "S1", now.AddDate(-1, 0, 0))
	if err := store.PutArchive(ctx, []schedule.ArchiveRecord{old, recent}); err != nil {
		t.Fatalf("PutArchive failed: %v", err)
	}

	flagged, err := store.FlagEligible(ctx, now.AddDate(-3, 0, 0))
	if err != nil {
		t.Fatalf("FlagEligible failed: %v", err)
	}
	if flagged != 1 {
		t.Errorf("expected 1 flagged, got %d", flagged)
	}

	again, err := store.FlagEligible(ctx, now.AddDate(-3, 0, 0))
	if err != nil {
		t.Fatalf("FlagEligible failed: %v", err)
	}
	if again != 0 {
		t.Errorf("expected re-flagging to be a no-op, got %d", again)
	}

	purged, err := store.PurgeEligible(ctx, "S1")
	if err != nil {
		t.Fatalf("PurgeEligible failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged, got %d", purged)
	}
	if _, err := store.GetArchive(ctx, recent.Key()); err != nil {
		t.Errorf("expected recent record to remain: %v", err)
	}
	if _, err := store.GetArchive(ctx, old.Key()); !IsNotFound(err) {
		t.Errorf("expected old record purged, got %v", err)
	}
}

// TestDeadLetters verifies dead-letter storage round trip.
func (s *ArchiveTestSuite) TestDeadLetters(t *testing.T) {
	store := s.NewArchive(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	dl := DeadLetter{
		ID:       "dl-1",
		Outcomes: []schedule.Outcome{{OwnerID: "U1", ItemID: "A", SeasonID: "S1", DueAt: now, ReviewedAt: now}},
		Error:    "boom",
		Attempts: 5,
		FailedAt: now,
	}
	if err := store.PutDeadLetter(ctx, dl); err != nil {
		t.Fatalf("PutDeadLetter failed: %v", err)
	}

	n, err := store.CountDeadLetters(ctx)
	if err != nil {
		t.Fatalf("CountDeadLetters failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 dead letter, got %d", n)
	}

	list, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(list) != 1 || len(list[0].Outcomes) != 1 || list[0].Error != "boom" {
		t.Errorf("unexpected dead letters %+v", list)
	}

	if err := store.DeleteDeadLetter(ctx, "dl-1"); err != nil {
		t.Fatalf("DeleteDeadLetter failed: %v", err)
	}
	if err := store.DeleteDeadLetter(ctx, "dl-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}
