package badger

import (
	"context"
	"testing"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

func newTestStorage(t *testing.T) *BadgerStorage {
	t.Helper()
	config := &Config{
		Path:              t.TempDir(),
		SyncWrites:        false,
		ValueLogFileSize:  1 << 20,
		NumVersionsToKeep: 1,
	}

	db, err := NewBadgerStorage(config)
	if err != nil {
		t.Fatalf("Failed to create BadgerStorage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestBadgerArchiveSuite runs the archive conformance suite against BadgerStorage.
func TestBadgerArchiveSuite(t *testing.T) {
	suite := &storage.ArchiveTestSuite{
		NewArchive: func(t *testing.T) interface {
			storage.ArchiveStore
			storage.DeadLetterStore
		} {
			return newTestStorage(t)
		},
	}
	suite.RunAllTests(t)
}

func TestBadgerStorage_InMemory(t *testing.T) {
	db, err := NewBadgerStorage(&Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create in-memory BadgerStorage: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	rec := schedule.ArchiveRecord{
		MemoryRecord: schedule.MemoryRecord{OwnerID: "U1", ItemID: "A", SeasonID: "S1", NextReviewAt: now},
		ArchivedAt:   now,
	}
	if err := db.PutArchive(ctx, []schedule.ArchiveRecord{rec}); err != nil {
		t.Fatalf("PutArchive failed: %v", err)
	}

	n, err := db.CountArchive(ctx, "S1")
	if err != nil {
		t.Fatalf("CountArchive failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
}

func TestBadgerStorage_SeasonPrefixIsolation(t *testing.T) {
	db := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// "S1" must not match records of "S10".
	recs := []schedule.ArchiveRecord{
		{MemoryRecord: schedule.MemoryRecord{OwnerID: "U1", ItemID: "A", SeasonID: "S1"}, ArchivedAt: now},
		{MemoryRecord: schedule.MemoryRecord{OwnerID: "U1", ItemID: "A", SeasonID: "S10"}, ArchivedAt: now},
	}
	if err := db.PutArchive(ctx, recs); err != nil {
		t.Fatalf("PutArchive failed: %v", err)
	}

	n, err := db.CountArchive(ctx, "S1")
	if err != nil {
		t.Fatalf("CountArchive failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record in S1, got %d", n)
	}
}
