package memory

import (
	"context"
	"testing"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

func TestMemoryStorage_Conformance(t *testing.T) {
	suite := &storage.StoreTestSuite{
		NewStore: func(t *testing.T) storage.Store {
			return NewMemoryStorage()
		},
	}
	suite.RunAllTests(t)
}

func TestMemoryStorage_ArchiveConformance(t *testing.T) {
	suite := &storage.ArchiveTestSuite{
		NewArchive: func(t *testing.T) interface {
			storage.ArchiveStore
			storage.DeadLetterStore
		} {
			return NewMemoryStorage()
		},
	}
	suite.RunAllTests(t)
}

func TestMemoryStorage_DeepCopy(t *testing.T) {
	m := NewMemoryStorage()
	ctx := context.Background()
	if err := m.CreatePartition(ctx, "S1"); err != nil {
		t.Fatalf("CreatePartition failed: %v", err)
	}

	reviewed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := schedule.MemoryRecord{OwnerID: "U1", ItemID: "A", SeasonID: "S1", NextReviewAt: reviewed, LastReviewAt: &reviewed}
	if err := m.UpsertRecords(ctx, []schedule.MemoryRecord{r}); err != nil {
		t.Fatalf("UpsertRecords failed: %v", err)
	}

	got, err := m.GetRecord(ctx, r.Key())
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	*got.LastReviewAt = reviewed.Add(time.Hour)

	again, err := m.GetRecord(ctx, r.Key())
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !again.LastReviewAt.Equal(reviewed) {
		t.Error("expected stored record to be isolated from caller mutations")
	}
}
