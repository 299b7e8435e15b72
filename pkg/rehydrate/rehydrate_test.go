package rehydrate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goclaw/cadence/pkg/cache"
	cachemem "github.com/goclaw/cadence/pkg/cache/memory"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(owner, item string, due time.Time) schedule.MemoryRecord {
	reviewed := due.Add(-48 * time.Hour)
	return schedule.MemoryRecord{
		OwnerID: owner, ItemID: item, SeasonID: "S1",
		Stability: 3, NextReviewAt: due, LastReviewAt: &reviewed,
	}
}

func seed(t *testing.T, records ...schedule.MemoryRecord) *memory.MemoryStorage {
	t.Helper()
	store := memory.NewMemoryStorage()
	require.NoError(t, store.CreatePartition(context.Background(), "S1"))
	require.NoError(t, store.UpsertRecords(context.Background(), records))
	return store
}

// slowStore counts and optionally blocks RecordsFor.
type slowStore struct {
	*memory.MemoryStorage
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowStore) RecordsFor(ctx context.Context, key schedule.Key) ([]schedule.MemoryRecord, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.MemoryStorage.RecordsFor(ctx, key)
}

func TestRehydrate_LoadsOwnerInOrder(t *testing.T) {
	ctx := context.Background()
	store := seed(t,
		record("u2", "C", base.Add(-time.Minute)),
		record("u2", "A", base.Add(-time.Hour)),
		record("u2", "B", base.Add(-time.Hour)),
		record("u3", "X", base.Add(-time.Hour)),
	)
	idx := cachemem.New()
	r := New(idx, store, WithLogger(logger.Nop()))
	key := schedule.Key{OwnerID: "u2", SeasonID: "S1"}

	_, err := idx.DueItems(ctx, key, base, 10)
	require.ErrorIs(t, err, cache.ErrMiss)

	n, err := r.Rehydrate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := idx.DueItems(ctx, key, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, items)

	loaded, err := idx.Loaded(ctx, schedule.Key{OwnerID: "u3", SeasonID: "S1"})
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestRehydrate_EmptyOwnerIsLoaded(t *testing.T) {
	ctx := context.Background()
	idx := cachemem.New()
	r := New(idx, seed(t), WithLogger(logger.Nop()))
	key := schedule.Key{OwnerID: "nobody", SeasonID: "S1"}

	n, err := r.Rehydrate(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)

	items, err := idx.DueItems(ctx, key, base, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRehydrate_KeepsNewerCachedWrites(t *testing.T) {
	ctx := context.Background()
	store := seed(t, record("u1", "A", base.Add(-time.Hour)))
	idx := cachemem.New()
	key := schedule.Key{OwnerID: "u1", SeasonID: "S1"}
	// A write that reached the cache but not yet the store.
	require.NoError(t, idx.Upsert(ctx, key, "A", base.Add(24*time.Hour)))

	_, err := New(idx, store, WithLogger(logger.Nop())).Rehydrate(ctx, key)
	require.NoError(t, err)

	items, err := idx.DueItems(ctx, key, base, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRehydrate_CollapsesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	store := &slowStore{MemoryStorage: seed(t, record("u1", "A", base)), release: make(chan struct{})}
	r := New(cachemem.New(), store, WithLogger(logger.Nop()))
	key := schedule.Key{OwnerID: "u1", SeasonID: "S1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := r.Rehydrate(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
		}()
	}
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
}

func TestRehydrate_CacheDown(t *testing.T) {
	idx := cachemem.New()
	idx.SetDown(true)
	r := New(idx, seed(t, record("u1", "A", base)), WithLogger(logger.Nop()))

	_, err := r.Rehydrate(context.Background(), schedule.Key{OwnerID: "u1", SeasonID: "S1"})
	require.Error(t, err)
	assert.True(t, cache.IsUnreachable(err))
}

func TestRebuildSeason_PagesWithoutSplittingOwners(t *testing.T) {
	ctx := context.Background()
	var records []schedule.MemoryRecord
	for o := 0; o < 5; o++ {
		for i := 0; i < 3; i++ {
			records = append(records, record(fmt.Sprintf("u%d", o), fmt.Sprintf("i%d", i), base.Add(-time.Duration(i)*time.Minute)))
		}
	}
	store := seed(t, records...)
	idx := cachemem.New()
	r := New(idx, store, WithPageSize(4), WithLogger(logger.Nop()))

	var reports []Progress
	p, err := r.RebuildSeason(ctx, "S1", func(p Progress) { reports = append(reports, p) })
	require.NoError(t, err)

	assert.Equal(t, 5, p.Owners)
	assert.Equal(t, int64(15), p.Records)
	assert.Equal(t, int64(15), p.Total)
	assert.InDelta(t, 100.0, p.Percent, 0.001)
	assert.True(t, p.Done)
	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i].Percent, reports[i-1].Percent)
	}

	for o := 0; o < 5; o++ {
		items, err := idx.DueItems(ctx, schedule.Key{OwnerID: fmt.Sprintf("u%d", o), SeasonID: "S1"}, base, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"i2", "i1", "i0"}, items)
	}
}

func TestRebuildSeason_OwnerLargerThanPage(t *testing.T) {
	ctx := context.Background()
	var records []schedule.MemoryRecord
	for i := 0; i < 10; i++ {
		records = append(records, record("big", fmt.Sprintf("i%02d", i), base.Add(-time.Hour)))
	}
	records = append(records, record("small", "x", base.Add(-time.Hour)))
	idx := cachemem.New()
	r := New(idx, seed(t, records...), WithPageSize(3), WithLogger(logger.Nop()))

	p, err := r.RebuildSeason(ctx, "S1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Owners)

	items, err := idx.DueItems(ctx, schedule.Key{OwnerID: "big", SeasonID: "S1"}, base, 100)
	require.NoError(t, err)
	assert.Len(t, items, 10)
}

func TestRebuildSeason_EmptySeason(t *testing.T) {
	r := New(cachemem.New(), seed(t), WithLogger(logger.Nop()))
	p, err := r.RebuildSeason(context.Background(), "S1", nil)
	require.NoError(t, err)
	assert.Zero(t, p.Owners)
	assert.InDelta(t, 100.0, p.Percent, 0.001)
}

func TestRebuildSeason_InvalidSeason(t *testing.T) {
	r := New(cachemem.New(), seed(t), WithLogger(logger.Nop()))
	_, err := r.RebuildSeason(context.Background(), "bad season!", nil)
	assert.True(t, schedule.IsValidationError(err))
}

func TestSplitTrailingOwner(t *testing.T) {
	recs := []schedule.MemoryRecord{record("a", "1", base), record("b", "1", base), record("b", "2", base)}
	ready, held := splitTrailingOwner(recs)
	assert.Len(t, ready, 1)
	assert.Len(t, held, 2)

	ready, held = splitTrailingOwner(recs[1:])
	assert.Empty(t, ready)
	assert.Len(t, held, 2)
}
