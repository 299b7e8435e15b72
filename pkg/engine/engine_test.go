package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goclaw/cadence/pkg/archive"
	cachemem "github.com/goclaw/cadence/pkg/cache/memory"
	"github.com/goclaw/cadence/pkg/lease"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/partition"
	"github.com/goclaw/cadence/pkg/persist"
	"github.com/goclaw/cadence/pkg/reconcile"
	"github.com/goclaw/cadence/pkg/rehydrate"
	"github.com/goclaw/cadence/pkg/safemode"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  *memory.MemoryStorage
	index  *cachemem.Index
	queue  *persist.ChannelQueue
	safe   *safemode.Manager
}

func newHarness(t *testing.T, queueCapacity int) *harness {
	t.Helper()
	nop := logger.Nop()
	h := &harness{
		store: memory.NewMemoryStorage(),
		index: cachemem.New(),
		queue: persist.NewChannelQueue(queueCapacity),
	}
	leases := lease.NewMemoryManager()
	parts := partition.New(h.store, nop)

	pcfg := persist.DefaultConfig()
	pcfg.Workers = 1
	pcfg.FlushInterval = 5 * time.Millisecond
	pcfg.Retry.InitialBackoff = time.Millisecond
	clock := func() time.Time { return baseTime }
	persister, err := persist.New(h.queue, h.store, h.store, pcfg, persist.WithLogger(nop), persist.WithClock(clock))
	require.NoError(t, err)

	reconciler, err := reconcile.New(h.index, h.store, leases, reconcile.DefaultConfig(),
		reconcile.WithLogger(nop), reconcile.WithClock(clock))
	require.NoError(t, err)

	archiver, err := archive.New(h.store, h.store, h.index, parts, leases, archive.DefaultConfig(), archive.WithLogger(nop))
	require.NoError(t, err)

	h.safe = safemode.New(safemode.DefaultConfig(), h.index, safemode.WithLogger(nop))

	cfg := DefaultConfig()
	cfg.ReconcileEnabled = false
	cfg.ArchiveEnabled = false
	h.engine, err = New(cfg, Components{
		Index:      h.index,
		Store:      h.store,
		Partitions: parts,
		Rehydrator: rehydrate.New(h.index, h.store, rehydrate.WithLogger(nop)),
		Persister:  persister,
		Reconciler: reconciler,
		Archiver:   archiver,
		SafeMode:   h.safe,
	}, WithLogger(nop), WithClock(clock))
	require.NoError(t, err)

	_, err = h.engine.CreateSeason(context.Background(), SeasonInput{ID: "S1", Start: baseTime.AddDate(0, -1, 0), End: baseTime.AddDate(0, 2, 0)})
	require.NoError(t, err)
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		batch, err := h.queue.Dequeue(ctx, "test", 1000, 0)
		require.NoError(t, err)
		if len(batch) == 0 {
			return
		}
		require.NoError(t, h.store.UpsertRecords(ctx, records(batch)))
	}
}

func records(outcomes []schedule.Outcome) []schedule.MemoryRecord {
	out := make([]schedule.MemoryRecord, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Record()
	}
	return out
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Components{})
	assert.Error(t, err)
}

func TestScenario_DueItemsReturnsOnlyPastDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{
		{ItemID: "A", SeasonID: "S1", DueAt: baseTime.Add(-100 * time.Second), Stability: 1},
		{ItemID: "B", SeasonID: "S1", DueAt: baseTime.Add(100 * time.Second), Stability: 1},
		{ItemID: "C", SeasonID: "S1", DueAt: baseTime.Add(200 * time.Second), Stability: 1},
	}))
	// A brand new owner is loaded on first read.
	res, err := h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Items)
	assert.False(t, res.Degraded)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestScenario_MissRehydratesOnSameCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	reviewed := baseTime.Add(-72 * time.Hour)
	require.NoError(t, h.store.UpsertRecords(ctx, []schedule.MemoryRecord{
		{OwnerID: "U2", ItemID: "z", SeasonID: "S1", NextReviewAt: baseTime.Add(-time.Hour), LastReviewAt: &reviewed},
		{OwnerID: "U2", ItemID: "x", SeasonID: "S1", NextReviewAt: baseTime.Add(-3 * time.Hour), LastReviewAt: &reviewed},
		{OwnerID: "U2", ItemID: "y", SeasonID: "S1", NextReviewAt: baseTime.Add(-2 * time.Hour), LastReviewAt: &reviewed},
	}))

	res, err := h.engine.GetDueItems(ctx, "U2", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, res.Items)

	loaded, err := h.index.Loaded(ctx, schedule.Key{OwnerID: "U2", SeasonID: "S1"})
	require.NoError(t, err)
	assert.True(t, loaded)
}

func TestDueItems_TieBreakByItemID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	due := baseTime.Add(-time.Minute)
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{
		{ItemID: "m", SeasonID: "S1", DueAt: due},
		{ItemID: "b", SeasonID: "S1", DueAt: due},
		{ItemID: "k", SeasonID: "S1", DueAt: due},
	}))
	res, err := h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "k"}, res.Items)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	err := h.engine.SubmitOutcomes(ctx, "", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime}})
	assert.True(t, schedule.IsValidationError(err))

	err = h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1"}})
	assert.True(t, schedule.IsValidationError(err))

	err = h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S9", DueAt: baseTime}})
	assert.ErrorIs(t, err, partition.ErrUnavailable)

	_, err = h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 0)
	assert.True(t, schedule.IsValidationError(err))
}

func TestSubmit_QueueFullWritesSynchronously(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{
		{ItemID: "A", SeasonID: "S1", DueAt: baseTime},
		{ItemID: "B", SeasonID: "S1", DueAt: baseTime},
		{ItemID: "C", SeasonID: "S1", DueAt: baseTime},
	}))

	n, err := h.store.CountSeason(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	in := []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime.Add(time.Hour), Stability: 2, ReviewedAt: baseTime}}

	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", in))
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", in))
	h.drain(t)

	n, err := h.store.CountSeason(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rec, err := h.store.GetRecord(ctx, schedule.RecordKey{OwnerID: "U1", ItemID: "A", SeasonID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, rec.Stability)
}

func TestDegraded_WritesThroughAndReadsFromStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	h.index.SetDown(true)
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{
		{ItemID: "A", SeasonID: "S1", DueAt: baseTime.Add(-time.Minute)},
	}))
	assert.True(t, h.safe.Degraded())

	markers, err := h.store.ListDirty(ctx, schedule.ReasonDegraded, 0)
	require.NoError(t, err)
	require.Len(t, markers, 1)

	res, err := h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"A"}, res.Items)

	// The owner has used its single degraded request for this window.
	_, err = h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.Error(t, err)
	assert.True(t, safemode.IsRateLimited(err))

	res, err = h.engine.GetDueItems(ctx, "U3", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Items)

	_, err = h.engine.TriggerReconciliation(ctx, 10)
	assert.ErrorIs(t, err, ErrDegraded)
}

func TestDegraded_TripOnReadServesFromStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	reviewed := baseTime.Add(-time.Hour)
	require.NoError(t, h.store.UpsertRecords(ctx, []schedule.MemoryRecord{
		{OwnerID: "U1", ItemID: "A", SeasonID: "S1", NextReviewAt: baseTime.Add(-time.Minute), LastReviewAt: &reviewed},
	}))

	h.index.SetDown(true)
	res, err := h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"A"}, res.Items)
	require.Len(t, h.engine.SafeModeHistory(ctx), 1)
}

func TestRecovery_InvalidatesDegradedPairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime.Add(time.Hour)}}))
	h.drain(t)
	_, err := h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)

	h.index.SetDown(true)
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime.Add(-time.Hour)}}))
	require.True(t, h.safe.Degraded())

	h.index.SetDown(false)
	require.NoError(t, h.safe.Check(ctx))
	assert.False(t, h.safe.Degraded())

	markers, err := h.store.ListDirty(ctx, schedule.ReasonDegraded, 0)
	require.NoError(t, err)
	assert.Empty(t, markers)

	res, err := h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"A"}, res.Items)

	history := h.engine.SafeModeHistory(ctx)
	require.Len(t, history, 2)
	assert.Equal(t, safemode.Degraded, history[0].To)
	assert.Equal(t, safemode.Normal, history[1].To)
}

func TestSafeModeFromContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	other := safemode.New(safemode.DefaultConfig(), h.index, safemode.WithLogger(logger.Nop()))
	other.Trip(ctx, "test")

	res, err := h.engine.GetDueItems(safemode.NewContext(ctx, other), "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.False(t, h.safe.Degraded())
}

func TestGetCacheHealth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime}}))

	health, err := h.engine.GetCacheHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.Reachable)
	assert.Equal(t, "normal", health.Mode)
	assert.Equal(t, int64(1), health.QueueDepth)
	assert.Nil(t, health.LastReconciliation)

	h.drain(t)
	_, err = h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	_, err = h.engine.TriggerReconciliation(ctx, 100)
	require.NoError(t, err)

	h.index.SetDown(true)
	health, err = h.engine.GetCacheHealth(ctx)
	require.NoError(t, err)
	assert.False(t, health.Reachable)
	assert.Zero(t, health.MismatchRate)
	require.NotNil(t, health.LastReconciliation)
}

func TestSeasonLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime}}))
	h.drain(t)

	_, err := h.engine.ArchiveSeason(ctx, "S1", true)
	assert.ErrorIs(t, err, archive.ErrSeasonActive)

	s, err := h.engine.DeactivateSeason(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, s.IsActive)

	res, err := h.engine.ArchiveSeason(ctx, "S1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)

	err = h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "B", SeasonID: "S1", DueAt: baseTime}})
	assert.ErrorIs(t, err, partition.ErrUnavailable)

	require.NoError(t, h.engine.ReclaimPartition(ctx, "S1"))
	parts, err := h.engine.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestDeactivateSeason_RefusesNewOutcomes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime}}))

	_, err := h.engine.DeactivateSeason(ctx, "S1")
	require.NoError(t, err)

	err = h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "B", SeasonID: "S1", DueAt: baseTime}})
	assert.ErrorIs(t, err, partition.ErrUnavailable)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "only the outcome submitted before deactivation is queued")

	// A second deactivation still closes the live set.
	_, err = h.engine.DeactivateSeason(ctx, "S1")
	require.NoError(t, err)
}

func TestArchiveSeason_QueuedOutcomeAfterArchiveIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: baseTime}}))
	_, err := h.engine.DeactivateSeason(ctx, "S1")
	require.NoError(t, err)

	res, err := h.engine.ArchiveSeason(ctx, "S1", true)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusArchived, res.Status)
	assert.Zero(t, res.Moved)

	// The worker picks up the outcome queued before deactivation.
	require.NoError(t, h.engine.Start(ctx))
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(stopCtx))

	n, err := h.store.CountSeason(ctx, "S1")
	require.NoError(t, err)
	assert.Zero(t, n, "the archived partition stays empty")

	dls, err := h.store.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Len(t, dls[0].Outcomes, 1)
	assert.Equal(t, "A", dls[0].Outcomes[0].ItemID)
	assert.Equal(t, 1, dls[0].Attempts)

	res, err = h.engine.ArchiveSeason(ctx, "S1", true)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusAlreadyArchived, res.Status)

	require.NoError(t, h.engine.ReclaimPartition(ctx, "S1"))
}

func TestReconcile_DefersPairWithQueuedOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}
	reviewed := baseTime.Add(-time.Hour)
	require.NoError(t, h.store.UpsertRecords(ctx, []schedule.MemoryRecord{
		{OwnerID: "U1", ItemID: "A", SeasonID: "S1", NextReviewAt: baseTime.Add(-100 * time.Second), LastReviewAt: &reviewed},
	}))

	res, err := h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, res.Items)

	later := baseTime.Add(time.Hour)
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{{ItemID: "A", SeasonID: "S1", DueAt: later, Stability: 2}}))
	res, err = h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	// The store still holds the old due time while the outcome is queued.
	report, err := h.engine.TriggerReconciliation(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, report.MismatchCount())
	assert.Zero(t, report.Corrected)
	assert.Equal(t, 1, report.Deferred)

	score, found, err := h.index.Score(ctx, key, "A")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, score.Equal(later), "cached due time %s was overwritten", score)

	res, err = h.engine.GetDueItems(ctx, "U1", "S1", baseTime, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	require.NoError(t, h.engine.Start(ctx))
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(stopCtx))

	markers, err := h.store.ListDirty(ctx, schedule.ReasonInFlight, 0)
	require.NoError(t, err)
	assert.Empty(t, markers, "the landed write clears its marker")

	report, err = h.engine.TriggerReconciliation(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, report.Deferred)
	assert.Equal(t, 1, report.Sampled)
	assert.Zero(t, report.MismatchCount())
}

func TestSubmit_MarksPairsInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{
		{ItemID: "A", SeasonID: "S1", DueAt: baseTime},
		{ItemID: "B", SeasonID: "S1", DueAt: baseTime},
	}))

	markers, err := h.store.ListDirty(ctx, schedule.ReasonInFlight, 0)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, schedule.Key{OwnerID: "U1", SeasonID: "S1"}, markers[0].Pair())
	assert.True(t, markers[0].MarkedAt.Equal(baseTime))
}

func TestCreateSeason_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	_, err := h.engine.CreateSeason(ctx, SeasonInput{ID: "bad id", Start: baseTime, End: baseTime.Add(time.Hour)})
	assert.True(t, schedule.IsValidationError(err))

	_, err = h.engine.CreateSeason(ctx, SeasonInput{ID: "S2", Start: baseTime, End: baseTime})
	assert.True(t, schedule.IsValidationError(err))

	active := true
	seasons, err := h.engine.ListSeasons(ctx, &active)
	require.NoError(t, err)
	assert.Len(t, seasons, 1)
}

func TestStartStopDrainsQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	require.NoError(t, h.engine.Start(ctx))
	assert.Equal(t, StateRunning, h.engine.State())
	assert.Error(t, h.engine.Start(ctx))

	require.NoError(t, h.engine.SubmitOutcomes(ctx, "U1", []OutcomeInput{
		{ItemID: "A", SeasonID: "S1", DueAt: baseTime},
		{ItemID: "B", SeasonID: "S1", DueAt: baseTime},
	}))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(stopCtx))
	assert.Equal(t, StateStopped, h.engine.State())

	n, err := h.store.CountSeason(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSyncWriteError(t *testing.T) {
	err := &SyncWriteError{Outcomes: 3, Cause: errors.New("boom")}
	assert.Contains(t, err.Error(), "3 outcomes")
	assert.ErrorContains(t, errors.Unwrap(err), "boom")
}
