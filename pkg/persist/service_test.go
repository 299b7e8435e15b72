package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
	"github.com/goclaw/cadence/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first failures upserts.
type flakyStore struct {
	*memory.MemoryStorage
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) UpsertRecords(ctx context.Context, records []schedule.MemoryRecord) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return &storage.StorageUnavailableError{Cause: errors.New("connection reset")}
	}
	return f.MemoryStorage.UpsertRecords(ctx, records)
}

type recordingTelemetry struct {
	mu       sync.Mutex
	statuses []string
	dead     int
	rejected int
}

func (r *recordingTelemetry) SetQueueDepth(int64) {}
func (r *recordingTelemetry) RecordBatch(_ context.Context, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}
func (r *recordingTelemetry) SetDeadLetters(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = n
}
func (r *recordingTelemetry) RecordEnqueueRejected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

func (r *recordingTelemetry) count(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if s == status {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.FlushInterval = 5 * time.Millisecond
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 4 * time.Millisecond
	cfg.Retry.MaxAttempts = 3
	return cfg
}

func newStore(t *testing.T, seasons ...string) *flakyStore {
	t.Helper()
	mem := memory.NewMemoryStorage()
	for _, s := range seasons {
		require.NoError(t, mem.CreatePartition(context.Background(), s))
	}
	return &flakyStore{MemoryStorage: mem}
}

func newService(t *testing.T, q Queue, store *flakyStore, tel Telemetry) *Service {
	t.Helper()
	svc, err := New(q, store, store.MemoryStorage, testConfig(),
		WithLogger(logger.Nop()), WithTelemetry(tel))
	require.NoError(t, err)
	return svc
}

func TestNew_Validation(t *testing.T) {
	store := newStore(t)
	q := NewChannelQueue(1)

	_, err := New(nil, store, store.MemoryStorage, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Workers = 0
	_, err = New(q, store, store.MemoryStorage, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Retry.Multiplier = 0.5
	_, err = New(q, store, store.MemoryStorage, cfg)
	assert.Error(t, err)
}

func TestRetryPolicy_Next(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 200 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 400*time.Millisecond, p.next(200*time.Millisecond))
	assert.Equal(t, 800*time.Millisecond, p.next(400*time.Millisecond))
	assert.Equal(t, time.Second, p.next(800*time.Millisecond))
}

func TestService_RunPersistsAndClearsMarkers(t *testing.T) {
	store := newStore(t, "S1")
	q := NewChannelQueue(100)
	tel := &recordingTelemetry{}
	svc := newService(t, q, store, tel)
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.NoError(t, svc.Enqueue(ctx, []schedule.Outcome{
		outcome("u1", "a", "S1", due),
		outcome("u1", "b", "S1", due.Add(time.Hour)),
	}))

	require.Eventually(t, func() bool {
		n, _ := store.CountSeason(context.Background(), "S1")
		return n == 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		markers, _ := store.ListDirty(context.Background(), schedule.ReasonInFlight, 0)
		return len(markers) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, tel.count("applied"), 1)
}

func TestService_RetriesTransientFailures(t *testing.T) {
	store := newStore(t, "S1")
	store.failures.Store(2)
	tel := &recordingTelemetry{}
	svc := newService(t, NewChannelQueue(10), store, tel)

	err := svc.applyBatch(context.Background(), []schedule.Outcome{outcome("u1", "a", "S1", time.Now())})
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, 2, tel.count("retried"))
	assert.Equal(t, 1, tel.count("applied"))
}

func TestService_DeadLettersAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "S1")
	store.failures.Store(100)
	tel := &recordingTelemetry{}
	svc := newService(t, NewChannelQueue(10), store, tel)

	batch := []schedule.Outcome{outcome("u1", "a", "S1", time.Now()), outcome("u2", "b", "S1", time.Now())}
	err := svc.applyBatch(ctx, batch)
	require.Error(t, err)
	require.True(t, IsWriteFailure(err))

	var wf *WriteFailureError
	require.ErrorAs(t, err, &wf)
	assert.Equal(t, 3, wf.Attempts)
	assert.NotEmpty(t, wf.DeadLetterID)
	assert.Equal(t, int32(3), store.calls.Load())

	dls, err := store.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, wf.DeadLetterID, dls[0].ID)
	assert.Len(t, dls[0].Outcomes, 2)

	markers, err := store.ListDirty(ctx, schedule.ReasonDeadLetter, 0)
	require.NoError(t, err)
	assert.Len(t, markers, 2)
	assert.Equal(t, 1, tel.dead)
	assert.Equal(t, 1, tel.count("dead_lettered"))
}

func TestService_MissingPartitionIsNotRetried(t *testing.T) {
	store := newStore(t)
	svc := newService(t, NewChannelQueue(10), store, nil)

	err := svc.applyBatch(context.Background(), []schedule.Outcome{outcome("u1", "a", "S9", time.Now())})
	require.Error(t, err)
	assert.True(t, storage.IsPartitionMissing(err))
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestService_ReclaimablePartitionDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "S1")
	require.NoError(t, store.MarkPartitionReclaimable(ctx, "S1"))
	svc := newService(t, NewChannelQueue(10), store, nil)

	err := svc.applyBatch(ctx, []schedule.Outcome{outcome("u1", "a", "S1", time.Now())})
	require.Error(t, err)
	assert.True(t, IsWriteFailure(err))
	assert.Equal(t, int32(1), store.calls.Load())

	n, err := store.CountSeason(ctx, "S1")
	require.NoError(t, err)
	assert.Zero(t, n)
	dead, err := svc.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
}

func TestService_KeepsMarkerOfLaterSubmit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "S1")
	svc := newService(t, NewChannelQueue(10), store, nil)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first := outcome("u1", "a", "S1", t0)
	first.QueuedAt = t0
	second := outcome("u1", "b", "S1", t0)
	second.QueuedAt = t0.Add(time.Minute)

	// Both submits marked the pair; only the first has been dequeued.
	require.NoError(t, store.MarkDirty(ctx, schedule.Markers([]schedule.Outcome{first, second}, schedule.ReasonInFlight, t0)))
	require.NoError(t, svc.applyBatch(ctx, []schedule.Outcome{first}))

	markers, err := store.ListDirty(ctx, schedule.ReasonInFlight, 0)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].MarkedAt.Equal(second.QueuedAt))

	require.NoError(t, svc.applyBatch(ctx, []schedule.Outcome{second}))
	markers, err = store.ListDirty(ctx, schedule.ReasonInFlight, 0)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestService_ReplayDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "S1")
	store.failures.Store(3)
	svc := newService(t, NewChannelQueue(10), store, nil)

	require.Error(t, svc.applyBatch(ctx, []schedule.Outcome{outcome("u1", "a", "S1", time.Now())}))
	n, err := svc.DeadLetters(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := svc.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Records)

	n, err = svc.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := store.GetRecord(ctx, schedule.RecordKey{OwnerID: "u1", ItemID: "a", SeasonID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ItemID)

	markers, err := store.ListDirty(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestService_EnqueueRejectedReturnsPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "S1")
	tel := &recordingTelemetry{}
	svc := newService(t, NewChannelQueue(1), store, tel)

	batch := []schedule.Outcome{
		outcome("u1", "a", "S1", time.Now()),
		outcome("u1", "b", "S1", time.Now()),
		outcome("u1", "c", "S1", time.Now()),
	}
	err := svc.Enqueue(ctx, batch)
	require.Error(t, err)

	var ee *EnqueueError
	require.ErrorAs(t, err, &ee)
	assert.True(t, IsQueueFull(err))
	require.Len(t, ee.Pending, 2)
	assert.Equal(t, "b", ee.Pending[0].ItemID)
	assert.Equal(t, 1, tel.rejected)

	require.NoError(t, svc.ApplySync(ctx, ee.Pending, ""))
	n, err := store.CountSeason(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestService_ApplySyncDegradedMarks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "S1")
	svc := newService(t, NewChannelQueue(1), store, nil)

	require.NoError(t, svc.ApplySync(ctx, []schedule.Outcome{outcome("u1", "a", "S1", time.Now())}, schedule.ReasonDegraded))

	markers, err := store.ListDirty(ctx, schedule.ReasonDegraded, 0)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, schedule.Key{OwnerID: "u1", SeasonID: "S1"}, markers[0].Pair())
}

func TestService_DrainsLocalQueueOnShutdown(t *testing.T) {
	store := newStore(t, "S1")
	q := NewChannelQueue(100)
	svc := newService(t, q, store, nil)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(ctx, outcome("u1", string(rune('a'+i)), "S1", time.Now())))
	}
	cancel()
	require.NoError(t, svc.Run(ctx))

	n, err := store.CountSeason(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}
