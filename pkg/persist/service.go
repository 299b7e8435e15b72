// Package persist moves scheduling outcomes from the request path into the
// durable store asynchronously, in batches, with bounded retries and a
// dead-letter set for batches that cannot be written.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
	"github.com/goclaw/cadence/pkg/telemetry/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// RetryPolicy is a bounded exponential backoff schedule.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxAttempts    int
}

func (p RetryPolicy) next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.MaxBackoff {
		return p.MaxBackoff
	}
	return next
}

// Config configures a Service.
type Config struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	Retry         RetryPolicy
	// Consumer prefixes the per-worker queue consumer names and must be
	// stable across restarts of the same instance.
	Consumer      string
	DepthInterval time.Duration
}

// DefaultConfig returns four workers, batches of 500 and a 200ms to 10s
// backoff over five attempts.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		BatchSize:     500,
		FlushInterval: 100 * time.Millisecond,
		Retry: RetryPolicy{
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			MaxAttempts:    5,
		},
		Consumer:      "cadence",
		DepthInterval: 5 * time.Second,
	}
}

// Store is the durable surface the service writes to.
type Store interface {
	UpsertRecords(ctx context.Context, records []schedule.MemoryRecord) error
	storage.DirtyMarkerStore
}

// Telemetry receives persistence signals.
type Telemetry interface {
	SetQueueDepth(depth int64)
	RecordBatch(ctx context.Context, status string, duration time.Duration)
	SetDeadLetters(n int)
	RecordEnqueueRejected()
}

type nopTelemetry struct{}

func (nopTelemetry) SetQueueDepth(int64)                                {}
func (nopTelemetry) RecordBatch(context.Context, string, time.Duration) {}
func (nopTelemetry) SetDeadLetters(int)                                 {}
func (nopTelemetry) RecordEnqueueRejected()                             {}

// Service runs the persistence workers.
type Service struct {
	queue     Queue
	store     Store
	dead      storage.DeadLetterStore
	cfg       Config
	log       logger.Logger
	telemetry Telemetry
	nowFn     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTelemetry reports batches and queue depth to t.
func WithTelemetry(t Telemetry) Option {
	return func(s *Service) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.nowFn = now
	}
}

// New creates a Service.
func New(queue Queue, store Store, dead storage.DeadLetterStore, cfg Config, opts ...Option) (*Service, error) {
	if queue == nil || store == nil || dead == nil {
		return nil, fmt.Errorf("persist: queue, store and dead-letter store are required")
	}
	if cfg.Workers <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("persist: workers and batch size must be positive")
	}
	if cfg.Retry.MaxAttempts <= 0 || cfg.Retry.InitialBackoff <= 0 || cfg.Retry.Multiplier < 1 {
		return nil, fmt.Errorf("persist: invalid retry policy")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = DefaultConfig().DepthInterval
	}
	s := &Service{
		queue:     queue,
		store:     store,
		dead:      dead,
		cfg:       cfg,
		log:       logger.Global(),
		telemetry: nopTelemetry{},
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Component(s.log, "persist")
	return s, nil
}

// Enqueue queues outcomes for asynchronous writing without blocking. If the
// queue rejects any of them, the returned *EnqueueError lists the outcomes
// the caller must write with ApplySync.
func (s *Service) Enqueue(ctx context.Context, outcomes []schedule.Outcome) error {
	for i, o := range outcomes {
		if err := s.queue.Enqueue(ctx, o); err != nil {
			s.telemetry.RecordEnqueueRejected()
			return &EnqueueError{Pending: outcomes[i:], Cause: err}
		}
	}
	return nil
}

// Depth returns the number of queued outcomes.
func (s *Service) Depth(ctx context.Context) (int64, error) {
	return s.queue.Depth(ctx)
}

// DeadLetters returns the number of stored dead-letter batches.
func (s *Service) DeadLetters(ctx context.Context) (int, error) {
	return s.dead.CountDeadLetters(ctx)
}

// Run starts the workers and blocks until ctx is cancelled. In-process
// queues are drained before Run returns.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		consumer := s.cfg.Consumer + "-" + strconv.Itoa(i)
		g.Go(func() error { return s.worker(gctx, consumer) })
	}
	g.Go(func() error {
		s.reportDepth(gctx)
		return nil
	})
	return g.Wait()
}

func (s *Service) worker(ctx context.Context, consumer string) error {
	if rq, ok := s.queue.(requeuer); ok {
		n, err := rq.Requeue(ctx, consumer)
		if err != nil {
			s.log.WarnContext(ctx, "requeue of unacknowledged outcomes failed", "consumer", consumer, "error", err)
		} else if n > 0 {
			s.log.InfoContext(ctx, "requeued unacknowledged outcomes", "consumer", consumer, "count", n)
		}
	}

	for {
		if ctx.Err() != nil {
			s.drain(consumer)
			return nil
		}
		batch, err := s.queue.Dequeue(ctx, consumer, s.cfg.BatchSize, s.cfg.FlushInterval)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.log.WarnContext(ctx, "dequeue failed", "consumer", consumer, "error", err)
			sleep(ctx, s.cfg.FlushInterval)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		s.process(context.WithoutCancel(ctx), consumer, batch)
	}
}

// drain empties an in-process queue after shutdown so nothing buffered is lost.
func (s *Service) drain(consumer string) {
	if lq, ok := s.queue.(localQueue); !ok || !lq.Local() {
		return
	}
	ctx := context.Background()
	for {
		batch, err := s.queue.Dequeue(ctx, consumer, s.cfg.BatchSize, 0)
		if err != nil || len(batch) == 0 {
			return
		}
		s.process(ctx, consumer, batch)
	}
}

func (s *Service) process(ctx context.Context, consumer string, batch []schedule.Outcome) {
	_ = s.applyBatch(ctx, batch)
	if err := s.queue.Ack(ctx, consumer); err != nil {
		s.log.WarnContext(ctx, "ack failed; batch will be redelivered", "consumer", consumer, "error", err)
	}
}

// applyBatch writes one batch with retries, dead-lettering it on exhaustion.
func (s *Service) applyBatch(ctx context.Context, batch []schedule.Outcome) (err error) {
	start := s.nowFn()
	// Markers come from the raw batch so each pair keeps its latest queue time.
	markers := schedule.Markers(batch, schedule.ReasonInFlight, start)
	batch = schedule.Dedupe(batch)
	ctx, span := tracing.Start(ctx, "persist.batch", attribute.Int("outcomes", len(batch)))
	defer func() { tracing.End(span, err) }()

	pairs := schedule.Pairs(batch)
	attempts, err := s.writeWithRetry(ctx, batch, markers)
	if err != nil {
		return s.deadLetter(ctx, batch, pairs, attempts, start, err)
	}

	if err := s.clearInFlight(ctx, markers); err != nil {
		s.log.WarnContext(ctx, "clearing in-flight markers failed", "pairs", len(pairs), "error", err)
	}
	s.telemetry.RecordBatch(ctx, "applied", s.nowFn().Sub(start))
	return nil
}

// clearInFlight removes each pair's in-flight marker unless a later submit
// re-marked the pair while this batch was being written.
func (s *Service) clearInFlight(ctx context.Context, markers []schedule.DirtyMarker) error {
	byTime := make(map[time.Time][]schedule.Key)
	var order []time.Time
	for _, m := range markers {
		if _, ok := byTime[m.MarkedAt]; !ok {
			order = append(order, m.MarkedAt)
		}
		byTime[m.MarkedAt] = append(byTime[m.MarkedAt], m.Pair())
	}
	var errs []error
	for _, at := range order {
		if err := s.store.ClearDirty(ctx, byTime[at], schedule.ReasonInFlight, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) writeWithRetry(ctx context.Context, batch []schedule.Outcome, markers []schedule.DirtyMarker) (int, error) {
	records := make([]schedule.MemoryRecord, len(batch))
	for i, o := range batch {
		records[i] = o.Record()
	}

	backoff := s.cfg.Retry.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = s.store.MarkDirty(ctx, markers)
		if err == nil {
			err = s.store.UpsertRecords(ctx, records)
		}
		if err == nil {
			return attempt, nil
		}
		if storage.IsPartitionMissing(err) || attempt >= s.cfg.Retry.MaxAttempts {
			return attempt, err
		}
		s.telemetry.RecordBatch(ctx, "retried", 0)
		s.log.WarnContext(ctx, "durable write failed, retrying",
			"attempt", attempt, "backoff", backoff, "outcomes", len(batch), "error", err)
		if !sleep(ctx, backoff) {
			return attempt, ctx.Err()
		}
		backoff = s.cfg.Retry.next(backoff)
	}
}

func (s *Service) deadLetter(ctx context.Context, batch []schedule.Outcome, pairs []schedule.Key, attempts int, start time.Time, cause error) error {
	now := s.nowFn()
	dl := storage.DeadLetter{
		ID:       uuid.NewString(),
		Outcomes: batch,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: now,
	}
	wf := &WriteFailureError{Outcomes: len(batch), Attempts: attempts, Cause: cause}
	if err := s.dead.PutDeadLetter(ctx, dl); err != nil {
		s.log.ErrorContext(ctx, "ALERT: durable write failed and dead letter could not be stored",
			"alert", true, "outcomes", len(batch), "attempts", attempts, "error", cause, "dead_letter_error", err)
		s.telemetry.RecordBatch(ctx, "lost", now.Sub(start))
		return wf
	}
	wf.DeadLetterID = dl.ID

	markers := make([]schedule.DirtyMarker, len(pairs))
	for i, p := range pairs {
		markers[i] = schedule.DirtyMarker{OwnerID: p.OwnerID, SeasonID: p.SeasonID, Reason: schedule.ReasonDeadLetter, MarkedAt: now}
	}
	if err := s.store.MarkDirty(ctx, markers); err != nil {
		s.log.WarnContext(ctx, "marking dead-letter pairs failed", "dead_letter", dl.ID, "error", err)
	}

	s.log.ErrorContext(ctx, "ALERT: persistence batch dead-lettered",
		"alert", true, "dead_letter", dl.ID, "outcomes", len(batch), "attempts", attempts, "error", cause)
	s.telemetry.RecordBatch(ctx, "dead_lettered", now.Sub(start))
	if n, err := s.dead.CountDeadLetters(ctx); err == nil {
		s.telemetry.SetDeadLetters(n)
	}
	return wf
}

// ApplySync writes outcomes in the caller's goroutine. A non-empty
// markReason records the pairs dirty first, e.g. schedule.ReasonDegraded
// for writes made while the cache was unreachable.
func (s *Service) ApplySync(ctx context.Context, outcomes []schedule.Outcome, markReason string) (err error) {
	outcomes = schedule.Dedupe(outcomes)
	ctx, span := tracing.Start(ctx, "persist.apply_sync",
		attribute.Int("outcomes", len(outcomes)), attribute.String("reason", markReason))
	defer func() { tracing.End(span, err) }()

	if markReason != "" {
		now := s.nowFn()
		pairs := schedule.Pairs(outcomes)
		markers := make([]schedule.DirtyMarker, len(pairs))
		for i, p := range pairs {
			markers[i] = schedule.DirtyMarker{OwnerID: p.OwnerID, SeasonID: p.SeasonID, Reason: markReason, MarkedAt: now}
		}
		if err := s.store.MarkDirty(ctx, markers); err != nil {
			return &WriteFailureError{Outcomes: len(outcomes), Attempts: 1, Cause: err}
		}
	}

	records := make([]schedule.MemoryRecord, len(outcomes))
	for i, o := range outcomes {
		records[i] = o.Record()
	}
	if err := s.store.UpsertRecords(ctx, records); err != nil {
		return &WriteFailureError{Outcomes: len(outcomes), Attempts: 1, Cause: err}
	}
	return nil
}

// ReplayResult summarises a dead-letter replay.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Records  int `json:"records"`
}

// ReplayDeadLetters re-applies up to limit dead-lettered batches, oldest
// first. Successful batches are removed and their dead-letter markers cleared.
func (s *Service) ReplayDeadLetters(ctx context.Context, limit int) (ReplayResult, error) {
	var res ReplayResult
	dls, err := s.dead.ListDeadLetters(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("list dead letters: %w", err)
	}

	for _, dl := range dls {
		pairs := schedule.Pairs(dl.Outcomes)
		markers := schedule.Markers(dl.Outcomes, schedule.ReasonInFlight, s.nowFn())
		if _, err := s.writeWithRetry(ctx, dl.Outcomes, markers); err != nil {
			res.Failed++
			s.log.WarnContext(ctx, "dead letter replay failed", "dead_letter", dl.ID, "error", err)
			continue
		}
		if err := s.dead.DeleteDeadLetter(ctx, dl.ID); err != nil {
			return res, fmt.Errorf("delete dead letter %s: %w", dl.ID, err)
		}
		now := s.nowFn()
		if err := s.store.ClearDirty(ctx, pairs, schedule.ReasonDeadLetter, now); err != nil {
			s.log.WarnContext(ctx, "clearing dead-letter markers failed", "dead_letter", dl.ID, "error", err)
		}
		if err := s.clearInFlight(ctx, markers); err != nil {
			s.log.WarnContext(ctx, "clearing in-flight markers failed", "dead_letter", dl.ID, "error", err)
		}
		res.Replayed++
		res.Records += len(dl.Outcomes)
	}

	if n, err := s.dead.CountDeadLetters(ctx); err == nil {
		s.telemetry.SetDeadLetters(n)
	}
	s.log.InfoContext(ctx, "dead letter replay finished", "replayed", res.Replayed, "failed", res.Failed)
	return res, nil
}

func (s *Service) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.queue.Depth(ctx); err == nil {
				s.telemetry.SetQueueDepth(n)
			}
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
