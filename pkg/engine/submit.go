package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/persist"
	"github.com/goclaw/cadence/pkg/safemode"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/telemetry/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// OutcomeInput is one scheduling result computed by the SRS engine.
type OutcomeInput struct {
	ItemID     string    `json:"item_id"`
	SeasonID   string    `json:"season_id"`
	DueAt      time.Time `json:"due_at"`
	Stability  float64   `json:"stability"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// SubmitOutcomes records review outcomes for an owner. In Normal mode the
// touched pairs are marked in flight, the cache is updated synchronously and
// the durable write is queued; if the queue refuses, the write happens
// synchronously instead. The marker keeps reconciliation off the pairs until
// the queued write lands, and outlives a lost queue. In Degraded mode
// the request is rate limited and written synchronously to the store, with
// the pairs marked for cache repair after recovery.
func (e *Engine) SubmitOutcomes(ctx context.Context, ownerID string, inputs []OutcomeInput) (err error) {
	ctx, span := tracing.Start(ctx, spanSubmit,
		attribute.String("owner_id", ownerID), attribute.Int("outcomes", len(inputs)))
	defer func() { tracing.End(span, err) }()

	outcomes, err := e.outcomes(ctx, ownerID, inputs)
	if err != nil || len(outcomes) == 0 {
		return err
	}

	mode := e.modeFor(ctx)
	if mode.Degraded() {
		if err := mode.Allow(ownerID); err != nil {
			return err
		}
		return e.writeDegraded(ctx, outcomes)
	}

	if err := e.c.Store.MarkDirty(ctx, schedule.Markers(outcomes, schedule.ReasonInFlight, e.nowFn())); err != nil {
		return fmt.Errorf("mark pairs in flight: %w", err)
	}

	for _, o := range outcomes {
		err := e.c.Index.Upsert(ctx, o.Pair(), o.ItemID, o.DueAt)
		if err == nil {
			continue
		}
		if mode.Observe(ctx, err) {
			e.logger.WarnContext(ctx, "cache unreachable during submit, writing through", "owner_id", ownerID, "error", err)
			return e.writeDegraded(ctx, outcomes)
		}
		return err
	}

	err = e.c.Persister.Enqueue(ctx, outcomes)
	var ee *persist.EnqueueError
	if errors.As(err, &ee) {
		e.logger.WarnContext(ctx, "persistence queue refused outcomes, writing synchronously",
			"owner_id", ownerID, "pending", len(ee.Pending), "error", ee.Cause)
		if serr := e.c.Persister.ApplySync(ctx, ee.Pending, ""); serr != nil {
			return &SyncWriteError{Outcomes: len(ee.Pending), Cause: serr}
		}
		return nil
	}
	return err
}

func (e *Engine) writeDegraded(ctx context.Context, outcomes []schedule.Outcome) error {
	if err := e.c.Persister.ApplySync(ctx, outcomes, schedule.ReasonDegraded); err != nil {
		return &SyncWriteError{Outcomes: len(outcomes), Cause: err}
	}
	return nil
}

// outcomes validates inputs and checks every season accepts writes.
func (e *Engine) outcomes(ctx context.Context, ownerID string, inputs []OutcomeInput) ([]schedule.Outcome, error) {
	if err := schedule.ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	now := e.nowFn().UTC()
	out := make([]schedule.Outcome, 0, len(inputs))
	seasons := make(map[string]struct{})
	for _, in := range inputs {
		reviewed := in.ReviewedAt
		if reviewed.IsZero() {
			reviewed = now
		}
		o := schedule.Outcome{
			OwnerID:    ownerID,
			ItemID:     in.ItemID,
			SeasonID:   in.SeasonID,
			DueAt:      in.DueAt.UTC(),
			Stability:  in.Stability,
			ReviewedAt: reviewed.UTC(),
			QueuedAt:   now,
		}
		if err := o.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seasons[o.SeasonID]; !ok {
			if err := e.c.Partitions.Ensure(ctx, o.SeasonID); err != nil {
				return nil, err
			}
			seasons[o.SeasonID] = struct{}{}
		}
		out = append(out, o)
	}
	return schedule.Dedupe(out), nil
}

// DueResult is the answer to a due query.
type DueResult struct {
	Items []string `json:"items"`
	// Degraded is set when the answer came from the durable store.
	Degraded bool `json:"degraded"`
}

// GetDueItems returns up to limit item IDs due at or before now, earliest
// first with ties broken by item ID. A cache miss rehydrates the owner from
// the store and answers on the same call.
func (e *Engine) GetDueItems(ctx context.Context, ownerID, seasonID string, now time.Time, limit int) (res DueResult, err error) {
	ctx, span := tracing.Start(ctx, spanDueItems,
		attribute.String("owner_id", ownerID), attribute.String("season_id", seasonID))
	defer func() {
		span.SetAttributes(attribute.Bool("degraded", res.Degraded), attribute.Int("items", len(res.Items)))
		tracing.End(span, err)
	}()

	if err := schedule.ValidateOwnerID(ownerID); err != nil {
		return res, err
	}
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return res, err
	}
	if limit <= 0 || limit > e.config.MaxDueLimit {
		return res, &schedule.ValidationError{Field: "limit", Reason: "must be between 1 and the configured maximum"}
	}
	if now.IsZero() {
		now = e.nowFn()
	}
	key := schedule.Key{OwnerID: ownerID, SeasonID: seasonID}

	mode := e.modeFor(ctx)
	if mode.Degraded() {
		return e.dueFromStore(ctx, mode, key, now, limit)
	}

	start := e.nowFn()
	items, err := e.c.Index.DueItems(ctx, key, now, limit)
	if errors.Is(err, cache.ErrMiss) {
		e.metrics.RecordCacheLookup(ctx, "miss", e.nowFn().Sub(start))
		if _, err = e.c.Rehydrator.Rehydrate(ctx, key); err == nil {
			items, err = e.c.Index.DueItems(ctx, key, now, limit)
		}
	} else if err == nil {
		e.metrics.RecordCacheLookup(ctx, "hit", e.nowFn().Sub(start))
	}
	if err != nil {
		if mode.Observe(ctx, err) {
			return e.dueFromStore(ctx, mode, key, now, limit)
		}
		return res, err
	}
	if items == nil {
		items = []string{}
	}
	return DueResult{Items: items}, nil
}

func (e *Engine) dueFromStore(ctx context.Context, mode *safemode.Manager, key schedule.Key, now time.Time, limit int) (DueResult, error) {
	if err := mode.Allow(key.OwnerID); err != nil {
		return DueResult{Degraded: true}, err
	}
	start := e.nowFn()
	records, err := e.c.Store.DueRecords(ctx, key, now, limit)
	e.metrics.RecordCacheLookup(ctx, "degraded", e.nowFn().Sub(start))
	if err != nil {
		return DueResult{Degraded: true}, err
	}
	items := make([]string, len(records))
	for i, r := range records {
		items[i] = r.ItemID
	}
	return DueResult{Items: items, Degraded: true}, nil
}
