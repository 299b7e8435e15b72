package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	KeyPrefix string
	// Capacity bounds the main list; 0 means unbounded.
	Capacity int
}

// RedisQueue is a shared list drained by every instance. Each consumer
// moves outcomes into its own processing list, which Ack deletes and
// Requeue returns to the head of the queue after a crash.
type RedisQueue struct {
	client   redis.Cmdable
	cfg      RedisQueueConfig
	queueKey string
	log      logger.Logger
}

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client redis.Cmdable, cfg RedisQueueConfig, log logger.Logger) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}
	return &RedisQueue{
		client:   client,
		cfg:      cfg,
		queueKey: cfg.KeyPrefix + "queue",
		log:      logger.Component(log, "redis_queue"),
	}, nil
}

func (q *RedisQueue) processingKey(consumer string) string {
	return q.queueKey + ":processing:" + consumer
}

// Enqueue pushes o or returns *QueueFullError when the list is at capacity.
func (q *RedisQueue) Enqueue(ctx context.Context, o schedule.Outcome) error {
	if q.cfg.Capacity > 0 {
		n, err := q.client.LLen(ctx, q.queueKey).Result()
		if err != nil {
			return fmt.Errorf("failed to check queue length: %w", err)
		}
		if n >= int64(q.cfg.Capacity) {
			return &QueueFullError{Capacity: q.cfg.Capacity}
		}
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := q.client.LPush(ctx, q.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue outcome: %w", err)
	}
	return nil
}

// Dequeue blocks on BLMOVE for the first outcome and then takes the rest
// with LMOVE.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, max int, wait time.Duration) ([]schedule.Outcome, error) {
	if max <= 0 {
		return nil, nil
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	processing := q.processingKey(consumer)

	first, err := q.client.BLMove(ctx, q.queueKey, processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	raw := []string{first}
	for len(raw) < max {
		v, err := q.client.LMove(ctx, q.queueKey, processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			q.log.WarnContext(ctx, "partial dequeue", "consumer", consumer, "taken", len(raw), "error", err)
			break
		}
		raw = append(raw, v)
	}

	batch := make([]schedule.Outcome, 0, len(raw))
	for _, data := range raw {
		var o schedule.Outcome
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			q.log.ErrorContext(ctx, "dropping undecodable outcome", "consumer", consumer, "error", err)
			continue
		}
		batch = append(batch, o)
	}
	return batch, nil
}

// Ack deletes consumer's processing list.
func (q *RedisQueue) Ack(ctx context.Context, consumer string) error {
	if err := q.client.Del(ctx, q.processingKey(consumer)).Err(); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	return nil
}

// Requeue moves consumer's unacknowledged outcomes back to the consuming
// end of the queue, oldest last so it is taken first.
func (q *RedisQueue) Requeue(ctx context.Context, consumer string) (int, error) {
	processing := q.processingKey(consumer)
	n := 0
	for {
		_, err := q.client.LMove(ctx, processing, q.queueKey, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to requeue: %w", err)
		}
		n++
	}
}

// Depth returns the length of the main list.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// Close is a no-op; the caller owns the client.
func (q *RedisQueue) Close() error { return nil }
