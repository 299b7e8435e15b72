package persist

import (
	"context"
	"sync"
	"time"

	"github.com/goclaw/cadence/pkg/schedule"
)

// Queue carries outcomes from the request path to the persistence workers.
// Delivery is at least once: a batch returned by Dequeue is redelivered
// unless Ack is called for the same consumer.
type Queue interface {
	// Enqueue adds one outcome without blocking.
	Enqueue(ctx context.Context, o schedule.Outcome) error
	// Dequeue waits up to wait for the first outcome, then takes up to max
	// without further waiting. An empty result means the wait elapsed.
	Dequeue(ctx context.Context, consumer string, max int, wait time.Duration) ([]schedule.Outcome, error)
	// Ack confirms everything consumer has dequeued so far.
	Ack(ctx context.Context, consumer string) error
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// requeuer is implemented by queues that keep unacknowledged outcomes
// across process restarts.
type requeuer interface {
	Requeue(ctx context.Context, consumer string) (int, error)
}

// localQueue is implemented by in-process queues whose contents are lost
// when the process exits, so workers drain them on shutdown.
type localQueue interface {
	Local() bool
}

// ChannelQueue is an in-process buffered queue.
type ChannelQueue struct {
	mu       sync.RWMutex
	ch       chan schedule.Outcome
	capacity int
	closed   bool
}

// NewChannelQueue creates a queue holding up to capacity outcomes.
func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChannelQueue{
		ch:       make(chan schedule.Outcome, capacity),
		capacity: capacity,
	}
}

// Enqueue adds o or returns *QueueFullError.
func (q *ChannelQueue) Enqueue(ctx context.Context, o schedule.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- o:
		return nil
	default:
		return &QueueFullError{Capacity: q.capacity}
	}
}

// Dequeue returns ErrQueueClosed once the queue is closed and drained.
func (q *ChannelQueue) Dequeue(ctx context.Context, _ string, max int, wait time.Duration) ([]schedule.Outcome, error) {
	if max <= 0 {
		return nil, nil
	}

	var first schedule.Outcome
	var ok bool
	if wait <= 0 {
		select {
		case first, ok = <-q.ch:
		default:
			return nil, nil
		}
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case first, ok = <-q.ch:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, ErrQueueClosed
	}

	batch := []schedule.Outcome{first}
	for len(batch) < max {
		select {
		case o, ok := <-q.ch:
			if !ok {
				return batch, nil
			}
			batch = append(batch, o)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Ack is a no-op; in-process outcomes are owned by the worker once dequeued.
func (q *ChannelQueue) Ack(context.Context, string) error { return nil }

// Depth returns the number of buffered outcomes.
func (q *ChannelQueue) Depth(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Local reports that the queue does not survive the process.
func (q *ChannelQueue) Local() bool { return true }

// Close rejects further enqueues. Buffered outcomes can still be dequeued.
func (q *ChannelQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
