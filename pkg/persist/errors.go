package persist

import (
	"errors"
	"fmt"

	"github.com/goclaw/cadence/pkg/schedule"
)

// ErrQueueClosed is returned by a closed queue.
var ErrQueueClosed = errors.New("persistence queue closed")

// QueueFullError is returned when the queue is at capacity.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("persistence queue is full (capacity: %d)", e.Capacity)
}

// IsQueueFull reports whether err wraps a *QueueFullError.
func IsQueueFull(err error) bool {
	var qf *QueueFullError
	return errors.As(err, &qf)
}

// EnqueueError reports outcomes that could not be queued. Pending must be
// written synchronously by the caller.
type EnqueueError struct {
	Pending []schedule.Outcome
	Cause   error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue %d outcomes: %v", len(e.Pending), e.Cause)
}

func (e *EnqueueError) Unwrap() error { return e.Cause }

// WriteFailureError is a batch that could not be written to the durable store.
type WriteFailureError struct {
	Outcomes     int
	Attempts     int
	DeadLetterID string
	Cause        error
}

func (e *WriteFailureError) Error() string {
	if e.DeadLetterID != "" {
		return fmt.Sprintf("durable write of %d outcomes failed after %d attempts (dead letter %s): %v",
			e.Outcomes, e.Attempts, e.DeadLetterID, e.Cause)
	}
	return fmt.Sprintf("durable write of %d outcomes failed after %d attempts: %v", e.Outcomes, e.Attempts, e.Cause)
}

func (e *WriteFailureError) Unwrap() error { return e.Cause }

// IsWriteFailure reports whether err wraps a *WriteFailureError.
func IsWriteFailure(err error) bool {
	var wf *WriteFailureError
	return errors.As(err, &wf)
}
