package engine

import (
	"errors"
	"fmt"
)

// ErrDegraded is returned by administrative operations that need the cache
// while safe mode is active.
var ErrDegraded = errors.New("cache unavailable: safe mode active")

// SyncWriteError is returned when outcomes could not be queued and the
// synchronous fallback write failed too.
type SyncWriteError struct {
	Outcomes int
	Cause    error
}

func (e *SyncWriteError) Error() string {
	return fmt.Sprintf("synchronous write of %d outcomes failed: %v", e.Outcomes, e.Cause)
}

func (e *SyncWriteError) Unwrap() error { return e.Cause }
