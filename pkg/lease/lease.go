// Package lease provides time-boxed exclusive leases for background jobs.
// A crashed holder's lease expires on its own.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/cadence/pkg/logger"
)

var (
	// ErrHeld indicates another holder owns an unexpired lease.
	ErrHeld = errors.New("lease: already held")
	// ErrMismatch indicates the supplied token does not own the lease.
	ErrMismatch = errors.New("lease: lease mismatch")
)

// Lease is a granted claim on a named resource.
type Lease struct {
	Name      string
	Holder    string
	Token     string
	ExpiresAt time.Time
}

// Manager grants and releases leases.
type Manager interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// Run acquires name, runs fn while renewing the lease every ttl/3, and
// releases it afterwards. It returns skipped=true without running fn when the
// lease is held elsewhere. fn's context is cancelled if renewal fails.
func Run(ctx context.Context, m Manager, name, holder string, ttl time.Duration, fn func(ctx context.Context) error) (skipped bool, err error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lease: ttl must be > 0")
	}
	l, err := m.Acquire(ctx, name, holder, ttl)
	if errors.Is(err, ErrHeld) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				renewed, err := m.Renew(runCtx, l, ttl)
				if err != nil {
					if runCtx.Err() == nil {
						logger.Warn("lease renewal failed", "lease", name, "holder", holder, "error", err)
					}
					cancel()
					return
				}
				l = renewed
			}
		}
	}()

	err = fn(runCtx)
	cancel()
	<-done

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer releaseCancel()
	if rerr := m.Release(releaseCtx, l); rerr != nil && !errors.Is(rerr, ErrMismatch) {
		logger.Warn("lease release failed", "lease", name, "holder", holder, "error", rerr)
	}
	return false, err
}
