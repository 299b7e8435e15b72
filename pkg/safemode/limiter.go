package safemode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit scopes reported by RateLimitError.
const (
	ScopeGlobal = "global"
	ScopeOwner  = "owner"
)

// ownerSweepSize is the number of tracked owners above which idle limiters
// are dropped. An owner idle for a full window has a full bucket, so
// dropping it is indistinguishable from keeping it.
const ownerSweepSize = 10000

// RateLimitError rejects a degraded read. Callers may retry after RetryAfter.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("safe mode: %s rate limit exceeded, retry after %s", e.Scope, e.RetryAfter)
}

// Retryable reports that the request may succeed later.
func (e *RateLimitError) Retryable() bool { return true }

// IsRateLimited reports whether err is a *RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Limits are the degraded-mode request ceilings.
type Limits struct {
	GlobalLimit  int
	GlobalWindow time.Duration
	OwnerLimit   int
	OwnerWindow  time.Duration
}

type ownerLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// slidingWindow admits at most len(times) events in any span of size.
// times is a ring of admission times with the oldest at head.
type slidingWindow struct {
	size  time.Duration
	times []time.Time
	head  int
	n     int
}

// newSlidingWindow returns nil, meaning unlimited, for a non-positive limit
// or window.
func newSlidingWindow(limit int, size time.Duration) *slidingWindow {
	if limit <= 0 || size <= 0 {
		return nil
	}
	return &slidingWindow{size: size, times: make([]time.Time, limit)}
}

// wait returns how long until one more event fits at now. Zero means it fits.
func (w *slidingWindow) wait(now time.Time) time.Duration {
	if w == nil || w.n < len(w.times) {
		return 0
	}
	free := w.times[w.head].Add(w.size)
	if !now.Before(free) {
		return 0
	}
	return free.Sub(now)
}

func (w *slidingWindow) add(now time.Time) {
	if w == nil {
		return
	}
	if w.n < len(w.times) {
		w.times[(w.head+w.n)%len(w.times)] = now
		w.n++
		return
	}
	w.times[w.head] = now
	w.head = (w.head + 1) % len(w.times)
}

// Limiter enforces a global sliding window and a per-owner token bucket. A
// request must pass both; when the global window rejects, the owner token is
// refunded.
type Limiter struct {
	mu     sync.Mutex
	limits Limits
	global *slidingWindow
	owners map[string]*ownerLimiter
}

// NewLimiter builds a limiter with an empty window and full owner buckets.
func NewLimiter(limits Limits) *Limiter {
	l := &Limiter{}
	l.SetLimits(limits)
	return l
}

func every(n int, window time.Duration) rate.Limit {
	if n <= 0 || window <= 0 {
		return rate.Inf
	}
	return rate.Every(window / time.Duration(n))
}

// SetLimits replaces the ceilings and resets the window and all buckets.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
	l.global = newSlidingWindow(limits.GlobalLimit, limits.GlobalWindow)
	l.owners = make(map[string]*ownerLimiter)
}

// Limits returns the current ceilings.
func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// Allow admits one request for ownerID at now or returns a *RateLimitError.
func (l *Limiter) Allow(ownerID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := l.ownerLocked(ownerID, now)
	or := owner.lim.ReserveN(now, 1)
	if !or.OK() {
		return &RateLimitError{Scope: ScopeOwner, RetryAfter: l.limits.OwnerWindow}
	}
	if d := or.DelayFrom(now); d > 0 {
		or.CancelAt(now)
		return &RateLimitError{Scope: ScopeOwner, RetryAfter: d}
	}

	if d := l.global.wait(now); d > 0 {
		or.CancelAt(now)
		return &RateLimitError{Scope: ScopeGlobal, RetryAfter: d}
	}
	l.global.add(now)
	return nil
}

func (l *Limiter) ownerLocked(ownerID string, now time.Time) *ownerLimiter {
	if o, ok := l.owners[ownerID]; ok {
		o.lastSeen = now
		return o
	}
	if len(l.owners) >= ownerSweepSize {
		for id, o := range l.owners {
			if now.Sub(o.lastSeen) >= l.limits.OwnerWindow {
				delete(l.owners, id)
			}
		}
	}
	o := &ownerLimiter{
		lim:      rate.NewLimiter(every(l.limits.OwnerLimit, l.limits.OwnerWindow), max(l.limits.OwnerLimit, 1)),
		lastSeen: now,
	}
	l.owners[ownerID] = o
	return o
}

// Owners returns the number of tracked owners.
func (l *Limiter) Owners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owners)
}
