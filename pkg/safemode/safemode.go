// Package safemode tracks whether the schedule cache is usable and guards
// the degraded read path that bypasses it.
package safemode

import (
	"context"
	"sync"
	"time"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/logger"
)

// State is the cache availability mode.
type State int32

const (
	Normal State = iota
	Degraded
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition is one audited state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Pinger checks cache reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecoveryHook runs after the manager returns to Normal.
type RecoveryHook func(ctx context.Context) error

// Telemetry receives Safe Mode signals.
type Telemetry interface {
	RecordSafeModeTransition(to string, degraded bool)
	RecordRateLimited(scope string)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordSafeModeTransition(string, bool) {}
func (nopTelemetry) RecordRateLimited(string)              {}

// Config configures a Manager.
type Config struct {
	Limits
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	HistorySize   int
}

// DefaultConfig returns 500 requests/minute globally and one request per
// 30 seconds per owner, probing every 5 seconds.
func DefaultConfig() Config {
	return Config{
		Limits: Limits{
			GlobalLimit:  500,
			GlobalWindow: time.Minute,
			OwnerLimit:   1,
			OwnerWindow:  30 * time.Second,
		},
		CheckInterval: 5 * time.Second,
		CheckTimeout:  time.Second,
		HistorySize:   100,
	}
}

// Manager is the Normal/Degraded state machine.
type Manager struct {
	cfg       Config
	pinger    Pinger
	limiter   *Limiter
	log       logger.Logger
	telemetry Telemetry
	nowFn     func() time.Time

	mu      sync.RWMutex
	state   State
	since   time.Time
	history []Transition
	hooks   []RecoveryHook
}

// Option configures a Manager.
type Option func(*Manager)

// WithTelemetry reports transitions and rejections to t.
func WithTelemetry(t Telemetry) Option {
	return func(m *Manager) {
		if t != nil {
			m.telemetry = t
		}
	}
}

// WithLogger sets the audit logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFn = now
	}
}

// New creates a Manager in the Normal state.
func New(cfg Config, pinger Pinger, opts ...Option) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	m := &Manager{
		cfg:       cfg,
		pinger:    pinger,
		limiter:   NewLimiter(cfg.Limits),
		log:       logger.Global(),
		telemetry: nopTelemetry{},
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.Component(m.log, "safemode")
	m.since = m.nowFn()
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Degraded reports whether reads must bypass the cache.
func (m *Manager) Degraded() bool {
	return m.State() == Degraded
}

// Since returns when the current state was entered.
func (m *Manager) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// History returns the retained transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// OnRecover registers a hook run on every Degraded to Normal transition.
func (m *Manager) OnRecover(hook RecoveryHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Trip enters Degraded. It reports whether a transition happened.
func (m *Manager) Trip(ctx context.Context, reason string) bool {
	_, ok := m.transition(ctx, Degraded, reason)
	return ok
}

// Recover returns to Normal and runs the recovery hooks. It reports whether
// a transition happened.
func (m *Manager) Recover(ctx context.Context, reason string) bool {
	hooks, ok := m.transition(ctx, Normal, reason)
	if !ok {
		return false
	}
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			m.log.ErrorContext(ctx, "recovery hook failed", "hook", i, "error", err)
		}
	}
	return true
}

func (m *Manager) transition(ctx context.Context, to State, reason string) ([]RecoveryHook, bool) {
	m.mu.Lock()
	if m.state == to {
		m.mu.Unlock()
		return nil, false
	}
	t := Transition{From: m.state, To: to, At: m.nowFn().UTC(), Reason: reason}
	m.state = to
	m.since = t.At
	m.history = append(m.history, t)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	hooks := make([]RecoveryHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	if to == Degraded {
		m.limiter.SetLimits(m.limiter.Limits())
		m.log.WarnContext(ctx, "safe mode entered", "from", t.From.String(), "reason", reason, "at", t.At)
	} else {
		m.log.InfoContext(ctx, "safe mode exited", "from", t.From.String(), "reason", reason, "at", t.At)
	}
	m.telemetry.RecordSafeModeTransition(to.String(), to == Degraded)
	return hooks, true
}

// Observe trips the manager when err shows the cache is unreachable and
// reports whether it did. A nil Manager observes nothing.
func (m *Manager) Observe(ctx context.Context, err error) bool {
	if m == nil || err == nil || !cache.IsUnreachable(err) {
		return false
	}
	m.Trip(ctx, err.Error())
	return true
}

// Allow admits one degraded read for ownerID. It always succeeds in Normal.
func (m *Manager) Allow(ownerID string) error {
	if !m.Degraded() {
		return nil
	}
	err := m.limiter.Allow(ownerID, m.nowFn())
	if rl, ok := err.(*RateLimitError); ok {
		m.telemetry.RecordRateLimited(rl.Scope)
	}
	return err
}

// SetLimits applies new ceilings, e.g. after a config reload.
func (m *Manager) SetLimits(limits Limits) {
	m.limiter.SetLimits(limits)
	m.log.Info("safe mode limits updated",
		"global_limit", limits.GlobalLimit, "global_window", limits.GlobalWindow,
		"owner_limit", limits.OwnerLimit, "owner_window", limits.OwnerWindow)
}

// Check pings the cache once and transitions on the result.
func (m *Manager) Check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	err := m.pinger.Ping(pctx)
	cancel()
	if err != nil {
		m.Trip(ctx, "ping failed: "+err.Error())
		return err
	}
	if m.Degraded() {
		m.Recover(ctx, "ping succeeded")
	}
	return nil
}

// Run checks on CheckInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = m.Check(ctx)
		}
	}
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying m.
func NewContext(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext returns the Manager carried by ctx, or nil.
func FromContext(ctx context.Context) *Manager {
	m, _ := ctx.Value(contextKey{}).(*Manager)
	return m
}
