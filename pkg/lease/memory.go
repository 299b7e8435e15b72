package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is an in-process Manager for single-instance deployments and tests.
type MemoryManager struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	leases map[string]Lease
}

// NewMemoryManager creates an empty MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		nowFn:  time.Now,
		leases: make(map[string]Lease),
	}
}

// Acquire grants name to holder unless an unexpired lease exists.
func (m *MemoryManager) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	if name == "" {
		return Lease{}, fmt.Errorf("lease: name cannot be empty")
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lease: ttl must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if cur, ok := m.leases[name]; ok && now.Before(cur.ExpiresAt) {
		return Lease{}, ErrHeld
	}
	l := Lease{Name: name, Holder: holder, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.leases[name] = l
	return l, nil
}

// Renew extends a lease still owned by l.Token.
func (m *MemoryManager) Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	cur, ok := m.leases[l.Name]
	if !ok || cur.Token != l.Token || !now.Before(cur.ExpiresAt) {
		return Lease{}, ErrMismatch
	}
	cur.ExpiresAt = now.Add(ttl)
	m.leases[l.Name] = cur
	return cur, nil
}

// Release drops a lease still owned by l.Token.
func (m *MemoryManager) Release(ctx context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[l.Name]
	if !ok || cur.Token != l.Token {
		return ErrMismatch
	}
	delete(m.leases, l.Name)
	return nil
}
