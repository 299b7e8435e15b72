package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	renewScript   = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

// RedisManager implements Manager with SET NX PX and compare-and-delete scripts
// so leases are shared across instances.
type RedisManager struct {
	client    redis.Cmdable
	keyPrefix string
	nowFn     func() time.Time
}

// NewRedisManager creates a Redis-backed lease manager.
func NewRedisManager(client redis.Cmdable, keyPrefix string) (*RedisManager, error) {
	if client == nil {
		return nil, fmt.Errorf("lease: redis client cannot be nil")
	}
	return &RedisManager{client: client, keyPrefix: keyPrefix, nowFn: time.Now}, nil
}

func (m *RedisManager) key(name string) string {
	return m.keyPrefix + "lease:" + name
}

// Acquire grants name to holder unless the key already exists.
func (m *RedisManager) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, error) {
	if name == "" {
		return Lease{}, fmt.Errorf("lease: name cannot be empty")
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lease: ttl must be > 0")
	}

	token := holder + "/" + uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key(name), token, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("lease: acquire %s: %w", name, err)
	}
	if !ok {
		return Lease{}, ErrHeld
	}
	return Lease{Name: name, Holder: holder, Token: token, ExpiresAt: m.nowFn().Add(ttl)}, nil
}

// Renew extends the key TTL if the token still matches.
func (m *RedisManager) Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	n, err := m.client.Eval(ctx, renewScript, []string{m.key(l.Name)}, l.Token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, fmt.Errorf("lease: renew %s: %w", l.Name, err)
	}
	if n == 0 {
		return Lease{}, ErrMismatch
	}
	l.ExpiresAt = m.nowFn().Add(ttl)
	return l, nil
}

// Release deletes the key if the token still matches.
func (m *RedisManager) Release(ctx context.Context, l Lease) error {
	n, err := m.client.Eval(ctx, releaseScript, []string{m.key(l.Name)}, l.Token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease: release %s: %w", l.Name, err)
	}
	if n == 0 {
		return ErrMismatch
	}
	return nil
}
