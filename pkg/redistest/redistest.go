// Package redistest provides an in-process redis.Cmdable for unit tests.
// Only the commands used by this module are implemented; anything else
// panics through the embedded nil interface.
package redistest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned by every command while the client is down.
var ErrUnavailable = errors.New("mock redis unavailable")

// ScriptFunc emulates a Lua script executed through Eval.
type ScriptFunc func(m *MockClient, keys []string, args []interface{}) (interface{}, error)

type zmember struct {
	member string
	score  float64
}

// MockClient is a thread-safe fake of the subset of redis.Cmdable in use.
type MockClient struct {
	redis.Cmdable

	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string // index 0 is the left (head)
	zsets   map[string][]zmember
	expires map[string]time.Time
	scripts map[string]ScriptFunc
	cursors map[uint64]string
	now     time.Time

	nextCursor uint64
	down       atomic.Bool
	calls      atomic.Int64
}

// NewMockClient creates an empty fake.
func NewMockClient() *MockClient {
	return &MockClient{
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string][]zmember),
		expires: make(map[string]time.Time),
		scripts: make(map[string]ScriptFunc),
		cursors: make(map[uint64]string),
		now:     time.Now(),
	}
}

// SetDown makes every command fail with ErrUnavailable.
func (m *MockClient) SetDown(down bool) {
	m.down.Store(down)
}

// Advance moves the fake clock used for key expiry.
func (m *MockClient) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// HandleScript registers an emulation for a Lua script source.
func (m *MockClient) HandleScript(src string, fn ScriptFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[src] = fn
}

// Calls returns the number of commands issued.
func (m *MockClient) Calls() int64 {
	return m.calls.Load()
}

// Keys returns all live keys; used for assertions.
func (m *MockClient) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keysLocked()
}

func (m *MockClient) keysLocked() []string {
	m.expireLocked()
	var out []string
	for k := range m.strings {
		out = append(out, k)
	}
	for k := range m.lists {
		out = append(out, k)
	}
	for k := range m.zsets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *MockClient) enter() error {
	m.calls.Add(1)
	if m.down.Load() {
		return ErrUnavailable
	}
	return nil
}

func (m *MockClient) expireLocked() {
	for k, at := range m.expires {
		if !m.now.Before(at) {
			m.deleteLocked(k)
		}
	}
}

func (m *MockClient) deleteLocked(key string) bool {
	_, s := m.strings[key]
	_, l := m.lists[key]
	_, z := m.zsets[key]
	delete(m.strings, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.expires, key)
	return s || l || z
}

func (m *MockClient) existsLocked(key string) bool {
	_, s := m.strings[key]
	_, l := m.lists[key]
	_, z := m.zsets[key]
	return s || l || z
}

// Ping checks availability.
func (m *MockClient) Ping(_ context.Context) *redis.StatusCmd {
	if err := m.enter(); err != nil {
		return redis.NewStatusResult("", err)
	}
	return redis.NewStatusResult("PONG", nil)
}

// Get returns a string value.
func (m *MockClient) Get(_ context.Context, key string) *redis.StringCmd {
	if err := m.enter(); err != nil {
		return redis.NewStringResult("", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	v, ok := m.strings[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

// SetNX sets a string value if the key is absent.
func (m *MockClient) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if err := m.enter(); err != nil {
		return redis.NewBoolResult(false, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if m.existsLocked(key) {
		return redis.NewBoolResult(false, nil)
	}
	m.strings[key] = normalize(value)
	if expiration > 0 {
		m.expires[key] = m.now.Add(expiration)
	}
	return redis.NewBoolResult(true, nil)
}

// PExpireLocked sets a TTL; for use inside script emulations.
func (m *MockClient) PExpireLocked(key string, ttl time.Duration) bool {
	if !m.existsLocked(key) {
		return false
	}
	m.expires[key] = m.now.Add(ttl)
	return true
}

// GetLocked reads a string; for use inside script emulations.
func (m *MockClient) GetLocked(key string) (string, bool) {
	m.expireLocked()
	v, ok := m.strings[key]
	return v, ok
}

// DelLocked deletes a key; for use inside script emulations.
func (m *MockClient) DelLocked(key string) bool {
	return m.deleteLocked(key)
}

// Expire sets a key TTL.
func (m *MockClient) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if err := m.enter(); err != nil {
		return redis.NewBoolResult(false, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return redis.NewBoolResult(m.PExpireLocked(key, expiration), nil)
}

// Exists counts existing keys.
func (m *MockClient) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	if err := m.enter(); err != nil {
		return redis.NewIntResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	var n int64
	for _, k := range keys {
		if m.existsLocked(k) {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Del deletes keys.
func (m *MockClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if err := m.enter(); err != nil {
		return redis.NewIntResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, k := range keys {
		if m.deleteLocked(k) {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Unlink deletes keys.
func (m *MockClient) Unlink(ctx context.Context, keys ...string) *redis.IntCmd {
	return m.Del(ctx, keys...)
}

// Scan iterates keys matching a trailing-wildcard pattern. Cursors resume
// after the last returned key, so deleting keys between calls is safe.
func (m *MockClient) Scan(_ context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	if err := m.enter(); err != nil {
		return redis.NewScanCmdResult(nil, 0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	after := ""
	if cursor != 0 {
		after = m.cursors[cursor]
		delete(m.cursors, cursor)
	}
	if count <= 0 {
		count = 10
	}

	var page []string
	more := false
	for _, k := range m.keysLocked() {
		if (cursor != 0 && k <= after) || !matchPattern(match, k) {
			continue
		}
		if int64(len(page)) >= count {
			more = true
			break
		}
		page = append(page, k)
	}
	if !more {
		return redis.NewScanCmdResult(page, 0, nil)
	}
	m.nextCursor++
	m.cursors[m.nextCursor] = page[len(page)-1]
	return redis.NewScanCmdResult(page, m.nextCursor, nil)
}

// Eval dispatches to a script registered with HandleScript.
func (m *MockClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if err := m.enter(); err != nil {
		return redis.NewCmdResult(nil, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fn, ok := m.scripts[script]
	if !ok {
		return redis.NewCmdResult(nil, fmt.Errorf("redistest: unregistered script"))
	}
	v, err := fn(m, keys, args)
	return redis.NewCmdResult(v, err)
}

// ZAdd adds or updates sorted-set members.
func (m *MockClient) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	return m.zadd(key, false, members)
}

// ZAddNX adds sorted-set members that do not exist yet.
func (m *MockClient) ZAddNX(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	return m.zadd(key, true, members)
}

func (m *MockClient) zadd(key string, nx bool, members []redis.Z) *redis.IntCmd {
	if err := m.enter(); err != nil {
		return redis.NewIntResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	set := m.zsets[key]
	var added int64
	for _, z := range members {
		member := normalize(z.Member)
		found := false
		for i := range set {
			if set[i].member == member {
				if !nx {
					set[i].score = z.Score
				}
				found = true
				break
			}
		}
		if !found {
			set = append(set, zmember{member: member, score: z.Score})
			added++
		}
	}
	m.zsets[key] = set
	return redis.NewIntResult(added, nil)
}

// ZRem removes sorted-set members.
func (m *MockClient) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	if err := m.enter(); err != nil {
		return redis.NewIntResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.zsets[key]
	var removed int64
	for _, mem := range members {
		member := normalize(mem)
		for i := range set {
			if set[i].member == member {
				set = append(set[:i], set[i+1:]...)
				removed++
				break
			}
		}
	}
	if len(set) == 0 {
		delete(m.zsets, key)
	} else {
		m.zsets[key] = set
	}
	return redis.NewIntResult(removed, nil)
}

// ZScore returns a member's score.
func (m *MockClient) ZScore(_ context.Context, key, member string) *redis.FloatCmd {
	if err := m.enter(); err != nil {
		return redis.NewFloatResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if score, ok := m.ZScoreLocked(key, member); ok {
		return redis.NewFloatResult(score, nil)
	}
	return redis.NewFloatResult(0, redis.Nil)
}

// ZCard returns the sorted-set size.
func (m *MockClient) ZCard(_ context.Context, key string) *redis.IntCmd {
	if err := m.enter(); err != nil {
		return redis.NewIntResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	return redis.NewIntResult(int64(len(m.zsets[key])), nil)
}

// ZRangeByScore returns members within a score range, ordered by score then member.
func (m *MockClient) ZRangeByScore(_ context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	if err := m.enter(); err != nil {
		return redis.NewStringSliceResult(nil, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	out, err := m.ZRangeByScoreLocked(key, opt)
	return redis.NewStringSliceResult(out, err)
}

// ZScoreLocked reads a member's score; for use inside script emulations.
func (m *MockClient) ZScoreLocked(key, member string) (float64, bool) {
	m.expireLocked()
	for _, z := range m.zsets[key] {
		if z.member == member {
			return z.score, true
		}
	}
	return 0, false
}

// ZRangeByScoreLocked is ZRangeByScore for use inside script emulations.
func (m *MockClient) ZRangeByScoreLocked(key string, opt *redis.ZRangeBy) ([]string, error) {
	minScore, minExcl, err := parseBound(opt.Min, math.Inf(-1))
	if err != nil {
		return nil, err
	}
	maxScore, maxExcl, err := parseBound(opt.Max, math.Inf(1))
	if err != nil {
		return nil, err
	}

	set := append([]zmember(nil), m.zsets[key]...)
	sort.Slice(set, func(i, j int) bool {
		if set[i].score == set[j].score {
			return set[i].member < set[j].member
		}
		return set[i].score < set[j].score
	})

	out := []string{}
	skipped := int64(0)
	for _, z := range set {
		if z.score < minScore || (minExcl && z.score == minScore) {
			continue
		}
		if z.score > maxScore || (maxExcl && z.score == maxScore) {
			break
		}
		if skipped < opt.Offset {
			skipped++
			continue
		}
		out = append(out, z.member)
		if opt.Count > 0 && int64(len(out)) >= opt.Count {
			break
		}
	}
	return out, nil
}

// LPush prepends values to a list.
func (m *MockClient) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if err := m.enter(); err != nil {
		return redis.NewIntResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	for _, v := range values {
		list = append([]string{normalize(v)}, list...)
	}
	m.lists[key] = list
	return redis.NewIntResult(int64(len(list)), nil)
}

// LLen returns the list length.
func (m *MockClient) LLen(_ context.Context, key string) *redis.IntCmd {
	if err := m.enter(); err != nil {
		return redis.NewIntResult(0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

// LRange returns a slice of a list.
func (m *MockClient) LRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	if err := m.enter(); err != nil {
		return redis.NewStringSliceResult(nil, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return redis.NewStringSliceResult([]string{}, nil)
	}
	return redis.NewStringSliceResult(append([]string(nil), list[start:stop+1]...), nil)
}

// LMove atomically pops from source and pushes to destination.
func (m *MockClient) LMove(_ context.Context, source, destination, srcpos, destpos string) *redis.StringCmd {
	if err := m.enter(); err != nil {
		return redis.NewStringResult("", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lmoveLocked(source, destination, srcpos, destpos)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

// BLMove is LMove that waits up to timeout for an element.
func (m *MockClient) BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd {
	deadline := time.Now().Add(timeout)
	for {
		if err := m.enter(); err != nil {
			return redis.NewStringResult("", err)
		}
		m.mu.Lock()
		v, ok := m.lmoveLocked(source, destination, srcpos, destpos)
		m.mu.Unlock()
		if ok {
			return redis.NewStringResult(v, nil)
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return redis.NewStringResult("", redis.Nil)
		}
		select {
		case <-ctx.Done():
			return redis.NewStringResult("", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *MockClient) lmoveLocked(source, destination, srcpos, destpos string) (string, bool) {
	list := m.lists[source]
	if len(list) == 0 {
		return "", false
	}
	var v string
	if strings.EqualFold(srcpos, "LEFT") {
		v, list = list[0], list[1:]
	} else {
		v, list = list[len(list)-1], list[:len(list)-1]
	}
	if len(list) == 0 {
		delete(m.lists, source)
	} else {
		m.lists[source] = list
	}

	dest := m.lists[destination]
	if strings.EqualFold(destpos, "LEFT") {
		dest = append([]string{v}, dest...)
	} else {
		dest = append(dest, v)
	}
	m.lists[destination] = dest
	return v, true
}

func normalize(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func matchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

func parseBound(s string, def float64) (float64, bool, error) {
	switch s {
	case "":
		return def, false, nil
	case "-inf":
		return math.Inf(-1), false, nil
	case "+inf", "inf":
		return math.Inf(1), false, nil
	}
	excl := strings.HasPrefix(s, "(")
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "("), 64)
	return v, excl, err
}

// RequireClient connects to a real Redis or skips the test.
func RequireClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("CADENCE_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

// UniqueKeyPrefix returns a key prefix unique to one test run.
func UniqueKeyPrefix(prefix string) string {
	return fmt.Sprintf("cadence:test:%s:%d:", prefix, time.Now().UnixNano())
}
