// Package redis provides a cache.Index backed by Redis sorted sets, one per
// owner and season.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/schedule"
)

// loadedMember marks a fully populated key. Item IDs are never empty, and its
// score sits past any due time so range queries never return it.
const (
	loadedMember = ""
	loadedScore  = 253402300799 // 9999-12-31T23:59:59Z
)

// Config holds configuration for the Redis index.
type Config struct {
	KeyPrefix string
	// KeyTTL expires idle keys; zero keeps them until evicted.
	KeyTTL time.Duration
	// ScanCount is the COUNT hint for SCAN during season purges.
	ScanCount int64
}

// DefaultConfig returns the default index configuration.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix: "cadence:",
		ScanCount: 500,
	}
}

// Index implements cache.Index on Redis.
type Index struct {
	client redis.Cmdable
	config *Config
}

// New creates a Redis index.
func New(client redis.Cmdable, config *Config) (*Index, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 500
	}
	return &Index{client: client, config: config}, nil
}

func (idx *Index) key(key schedule.Key) string {
	return idx.config.KeyPrefix + "due:" + key.SeasonID + ":" + key.OwnerID
}

func (idx *Index) seasonPattern(seasonID string) string {
	return idx.config.KeyPrefix + "due:" + seasonID + ":*"
}

func unreachable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &cache.UnreachableError{Op: op, Cause: err}
}

func (idx *Index) touch(ctx context.Context, k string) error {
	if idx.config.KeyTTL <= 0 {
		return nil
	}
	return idx.client.Expire(ctx, k, idx.config.KeyTTL).Err()
}

// Upsert sets the due time of one item.
func (idx *Index) Upsert(ctx context.Context, key schedule.Key, itemID string, dueAt time.Time) error {
	k := idx.key(key)
	if err := idx.client.ZAdd(ctx, k, redis.Z{Score: schedule.Score(dueAt), Member: itemID}).Err(); err != nil {
		return unreachable("upsert", err)
	}
	return unreachable("upsert", idx.touch(ctx, k))
}

// dueItemsScript checks the loaded marker and reads the due range in one
// round trip. It returns false when the marker is absent.
const dueItemsScript = `
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return false
end
return redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, ARGV[3])
`

// DueItems returns due item IDs. Redis orders equal scores lexicographically
// by member, which gives the item ID tie-break.
func (idx *Index) DueItems(ctx context.Context, key schedule.Key, now time.Time, limit int) ([]string, error) {
	limit = max(limit, 0)
	items, err := idx.client.Eval(ctx, dueItemsScript, []string{idx.key(key)},
		loadedMember, strconv.FormatFloat(schedule.Score(now), 'f', -1, 64), limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, unreachable("due_items", err)
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

// Load adds absent entries, then sets the loaded marker.
func (idx *Index) Load(ctx context.Context, key schedule.Key, entries []schedule.Entry) error {
	k := idx.key(key)
	if len(entries) > 0 {
		members := make([]redis.Z, len(entries))
		for i, e := range entries {
			members[i] = redis.Z{Score: schedule.Score(e.DueAt), Member: e.ItemID}
		}
		if err := idx.client.ZAddNX(ctx, k, members...).Err(); err != nil {
			return unreachable("load", err)
		}
	}
	if err := idx.client.ZAddNX(ctx, k, redis.Z{Score: loadedScore, Member: loadedMember}).Err(); err != nil {
		return unreachable("load", err)
	}
	return unreachable("load", idx.touch(ctx, k))
}

// Loaded reports whether the key carries the loaded marker.
func (idx *Index) Loaded(ctx context.Context, key schedule.Key) (bool, error) {
	err := idx.client.ZScore(ctx, idx.key(key), loadedMember).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unreachable("loaded", err)
	}
	return true, nil
}

// Score returns the cached due time of an item.
func (idx *Index) Score(ctx context.Context, key schedule.Key, itemID string) (time.Time, bool, error) {
	score, err := idx.client.ZScore(ctx, idx.key(key), itemID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unreachable("score", err)
	}
	return schedule.FromScore(score), true, nil
}

// Remove deletes the key.
func (idx *Index) Remove(ctx context.Context, key schedule.Key) error {
	return unreachable("remove", idx.client.Del(ctx, idx.key(key)).Err())
}

// PurgeSeason walks the season's keys with SCAN and UNLINKs each batch so
// Redis is never blocked by one large delete.
func (idx *Index) PurgeSeason(ctx context.Context, seasonID string, batch int) (int, error) {
	count := idx.config.ScanCount
	if batch > 0 {
		count = int64(batch)
	}

	removed := 0
	var cursor uint64
	for {
		keys, next, err := idx.client.Scan(ctx, cursor, idx.seasonPattern(seasonID), count).Result()
		if err != nil {
			return removed, unreachable("purge_season", err)
		}
		if len(keys) > 0 {
			n, err := idx.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return removed, unreachable("purge_season", err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		cursor = next
	}
}

// Ping checks Redis connectivity.
func (idx *Index) Ping(ctx context.Context) error {
	return unreachable("ping", idx.client.Ping(ctx).Err())
}

// Close is a no-op; the caller owns the client.
func (idx *Index) Close() error {
	return nil
}

var _ cache.Index = (*Index)(nil)
