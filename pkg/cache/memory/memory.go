// Package memory provides an in-process cache.Index.
package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/schedule"
)

const shardCount = 32

type entry struct {
	item  string
	score float64
}

// btreeDegree is the B-tree node degree for each sorted set.
const btreeDegree = 16

// sortedSet keeps entries ordered by (score, item) in a B-tree, with a score
// map for member lookups.
type sortedSet struct {
	entries *btree.BTreeG[entry]
	scores  map[string]float64
	loaded  bool
}

func newSortedSet() *sortedSet {
	return &sortedSet{entries: btree.NewG(btreeDegree, less), scores: make(map[string]float64)}
}

func less(a, b entry) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.item < b.item
}

func (s *sortedSet) set(item string, score float64, onlyNew bool) {
	if old, ok := s.scores[item]; ok {
		if onlyNew || old == score {
			return
		}
		s.entries.Delete(entry{item: item, score: old})
	}
	s.entries.ReplaceOrInsert(entry{item: item, score: score})
	s.scores[item] = score
}

// due returns up to limit items with a score at or below maxScore.
func (s *sortedSet) due(maxScore float64, limit int) []string {
	out := make([]string, 0)
	if limit <= 0 {
		return out
	}
	s.entries.Ascend(func(e entry) bool {
		if e.score > maxScore {
			return false
		}
		out = append(out, e.item)
		return len(out) < limit
	})
	return out
}

type shard struct {
	mu   sync.RWMutex
	sets map[schedule.Key]*sortedSet
}

// Index is a sharded in-process implementation of cache.Index.
type Index struct {
	shards [shardCount]*shard
	down   bool
	downMu sync.RWMutex
}

// New creates an empty index.
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{sets: make(map[schedule.Key]*sortedSet)}
	}
	return idx
}

func (idx *Index) shardFor(key schedule.Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.SeasonID))
	h.Write([]byte{0})
	h.Write([]byte(key.OwnerID))
	return idx.shards[h.Sum32()%shardCount]
}

// SetDown simulates an unreachable cache.
func (idx *Index) SetDown(down bool) {
	idx.downMu.Lock()
	defer idx.downMu.Unlock()
	idx.down = down
}

func (idx *Index) check(op string) error {
	idx.downMu.RLock()
	defer idx.downMu.RUnlock()
	if idx.down {
		return &cache.UnreachableError{Op: op, Cause: errDown}
	}
	return nil
}

// Upsert sets the due time of one item.
func (idx *Index) Upsert(ctx context.Context, key schedule.Key, itemID string, dueAt time.Time) error {
	if err := idx.check("upsert"); err != nil {
		return err
	}
	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.sets[key]
	if !ok {
		set = newSortedSet()
		sh.sets[key] = set
	}
	set.set(itemID, schedule.Score(dueAt), false)
	return nil
}

// DueItems returns due item IDs in (due, item) order.
func (idx *Index) DueItems(ctx context.Context, key schedule.Key, now time.Time, limit int) ([]string, error) {
	if err := idx.check("due_items"); err != nil {
		return nil, err
	}
	sh := idx.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set, ok := sh.sets[key]
	if !ok || !set.loaded {
		return nil, cache.ErrMiss
	}
	return set.due(schedule.Score(now), limit), nil
}

// Load adds absent entries and marks the key loaded.
func (idx *Index) Load(ctx context.Context, key schedule.Key, entries []schedule.Entry) error {
	if err := idx.check("load"); err != nil {
		return err
	}
	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.sets[key]
	if !ok {
		set = newSortedSet()
		sh.sets[key] = set
	}
	for _, e := range entries {
		set.set(e.ItemID, schedule.Score(e.DueAt), true)
	}
	set.loaded = true
	return nil
}

// Loaded reports whether the key is fully populated.
func (idx *Index) Loaded(ctx context.Context, key schedule.Key) (bool, error) {
	if err := idx.check("loaded"); err != nil {
		return false, err
	}
	sh := idx.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set, ok := sh.sets[key]
	return ok && set.loaded, nil
}

// Score returns the cached due time of an item.
func (idx *Index) Score(ctx context.Context, key schedule.Key, itemID string) (time.Time, bool, error) {
	if err := idx.check("score"); err != nil {
		return time.Time{}, false, err
	}
	sh := idx.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set, ok := sh.sets[key]
	if !ok {
		return time.Time{}, false, nil
	}
	score, ok := set.scores[itemID]
	if !ok {
		return time.Time{}, false, nil
	}
	return schedule.FromScore(score), true, nil
}

// Remove drops every entry under the key.
func (idx *Index) Remove(ctx context.Context, key schedule.Key) error {
	if err := idx.check("remove"); err != nil {
		return err
	}
	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sets, key)
	return nil
}

// PurgeSeason removes every key of a season, one shard at a time.
func (idx *Index) PurgeSeason(ctx context.Context, seasonID string, _ int) (int, error) {
	removed := 0
	for _, sh := range idx.shards {
		if err := idx.check("purge_season"); err != nil {
			return removed, err
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for key := range sh.sets {
			if key.SeasonID == seasonID {
				delete(sh.sets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Ping reports whether the index is reachable.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.check("ping")
}

// Close is a no-op.
func (idx *Index) Close() error {
	return nil
}

// Len returns the number of keys; used by tests and diagnostics.
func (idx *Index) Len() int {
	n := 0
	for _, sh := range idx.shards {
		sh.mu.RLock()
		n += len(sh.sets)
		sh.mu.RUnlock()
	}
	return n
}

var errDown = errors.New("in-process cache marked down")

var _ cache.Index = (*Index)(nil)
