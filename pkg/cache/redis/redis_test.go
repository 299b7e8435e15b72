package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/redistest"
	"github.com/goclaw/cadence/pkg/schedule"
)

// newMockClient returns a fake that emulates dueItemsScript.
func newMockClient() *redistest.MockClient {
	mock := redistest.NewMockClient()
	mock.HandleScript(dueItemsScript, func(m *redistest.MockClient, keys []string, args []interface{}) (interface{}, error) {
		if _, ok := m.ZScoreLocked(keys[0], fmt.Sprint(args[0])); !ok {
			return nil, redis.Nil
		}
		count := int64(args[2].(int))
		if count == 0 {
			return []interface{}{}, nil
		}
		items, err := m.ZRangeByScoreLocked(keys[0], &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprint(args[1]), Count: count})
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, nil
	})
	return mock
}

func TestIndex_ConformanceWithMock(t *testing.T) {
	suite := &cache.IndexTestSuite{
		NewIndex: func(t *testing.T) cache.Index {
			idx, err := New(newMockClient(), DefaultConfig())
			require.NoError(t, err)
			return idx
		},
	}
	suite.RunAllTests(t)
}

func TestIndex_ConformanceWithRedis(t *testing.T) {
	client := redistest.RequireClient(t)
	suite := &cache.IndexTestSuite{
		NewIndex: func(t *testing.T) cache.Index {
			idx, err := New(client, &Config{KeyPrefix: redistest.UniqueKeyPrefix("cache"), ScanCount: 10})
			require.NoError(t, err)
			return idx
		},
	}
	suite.RunAllTests(t)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	idx, err := New(newMockClient(), &Config{KeyPrefix: "x:"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), idx.config.ScanCount)
}

func TestIndex_KeyLayout(t *testing.T) {
	mock := newMockClient()
	idx, err := New(mock, &Config{KeyPrefix: "cadence:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.Load(ctx, schedule.Key{OwnerID: "U1", SeasonID: "S1"}, nil))
	assert.Equal(t, []string{"cadence:due:S1:U1"}, mock.Keys())
}

func TestIndex_UnreachableWrapsErrors(t *testing.T) {
	mock := newMockClient()
	idx, err := New(mock, DefaultConfig())
	require.NoError(t, err)
	mock.SetDown(true)

	ctx := context.Background()
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	assert.True(t, cache.IsUnreachable(idx.Upsert(ctx, key, "A", time.Now())))
	_, err = idx.DueItems(ctx, key, time.Now(), 10)
	assert.True(t, cache.IsUnreachable(err))
	assert.True(t, cache.IsUnreachable(idx.Ping(ctx)))
	_, err = idx.PurgeSeason(ctx, "S1", 10)
	assert.True(t, cache.IsUnreachable(err))
}

func TestIndex_KeyTTL(t *testing.T) {
	mock := newMockClient()
	idx, err := New(mock, &Config{KeyPrefix: "c:", KeyTTL: time.Minute})
	require.NoError(t, err)

	ctx := context.Background()
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}
	require.NoError(t, idx.Load(ctx, key, []schedule.Entry{{ItemID: "A", DueAt: time.Now()}}))

	mock.Advance(2 * time.Minute)
	loaded, err := idx.Loaded(ctx, key)
	require.NoError(t, err)
	assert.False(t, loaded, "expired key should read as a miss")
}

func TestIndex_DueItemsSingleRoundTrip(t *testing.T) {
	mock := newMockClient()
	idx, err := New(mock, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	key := schedule.Key{OwnerID: "U1", SeasonID: "S1"}

	before := mock.Calls()
	_, err = idx.DueItems(ctx, key, now, 10)
	assert.ErrorIs(t, err, cache.ErrMiss)
	assert.Equal(t, int64(1), mock.Calls()-before)

	require.NoError(t, idx.Load(ctx, key, []schedule.Entry{
		{ItemID: "B", DueAt: now.Add(-time.Minute)},
		{ItemID: "A", DueAt: now.Add(-time.Minute)},
		{ItemID: "C", DueAt: now.Add(time.Minute)},
	}))

	before = mock.Calls()
	items, err := idx.DueItems(ctx, key, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, items)
	assert.Equal(t, int64(1), mock.Calls()-before)

	items, err = idx.DueItems(ctx, key, now, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}
