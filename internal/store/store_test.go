package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// setupTestStore creates a store client backed by miniredis
func setupTestStore(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	client := NewFromClient(rdb)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewClient_NilConfig(t *testing.T) {
	client, err := NewClient(nil)
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestClient_SetGetDel(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	err := client.Set(ctx, "k1", "v1", time.Minute)
	require.NoError(t, err)

	val, err := client.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	count, err := client.Del(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = client.Get(ctx, "k1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestClient_MGet_MissingKeys(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "a", "1", 0))
	require.NoError(t, client.Set(ctx, "c", "3", 0))

	vals, err := client.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "", "3"}, vals)
}

func TestClient_IncrByWithExpiry(t *testing.T) {
	client, mr := setupTestStore(t)
	ctx := context.Background()

	val, err := client.IncrByWithExpiry(ctx, "counter", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)

	val, err = client.IncrByWithExpiry(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), val)

	// TTL must be refreshed on every increment
	assert.Greater(t, mr.TTL("counter"), time.Duration(0))
}

func TestClient_GetInt64_MissingIsZero(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	val, err := client.GetInt64(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), val)
}

func TestClient_LPushCapped(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := client.LPushCapped(ctx, "samples", i, 5, time.Hour)
		require.NoError(t, err)
	}

	length, err := client.LLen(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)

	// Most recent entries survive the trim
	vals, err := client.LRange(ctx, "samples", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"9", "8", "7", "6", "5"}, vals)
}

func TestClient_SetOperations(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, client.SAdd(ctx, "ids", "a", "b", "c"))

	ok, err := client.SIsMember(ctx, "ids", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := client.SCard(ctx, "ids")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	removed, err := client.SRem(ctx, "ids", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = client.SRem(ctx, "ids", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	members, err := client.SMembers(ctx, "ids")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestClient_SortedSetOperations(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	err := client.ZAdd(ctx, "due",
		redis.Z{Score: 100, Member: "op-1"},
		redis.Z{Score: 200, Member: "op-2"},
		redis.Z{Score: 300, Member: "op-3"},
	)
	require.NoError(t, err)

	due, err := client.ZRangeByScore(ctx, "due", &redis.ZRangeBy{Min: "0", Max: "250"})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1", "op-2"}, due)

	require.NoError(t, client.ZRem(ctx, "due", "op-1"))

	count, err := client.ZCard(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestClient_SetNX(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "flag", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "flag", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := client.Get(ctx, "flag")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
}

func TestClient_WatchCAS_Conflict(t *testing.T) {
	client, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "version", "v1", 0))

	err := client.WatchCAS(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, "version").Result()
		if err != nil {
			return err
		}
		assert.Equal(t, "v1", current)

		// Another writer sneaks in before the transaction commits
		mr.Set("version", "v2")

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "version", "v3", 0)
			return nil
		})
		return err
	}, "version")

	assert.ErrorIs(t, err, ErrCASConflict)

	val, err := client.Get(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}

func TestClient_Pipelined(t *testing.T) {
	client, _ := setupTestStore(t)
	ctx := context.Background()

	err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "p1", "1", time.Minute)
		pipe.Set(ctx, "p2", "2", time.Minute)
		return nil
	})
	require.NoError(t, err)

	vals, err := client.MGet(ctx, "p1", "p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, vals)
}

func TestClient_Health(t *testing.T) {
	client, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	mr.Close()
	assert.Error(t, client.Health(ctx))
}
