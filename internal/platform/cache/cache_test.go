package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, "schoolhealth:")
}

func TestRedisStore_SetGet(t *testing.T) {
	mr, store := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "incident:1", []byte(`{"code":"HI-1"}`), time.Minute))

	data, ok, err := store.Get(ctx, "incident:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"code":"HI-1"}`, string(data))
	assert.True(t, mr.Exists("schoolhealth:incident:1"), "key should be prefixed")
}

func TestRedisStore_Miss(t *testing.T) {
	_, store := setupRedis(t)

	data, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, store := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "incidents:pending", []byte("[]"), 30*time.Second))
	mr.FastForward(31 * time.Second)

	_, ok, err := store.Get(ctx, "incidents:pending")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_DeleteMany(t *testing.T) {
	_, store := setupRedis(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, store.Set(ctx, k, []byte(k), time.Minute))
	}
	require.NoError(t, store.Delete(ctx, "a", "b"))
	require.NoError(t, store.Delete(ctx))

	_, okA, _ := store.Get(ctx, "a")
	_, okC, _ := store.Get(ctx, "c")
	assert.False(t, okA)
	assert.True(t, okC)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr, store := setupRedis(t)
	mr.Close()

	_, _, err := store.Get(context.Background(), "x")
	assert.Error(t, err)
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	data, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), data)

	require.NoError(t, s.Delete(ctx, "k", "unknown"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStore_LazyExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)

	_, ok, _ := s.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "expired entry should be evicted on read")
}

func TestMemoryStore_ExpiredReadKeepsNewerSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	clock := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	// refresh makes the next clock read repopulate the key, the way a
	// concurrent reader would between Get's read and its eviction.
	refresh := false
	s.now = func() time.Time {
		if refresh {
			refresh = false
			require.NoError(t, s.Set(ctx, "incidents:pending", []byte("fresh"), time.Minute))
		}
		return clock
	}

	require.NoError(t, s.Set(ctx, "incidents:pending", []byte("stale"), time.Minute))
	clock = clock.Add(2 * time.Minute)
	refresh = true

	_, ok, err := s.Get(ctx, "incidents:pending")
	require.NoError(t, err)
	assert.False(t, ok)

	data, ok, _ := s.Get(ctx, "incidents:pending")
	require.True(t, ok, "the newer entry must survive eviction of the expired one")
	assert.Equal(t, "fresh", string(data))
}
