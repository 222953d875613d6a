package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStoreTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "bl"), mr
}

func TestRedisStore_AddAndContains(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	found, err := store.Contains(ctx, "dig-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Add(ctx, "dig-1", time.Now().Add(5*time.Minute)))
	require.NoError(t, store.Add(ctx, "dig-1", time.Now().Add(5*time.Minute)), "duplicate add is idempotent")

	found, err = store.Contains(ctx, "dig-1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.Contains(ctx, "dig-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_EntryExpiresWithCredential(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "dig-1", time.Now().Add(3*time.Minute)))

	ttl := mr.TTL("bl:dig-1")
	assert.LessOrEqual(t, ttl, 3*time.Minute)
	assert.Greater(t, ttl, 2*time.Minute)

	mr.FastForward(3*time.Minute + time.Second)

	found, err := store.Contains(ctx, "dig-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_SkipsExpiredEntries(t *testing.T) {
	store, mr := newRedisStoreTest(t)

	require.NoError(t, store.Add(context.Background(), "dig-1", time.Now().Add(-time.Second)))
	assert.False(t, mr.Exists("bl:dig-1"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	mr.Close()

	_, err := store.Contains(context.Background(), "dig-1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = store.Add(context.Background(), "dig-1", time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
