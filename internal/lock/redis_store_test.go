package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestRedisClient returns a client connected to an in-process Redis server.
func getTestRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, mr
}

func TestRedisStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T, opts ...StoreOption) Backend[testResource] {
		client, _ := getTestRedisClient(t)
		return NewRedisStore[testResource](client, WithRedisStoreOptions(opts...))
	})
}

func TestRedisStore_MutualExclusion(t *testing.T) {
	client, _ := getTestRedisClient(t)
	runMutualExclusion(t, NewRedisStore[testResource](client), 100)
}

func TestRedisStore_DistinctSlots(t *testing.T) {
	client, _ := getTestRedisClient(t)
	runDistinctSlots(t, NewRedisStore[testResource](client), 50)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	client, mr := getTestRedisClient(t)
	ctx := context.Background()

	store := NewRedisStore[testResource](client, WithKeyPrefix("test:docs:"))
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Create(ctx, "r1", newTestResource("r1")))

	assert.True(t, mr.Exists("test:docs:r1"))
	assert.False(t, mr.Exists(DefaultRedisPrefix+"r1"))
}

func TestRedisStore_LeaseIsStoredInDocument(t *testing.T) {
	client, mr := getTestRedisClient(t)
	ctx := context.Background()

	store := NewRedisStore[testResource](client, WithRedisStoreOptions(WithLeaseDuration(time.Minute)))
	require.NoError(t, store.Create(ctx, "r1", newTestResource("r1", "a")))

	doc, err := store.AcquireLock(ctx, slotsSelector(), "r1", "a", 5)
	require.NoError(t, err)
	require.NotNil(t, doc)

	raw, err := mr.Get(DefaultRedisPrefix + "r1")
	require.NoError(t, err)
	assert.Contains(t, raw, doc.Slots[0].LockID)
	assert.Equal(t, time.Duration(0), mr.TTL(DefaultRedisPrefix+"r1"), "documents do not expire")
}

func TestRedisStore_ConnectionError(t *testing.T) {
	client, mr := getTestRedisClient(t)
	ctx := context.Background()

	store := NewRedisStore[testResource](client)
	require.NoError(t, store.Create(ctx, "r1", newTestResource("r1")))
	mr.SetError("ERR injected failure")

	_, err := store.AcquireLock(ctx, selfSelector(), "r1", "", 5)
	assert.Error(t, err)

	mr.SetError("")
	doc, err := store.AcquireLock(ctx, selfSelector(), "r1", "", 5)
	require.NoError(t, err)
	assert.NotNil(t, doc)
}
