package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "chama:rotation:lock:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	got, err := mr.Get("chama:rotation:lock:1")
	require.NoError(t, err)
	assert.Equal(t, token, got)
	assert.Equal(t, time.Minute, mr.TTL("chama:rotation:lock:1"))

	_, ok, err = locker.TryLock(ctx, "chama:rotation:lock:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = locker.TryLock(ctx, "chama:rotation:lock:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerReleaseComparesToken(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	ctx := context.Background()
	key := "chama:rotation:lock:1"

	token, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, key, "someone-else"))
	assert.True(t, mr.Exists(key))
	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, key, token))
	assert.False(t, mr.Exists(key))
	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerExpiredHolderCannotDropNewLease(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	ctx := context.Background()
	key := "chama:rotation:lock:1"

	stale, ok, err := locker.TryLock(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	fresh, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, stale, fresh)

	require.NoError(t, locker.Release(ctx, key, stale))
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
}

func TestRedisLockerValidatesInput(t *testing.T) {
	locker, _ := newTestRedisLocker(t)
	_, _, err := locker.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, _, err = locker.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}
