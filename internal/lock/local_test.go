package lock

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerIsExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker(clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	key := ChamaKey(snowflake.ID(42))

	token, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, key, token))
	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockerLeaseExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	locker := NewLocalLocker(clk)

	first, ok, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(2 * time.Minute)
	second, ok, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder must not drop the new lease.
	require.NoError(t, locker.Release(ctx, "k", first))
	_, ok, err = locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "k", second))
}

func TestLocalLockerValidatesInput(t *testing.T) {
	locker := NewLocalLocker(nil)
	_, _, err := locker.TryLock(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, _, err = locker.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestChamaKey(t *testing.T) {
	assert.Equal(t, "chama:rotation:lock:7", ChamaKey(snowflake.ID(7)))
}

func TestRedisLockerNotConfigured(t *testing.T) {
	var locker *RedisLocker
	_, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
}
