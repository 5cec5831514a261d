package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to PAYOUTS_TEST_REDIS_ADDR; tests skip without it
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PAYOUTS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Requires Redis, set PAYOUTS_TEST_REDIS_ADDR")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func testPrefix(t *testing.T) string {
	tok, err := Token()
	require.NoError(t, err)
	return "payouts:test:" + tok + ":"
}

func TestToken_Unique(t *testing.T) {
	a, err := Token()
	require.NoError(t, err)
	b, err := Token()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestRedisLocker_SingleHolder(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, testPrefix(t))
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "recurring", time.Minute)
	require.NoError(t, err)

	_, err = NewRedisLocker(rdb, l.prefix).Acquire(ctx, "recurring", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
	lease, err = l.Acquire(ctx, "recurring", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestRedisLocker_RefreshExtendsHold(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, testPrefix(t))
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "recurring", 300*time.Millisecond)
	require.NoError(t, err)
	defer lease.Release(ctx)

	for i := 0; i < 3; i++ {
		time.Sleep(150 * time.Millisecond)
		ok, err := lease.Refresh(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err = l.Acquire(ctx, "recurring", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestRedisLocker_LostHoldCannotRefreshOrRelease(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, testPrefix(t))
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "recurring", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	current, err := l.Acquire(ctx, "recurring", time.Minute)
	require.NoError(t, err)

	ok, err := stale.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// the token mismatch leaves the new hold in place
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "recurring", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	ok, err = current.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, current.Release(ctx))
}
