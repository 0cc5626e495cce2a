package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestTokenBlacklist(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	bl := NewTokenBlacklist(rdb)

	ok, err := bl.Contains(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bl.Add(ctx, "tok", time.Minute))
	ok, err = bl.Contains(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = bl.Contains(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	// 已过期的 token 不写入
	require.NoError(t, bl.Add(ctx, "old", 0))
	assert.False(t, mr.Exists("blacklist:old"))
}

func TestWebhookDedupe(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	d := NewWebhookDedupe(rdb, 0)

	first, err := d.FirstSeen(ctx, "twilio", "SM1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.FirstSeen(ctx, "twilio", "SM1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := d.FirstSeen(ctx, "meta", "SM1")
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, d.Forget(ctx, "twilio", "SM1"))
	retry, err := d.FirstSeen(ctx, "twilio", "SM1")
	require.NoError(t, err)
	assert.True(t, retry)

	noID, err := d.FirstSeen(ctx, "twilio", "")
	require.NoError(t, err)
	assert.True(t, noID)
}

func TestAttemptCounter(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	c := NewAttemptCounter(rdb)

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Greater(t, mr.TTL("kafka:attempts:task-1"), time.Duration(0))

	require.NoError(t, c.Reset(ctx, "task-1"))
	assert.False(t, mr.Exists("kafka:attempts:task-1"))
}
