package attendance

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisRotationCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRotationCache(client, ""), srv
}

func TestRedisRotationCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, srv := newRedisCache(t)

	_, ok, err := c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := t0.Add(1234 * time.Nanosecond)
	require.NoError(t, c.Set(ctx, "e1", at))
	assert.Equal(t, strconv.FormatInt(at.UnixNano(), 10), srv.HGet("eventgate:rotations", "e1"))

	got, ok, err := c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(at))

	require.NoError(t, c.Delete(ctx, "e1"))
	_, ok, err = c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRotationCache_GarbageIsAMiss(t *testing.T) {
	ctx := context.Background()
	c, srv := newRedisCache(t)
	srv.HSet("eventgate:rotations", "e1", "not-a-number")

	_, ok, err := c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRotationCache_GarbageRotatesOnceThenHeals(t *testing.T) {
	ctx := context.Background()
	c, srv := newRedisCache(t)
	f := newFixture(t, participants(), Options{Cache: c})
	ev := f.createOpen(t, nil)

	srv.HSet("eventgate:rotations", ev.ID, "garbage")

	rotated, err := f.svc.GetEvent(ctx, ev.ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, ev.JoinCode, rotated.JoinCode)
	assert.Equal(t, strconv.FormatInt(t0.Add(time.Second).UnixNano(), 10), srv.HGet("eventgate:rotations", ev.ID))

	again, err := f.svc.GetEvent(ctx, ev.ID, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, rotated.JoinCode, again.JoinCode)
}

func TestRedisRotationCache_UnreachableFallsBackToIssueTime(t *testing.T) {
	ctx := context.Background()
	c, srv := newRedisCache(t)
	f := newFixture(t, participants(), Options{Cache: c})
	ev := f.createOpen(t, nil)

	srv.Close()

	same, err := f.svc.GetEvent(ctx, ev.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ev.JoinCode, same.JoinCode)
}
