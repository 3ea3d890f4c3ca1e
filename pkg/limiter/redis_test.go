package limiter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Integration(t *testing.T) {
	store, mr := newTestRedis(t)
	clk := clockwork.NewFakeClockAt(epoch)
	ctx := context.Background()

	t.Run("KeyLayout", func(t *testing.T) {
		fw, err := NewFixedWindow(store, "layout", 5, Minute, WithClock(clk))
		require.NoError(t, err)
		_, err = fw.WithinLimit(ctx, nopWork)
		require.NoError(t, err)

		key := fmt.Sprintf("redline:bucket:layout:%d", epoch.Unix())
		assert.True(t, mr.Exists(key), "expected %s", key)
		assert.Equal(t, 2*time.Minute, mr.TTL(key))
	})

	t.Run("WithNamespace", func(t *testing.T) {
		sem, err := NewSemaphore(store, "ns", 1, WithClock(clk), WithNamespace("custom_app"))
		require.NoError(t, err)
		_, err = sem.WithinLimit(ctx, nopWork)
		require.NoError(t, err)

		assert.True(t, mr.Exists("custom_app:concurrent:ns:slots"))
		assert.True(t, mr.Exists("custom_app:concurrent:ns:metrics"))
	})

	t.Run("DistributedState", func(t *testing.T) {
		// Two limiters with the same name stand in for two processes.
		a, err := NewFixedWindow(store, "dist", 1, Minute, WithClock(clk), WithWaitTimeout(0))
		require.NoError(t, err)
		b, err := NewFixedWindow(store, "dist", 1, Minute, WithClock(clk), WithWaitTimeout(0))
		require.NoError(t, err)

		_, err = a.WithinLimit(ctx, nopWork)
		require.NoError(t, err)
		ran, err := b.WithinLimit(ctx, nopWork)
		assert.False(t, ran)
		assert.ErrorIs(t, err, ErrOverLimit)
	})
}

func TestRedisStore_ReloadsFlushedScripts(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	sw, err := NewSlidingWindow(store, "flush", 5, Minute)
	require.NoError(t, err)
	_, err = sw.WithinLimit(ctx, nopWork)
	require.NoError(t, err)

	require.NoError(t, store.Client().ScriptFlush(ctx).Err())

	ran, err := sw.WithinLimit(ctx, nopWork)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	store, mr := newTestRedis(t, WithTimeout(time.Second))
	fw, err := NewFixedWindow(store, "down", 5, Minute)
	require.NoError(t, err)

	mr.Close()

	ran, err := fw.WithinLimit(context.Background(), nopWork)
	assert.False(t, ran)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err), "got %v", err)
	assert.NotErrorIs(t, err, ErrOverLimit)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()

	_, err := NewRedisStore(client, WithTimeout(time.Second))
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ping", connErr.Op)
}

func TestRedisStore_ReplyErrorsPassThrough(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	// A string where the window expects a sorted set.
	require.NoError(t, mr.Set("redline:window:wrongtype", "x"))
	sw, err := NewSlidingWindow(store, "wrongtype", 5, Minute)
	require.NoError(t, err)

	_, err = sw.WithinLimit(ctx, nopWork)
	require.Error(t, err)
	assert.False(t, IsConnectionError(err))
}

func TestRedisStore_BLPop(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	_, ok, err := store.BLPop(ctx, "q", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = mr.Push("q", "a")
	require.NoError(t, err)
	v, ok, err := store.BLPop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	start := time.Now()
	_, ok, err = store.BLPop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRedisStore_BLPopCancel(t *testing.T) {
	store, _ := newTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, ok, err := store.BLPop(ctx, "q", 3*time.Second)
	assert.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	// The abandoned pop is still pending in Redis; whatever it takes goes back.
	client := store.Client()
	require.NoError(t, client.RPush(context.Background(), "q", "signal").Err())
	assert.Eventually(t, func() bool {
		vals, err := client.LRange(context.Background(), "q", 0, -1).Result()
		return err == nil && len(vals) == 1 && vals[0] == "signal"
	}, 2*time.Second, 20*time.Millisecond)
}
