package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// epoch is aligned to a whole minute so fixed window buckets start on it.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, opts...)
	require.NoError(t, err)
	return store, mr
}

// eachStore runs fn once against a MemoryStore and once against a RedisStore
// on miniredis, each with a fresh fake clock.
func eachStore(t *testing.T, fn func(t *testing.T, store Store, clk *clockwork.FakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clk := clockwork.NewFakeClockAt(epoch)
		fn(t, NewMemoryStore(WithClock(clk)), clk)
	})
	t.Run("redis", func(t *testing.T) {
		clk := clockwork.NewFakeClockAt(epoch)
		store, _ := newTestRedis(t)
		fn(t, store, clk)
	})
}

func nopWork(context.Context) error { return nil }

// advanceWhenBlocked moves clk forward by d once one goroutine sleeps on it.
func advanceWhenBlocked(t *testing.T, clk *clockwork.FakeClock, d time.Duration) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := clk.BlockUntilContext(ctx, 1); err == nil {
			clk.Advance(d)
		}
	}()
}
