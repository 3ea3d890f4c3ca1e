package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeakyBucket_Drains(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store, clk *clockwork.FakeClock) {
		ctx := context.Background()
		lb, err := NewLeakyBucket(store, "uploads", 2, Minute, WithClock(clk), WithWaitTimeout(0))
		require.NoError(t, err)
		assert.InDelta(t, 2.0/60, lb.DrainRate(), 1e-9)

		level, err := lb.Level(ctx)
		require.NoError(t, err)
		assert.Zero(t, level)

		for range 2 {
			ran, err := lb.WithinLimit(ctx, nopWork)
			require.NoError(t, err)
			require.True(t, ran)
		}

		ran, err := lb.WithinLimit(ctx, nopWork)
		assert.False(t, ran)
		var overLimit *OverLimitError
		require.ErrorAs(t, err, &overLimit)
		assert.Equal(t, TypeLeakyBucket, overLimit.Type)
		assert.Equal(t, int64(2), overLimit.Current)
		assert.InDelta(t, 30*time.Second, overLimit.RetryAfter, float64(time.Millisecond))

		clk.Advance(15 * time.Second)
		level, err = lb.Level(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 1.5, level, 1e-3)

		clk.Advance(15 * time.Second)
		ran, err = lb.WithinLimit(ctx, nopWork)
		require.NoError(t, err)
		assert.True(t, ran)

		m, err := lb.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), m.Hits)
		assert.Equal(t, int64(1), m.Misses)
		assert.Zero(t, m.SleepTime)
	})
}

func TestLeakyBucket_LevelDoesNotWrite(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store, clk *clockwork.FakeClock) {
		ctx := context.Background()
		lb, err := NewLeakyBucket(store, "uploads", 10, Seconds(10), WithClock(clk), WithWaitTimeout(0))
		require.NoError(t, err)

		_, err = lb.WithinLimit(ctx, nopWork)
		require.NoError(t, err)

		before, err := store.HGetAll(ctx, lb.key())
		require.NoError(t, err)

		clk.Advance(500 * time.Millisecond)
		level, err := lb.Level(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, level, 1e-3)

		after, err := store.HGetAll(ctx, lb.key())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestLeakyBucket_WaitsForDrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store, clk *clockwork.FakeClock) {
		ctx := context.Background()
		lb, err := NewLeakyBucket(store, "uploads", 1, Second, WithClock(clk), WithWaitTimeout(5*time.Second))
		require.NoError(t, err)

		_, err = lb.WithinLimit(ctx, nopWork)
		require.NoError(t, err)

		advanceWhenBlocked(t, clk, time.Second)
		ran, err := lb.WithinLimit(ctx, nopWork)
		require.NoError(t, err)
		assert.True(t, ran)

		m, err := lb.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), m.Hits)
		assert.Zero(t, m.Misses)
		assert.InDelta(t, 1.0, m.SleepTime, 1e-6)
	})
}

func TestLeakyBucket_String(t *testing.T) {
	lb, err := NewLeakyBucket(NewMemoryStore(), "uploads", 5, Minute)
	require.NoError(t, err)
	assert.Equal(t, `LeakyBucket(name="uploads" size=5 drain_interval=minute)`, lb.String())
}
