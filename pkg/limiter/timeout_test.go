package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_ContextCancellation(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store, clk *clockwork.FakeClock) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		fw, err := NewFixedWindow(store, "user_cancel", 100, Second, WithClock(clk))
		require.NoError(t, err)

		called := false
		ran, err := fw.WithinLimit(ctx, func(context.Context) error {
			called = true
			return nil
		})
		assert.False(t, ran)
		assert.False(t, called)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestLimiter_CancelDuringRetry(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store, clk *clockwork.FakeClock) {
		sw, err := NewSlidingWindow(store, "user_retry", 1, Minute, WithClock(clk), WithWaitTimeout(time.Hour))
		require.NoError(t, err)

		_, err = sw.WithinLimit(context.Background(), nopWork)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			bctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer bcancel()
			_ = clk.BlockUntilContext(bctx, 1)
			cancel()
		}()

		ran, err := sw.WithinLimit(ctx, nopWork)
		assert.False(t, ran)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisStore_Deadline(t *testing.T) {
	store, _ := newTestRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	p, err := NewPoints(store, "user_deadline", 100, 1)
	require.NoError(t, err)

	_, err = p.WithinLimit(ctx, 1, func(context.Context, *Adjustment) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphore_CancelWhileBlocked(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store, _ *clockwork.FakeClock) {
		sem, err := NewSemaphore(store, "user_block", 1, WithWaitTimeout(5*time.Second))
		require.NoError(t, err)

		_, err = sem.WithinLimit(context.Background(), func(context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			start := time.Now()
			ran, err := sem.WithinLimit(ctx, nopWork)
			assert.False(t, ran)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), 4*time.Second)
			return nil
		})
		require.NoError(t, err)

		held, err := sem.Held(context.Background())
		require.NoError(t, err)
		assert.Zero(t, held)
	})
}

func TestSemaphore_CancelWithoutDeadline(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store, _ *clockwork.FakeClock) {
		sem, err := NewSemaphore(store, "user_block", 1, WithWaitTimeout(5*time.Second))
		require.NoError(t, err)

		_, err = sem.WithinLimit(context.Background(), func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(200*time.Millisecond, cancel)

			start := time.Now()
			ran, err := sem.WithinLimit(ctx, nopWork)
			assert.False(t, ran)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Less(t, time.Since(start), 2*time.Second)
			return nil
		})
		require.NoError(t, err)

		// The slot is free again, and a wake signal left by the abandoned wait
		// cannot grant more than the limit.
		quick, err := NewSemaphore(store, "user_block", 1, WithWaitTimeout(300*time.Millisecond))
		require.NoError(t, err)
		ran, err := quick.WithinLimit(context.Background(), func(ctx context.Context) error {
			ran, err := quick.WithinLimit(ctx, nopWork)
			assert.False(t, ran)
			assert.ErrorIs(t, err, ErrOverLimit)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})
}
