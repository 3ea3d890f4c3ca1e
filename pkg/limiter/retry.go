package limiter

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// retry drives the deadline-bounded loop shared by the window and bucket
// engines.
type retry struct {
	// cap bounds a single sleep.
	cap time.Duration
	// giveUp, when set, stops retrying a denial that waiting cannot fix.
	giveUp func(Outcome) bool
	// onPause observes every sleep before it happens.
	onPause func(ctx context.Context, d time.Duration) error
}

// do calls attempt until it grants, the wait budget runs out, or giveUp says
// stop. It returns the last outcome. Errors from attempt and from ctx end the
// loop immediately.
func (r retry) do(ctx context.Context, b *base, attempt func(ctx context.Context, now time.Time) (Outcome, error)) (Outcome, error) {
	deadline := b.now().Add(b.opts.waitTimeout)
	for {
		out, err := attempt(ctx, b.now())
		if err != nil {
			return Outcome{}, err
		}
		if out.Granted || (r.giveUp != nil && r.giveUp(out)) {
			return out, nil
		}

		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			return out, nil
		}

		pause := r.cap
		if out.RetryAfter > 0 && out.RetryAfter < pause {
			pause = out.RetryAfter
		}
		if remaining < pause {
			pause = remaining
		}

		b.opts.recorder.Add(MetricRetry, 1, b.tags)
		b.opts.logger.Debug("limiter denied, retrying",
			zap.String("limiter", b.name),
			zap.String("type", b.typ),
			zap.Duration("pause", pause),
			zap.Duration("remaining", remaining),
		)
		if r.onPause != nil {
			if err := r.onPause(ctx, pause); err != nil {
				return Outcome{}, err
			}
		}

		select {
		case <-b.opts.clock.After(pause):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}
