package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// FixedWindow admits at most limit calls per aligned interval bucket.
type FixedWindow struct {
	base
	interval Interval
}

// NewFixedWindow validates its arguments; it does not touch the store.
func NewFixedWindow(store Store, name string, limit int64, interval Interval, opts ...Option) (*FixedWindow, error) {
	b, err := newBase(store, name, TypeFixedWindow, limit, opts)
	if err != nil {
		return nil, err
	}
	if err := interval.validate(); err != nil {
		return nil, err
	}
	return &FixedWindow{base: b, interval: interval}, nil
}

func (f *FixedWindow) Interval() Interval { return f.interval }

func (f *FixedWindow) WithinLimit(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	ctx, span := f.startSpan(ctx)
	defer func() { endSpan(span, ran, err) }()

	r := retry{
		cap: time.Second,
		// A longer bucket will not roll over within any sensible wait.
		giveUp: func(Outcome) bool { return f.interval.Seconds() > 1 },
	}
	out, err := r.do(ctx, &f.base, f.attempt)
	if err != nil {
		return false, err
	}
	if !out.Granted {
		return f.deny(out)
	}
	return f.run(ctx, fn)
}

func (f *FixedWindow) attempt(ctx context.Context, now time.Time) (Outcome, error) {
	reply, err := f.store.Eval(ctx, fixedWindowScript,
		[]string{f.bucketKey(now)},
		f.limit, millis(f.stateTTL(f.interval)))
	if err != nil {
		return Outcome{}, err
	}
	return triple(fixedWindowScript, reply)
}

// bucketKey names the counter for the bucket containing now.
func (f *FixedWindow) bucketKey(now time.Time) string {
	secs := f.interval.Seconds()
	start := math.Floor(unixSeconds(now)/secs) * secs
	return f.key(strconv.FormatFloat(start, 'f', -1, 64))
}

// Remaining reports how many calls the current bucket still admits.
func (f *FixedWindow) Remaining(ctx context.Context) (int64, error) {
	v, ok, err := f.store.Get(ctx, f.bucketKey(f.now()))
	if err != nil {
		return 0, err
	}
	var count int64
	if ok {
		if count, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, fmt.Errorf("redline: invalid counter %q: %w", v, err)
		}
	}
	return max(f.limit-count, 0), nil
}

func (f *FixedWindow) String() string {
	return fmt.Sprintf("FixedWindow(name=%q limit=%d interval=%s)", f.name, f.limit, f.interval)
}
