package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// LeakyBucket holds up to size units and drains size units per drain
// interval. Each call adds one unit.
type LeakyBucket struct {
	base
	drain Interval
	rate  float64
}

func NewLeakyBucket(store Store, name string, size int64, drain Interval, opts ...Option) (*LeakyBucket, error) {
	b, err := newBase(store, name, TypeLeakyBucket, size, opts)
	if err != nil {
		return nil, err
	}
	if err := drain.validate(); err != nil {
		return nil, err
	}
	return &LeakyBucket{
		base:  b,
		drain: drain,
		rate:  float64(size) / drain.Seconds(),
	}, nil
}

// DrainRate is the number of units leaving the bucket per second.
func (l *LeakyBucket) DrainRate() float64 { return l.rate }

func (l *LeakyBucket) DrainInterval() Interval { return l.drain }

func (l *LeakyBucket) WithinLimit(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	ctx, span := l.startSpan(ctx)
	defer func() { endSpan(span, ran, err) }()

	r := retry{
		cap: seconds(1 / l.rate),
		onPause: func(ctx context.Context, d time.Duration) error {
			return l.store.HIncrByFloat(ctx, l.metricsKey(), "sleep_time", d.Seconds(), l.opts.ttl)
		},
	}
	out, err := r.do(ctx, &l.base, l.attempt)
	if err != nil {
		return false, err
	}
	if !out.Granted {
		if err := l.store.HIncrBy(ctx, l.metricsKey(), "misses", 1, l.opts.ttl); err != nil {
			return false, err
		}
		return l.deny(out)
	}
	if err := l.store.HIncrBy(ctx, l.metricsKey(), "hits", 1, l.opts.ttl); err != nil {
		return false, err
	}
	return l.run(ctx, fn)
}

func (l *LeakyBucket) attempt(ctx context.Context, now time.Time) (Outcome, error) {
	reply, err := l.store.Eval(ctx, leakyBucketScript,
		[]string{l.key()},
		formatSeconds(unixSeconds(now)),
		l.limit,
		l.rate,
		millis(l.opts.ttl))
	if err != nil {
		return Outcome{}, err
	}
	return triple(leakyBucketScript, reply)
}

func (l *LeakyBucket) metricsKey() string { return l.key("metrics") }

// Level projects the stored level forward to now. It never writes.
func (l *LeakyBucket) Level(ctx context.Context) (float64, error) {
	state, err := l.store.HGetAll(ctx, l.key())
	if err != nil {
		return 0, err
	}
	if len(state) == 0 {
		return 0, nil
	}
	now := unixSeconds(l.now())
	level := convertToFloat(state["level"])
	last := now
	if v, ok := state["last_drip"]; ok {
		last = convertToFloat(v)
	}
	return max(level-max(now-last, 0)*l.rate, 0), nil
}

func (l *LeakyBucket) Metrics(ctx context.Context) (LeakyBucketMetrics, error) {
	raw, err := l.store.HGetAll(ctx, l.metricsKey())
	if err != nil {
		return LeakyBucketMetrics{}, err
	}
	return LeakyBucketMetrics{
		Hits:      parseCounter(raw["hits"]),
		Misses:    parseCounter(raw["misses"]),
		SleepTime: convertToFloat(raw["sleep_time"]),
	}, nil
}

func (l *LeakyBucket) String() string {
	return fmt.Sprintf("LeakyBucket(name=%q size=%d drain_interval=%s)", l.name, l.limit, l.drain)
}

// parseCounter reads an integer hash field; HINCRBYFLOAT may have left it in
// decimal form.
func parseCounter(v string) int64 {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return int64(convertToFloat(v))
}
