package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlidingWindow admits at most limit calls in any trailing interval. Each
// grant is a uniquely named member of a sorted set scored by its time.
type SlidingWindow struct {
	base
	interval Interval
}

func NewSlidingWindow(store Store, name string, limit int64, interval Interval, opts ...Option) (*SlidingWindow, error) {
	b, err := newBase(store, name, TypeSlidingWindow, limit, opts)
	if err != nil {
		return nil, err
	}
	if err := interval.validate(); err != nil {
		return nil, err
	}
	return &SlidingWindow{base: b, interval: interval}, nil
}

func (s *SlidingWindow) Interval() Interval { return s.interval }

func (s *SlidingWindow) WithinLimit(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	ctx, span := s.startSpan(ctx)
	defer func() { endSpan(span, ran, err) }()

	out, err := retry{cap: 500 * time.Millisecond}.do(ctx, &s.base, s.attempt)
	if err != nil {
		return false, err
	}
	if !out.Granted {
		return s.deny(out)
	}
	return s.run(ctx, fn)
}

func (s *SlidingWindow) attempt(ctx context.Context, now time.Time) (Outcome, error) {
	reply, err := s.store.Eval(ctx, slidingWindowScript,
		[]string{s.key()},
		formatSeconds(unixSeconds(now)),
		s.interval.Seconds(),
		s.limit,
		uuid.NewString(),
		millis(s.stateTTL(s.interval)))
	if err != nil {
		return Outcome{}, err
	}
	return triple(slidingWindowScript, reply)
}

// Remaining prunes expired grants and reports how many calls the window still
// admits.
func (s *SlidingWindow) Remaining(ctx context.Context) (int64, error) {
	count, err := s.store.ZPrune(ctx, s.key(), unixSeconds(s.now())-s.interval.Seconds())
	if err != nil {
		return 0, err
	}
	return max(s.limit-count, 0), nil
}

func (s *SlidingWindow) String() string {
	return fmt.Sprintf("SlidingWindow(name=%q limit=%d interval=%s)", s.name, s.limit, s.interval)
}
