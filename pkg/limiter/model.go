package limiter

import (
	"context"
	"fmt"
	"time"
)

// Policy decides what a limiter does once its wait budget is spent while the
// store keeps denying.
type Policy int

const (
	// PolicyRaise returns an *OverLimitError.
	PolicyRaise Policy = iota
	// PolicyIgnore silently skips the work and reports ran == false.
	PolicyIgnore
)

func (p Policy) String() string {
	switch p {
	case PolicyRaise:
		return "raise"
	case PolicyIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps "raise" or "ignore" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "raise", "":
		return PolicyRaise, nil
	case "ignore":
		return PolicyIgnore, nil
	default:
		return PolicyRaise, fmt.Errorf("redline: unknown policy %q (want raise or ignore)", s)
	}
}

// Outcome is the result of one atomic admission attempt.
type Outcome struct {
	Granted bool
	// Current is the usage the store reported: a count, a level, available
	// points or held locks, depending on the algorithm.
	Current float64
	// RetryAfter is the store's estimate of when a retry could succeed.
	// Zero or negative means unknown.
	RetryAfter time.Duration
}

// Limiter is the shape shared by every engine that admits a unit of work.
//
// WithinLimit runs fn once permission is granted and returns ran == true
// together with fn's error. When permission is denied for the whole wait
// budget it returns ran == false and either an *OverLimitError (PolicyRaise)
// or a nil error (PolicyIgnore). Store failures are returned as they are.
type Limiter interface {
	WithinLimit(ctx context.Context, fn func(context.Context) error) (bool, error)
}

// Within runs fn under l and hands back fn's result. ok is false when the
// limiter skipped fn.
func Within[T any](ctx context.Context, l Limiter, fn func(context.Context) (T, error)) (res T, ok bool, err error) {
	ok, err = l.WithinLimit(ctx, func(ctx context.Context) error {
		var ferr error
		res, ferr = fn(ctx)
		return ferr
	})
	return res, ok, err
}

// SemaphoreMetrics is the shared counter hash kept per semaphore.
type SemaphoreMetrics struct {
	Immediate int64
	Waited    int64
	Held      int64
	Overages  int64
	Reclaimed int64
	HeldTime  float64
	WaitTime  float64
}

// LeakyBucketMetrics is the shared counter hash kept per leaky bucket.
type LeakyBucketMetrics struct {
	Hits      int64
	Misses    int64
	SleepTime float64
}
