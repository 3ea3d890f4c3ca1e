package limiter

import "context"

// Unlimited always runs fn. It never touches a store, so it can stand in for
// a real limiter in tests or when limiting is switched off.
type Unlimited struct{}

func (Unlimited) WithinLimit(ctx context.Context, fn func(context.Context) error) (bool, error) {
	return true, fn(ctx)
}

func (Unlimited) String() string { return "Unlimited" }

var (
	_ Limiter = Unlimited{}
	_ Limiter = (*FixedWindow)(nil)
	_ Limiter = (*SlidingWindow)(nil)
	_ Limiter = (*LeakyBucket)(nil)
	_ Limiter = (*Semaphore)(nil)
)
