package limiter

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Points is a token bucket where every call names its own cost. It holds up
// to capacity points and refills at refillRate points per second.
type Points struct {
	base
	capacity   float64
	refillRate float64
}

// NewPoints accepts a zero refillRate for a bucket that never refills.
func NewPoints(store Store, name string, capacity int64, refillRate float64, opts ...Option) (*Points, error) {
	b, err := newBase(store, name, TypePoints, capacity, opts)
	if err != nil {
		return nil, err
	}
	if refillRate < 0 || math.IsNaN(refillRate) || math.IsInf(refillRate, 0) {
		return nil, fmt.Errorf("redline: points limiter %q: invalid refill rate %v", name, refillRate)
	}
	return &Points{base: b, capacity: float64(capacity), refillRate: refillRate}, nil
}

func (p *Points) RefillRate() float64 { return p.refillRate }

// Adjustment settles the real cost of a granted call. Only the first
// Reconcile has any effect.
type Adjustment struct {
	points   *Points
	estimate float64
	done     atomic.Bool
}

func (a *Adjustment) Estimate() float64 { return a.estimate }

// Reconcile credits back estimate-actual points, or debits the difference
// when actual is higher. The stored balance stays within [0, capacity].
func (a *Adjustment) Reconcile(ctx context.Context, actual float64) error {
	if !a.done.CompareAndSwap(false, true) {
		return nil
	}
	if actual == a.estimate {
		return nil
	}
	p := a.points
	reply, err := p.store.Eval(ctx, pointsAdjustScript,
		[]string{p.key()},
		a.estimate-actual,
		p.capacity,
		millis(p.opts.ttl))
	if err != nil {
		return err
	}
	_, err = single(pointsAdjustScript, reply)
	return err
}

// WithinLimit debits estimate points, then runs fn with a handle that can
// correct the debit once the real cost is known.
func (p *Points) WithinLimit(ctx context.Context, estimate float64, fn func(context.Context, *Adjustment) error) (ran bool, err error) {
	ctx, span := p.startSpan(ctx)
	defer func() { endSpan(span, ran, err) }()

	if estimate < 0 || math.IsNaN(estimate) || math.IsInf(estimate, 0) {
		return false, fmt.Errorf("redline: points limiter %q: invalid estimate %v", p.name, estimate)
	}

	r := retry{
		cap: 100 * time.Millisecond,
		// The bucket never holds more than capacity.
		giveUp: func(Outcome) bool { return estimate > p.capacity },
	}
	out, err := r.do(ctx, &p.base, func(ctx context.Context, now time.Time) (Outcome, error) {
		return p.attempt(ctx, now, estimate)
	})
	if err != nil {
		return false, err
	}
	if !out.Granted {
		return p.deny(out)
	}
	adj := &Adjustment{points: p, estimate: estimate}
	return p.run(ctx, func(ctx context.Context) error { return fn(ctx, adj) })
}

func (p *Points) attempt(ctx context.Context, now time.Time, estimate float64) (Outcome, error) {
	reply, err := p.store.Eval(ctx, pointsCheckScript,
		[]string{p.key()},
		formatSeconds(unixSeconds(now)),
		p.capacity,
		p.refillRate,
		estimate,
		millis(p.opts.ttl))
	if err != nil {
		return Outcome{}, err
	}
	return triple(pointsCheckScript, reply)
}

// Estimate fixes the cost of every call, adapting p to Limiter.
func (p *Points) Estimate(estimate float64) Limiter {
	return fixedCost{points: p, estimate: estimate}
}

type fixedCost struct {
	points   *Points
	estimate float64
}

func (f fixedCost) WithinLimit(ctx context.Context, fn func(context.Context) error) (bool, error) {
	return f.points.WithinLimit(ctx, f.estimate, func(ctx context.Context, _ *Adjustment) error {
		return fn(ctx)
	})
}

// AvailablePoints projects the stored balance forward to now. It never writes.
func (p *Points) AvailablePoints(ctx context.Context) (float64, error) {
	state, err := p.store.HGetAll(ctx, p.key())
	if err != nil {
		return 0, err
	}
	if len(state) == 0 {
		return p.capacity, nil
	}
	now := unixSeconds(p.now())
	points := p.capacity
	if v, ok := state["points"]; ok {
		points = convertToFloat(v)
	}
	last := now
	if v, ok := state["last_refill"]; ok {
		last = convertToFloat(v)
	}
	return min(p.capacity, points+max(now-last, 0)*p.refillRate), nil
}

func (p *Points) String() string {
	return fmt.Sprintf("Points(name=%q capacity=%d refill_rate=%v)", p.name, p.limit, p.refillRate)
}
