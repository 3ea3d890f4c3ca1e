package limiter

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Semaphore lets at most limit callers run at once across every process
// sharing the store. Slots are tokens in a list; a holder is an entry in the
// locks hash stamped with its acquire time, and any caller returns tokens
// whose holders outlived the lock timeout.
//
// A token only leaves the slot list in the same atomic step that records its
// lock. Blocked callers wait on a separate wake list that every returned
// token signals, then try that step again.
type Semaphore struct {
	base
}

func NewSemaphore(store Store, name string, limit int64, opts ...Option) (*Semaphore, error) {
	b, err := newBase(store, name, TypeConcurrent, limit, opts)
	if err != nil {
		return nil, err
	}
	return &Semaphore{base: b}, nil
}

func (s *Semaphore) LockTimeout() time.Duration { return s.opts.lockTimeout }

func (s *Semaphore) slotsKey() string   { return s.key("slots") }
func (s *Semaphore) locksKey() string   { return s.key("locks") }
func (s *Semaphore) metricsKey() string { return s.key("metrics") }
func (s *Semaphore) wakeKey() string    { return s.key("wake") }

var (
	hostname, _ = os.Hostname()
	lockSeq     atomic.Uint64
)

func newLockID() string {
	return hostname + ":" + strconv.Itoa(os.Getpid()) + ":" +
		strconv.FormatUint(lockSeq.Add(1), 10) + ":" + uuid.NewString()
}

// WithinLimit holds a slot while fn runs. The slot is returned however fn
// ends, including when ctx is cancelled.
func (s *Semaphore) WithinLimit(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	ctx, span := s.startSpan(ctx)
	defer func() { endSpan(span, ran, err) }()

	if err := s.reclaim(ctx); err != nil {
		return false, err
	}
	if err := s.init(ctx); err != nil {
		return false, err
	}

	lockID, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	if lockID == "" {
		held, err := s.Held(ctx)
		if err != nil {
			return false, err
		}
		return s.deny(Outcome{Current: float64(held)})
	}
	defer s.release(context.WithoutCancel(ctx), lockID)

	start := s.now()
	s.opts.recorder.Add(MetricGranted, 1, s.tags)
	if err := fn(ctx); err != nil {
		if s.now().Sub(start) > s.opts.lockTimeout {
			s.opts.logger.Warn("lock held past its timeout",
				zap.String("limiter", s.name),
				zap.String("lock_id", lockID),
				zap.Duration("lock_timeout", s.opts.lockTimeout),
			)
			s.recordMetric(s.store.HIncrBy(context.WithoutCancel(ctx), s.metricsKey(), "overages", 1, s.opts.ttl), "overages")
		}
		return true, err
	}
	held := s.now().Sub(start).Seconds()
	s.recordMetric(s.store.HIncrByFloat(context.WithoutCancel(ctx), s.metricsKey(), "held_time", held, s.opts.ttl), "held_time")
	return true, nil
}

// recordMetric logs a failed metrics write; the work it describes already ran.
func (s *Semaphore) recordMetric(err error, field string) {
	if err != nil {
		s.opts.logger.Warn("failed to record semaphore metric",
			zap.String("limiter", s.name),
			zap.String("field", field),
			zap.Error(err),
		)
	}
}

func (s *Semaphore) reclaim(ctx context.Context) error {
	reply, err := s.store.Eval(ctx, semaphoreReclaimScript,
		[]string{s.slotsKey(), s.locksKey(), s.metricsKey(), s.wakeKey()},
		formatSeconds(unixSeconds(s.now())),
		s.opts.lockTimeout.Seconds(),
		millis(s.opts.ttl),
		s.limit)
	if err != nil {
		return err
	}
	n, err := single(semaphoreReclaimScript, reply)
	if err != nil {
		return err
	}
	if n > 0 {
		s.opts.recorder.Add(MetricReclaimed, n, s.tags)
		s.opts.logger.Warn("reclaimed expired locks",
			zap.String("limiter", s.name),
			zap.Int64("count", int64(n)),
		)
	}
	return nil
}

func (s *Semaphore) init(ctx context.Context) error {
	reply, err := s.store.Eval(ctx, semaphoreInitScript,
		[]string{s.slotsKey(), s.locksKey(), s.wakeKey()},
		s.limit,
		millis(s.opts.ttl))
	if err != nil {
		return err
	}
	_, err = single(semaphoreInitScript, reply)
	return err
}

// tryAcquire takes a token and records lockID in one step. waited is
// negative on the first try.
func (s *Semaphore) tryAcquire(ctx context.Context, lockID string, waited float64) (bool, error) {
	reply, err := s.store.Eval(ctx, semaphoreAcquireScript,
		[]string{s.slotsKey(), s.locksKey(), s.metricsKey()},
		lockID,
		formatSeconds(unixSeconds(s.now())),
		millis(s.opts.ttl),
		formatSeconds(waited))
	if err != nil {
		return false, err
	}
	got, err := single(semaphoreAcquireScript, reply)
	if err != nil {
		return false, err
	}
	return got == 1, nil
}

// acquire returns "" when no slot freed up within the wait timeout.
func (s *Semaphore) acquire(ctx context.Context) (string, error) {
	lockID := newLockID()

	ok, err := s.tryAcquire(ctx, lockID, -1)
	if err != nil {
		return "", err
	}
	if ok {
		return lockID, nil
	}

	if err := s.store.HIncrBy(ctx, s.metricsKey(), "waited", 1, s.opts.ttl); err != nil {
		return "", err
	}

	// Blocking happens inside the store on real time, so the budget and the
	// recorded wait_time use the wall clock rather than the injected one.
	start := time.Now()
	deadline := start.Add(s.opts.waitTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}
		_, woken, err := s.store.BLPop(ctx, s.wakeKey(), remaining)
		if err != nil {
			return "", err
		}
		if !woken {
			return "", nil
		}
		// Another waiter may have taken the token this signal announced.
		ok, err := s.tryAcquire(ctx, lockID, time.Since(start).Seconds())
		if err != nil {
			return "", err
		}
		if ok {
			return lockID, nil
		}
	}
}

// release returns the slot. A lock that is already gone was reclaimed by
// another caller; its token was returned then, so nothing is pushed.
func (s *Semaphore) release(ctx context.Context, lockID string) {
	reply, err := s.store.Eval(ctx, semaphoreReleaseScript,
		[]string{s.slotsKey(), s.locksKey(), s.wakeKey()},
		lockID,
		millis(s.opts.ttl),
		s.limit)
	if err == nil {
		var n float64
		if n, err = single(semaphoreReleaseScript, reply); err == nil && n == 0 {
			s.opts.recorder.Add(MetricLockLost, 1, s.tags)
			s.opts.logger.Warn("lock was reclaimed before release",
				zap.Error(&LockLostError{Name: s.name, LockID: lockID}),
			)
			return
		}
	}
	if err != nil {
		s.opts.logger.Error("failed to release lock",
			zap.String("limiter", s.name),
			zap.String("lock_id", lockID),
			zap.Error(err),
		)
	}
}

// Held counts locks currently recorded, expired or not.
func (s *Semaphore) Held(ctx context.Context) (int64, error) {
	return s.store.HLen(ctx, s.locksKey())
}

func (s *Semaphore) Metrics(ctx context.Context) (SemaphoreMetrics, error) {
	raw, err := s.store.HGetAll(ctx, s.metricsKey())
	if err != nil {
		return SemaphoreMetrics{}, err
	}
	return SemaphoreMetrics{
		Immediate: parseCounter(raw["immediate"]),
		Waited:    parseCounter(raw["waited"]),
		Held:      parseCounter(raw["held"]),
		Overages:  parseCounter(raw["overages"]),
		Reclaimed: parseCounter(raw["reclaimed"]),
		HeldTime:  convertToFloat(raw["held_time"]),
		WaitTime:  convertToFloat(raw["wait_time"]),
	}, nil
}

func (s *Semaphore) String() string {
	return fmt.Sprintf("Semaphore(name=%q limit=%d lock_timeout=%s)", s.name, s.limit, s.opts.lockTimeout)
}
