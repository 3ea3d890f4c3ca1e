package limiter

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrOverLimit matches every *OverLimitError.
	ErrOverLimit = errors.New("redline: rate limit exceeded")
	// ErrInvalidName matches every *InvalidNameError.
	ErrInvalidName = errors.New("redline: invalid limiter name")
	// ErrInvalidInterval is returned for unknown units and non-positive intervals.
	ErrInvalidInterval = errors.New("redline: invalid interval")
	// ErrLockLost matches every *LockLostError.
	ErrLockLost = errors.New("redline: lock lost")
)

// OverLimitError reports that the wait budget ran out while the limiter kept
// denying.
type OverLimitError struct {
	Name    string
	Type    string
	Limit   int64
	Current int64
	// RetryAfter is zero when the store could not estimate it.
	RetryAfter time.Duration
}

func (e *OverLimitError) Error() string {
	msg := fmt.Sprintf("redline: rate limit exceeded for %s limiter %q: %d/%d", e.Type, e.Name, e.Current, e.Limit)
	if e.RetryAfter > 0 {
		msg += ", retry after " + strconv.FormatFloat(e.RetryAfter.Seconds(), 'f', -1, 64) + "s"
	}
	return msg
}

func (e *OverLimitError) Is(target error) bool { return target == ErrOverLimit }

// InvalidNameError is returned by constructors for names outside [A-Za-z0-9_-]+.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("redline: invalid limiter name %q: must contain only letters, numbers, hyphens, and underscores", e.Name)
}

func (e *InvalidNameError) Is(target error) bool { return target == ErrInvalidName }

// LockLostError describes a semaphore lock that was gone when its holder
// released it, usually because another caller reclaimed it after the lock
// timeout.
type LockLostError struct {
	Name   string
	LockID string
}

func (e *LockLostError) Error() string {
	return fmt.Sprintf("redline: lock lost for concurrent limiter %q (lock_id: %s)", e.Name, e.LockID)
}

func (e *LockLostError) Is(target error) bool { return target == ErrLockLost }

// ConnectionError wraps a failure to reach the store. The cause stays
// reachable through errors.Is and errors.As.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "redline: store " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err came from an unreachable store.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}
