// Package limiter provides distributed rate limiting and concurrency control
// backed by a shared store.
//
// Every limiter shares one entry point:
//
//	ran, err := l.WithinLimit(ctx, func(ctx context.Context) error {
//		return callDownstream(ctx)
//	})
//
// When permission is granted the function runs and WithinLimit returns
// ran == true with the function's error. When permission is still denied
// after the wait budget, the function does not run and the policy decides the
// result: PolicyRaise returns an *OverLimitError (errors.Is(err,
// ErrOverLimit)), PolicyIgnore returns ran == false and a nil error.
//
// # Engines
//
//   - FixedWindow: at most N calls per aligned interval bucket. A denial in a
//     bucket longer than a second is final; shorter buckets are retried.
//   - SlidingWindow: at most N calls in any trailing interval.
//   - LeakyBucket: a bucket of size N that drains N units per drain interval.
//   - Points: a token bucket where each call names its cost. The granted
//     function receives an *Adjustment to settle the real cost afterwards.
//   - Semaphore: at most N holders at once. Holders that outlive the lock
//     timeout are reclaimed by the next caller, so a crashed process cannot
//     leak a slot forever.
//   - Unlimited: always runs the function. A drop-in for tests.
//
// Limiter objects hold no counts. All state lives in the store, and every
// decision is one atomic store operation that receives the current time as
// an argument, so any number of processes can share a limit by name.
//
// # Stores
//
//   - RedisStore runs each operation as a Lua script through EVALSHA. Scripts
//     are loaded when the store is created and reloaded once if Redis replies
//     NOSCRIPT (after a restart or SCRIPT FLUSH).
//   - MemoryStore implements the same operations natively under one mutex.
//     It is useful for unit tests and single-instance deployments; its state
//     is local to the process.
//
// # Keys
//
// State is stored under keys of the form
//
//	"{namespace}:{type}:{name}[:{suffix}]"
//
// where type is one of bucket, window, leaky_bucket, points or concurrent.
// Every key carries a TTL; window keys live for at most twice their interval.
//
// # Waiting
//
// The window and bucket engines retry a denial until the wait timeout
// (WithWaitTimeout, default 5s) runs out, sleeping for the store's estimate
// but never longer than the remaining budget or a per-engine cap. The
// semaphore instead blocks in the store for up to the wait timeout. Either
// way a call returns within the wait timeout plus one store round trip.
// Cancelling ctx ends the wait early with ctx.Err().
//
// # Errors
//
// Store failures are returned as they are: transport problems as a
// *ConnectionError, which unwraps to the cause. They are never retried.
// Constructors return *InvalidNameError for names outside [A-Za-z0-9_-] and
// wrap ErrInvalidInterval for bad intervals.
//
// # Configuration
//
// Limiters are configured using the Functional Options pattern:
//
//	fw, _ := limiter.NewFixedWindow(store, "api", 100, limiter.Minute,
//		limiter.WithPolicy(limiter.PolicyIgnore),
//		limiter.WithLogger(logger),
//		limiter.WithRecorder(limiter.NewPrometheusRecorder(prometheus.DefaultRegisterer)),
//	)
//
// Applications usually build a Config (see internal/config for file and
// environment loading), Connect once per process, and create limiters from
// the Connection so the configured defaults apply.
package limiter
