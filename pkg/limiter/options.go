package limiter

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	DefaultNamespace   = "redline"
	DefaultTimeout     = 5 * time.Second
	DefaultWaitTimeout = 5 * time.Second
	DefaultLockTimeout = 30 * time.Second
	DefaultTTL         = 90 * 24 * time.Hour
)

// Option configures limiters and stores. Stores read the options that concern
// them (timeout, logger, recorder, clock) and ignore the rest.
type Option func(*options)

type options struct {
	namespace   string
	timeout     time.Duration
	waitTimeout time.Duration
	lockTimeout time.Duration
	ttl         time.Duration
	policy      Policy
	clock       clockwork.Clock
	logger      *zap.Logger
	recorder    MetricsRecorder
	tracer      trace.Tracer
}

func newOptions(opts []Option) options {
	o := options{
		namespace:   DefaultNamespace,
		timeout:     DefaultTimeout,
		waitTimeout: DefaultWaitTimeout,
		lockTimeout: DefaultLockTimeout,
		ttl:         DefaultTTL,
		policy:      PolicyRaise,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		recorder:    &NoOpMetricsRecorder{},
		tracer:      noop.NewTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNamespace sets the first segment of every key (default "redline").
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithTimeout bounds each non-blocking store round trip (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithWaitTimeout sets how long WithinLimit keeps retrying, or for the
// semaphore how long it blocks for a slot. Zero means a single attempt.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.waitTimeout = d
		}
	}
}

// WithLockTimeout sets how long a semaphore lock may be held before any other
// caller may reclaim it (default 30s).
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithTTL caps how long limiter state survives in the store (default 90 days).
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithClock replaces the wall clock. Every timestamp sent to the store comes
// from it.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r MetricsRecorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithTracerProvider enables a span per WithinLimit call.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}
