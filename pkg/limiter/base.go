package limiter

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/manenim/redline/pkg/limiter"

// Type tags, used as the second key segment and in errors and metrics.
const (
	TypeFixedWindow   = "bucket"
	TypeSlidingWindow = "window"
	TypeLeakyBucket   = "leaky_bucket"
	TypePoints        = "points"
	TypeConcurrent    = "concurrent"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName reports whether name can identify a limiter.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return &InvalidNameError{Name: name}
	}
	return nil
}

// base is the identity and plumbing every store-backed engine shares.
type base struct {
	store Store
	name  string
	typ   string
	limit int64
	opts  options
	tags  map[string]string
}

func newBase(store Store, name, typ string, limit int64, opts []Option) (base, error) {
	if err := ValidateName(name); err != nil {
		return base{}, err
	}
	if store == nil {
		return base{}, fmt.Errorf("redline: %s limiter %q: nil store", typ, name)
	}
	if limit <= 0 {
		return base{}, fmt.Errorf("redline: %s limiter %q: limit must be positive, got %d", typ, name, limit)
	}
	return base{
		store: store,
		name:  name,
		typ:   typ,
		limit: limit,
		opts:  newOptions(opts),
		tags:  map[string]string{"limiter": name, "type": typ},
	}, nil
}

func (b *base) Name() string { return b.name }

func (b *base) Limit() int64 { return b.limit }

// key builds namespace:type:name[:suffix...].
func (b *base) key(suffixes ...string) string {
	parts := append([]string{b.opts.namespace, b.typ, b.name}, suffixes...)
	return strings.Join(parts, ":")
}

func (b *base) now() time.Time { return b.opts.clock.Now() }

// stateTTL is min(2*interval, ttl), the lifetime of window-scoped keys.
func (b *base) stateTTL(interval Interval) time.Duration {
	d := 2 * interval.Duration()
	if d <= 0 || d > b.opts.ttl {
		return b.opts.ttl
	}
	return d
}

func (b *base) startSpan(ctx context.Context) (context.Context, trace.Span) {
	return b.opts.tracer.Start(ctx, "redline."+b.typ+".within_limit",
		trace.WithAttributes(
			attribute.String("redline.limiter", b.name),
			attribute.String("redline.type", b.typ),
			attribute.Int64("redline.limit", b.limit),
		))
}

func endSpan(span trace.Span, ran bool, err error) {
	span.SetAttributes(attribute.Bool("redline.granted", ran))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// run executes fn after a grant.
func (b *base) run(ctx context.Context, fn func(context.Context) error) (bool, error) {
	b.opts.recorder.Add(MetricGranted, 1, b.tags)
	return true, fn(ctx)
}

// deny applies the policy to the last denied outcome.
func (b *base) deny(out Outcome) (bool, error) {
	b.opts.recorder.Add(MetricDenied, 1, b.tags)
	current := int64(math.Floor(out.Current))
	b.opts.logger.Debug("rate limit exceeded",
		zap.String("limiter", b.name),
		zap.String("type", b.typ),
		zap.Int64("limit", b.limit),
		zap.Int64("current", current),
		zap.Duration("retry_after", out.RetryAfter),
		zap.Stringer("policy", b.opts.policy),
	)
	if b.opts.policy == PolicyIgnore {
		return false, nil
	}
	return false, &OverLimitError{
		Name:       b.name,
		Type:       b.typ,
		Limit:      b.limit,
		Current:    current,
		RetryAfter: out.RetryAfter,
	}
}
