package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"api", true},
		{"user_123", true},
		{"tenant-a", true},
		{"ABC-def_09", true},
		{"", false},
		{"has space", false},
		{"colon:name", false},
		{"dot.name", false},
		{"at@name", false},
		{"ünicode", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var nameErr *InvalidNameError
			require.ErrorAs(t, err, &nameErr)
			assert.Equal(t, tt.name, nameErr.Name)
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestBase_Keys(t *testing.T) {
	b, err := newBase(NewMemoryStore(), "orders", TypeConcurrent, 3, []Option{WithNamespace("shop")})
	require.NoError(t, err)

	assert.Equal(t, "shop:concurrent:orders", b.key())
	assert.Equal(t, "shop:concurrent:orders:slots", b.key("slots"))
	assert.Equal(t, "orders", b.Name())
	assert.Equal(t, int64(3), b.Limit())
}

func TestNewBase_NilStore(t *testing.T) {
	_, err := newBase(nil, "x", TypePoints, 1, nil)
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("ignore")
	require.NoError(t, err)
	assert.Equal(t, PolicyIgnore, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRaise, p)

	_, err = ParsePolicy("drop")
	assert.Error(t, err)

	assert.Equal(t, "raise", PolicyRaise.String())
	assert.Equal(t, "Policy(7)", Policy(7).String())
}

func TestOverLimitError_Message(t *testing.T) {
	err := &OverLimitError{Name: "api", Type: TypeFixedWindow, Limit: 10, Current: 11, RetryAfter: 1500 * time.Millisecond}
	assert.Equal(t, `redline: rate limit exceeded for bucket limiter "api": 11/10, retry after 1.5s`, err.Error())

	err.RetryAfter = 0
	assert.Equal(t, `redline: rate limit exceeded for bucket limiter "api": 11/10`, err.Error())
	assert.ErrorIs(t, err, ErrOverLimit)
	assert.NotErrorIs(t, err, ErrLockLost)
}

func TestConnectionError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := error(&ConnectionError{Op: "evalsha fixed_window", Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsConnectionError(err))
	assert.False(t, IsConnectionError(cause))
	assert.Equal(t, "redline: store evalsha fixed_window: dial tcp: connection refused", err.Error())
}

func TestUnlimited(t *testing.T) {
	var l Limiter = Unlimited{}
	boom := errors.New("boom")

	ran, err := l.WithinLimit(context.Background(), func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestWithin(t *testing.T) {
	res, ok, err := Within(context.Background(), Unlimited{}, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, res)

	fw, err := NewFixedWindow(NewMemoryStore(), "within", 1, Hour, WithWaitTimeout(0), WithPolicy(PolicyIgnore))
	require.NoError(t, err)
	_, _, err = Within(context.Background(), fw, func(context.Context) (string, error) { return "first", nil })
	require.NoError(t, err)

	s, ok, err := Within(context.Background(), fw, func(context.Context) (string, error) { return "second", nil })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s)
}

func TestWithinLimit_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	fw, err := NewFixedWindow(NewMemoryStore(), "traced", 1, Hour, WithWaitTimeout(0), WithTracerProvider(tp))
	require.NoError(t, err)

	ctx := context.Background()
	_, _ = fw.WithinLimit(ctx, nopWork)
	_, _ = fw.WithinLimit(ctx, nopWork)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "redline.bucket.within_limit", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
