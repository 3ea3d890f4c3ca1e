package limiter

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOptions_Defaults(t *testing.T) {
	o := newOptions(nil)

	assert.Equal(t, DefaultNamespace, o.namespace)
	assert.Equal(t, DefaultTimeout, o.timeout)
	assert.Equal(t, DefaultWaitTimeout, o.waitTimeout)
	assert.Equal(t, DefaultLockTimeout, o.lockTimeout)
	assert.Equal(t, DefaultTTL, o.ttl)
	assert.Equal(t, PolicyRaise, o.policy)
	assert.NotNil(t, o.clock)
	assert.NotNil(t, o.logger)
	assert.IsType(t, &NoOpMetricsRecorder{}, o.recorder)
	assert.NotNil(t, o.tracer)
}

func TestOptions_Override(t *testing.T) {
	clk := clockwork.NewFakeClock()
	logger := zap.NewExample()
	rec := NewMockRecorder()

	o := newOptions([]Option{
		WithNamespace("app"),
		WithTimeout(2 * time.Second),
		WithWaitTimeout(0),
		WithLockTimeout(time.Minute),
		WithTTL(time.Hour),
		WithPolicy(PolicyIgnore),
		WithClock(clk),
		WithLogger(logger),
		WithRecorder(rec),
	})

	assert.Equal(t, "app", o.namespace)
	assert.Equal(t, 2*time.Second, o.timeout)
	assert.Zero(t, o.waitTimeout)
	assert.Equal(t, time.Minute, o.lockTimeout)
	assert.Equal(t, time.Hour, o.ttl)
	assert.Equal(t, PolicyIgnore, o.policy)
	assert.Same(t, clk, o.clock)
	assert.Same(t, logger, o.logger)
	assert.Same(t, rec, o.recorder)
}

func TestOptions_IgnoreInvalid(t *testing.T) {
	o := newOptions([]Option{
		WithNamespace(""),
		WithTimeout(-time.Second),
		WithWaitTimeout(-time.Second),
		WithLockTimeout(0),
		WithTTL(0),
		WithClock(nil),
		WithLogger(nil),
		WithRecorder(nil),
		WithTracerProvider(nil),
	})

	assert.Equal(t, newOptions(nil).namespace, o.namespace)
	assert.Equal(t, DefaultTimeout, o.timeout)
	assert.Equal(t, DefaultWaitTimeout, o.waitTimeout)
	assert.Equal(t, DefaultLockTimeout, o.lockTimeout)
	assert.Equal(t, DefaultTTL, o.ttl)
	assert.NotNil(t, o.clock)
	assert.NotNil(t, o.logger)
	assert.NotNil(t, o.recorder)
	assert.NotNil(t, o.tracer)
}

func TestBase_StateTTL(t *testing.T) {
	b, err := newBase(NewMemoryStore(), "ttl", TypeFixedWindow, 1, []Option{WithTTL(90 * time.Second)})
	assert.NoError(t, err)

	assert.Equal(t, 2*time.Second, b.stateTTL(Second))
	assert.Equal(t, 90*time.Second, b.stateTTL(Minute), "capped by the ttl option")
}
