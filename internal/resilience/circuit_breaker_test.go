package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensExactlyAtThreshold(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: n, ResetTimeout: time.Minute})
		for i := 1; i < n; i++ {
			require.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
			assert.Equal(t, CircuitClosed, cb.State(), "threshold %d, failure %d", n, i)
		}
		require.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
		assert.Equal(t, CircuitOpen, cb.State(), "threshold %d", n)
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 0, cb.Failures())

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, WithBreakerClock(clock.Now))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, CircuitOpen, cb.State())

	calls := 0
	clock.Advance(999 * time.Millisecond)
	err := cb.Execute(ctx, func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func(context.Context) error
		want  CircuitState
	}{
		{name: "success closes", probe: succeed, want: CircuitClosed},
		{name: "failure reopens", probe: fail, want: CircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second}, WithBreakerClock(clock.Now))
			ctx := context.Background()
			_ = cb.Execute(ctx, fail)
			_ = cb.Execute(ctx, fail)
			require.Equal(t, CircuitOpen, cb.State())

			clock.Advance(time.Second)
			calls := 0
			_ = cb.Execute(ctx, func(ctx context.Context) error {
				calls++
				assert.Equal(t, CircuitHalfOpen, cb.State())
				return tt.probe(ctx)
			})
			assert.Equal(t, 1, calls)
			assert.Equal(t, tt.want, cb.State())
		})
	}
}

func TestCircuitBreaker_ReopenRefreshesTimestamp(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, WithBreakerClock(clock.Now))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(ctx, fail) // half-open probe fails

	clock.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_SingleProbeInHalfOpen(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, WithBreakerClock(clock.Now))
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		// a concurrent caller arriving during the probe is turned away
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestRun_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultBreakerConfig())
	v, err := Run(context.Background(), cb, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = Run(context.Background(), cb, func(context.Context) (string, error) { return "", errBoom })
	assert.ErrorIs(t, err, errBoom)
}
