package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(clock *fakeClock, slept *[]time.Duration) *RateLimiter {
	return NewRateLimiter("test", 3, time.Second, WithLimiterClock(clock.Now, func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		clock.Advance(d)
		return nil
	}))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clock := newClock()
	var slept []time.Duration
	rl := newTestLimiter(clock, &slept)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Acquire(ctx))
		clock.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, slept)
	assert.Equal(t, 3, rl.Count())

	d := rl.Check()
	assert.False(t, d.Allowed)
	assert.Equal(t, 700*time.Millisecond, d.Wait)

	clock.Advance(701 * time.Millisecond)
	d = rl.Check()
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, rl.Count())
}

func TestRateLimiter_AcquireWaitsComputedDuration(t *testing.T) {
	clock := newClock()
	var slept []time.Duration
	rl := newTestLimiter(clock, &slept)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Acquire(ctx))
	}
	clock.Advance(250 * time.Millisecond)
	require.NoError(t, rl.Acquire(ctx))

	require.Len(t, slept, 1)
	assert.Equal(t, 750*time.Millisecond, slept[0])
	assert.Equal(t, 1, rl.Count())
}

func TestRateLimiter_AcquireHonoursCancellation(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter("test", 1, time.Second, WithLimiterClock(clock.Now, nil))
	require.NoError(t, rl.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rl.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rl.Count())
}

func TestRateLimiter_TryAcquire(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter("platform:linkedin", 1, time.Minute, WithLimiterClock(clock.Now, nil))
	require.NoError(t, rl.TryAcquire())

	err := rl.TryAcquire()
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, time.Minute, rle.Wait)
	assert.Equal(t, "platform:linkedin", rle.Resource)
}

func TestRateLimiter_Reset(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter("test", 2, time.Second, WithLimiterClock(clock.Now, nil))
	require.NoError(t, rl.TryAcquire())
	require.NoError(t, rl.TryAcquire())
	require.False(t, rl.Check().Allowed)

	rl.Reset()
	assert.Zero(t, rl.Count())
	assert.True(t, rl.Check().Allowed)
}

func TestRateLimiter_PrunesOnlyExpired(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter("test", 10, time.Second, WithLimiterClock(clock.Now, nil))
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.TryAcquire())
		clock.Advance(300 * time.Millisecond)
	}
	// stamps at 0,300,600,900,1200; now=1500 -> 0 and 300 expired
	assert.Equal(t, 3, rl.Count())
}
