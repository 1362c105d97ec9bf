package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision is the outcome of RateLimiter.Check.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// RateLimitError reports a refused admission and how long until a slot frees.
type RateLimitError struct {
	Resource string
	Limit    int
	Wait     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s limit=%d retry_after=%s", e.Resource, e.Limit, e.Wait)
}

// RateLimiter admits at most maxActions within any sliding window.
type RateLimiter struct {
	name       string
	maxActions int
	window     time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	stamps []time.Time // ascending, oldest first
}

type LimiterOption func(*RateLimiter)

// WithLimiterClock replaces the time source and the wait primitive, tests use it
// to advance time without sleeping.
func WithLimiterClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) LimiterOption {
	return func(r *RateLimiter) {
		if now != nil {
			r.now = now
		}
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

func NewRateLimiter(name string, maxActions int, window time.Duration, opts ...LimiterOption) *RateLimiter {
	if maxActions <= 0 {
		maxActions = 1
	}
	r := &RateLimiter{
		name:       name,
		maxActions: maxActions,
		window:     window,
		now:        time.Now,
		sleep:      sleepCtx,
		stamps:     make([]time.Time, 0, maxActions),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimiter) Check() Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(r.now())
}

func (r *RateLimiter) checkLocked(now time.Time) Decision {
	r.pruneLocked(now)
	if len(r.stamps) < r.maxActions {
		return Decision{Allowed: true}
	}
	wait := r.stamps[0].Add(r.window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return Decision{Allowed: false, Wait: wait}
}

// Acquire blocks the caller until the window has room, then records the action.
// Only ctx cancellation makes it return early.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	r.mu.Lock()
	d := r.checkLocked(r.now())
	r.mu.Unlock()

	if !d.Allowed {
		if err := r.sleep(ctx, d.Wait); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	r.stamps = append(r.stamps, now)
	return nil
}

// TryAcquire records the action only when the window has room.
func (r *RateLimiter) TryAcquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	d := r.checkLocked(now)
	if !d.Allowed {
		return &RateLimitError{Resource: r.name, Limit: r.maxActions, Wait: d.Wait}
	}
	r.stamps = append(r.stamps, now)
	return nil
}

func (r *RateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.stamps)
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamps = r.stamps[:0]
}

// pruneLocked left-trims expired stamps; cost is proportional to the number removed.
func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	k := 0
	for k < len(r.stamps) && !r.stamps[k].After(cutoff) {
		k++
	}
	if k == 0 {
		return
	}
	if k == len(r.stamps) {
		r.stamps = r.stamps[:0]
		return
	}
	r.stamps = r.stamps[k:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
