package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
)

type runState int32

const (
	runActive runState = iota
	runPaused
	runStopped
)

// control is the pause/stop flag a worker polls between steps.
type control struct {
	state atomic.Int32

	mu       sync.Mutex
	resumeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newControl() *control {
	return &control{stopCh: make(chan struct{})}
}

func (c *control) load() runState { return runState(c.state.Load()) }

func (c *control) pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.load() != runActive {
		return false
	}
	c.resumeCh = make(chan struct{})
	c.state.Store(int32(runPaused))
	return true
}

func (c *control) resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.load() != runPaused {
		return false
	}
	c.state.Store(int32(runActive))
	close(c.resumeCh)
	return true
}

func (c *control) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(runStopped))
		c.mu.Unlock()
		close(c.stopCh)
	})
}

func (c *control) stopped() <-chan struct{} { return c.stopCh }

// bind derives a context that stop also cancels. Callers must call the
// returned cancel.
func (c *control) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// checkpoint returns ErrStopped after stop, blocks while paused and
// otherwise returns immediately.
func (c *control) checkpoint(ctx context.Context) error {
	for {
		select {
		case <-c.stopCh:
			return ErrStopped
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		if c.load() != runPaused {
			c.mu.Unlock()
			return nil
		}
		wait := c.resumeCh
		c.mu.Unlock()

		select {
		case <-wait:
		case <-c.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
