package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Control lets another goroutine pause, resume or stop a running analysis.
// Stop is cooperative: the loop notices it before reading the next frame.
// Requests made before a run binds, for example while the source is still
// opening, are held and honoured at the run's first loop check.
type Control struct {
	paused atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending bool
	stopped bool
}

func NewControl() *Control {
	return &Control{}
}

func (c *Control) Pause()  { c.paused.Store(true) }
func (c *Control) Resume() { c.paused.Store(false) }

// Paused reports whether a pause is requested.
func (c *Control) Paused() bool { return c.paused.Load() }

// Stop ends the bound run, or the next one to bind.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Stopped reports whether the last finished run was ended by Stop.
func (c *Control) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// bind attaches a new run to the control. A pending stop cancels the run
// context immediately; a pending pause is left in place. The returned
// release func clears both once the run is over.
func (c *Control) bind(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.stopped = false
	if c.pending {
		cancel()
	}
	c.mu.Unlock()

	return runCtx, func() {
		c.mu.Lock()
		c.cancel = nil
		c.stopped = c.pending
		c.pending = false
		c.mu.Unlock()
		c.paused.Store(false)
		cancel()
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
