package alert

import (
	"sync"
	"time"
)

// Countdown is a cancellable pre-dispatch delay. At most one countdown is
// pending at a time. Safe for concurrent use.
type Countdown struct {
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	closed  bool
}

// NewCountdown returns a Countdown that waits delay before firing.
func NewCountdown(delay time.Duration) *Countdown {
	return &Countdown{delay: delay}
}

// Delay returns the configured delay.
func (c *Countdown) Delay() time.Duration {
	return c.delay
}

// Start schedules fn to run on its own goroutine after the delay. It returns
// false, without scheduling, when a countdown is already pending or the
// Countdown was closed.
func (c *Countdown) Start(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending || c.closed {
		return false
	}
	c.pending = true
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		if gen != c.gen || !c.pending {
			c.mu.Unlock()
			return
		}
		c.pending = false
		c.timer = nil
		c.mu.Unlock()
		fn()
	})
	return true
}

// Cancel aborts the pending countdown. It returns true if one was pending
// and fn will not run.
func (c *Countdown) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked()
}

func (c *Countdown) cancelLocked() bool {
	if !c.pending {
		return false
	}
	c.pending = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return true
}

// Pending reports whether a countdown is running.
func (c *Countdown) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Close cancels any pending countdown and rejects future ones.
func (c *Countdown) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.closed = true
}

// Reopen allows new countdowns after Close.
func (c *Countdown) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
}
