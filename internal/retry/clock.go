package retry

import (
	"sync"
	"time"
)

// Clock abstracts wall time so poll loops and backoff waits can be driven
// by tests without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManagedClock is a hand-driven clock for tests. After warps the clock
// forward by the requested duration and fires immediately, so a loop that
// waits N times observes exactly N*d of elapsed time.
type ManagedClock struct {
	mu     sync.Mutex
	start  time.Time
	offset time.Duration
	waits  int
}

// NewManaged returns a clock frozen at start.
func NewManaged(start time.Time) *ManagedClock {
	return &ManagedClock{start: start}
}

func (c *ManagedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(c.offset)
}

func (c *ManagedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.WarpForward(d)
	c.mu.Lock()
	c.waits++
	c.mu.Unlock()
	return ch
}

// WarpForward moves time forward and returns the new time.
func (c *ManagedClock) WarpForward(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.offset += d
	}
	return c.start.Add(c.offset)
}

// Waits reports how many times After was called.
func (c *ManagedClock) Waits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}
