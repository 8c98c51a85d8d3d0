// Package testutil holds test doubles shared across packages.
package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe deterministic time source for tests. Each Now()
// returns the current instant and then advances by a fixed step, so
// successive reads get distinct, predictable timestamps and the same test
// run always stamps the same instants.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock creates a clock whose first Now() returns start. Every later
// Now() is step further along. A zero step freezes the clock.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current instant and advances the clock by the step.
//
// Thread-safe: uses a mutex to protect the instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Peek returns the instant the next Now() will report, without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without consuming a step.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t. Used for test reuse; the step is unchanged.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
