// Package timectrl provides the time source abstraction the playback
// scheduler runs against: the real system clock in production, and a
// virtual clock that tests advance by hand.
package timectrl

import (
	"sync"
	"time"
)

// Clock is an interface for reading time and waiting. The scheduler depends
// on this abstraction rather than the time package directly, so replay
// timing can be verified against a virtual clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time
}

// System returns a Clock backed by the wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return time.After(d)
}

// VirtualClock is a controllable Clock for deterministic tests. Time only
// moves when Advance or Set is called; waiters registered via After fire
// when the clock passes their deadline.
//
// Thread-safe for concurrent use.
type VirtualClock struct {
	mu      sync.RWMutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtualClock creates a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// After returns a channel that receives the virtual time once the clock has
// advanced past the current time plus d. The channel fires during Advance
// or Set calls when the deadline is reached.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, waiter{
		deadline: c.current.Add(d),
		ch:       ch,
	})
	return ch
}

// Advance moves the virtual clock forward by d and fires any waiters whose
// deadlines have been reached. Panics if d is negative.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("timectrl: cannot advance by negative duration")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	c.drainWaiters()
}

// Set moves the virtual clock to an exact time and fires any waiters whose
// deadlines have been reached. Panics if t is before the current time.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Before(c.current) {
		panic("timectrl: cannot set time to the past")
	}
	c.current = t
	c.drainWaiters()
}

// Waiters reports how many After channels have not yet fired. Tests use it
// to detect that a scheduler has reached its suspension point before
// advancing the clock.
func (c *VirtualClock) Waiters() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.waiters)
}

// drainWaiters fires all waiters whose deadline is at or before the current
// time. Caller must hold c.mu.
func (c *VirtualClock) drainWaiters() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.current) {
			w.ch <- c.current
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}
