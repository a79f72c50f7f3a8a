// Package fakeclock provides a Clock whose time only moves when a test says so.
package fakeclock

import (
	"sort"
	"sync"
	"time"

	"github.com/acolita/console-e2e/internal/ports"
)

// Clock is a manually driven ports.Clock. Timers created with After fire in
// deadline order when Advance moves past them.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	timers  []timer
	armed   chan struct{} // closed and replaced whenever a timer is armed
}

type timer struct {
	deadline time.Time
	ch       chan time.Time
}

// New creates a clock reading initial.
func New(initial time.Time) *Clock {
	return &Clock{current: initial, armed: make(chan struct{})}
}

// Now returns the fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After arms a timer d from now. A non-positive d fires immediately.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.timers = append(c.timers, timer{deadline: c.current.Add(d), ch: ch})
	close(c.armed)
	c.armed = make(chan struct{})
	return ch
}

// Waiters returns the number of armed timers that have not fired.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil waits until at least n timers are armed, or until limit of real
// time passes. It reports whether n was reached. Tests call it before Advance
// so that the wait being timed out is known to exist.
func (c *Clock) BlockUntil(n int, limit time.Duration) bool {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		count, armed := len(c.timers), c.armed
		c.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-armed:
		case <-deadline.C:
			return false
		}
	}
}

// Advance moves time forward by d and fires every timer that is now due,
// earliest deadline first. It returns how many fired.
func (c *Clock) Advance(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})

	fired := 0
	for _, t := range c.timers {
		if t.deadline.After(c.current) {
			break
		}
		t.ch <- c.current
		fired++
	}
	c.timers = c.timers[fired:]
	return fired
}

// Set jumps to t without firing anything, even timers t has passed.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

var _ ports.Clock = (*Clock)(nil)
