package timectrl

import (
	"sync"
	"time"
)

// Clock is the time source used to stamp reflections. Components depend on
// the interface so tests can pin the time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock only moves when told to. It is safe for concurrent use.
type ManualClock struct {
	mu      sync.RWMutex
	current time.Time
	step    time.Duration

	listeners []func(time.Time)
}

// NewManualClock constructs a clock reading start. When step is positive
// every call to Now advances the clock by step afterwards, so consecutive
// readings are distinct.
func NewManualClock(start time.Time, step time.Duration) *ManualClock {
	return &ManualClock{current: start, step: step}
}

// Now returns the current time, then applies the auto-step if configured.
func (c *ManualClock) Now() time.Time {
	if c.step <= 0 {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.current
	}
	c.mu.Lock()
	now := c.current
	c.current = now.Add(c.step)
	c.mu.Unlock()
	return now
}

// SetTime jumps the clock to t and notifies listeners.
func (c *ManualClock) SetTime(t time.Time) {
	c.mu.Lock()
	c.current = t
	listeners := append([]func(time.Time){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	listeners := append([]func(time.Time){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// AddListener registers a callback invoked whenever the clock is moved
// explicitly with SetTime or Advance.
func (c *ManualClock) AddListener(fn func(time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}
