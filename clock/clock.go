// Package clock keeps the game time: wall-clock time shifted by a settable
// offset, which can be paused.
package clock

import (
	"context"
	"sync"
	"time"
)

// Notification scope and name of the periodic time signal. Its detail is
// the game time in unix milliseconds.
const (
	Scope       = "time"
	EventChange = "change"
)

// Clock is safe for concurrent use.
type Clock struct {
	real func() time.Time

	mu       sync.Mutex
	offset   time.Duration
	paused   bool
	pausedAt time.Time
}

// New creates a clock reading real time from now, or time.Now when nil.
func New(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{real: now}
}

// Now returns the game time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return c.pausedAt
	}
	return c.real().Add(c.offset)
}

// Set moves the game time to t. A paused clock stays paused at t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = t.Sub(c.real())
	if c.paused {
		c.pausedAt = t
	}
}

// Pause freezes the game time.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.pausedAt = c.real().Add(c.offset)
	c.paused = true
}

// Resume lets the game time run again from where it was paused.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.offset = c.pausedAt.Sub(c.real())
	c.paused = false
}

// Paused reports whether the clock is frozen.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Run emits a time change notification every interval until ctx is done.
func (c *Clock) Run(ctx context.Context, interval time.Duration, notify func(scope, name string, details ...any)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			notify(Scope, EventChange, c.Now().UnixMilli())
		}
	}
}

// Sync follows a time change notification emitted by another clock.
func (c *Clock) Sync(scope, name string, details []any) bool {
	if scope != Scope || name != EventChange || len(details) == 0 {
		return false
	}
	var ms int64
	switch v := details[0].(type) {
	case int64:
		ms = v
	case float64:
		ms = int64(v)
	case int:
		ms = int64(v)
	default:
		return false
	}
	c.Set(time.UnixMilli(ms))
	return true
}
