package utils

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of the periodic workers.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until deadline or until ctx is done, in which case it
	// returns ctx.Err(). A deadline in the past returns immediately.
	SleepUntil(ctx context.Context, deadline time.Time) error
}

type systemClock struct{}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) SleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
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

// ManualClock jumps straight to every requested deadline instead of sleeping.
// OnSleep, when set, runs after each jump; tests use it to count iterations
// and cancel the loop.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	OnSleep func(now time.Time)
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *ManualClock) SleepUntil(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if deadline.After(c.now) {
		c.now = deadline
	}
	now := c.now
	hook := c.OnSleep
	c.mu.Unlock()

	if hook != nil {
		hook(now)
	}
	return ctx.Err()
}
