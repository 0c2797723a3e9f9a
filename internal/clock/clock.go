// Package clock supplies the harvest.Clock used to stamp data versions and
// store transitions.
package clock

import (
	"sync"
	"time"
)

// System reads the wall clock in UTC, the zone data versions are named in.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Stepping is a deterministic clock: every call to Now advances it by a fixed
// step, so consecutive store transitions get distinct, ordered timestamps.
type Stepping struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepping returns a clock whose first reading is start+step.
func NewStepping(start time.Time, step time.Duration) *Stepping {
	if step <= 0 {
		step = time.Second
	}
	return &Stepping{now: start.UTC(), step: step}
}

// Now advances the clock and returns the new reading.
func (c *Stepping) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}
