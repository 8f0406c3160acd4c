// Package piloop implements the closed-loop PI controller that adjusts
// the Supervisor Loop's inter-interval sleep duration so interval
// boundaries converge to k*T wall-clock. Ported from the original's
// adjust_time (see _examples/original_source/manager.cpp); a ~15-line
// control loop, no third-party dependency is warranted.
package piloop

import "time"

const (
	kp = 0.5
	ki = 0.25
)

// Controller holds the running adjusted-delay state across intervals.
type Controller struct {
	target   time.Duration
	adjDelay time.Duration
	runStart time.Time
}

// New creates a Controller whose first sleep equals the target interval.
func New(target time.Duration, runStart time.Time) *Controller {
	return &Controller{target: target, adjDelay: target, runStart: runStart}
}

// NextDelay returns the sleep duration to use before the next interval.
func (c *Controller) NextDelay() time.Duration { return c.adjDelay }

// Adjust updates the controller state after interval k finished at
// now with the given elapsed wall-clock time, and
// newTaskCompletion reporting whether any workload transitioned out of
// Runnable this interval. This is a direct port of adjust_time,
// including the negative-delay clamp at the end (SPEC_FULL.md §9, open
// question 3: preserve the net clamp-to-zero effect exactly).
func (c *Controller) Adjust(k int, now time.Time, elapsed time.Duration, newTaskCompletion bool) {
	last := c.adjDelay

	totalElapsed := now.Sub(c.runStart)

	proportional := c.target - elapsed
	integral := c.target*time.Duration(k+1) - totalElapsed

	c.adjDelay += time.Duration(kp * float64(proportional))
	c.adjDelay += time.Duration(ki * float64(integral))

	if c.adjDelay < 0 && !newTaskCompletion {
		last = 0
		c.adjDelay = last
	}
}
