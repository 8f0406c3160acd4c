package piloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_FirstDelayEqualsTarget(t *testing.T) {
	c := New(time.Second, time.Now())
	assert.Equal(t, time.Second, c.NextDelay())
}

func TestAdjust_OnTargetKeepsDelayStable(t *testing.T) {
	start := time.Now()
	c := New(time.Second, start)
	// interval 0 took exactly T, wall-clock is exactly on schedule
	c.Adjust(0, start.Add(time.Second), time.Second, false)
	assert.InDelta(t, float64(time.Second), float64(c.NextDelay()), float64(time.Millisecond))
}

func TestAdjust_NegativeDelayClampsToZeroWithoutCompletion(t *testing.T) {
	start := time.Now()
	c := New(time.Second, start)
	// interval ran far longer than T with no completion: adj_delay goes
	// very negative, then gets clamped to exactly 0.
	c.Adjust(0, start.Add(10*time.Second), 10*time.Second, false)
	assert.Equal(t, time.Duration(0), c.NextDelay())
}

func TestAdjust_NegativeDelayNotClampedOnCompletion(t *testing.T) {
	start := time.Now()
	c := New(time.Second, start)
	c.Adjust(0, start.Add(10*time.Second), 10*time.Second, true)
	assert.Less(t, c.NextDelay(), time.Duration(0))
}

func TestAdjust_S2Convergence(t *testing.T) {
	start := time.Now()
	target := time.Second
	c := New(target, start)

	now := start
	for k := 0; k < 10; k++ {
		elapsed := c.NextDelay() - 100*time.Millisecond // simulated sleep always ends 100ms early
		now = now.Add(elapsed)
		c.Adjust(k, now, elapsed, false)
	}

	avg := now.Sub(start) / 10
	assert.InDelta(t, float64(target), float64(avg), float64(5*time.Millisecond))
}
