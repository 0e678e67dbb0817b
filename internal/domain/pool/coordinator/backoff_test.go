// SPDX-License-Identifier: MIT

package coordinator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffStaysWithinJitterEnvelope(t *testing.T) {
	p := newBackoffPolicy(10*time.Second, 500*time.Millisecond, 15*time.Second)

	for attempt := 0; attempt <= 12; attempt++ {
		base := math.Min(math.Exp2(float64(attempt)), 10)
		lo := time.Duration(0.5 * base * float64(time.Second))
		if lo < 500*time.Millisecond {
			lo = 500 * time.Millisecond
		}
		hi := time.Duration(1.5 * base * float64(time.Second))
		if hi > 15*time.Second {
			hi = 15 * time.Second
		}

		for i := 0; i < 100; i++ {
			d := p.duration(attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestBackoffExponentialTermCapped(t *testing.T) {
	p := newBackoffPolicy(10*time.Second, 500*time.Millisecond, 15*time.Second)
	p.jitter = func() float64 { return 1 } // factor 1.5, the worst case

	// Far beyond the ceiling the exponential term is pinned at maxWait.
	assert.Equal(t, 15*time.Second, p.duration(30))
	assert.Equal(t, p.duration(10), p.duration(40))
}

func TestBackoffFloorApplies(t *testing.T) {
	p := newBackoffPolicy(10*time.Second, 500*time.Millisecond, 15*time.Second)
	p.jitter = func() float64 { return 0 } // factor 0.5

	// attempt 0: 1s * 0.5 = 500ms, exactly the floor.
	assert.Equal(t, 500*time.Millisecond, p.duration(0))
	assert.Equal(t, time.Second, p.duration(1))
	assert.Equal(t, 2*time.Second, p.duration(2))
}
