// SPDX-License-Identifier: MIT

package coordinator

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoffPolicy computes the sleep between acquisition attempts:
// min(2^attempt, maxWait) seconds, scaled by a jitter factor sampled
// uniformly from [0.5, 1.5) per attempt, then clamped to [min, max].
// The jitter decorrelates callers that started retrying together.
type backoffPolicy struct {
	maxWait time.Duration // ceiling for the exponential term
	min     time.Duration // floor after jitter
	max     time.Duration // hard upper bound after jitter
	jitter  func() float64
}

func newBackoffPolicy(maxWait, min, max time.Duration) backoffPolicy {
	return backoffPolicy{
		maxWait: maxWait,
		min:     min,
		max:     max,
		jitter:  rand.Float64,
	}
}

func (p backoffPolicy) duration(attempt int) time.Duration {
	base := math.Min(math.Exp2(float64(attempt)), p.maxWait.Seconds())
	factor := 0.5 + p.jitter()
	d := time.Duration(base * factor * float64(time.Second))
	if d < p.min {
		d = p.min
	}
	if d > p.max {
		d = p.max
	}
	return d
}
