// Package backoff computes the delay before a failed delivery is attempted again.
package backoff

import (
	"math"
	"time"
)

// Strategy returns the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt: min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// New picks the retry strategy for the configured interval: exponential up to
// maxDelay, or constant when maxDelay is not above the initial interval.
func New(initial, maxDelay time.Duration) Strategy {
	if maxDelay <= initial {
		return NewConstant(initial)
	}
	return NewExponential(initial, maxDelay)
}
