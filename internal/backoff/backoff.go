// Package backoff computes the delay before a failed job is attempted again.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before retry attempt n, where n starts at 1.
type Strategy interface {
	Delay(attempt int) time.Duration
}

type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay on every attempt: Initial * 2^(attempt-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Jittered keeps half of the wrapped delay and randomizes the other half,
// so retries of jobs that failed together spread out.
type Jittered struct {
	Strategy Strategy
}

func (j Jittered) Delay(attempt int) time.Duration {
	d := j.Strategy.Delay(attempt)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1)) //nolint:gosec // jitter does not need crypto rand
}

// Default is exponential with jitter between base and maxDelay.
func Default(base, maxDelay time.Duration) Strategy {
	return Jittered{Strategy: Exponential{Initial: base, Max: maxDelay}}
}
