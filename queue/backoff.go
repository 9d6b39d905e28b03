package queue

import (
	"math"
	"time"
)

// Decides how long a failed entry waits before its next attempt.  Delay is
// called with the attempt count after the failure (>= 1) and must be
// non-decreasing in tryTimes.
type Backoff interface {
	Delay(tryTimes int) time.Duration
}

// Waits the same interval after every failure.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(tryTimes int) time.Duration {
	if b.Interval < 0 {
		return 0
	}
	return b.Interval
}

// Waits Base after the first failure, multiplying by Factor after every
// further failure, capped at Max (when positive).
type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (b ExponentialBackoff) Delay(tryTimes int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	if tryTimes < 1 {
		tryTimes = 1
	}

	delay := float64(b.Base) * math.Pow(factor, float64(tryTimes-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// 1s, 2s, 4s, ... capped at 10 minutes.
func DefaultBackoff() Backoff {
	return ExponentialBackoff{
		Base:   time.Second,
		Factor: 2,
		Max:    10 * time.Minute,
	}
}
