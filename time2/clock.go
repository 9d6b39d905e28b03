package time2

import (
	"time"
)

// A subset of the time package's functionality, behind an interface so that
// tests can control the passage of time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration

	// NewTimer creates a timer which fires once after d.
	NewTimer(d time.Duration) Timer

	Sleep(d time.Duration)
}

// Mirrors *time.Timer.
type Timer interface {
	C() <-chan time.Time

	// Stop prevents the timer from firing.  It returns false if the timer has
	// already fired or been stopped.
	Stop() bool
}

type realClock struct{}

func NewRealClock() Clock {
	return &realClock{}
}

func (c *realClock) Now() time.Time {
	return time.Now()
}

func (c *realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c *realClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

func (c *realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (c *realClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

type realTimer struct {
	t *time.Timer
}

func (t *realTimer) C() <-chan time.Time {
	return t.t.C
}

func (t *realTimer) Stop() bool {
	return t.t.Stop()
}

var DefaultClock = NewRealClock()

// Returns clock, or DefaultClock when clock is nil.
func OrDefault(clock Clock) Clock {
	if clock == nil {
		return DefaultClock
	}
	return clock
}
