package time2

import (
	"sync"
	"time"
)

// A fake clock useful for testing timing.  Time only moves when Set or
// Advance is called; timers (and sleepers) whose deadline is reached are
// fired at that point.  MockClock is safe for concurrent use.
type MockClock struct {
	mutex       sync.Mutex
	currentTime time.Time
	timers      []*mockTimer
}

// Creates a mock clock set to the given time.
func NewMockClock(now time.Time) *MockClock {
	return &MockClock{currentTime: now}
}

// Resets the mock clock back to initial state.  Pending timers are dropped.
func (c *MockClock) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.currentTime = time.Time{}
	c.timers = nil
}

// Set the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mutex.Lock()
	c.currentTime = t
	fired := c.expireTimersLocked()
	c.mutex.Unlock()

	fire(fired, t)
}

// Advances the mock clock by the specified duration.
func (c *MockClock) Advance(delta time.Duration) {
	c.mutex.Lock()
	c.currentTime = c.currentTime.Add(delta)
	now := c.currentTime
	fired := c.expireTimersLocked()
	c.mutex.Unlock()

	fire(fired, now)
}

// Returns the fake current time.
func (c *MockClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.currentTime
}

// Returns the time elapsed since the fake current time.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	t := &mockTimer{
		clock:    c,
		deadline: c.currentTime.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.ch <- c.currentTime
		t.done = true
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// Blocks until the mock clock has been advanced by at least d.
func (c *MockClock) Sleep(d time.Duration) {
	<-c.NewTimer(d).C()
}

// Returns the number of timers which have not fired nor been stopped.
// Tests use this to wait until a goroutine has blocked on the clock.
func (c *MockClock) NumPendingTimers() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.timers)
}

func (c *MockClock) expireTimersLocked() []*mockTimer {
	var fired []*mockTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.deadline.After(c.currentTime) {
			t.done = true
			fired = append(fired, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	return fired
}

func (c *MockClock) stop(t *mockTimer) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if t.done {
		return false
	}
	t.done = true
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}

func fire(timers []*mockTimer, now time.Time) {
	for _, t := range timers {
		t.ch <- now
	}
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	ch       chan time.Time
	done     bool // guarded by clock.mutex
}

func (t *mockTimer) C() <-chan time.Time {
	return t.ch
}

func (t *mockTimer) Stop() bool {
	return t.clock.stop(t)
}
