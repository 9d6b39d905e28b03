package time2

import (
	"context"
	"time"
)

// Sleeps for d on the given clock, or until ctx is done, whichever comes
// first.  Returns ctx.Err() when the context ended the sleep early.
func SleepOrExpire(ctx context.Context, clock Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := OrDefault(clock).NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// Returns the smaller of the two durations.
func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
