package resource_pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/stats"
	"github.com/poolq/poolq/time2"
)

var (
	// Returned (wrapped) when a borrow could not be satisfied within the
	// pool's WaitTimeout.  The caller may retry.
	ErrPoolExhausted = errors.NewKind(
		errors.KindPoolExhausted,
		"Resource pool exhausted")

	// Returned (wrapped) when the pool is closed before or while borrowing.
	ErrPoolClosed = errors.NewKind(
		errors.KindPoolClosed,
		"Resource pool is closed")

	// Exec / Do callbacks return (or wrap) ErrDiscard to signal that the
	// resource is broken and must not be reused.  MarkDiscard does the same
	// without hiding the original error.
	ErrDiscard = errors.New("Resource is broken")
)

// Returns an error which matches ErrDiscard (so Do discards the resource)
// while err stays in the chain for errors.Is / errors.As.  Returns nil for
// a nil err.
func MarkDiscard(err error) error {
	if err == nil {
		return nil
	}
	return &discardError{err: err}
}

type discardError struct {
	err error
}

func (e *discardError) Error() string {
	return e.err.Error()
}

func (e *discardError) Unwrap() error {
	return e.err
}

func (e *discardError) Is(target error) bool {
	return target == ErrDiscard
}

type Options[T any] struct {
	// Used to tag metrics and log lines.
	Name string

	// The maximum number of resources that can be open at any given time,
	// borrowed or idle.  A non-positive value means unbounded, in which case
	// Borrow never waits.
	MaxOpen int

	// The maximum number of idle resources retained after release.  A
	// non-positive value means unbounded (bounded only by MaxOpen).
	MaxIdle int

	// Resources older than this are closed instead of being handed out or
	// pooled, even if healthy.  A non-positive value means unbounded.
	MaxLifetime time.Duration

	// How long Borrow may block when the pool is at capacity.  A
	// non-positive value means Borrow waits until a resource frees up, the
	// pool is closed or the context is done.
	WaitTimeout time.Duration

	// Creates a new resource.  Required.
	Open func(ctx context.Context) (T, error)

	// Closes a resource.  Optional.
	Close func(T) error

	// Defaults to time2.DefaultClock.
	Clock time2.Clock

	// Observes every Exec / Do operation.  Optional.
	ExecutionLogger dlog.ExecutionLogger

	// Optional.
	Stats stats.StatsFactory

	// Optional.
	Logger *zap.Logger
}
