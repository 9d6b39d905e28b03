package resource_pool

import (
	"sync/atomic"
	"time"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
)

// The pool's bookkeeping for one open resource.  createdAt is immutable;
// returnedAt and borrowCount are guarded by the owning pool's mutex.
type pooledResource[T any] struct {
	value       T
	createdAt   time.Time
	returnedAt  time.Time
	borrowCount int64
}

// A resource borrowed from a Pool.  Each Borrow returns a fresh handle, so a
// stale handle from an earlier borrow can never give back a resource which
// has since been handed to someone else.
type ManagedHandle[T any] struct {
	pool *Pool[T]

	res atomic.Pointer[pooledResource[T]] // nil once released or discarded

	// Copied at checkout so the getters need no locking.
	createdAt   time.Time
	returnedAt  time.Time
	borrowCount int64
}

func newManagedHandle[T any](pool *Pool[T], res *pooledResource[T]) *ManagedHandle[T] {
	h := &ManagedHandle[T]{
		pool:        pool,
		createdAt:   res.createdAt,
		returnedAt:  res.returnedAt,
		borrowCount: res.borrowCount,
	}
	h.res.Store(res)
	return h
}

// This returns the underlying resource.  An error is returned if the handle
// was already released or discarded.
func (h *ManagedHandle[T]) Value() (T, error) {
	res := h.res.Load()
	if res == nil {
		var zero T
		return zero, errors.New("Resource handle is no longer active")
	}
	return res.value, nil
}

// This returns the pool which owns this handle.
func (h *ManagedHandle[T]) Owner() *Pool[T] {
	return h.pool
}

// When the underlying resource was opened.
func (h *ManagedHandle[T]) CreatedAt() time.Time {
	return h.createdAt
}

// When the underlying resource was last given back to the pool (zero if
// this is its first borrow).
func (h *ManagedHandle[T]) ReturnedAt() time.Time {
	return h.returnedAt
}

// How many times the underlying resource has been borrowed, this borrow
// included.
func (h *ManagedHandle[T]) BorrowCount() int64 {
	return h.borrowCount
}

// Gives the resource back to the pool.  Releasing twice is an error.
func (h *ManagedHandle[T]) Release() error {
	res := h.res.Swap(nil)
	if res == nil {
		return errors.New("Resource handle was already released")
	}
	return h.pool.put(res)
}

// Closes the resource and frees its slot in the pool.  Use this when the
// resource is in an unusable state.
func (h *ManagedHandle[T]) Discard() error {
	res := h.res.Swap(nil)
	if res == nil {
		return errors.New("Resource handle was already released")
	}
	return h.pool.discard(res)
}

// Runs fn on the resource and reports operation, args, the elapsed time and
// fn's error to the pool's ExecutionLogger.  The report never affects the
// result.
func (h *ManagedHandle[T]) Exec(
	operation string,
	args []interface{},
	fn func(T) error) error {

	value, err := h.Value()
	if err != nil {
		return err
	}

	start := h.pool.clock.Now()
	err = fn(value)
	dlog.Record(
		h.pool.options.ExecutionLogger,
		h.pool.clock.Since(start),
		operation,
		args,
		err)
	return err
}
