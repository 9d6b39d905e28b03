package resource_pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/stats"
	"github.com/poolq/poolq/time2"
)

// A bounded pool of resources of type T (typically network connections).
//
// A resource is either idle (owned by the pool) or borrowed (owned by exactly
// one caller).  When the pool is at MaxOpen, Borrow callers queue up and are
// served strictly in arrival order; a released resource is handed directly to
// the longest-waiting caller instead of going through the idle set.
//
// No resource is opened or closed while the pool's mutex is held.
type Pool[T any] struct {
	options Options[T]
	clock   time2.Clock
	logger  *zap.Logger
	stats   poolStats

	mutex       sync.Mutex
	idle        []*pooledResource[T] // guarded by mutex, oldest return first
	waiters     []*waiter[T]         // guarded by mutex, FIFO
	numOpen     int                  // guarded by mutex, includes reserved slots
	numBorrowed int                  // guarded by mutex
	isClosed    bool                 // guarded by mutex
}

// What a waiting Borrow call receives.  Exactly one of the following holds:
//  - handle != nil: a resource was handed over
//  - err != nil: the pool was closed
//  - otherwise: the waiter was granted a slot and must open a resource
type grant[T any] struct {
	handle *ManagedHandle[T]
	err    error
}

type waiter[T any] struct {
	ch chan grant[T] // buffered, receives exactly one grant
}

// Snapshot of the pool's counters.
type PoolStats struct {
	Open     int
	Idle     int
	Borrowed int
	Waiting  int
}

type poolStats struct {
	borrows      stats.CounterStat
	dials        stats.CounterStat
	dialFailures stats.CounterStat
	exhausted    stats.CounterStat
	waits        stats.CounterStat
	discards     stats.CounterStat
	waitTime     stats.SummaryStat
	open         stats.GaugeStat
	idle         stats.GaugeStat
}

func New[T any](options Options[T]) *Pool[T] {
	if options.Open == nil {
		panic("resource_pool: Open function is required")
	}
	if options.Close == nil {
		options.Close = func(T) error { return nil }
	}

	factory := stats.OrNoOp(options.Stats)
	tags := map[string]string{"pool": options.Name}

	return &Pool[T]{
		options: options,
		clock:   time2.OrDefault(options.Clock),
		logger:  dlog.OrNop(options.Logger).With(zap.String("pool", options.Name)),
		stats: poolStats{
			borrows:      factory.NewCounter("pool.borrows", tags),
			dials:        factory.NewCounter("pool.dials", tags),
			dialFailures: factory.NewCounter("pool.dial_failures", tags),
			exhausted:    factory.NewCounter("pool.exhausted", tags),
			waits:        factory.NewCounter("pool.waits", tags),
			discards:     factory.NewCounter("pool.discards", tags),
			waitTime:     factory.NewSummary("pool.wait_seconds", tags),
			open:         factory.NewGauge("pool.open", tags),
			idle:         factory.NewGauge("pool.idle", tags),
		},
	}
}

// Returns a snapshot of the pool's counters.
func (p *Pool[T]) Stats() PoolStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return PoolStats{
		Open:     p.numOpen,
		Idle:     len(p.idle),
		Borrowed: p.numBorrowed,
		Waiting:  len(p.waiters),
	}
}

// Borrows a resource for exclusive use.  The returned handle must be given
// back with Release (or Discard, if the resource turned out to be broken).
//
// If an idle resource exists, it is reused (after dropping any which
// exceeded MaxLifetime).  Otherwise, if the pool is below MaxOpen, a new
// resource is opened.  Otherwise the call waits until a resource is
// released, WaitTimeout elapses (ErrPoolExhausted), the pool is closed
// (ErrPoolClosed) or ctx is done.
//
// Open failures are returned as errors of kind KindDialFailure; Borrow never
// retries them.  Note that only age is checked: a young but dead resource is
// handed out as is.
func (p *Pool[T]) Borrow(ctx context.Context) (*ManagedHandle[T], error) {
	now := p.clock.Now()

	p.mutex.Lock()

	if p.isClosed {
		p.mutex.Unlock()
		return nil, errors.Wrapf(ErrPoolClosed, "Cannot borrow from %s", p.options.Name)
	}

	var expired []*pooledResource[T]
	for len(p.idle) > 0 {
		res := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]

		if p.isExpired(res, now) {
			expired = append(expired, res)
			p.numOpen--
			continue
		}

		handle := p.checkoutLocked(res)
		p.mutex.Unlock()

		p.closeResources(expired)
		return handle, nil
	}

	if p.options.MaxOpen <= 0 || p.numOpen < p.options.MaxOpen {
		p.numOpen++
		p.updateGaugesLocked()
		p.mutex.Unlock()

		p.closeResources(expired)
		return p.open(ctx)
	}

	w := &waiter[T]{ch: make(chan grant[T], 1)}
	p.waiters = append(p.waiters, w)
	p.updateGaugesLocked()
	p.mutex.Unlock()

	p.closeResources(expired)
	p.stats.waits.Inc()
	return p.wait(ctx, w, now)
}

// Returns a borrowed resource to the pool.  Equivalent to handle.Release().
func (p *Pool[T]) Release(handle *ManagedHandle[T]) error {
	if handle.pool != p {
		return errors.New(
			"Resource pool cannot take control of a handle owned " +
				"by another resource pool")
	}
	return handle.Release()
}

// Closes a borrowed resource and frees its slot.  Equivalent to
// handle.Discard().
func (p *Pool[T]) Discard(handle *ManagedHandle[T]) error {
	if handle.pool != p {
		return errors.New(
			"Resource pool cannot take control of a handle owned " +
				"by another resource pool")
	}
	return handle.Discard()
}

// Closes all idle resources and fails every waiting Borrow call with
// ErrPoolClosed.  Resources which are still borrowed are closed when they
// are released.  Close is idempotent.
func (p *Pool[T]) Close() error {
	p.mutex.Lock()
	if p.isClosed {
		p.mutex.Unlock()
		return nil
	}
	p.isClosed = true

	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)

	for _, w := range p.waiters {
		w.ch <- grant[T]{
			err: errors.Wrapf(ErrPoolClosed, "Pool %s closed while waiting", p.options.Name),
		}
	}
	p.waiters = nil
	p.updateGaugesLocked()
	p.mutex.Unlock()

	p.logger.Info("Resource pool closed", zap.Int("idleClosed", len(idle)))
	return p.closeResources(idle)
}

// Borrows a resource, runs fn on it (reporting the call to the pool's
// ExecutionLogger as operation with args) and gives the resource back.  The
// resource is discarded instead of released when fn's error wraps
// ErrDiscard.
func (p *Pool[T]) Do(
	ctx context.Context,
	operation string,
	args []interface{},
	fn func(T) error) error {

	handle, err := p.Borrow(ctx)
	if err != nil {
		return err
	}

	err = handle.Exec(operation, args, fn)
	if errors.Is(err, ErrDiscard) {
		_ = handle.Discard()
	} else {
		_ = handle.Release()
	}
	return err
}

func (p *Pool[T]) wait(
	ctx context.Context,
	w *waiter[T],
	start time.Time) (*ManagedHandle[T], error) {

	var timeout <-chan time.Time
	if p.options.WaitTimeout > 0 {
		timer := p.clock.NewTimer(p.options.WaitTimeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	select {
	case g := <-w.ch:
		p.stats.waitTime.Observe(p.clock.Since(start).Seconds())
		return p.accept(ctx, g)
	case <-timeout:
		p.stats.exhausted.Inc()
		return nil, p.abandon(w, errors.Wrapf(
			ErrPoolExhausted,
			"No resource available from %s within %v",
			p.options.Name,
			p.options.WaitTimeout))
	case <-ctx.Done():
		return nil, p.abandon(w, errors.Wrapf(
			ctx.Err(),
			"Gave up waiting for a resource from %s",
			p.options.Name))
	}
}

func (p *Pool[T]) accept(ctx context.Context, g grant[T]) (*ManagedHandle[T], error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.handle != nil {
		return g.handle, nil
	}
	return p.open(ctx)
}

// Removes w from the wait queue.  If w was already served (the grant raced
// with the timeout), whatever it was granted goes back to the pool so that
// nothing leaks.  Always returns err.
func (p *Pool[T]) abandon(w *waiter[T], err error) error {
	p.mutex.Lock()
	for i, other := range p.waiters {
		if other == w {
			copy(p.waiters[i:], p.waiters[i+1:])
			p.waiters[len(p.waiters)-1] = nil
			p.waiters = p.waiters[:len(p.waiters)-1]
			p.updateGaugesLocked()
			p.mutex.Unlock()
			return err
		}
	}
	p.mutex.Unlock()

	g := <-w.ch
	switch {
	case g.err != nil:
		// pool closed, nothing to give back
	case g.handle != nil:
		_ = g.handle.Release()
	default:
		p.mutex.Lock()
		p.numOpen--
		p.grantSlotLocked()
		p.updateGaugesLocked()
		p.mutex.Unlock()
	}
	return err
}

// Opens a resource for a slot which was already reserved in numOpen.
func (p *Pool[T]) open(ctx context.Context) (*ManagedHandle[T], error) {
	p.stats.dials.Inc()
	value, err := p.options.Open(ctx)
	if err != nil {
		p.stats.dialFailures.Inc()

		p.mutex.Lock()
		p.numOpen--
		p.grantSlotLocked()
		p.updateGaugesLocked()
		p.mutex.Unlock()

		return nil, errors.WrapKind(
			err,
			errors.KindDialFailure,
			"Failed to open resource for %s",
			p.options.Name)
	}

	res := &pooledResource[T]{
		value:     value,
		createdAt: p.clock.Now(),
	}

	p.mutex.Lock()
	if p.isClosed {
		p.numOpen--
		p.updateGaugesLocked()
		p.mutex.Unlock()

		_ = p.options.Close(value)
		return nil, errors.Wrapf(ErrPoolClosed, "Pool %s closed while opening", p.options.Name)
	}
	handle := p.checkoutLocked(res)
	p.mutex.Unlock()

	return handle, nil
}

// Takes back res after the borrower is done with it.
func (p *Pool[T]) put(res *pooledResource[T]) error {
	now := p.clock.Now()

	p.mutex.Lock()
	p.numBorrowed--
	res.returnedAt = now

	if p.isClosed {
		p.numOpen--
		p.updateGaugesLocked()
		p.mutex.Unlock()
		return p.closeResource(res)
	}

	if p.isExpired(res, now) {
		p.numOpen--
		p.grantSlotLocked()
		p.updateGaugesLocked()
		p.mutex.Unlock()
		return p.closeResource(res)
	}

	if len(p.waiters) > 0 {
		w := p.popWaiterLocked()
		w.ch <- grant[T]{handle: p.checkoutLocked(res)}
		p.mutex.Unlock()
		return nil
	}

	if p.options.MaxIdle > 0 && len(p.idle) >= p.options.MaxIdle {
		p.numOpen--
		p.updateGaugesLocked()
		p.mutex.Unlock()
		p.stats.discards.Inc()
		return p.closeResource(res)
	}

	p.idle = append(p.idle, res)
	p.updateGaugesLocked()
	p.mutex.Unlock()
	return nil
}

// Closes res and frees its slot.
func (p *Pool[T]) discard(res *pooledResource[T]) error {
	p.mutex.Lock()
	p.numBorrowed--
	p.numOpen--
	if !p.isClosed {
		p.grantSlotLocked()
	}
	p.updateGaugesLocked()
	p.mutex.Unlock()

	p.stats.discards.Inc()
	return p.closeResource(res)
}

// If someone is waiting and there is room, reserve a slot for the head
// waiter and tell it to open a resource itself.
func (p *Pool[T]) grantSlotLocked() {
	if len(p.waiters) == 0 {
		return
	}
	if p.options.MaxOpen > 0 && p.numOpen >= p.options.MaxOpen {
		return
	}
	p.numOpen++
	p.popWaiterLocked().ch <- grant[T]{}
}

func (p *Pool[T]) popWaiterLocked() *waiter[T] {
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool[T]) checkoutLocked(res *pooledResource[T]) *ManagedHandle[T] {
	res.borrowCount++
	p.numBorrowed++
	p.updateGaugesLocked()
	p.stats.borrows.Inc()
	return newManagedHandle(p, res)
}

func (p *Pool[T]) isExpired(res *pooledResource[T], now time.Time) bool {
	return p.options.MaxLifetime > 0 &&
		now.Sub(res.createdAt) >= p.options.MaxLifetime
}

func (p *Pool[T]) updateGaugesLocked() {
	p.stats.open.Set(float64(p.numOpen))
	p.stats.idle.Set(float64(len(p.idle)))
}

func (p *Pool[T]) closeResource(res *pooledResource[T]) error {
	if err := p.options.Close(res.value); err != nil {
		p.logger.Warn("Failed to close resource", zap.Error(err))
		return errors.Wrapf(err, "Failed to close resource from %s", p.options.Name)
	}
	return nil
}

func (p *Pool[T]) closeResources(resources []*pooledResource[T]) error {
	var firstErr error
	for _, res := range resources {
		if err := p.closeResource(res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
