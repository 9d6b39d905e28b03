package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/queue"
	"github.com/poolq/poolq/stats"
	"github.com/poolq/poolq/time2"
)

const (
	defaultPollInterval    = time.Second
	defaultMaxPollInterval = 30 * time.Second
)

// The part of queue.Scheduler a worker drives.
type Scheduler interface {
	ClaimNext(ctx context.Context) (*queue.Entry, error)
	Extend(ctx context.Context, entry *queue.Entry) (*queue.Entry, error)
	Complete(
		ctx context.Context,
		entry *queue.Entry,
		outcome queue.Outcome) (*queue.Entry, error)
	ClaimTTL() time.Duration
}

type Options struct {
	// Maximum number of handlers running at once.  Defaults to 1.
	Concurrency int

	// Sleep after an empty (or failed) poll.  Doubles on every further
	// empty poll up to MaxPollInterval, and resets once work is found.
	// Default to 1 second and 30 seconds.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// Bounds each handler execution when positive.
	ExecutionTimeout time.Duration

	// How often the claim on a running entry is extended.  Defaults to a
	// third of the scheduler's ClaimTTL.  A negative value disables
	// renewal, in which case a handler running past ClaimTTL may see its
	// entry claimed a second time.
	LeaseRenewal time.Duration

	// Defaults to time2.DefaultClock.
	Clock time2.Clock

	// Observes every handler execution as operation "execute".  Optional.
	ExecutionLogger dlog.ExecutionLogger

	// Optional.
	Stats stats.StatsFactory

	// Optional.
	Logger *zap.Logger
}

type workerStats struct {
	executions stats.CounterStat
	failures   stats.CounterStat
	panics     stats.CounterStat
	emptyPolls stats.CounterStat
	lostLeases stats.CounterStat
	running    stats.GaugeStat
	duration   stats.SummaryStat
}

// Pulls entries from a scheduler and runs their handlers on a bounded
// goroutine pool.  Handlers run outside of any scheduler lock.
type Worker struct {
	scheduler Scheduler
	registry  *Registry
	options   Options
	clock     time2.Clock
	logger    *zap.Logger
	stats     workerStats
}

func New(scheduler Scheduler, registry *Registry, options Options) *Worker {
	if options.Concurrency <= 0 {
		options.Concurrency = 1
	}
	if options.PollInterval <= 0 {
		options.PollInterval = defaultPollInterval
	}
	if options.MaxPollInterval <= 0 {
		options.MaxPollInterval = defaultMaxPollInterval
	}
	if options.MaxPollInterval < options.PollInterval {
		options.MaxPollInterval = options.PollInterval
	}
	if options.LeaseRenewal == 0 {
		options.LeaseRenewal = scheduler.ClaimTTL() / 3
	}

	factory := stats.OrNoOp(options.Stats)
	return &Worker{
		scheduler: scheduler,
		registry:  registry,
		options:   options,
		clock:     time2.OrDefault(options.Clock),
		logger:    dlog.OrNop(options.Logger),
		stats: workerStats{
			executions: factory.NewCounter("worker.executions", nil),
			failures:   factory.NewCounter("worker.failures", nil),
			panics:     factory.NewCounter("worker.panics", nil),
			emptyPolls: factory.NewCounter("worker.empty_polls", nil),
			lostLeases: factory.NewCounter("worker.lost_leases", nil),
			running:    factory.NewGauge("worker.running", nil),
			duration:   factory.NewSummary("worker.execution_seconds", nil),
		},
	}
}

// Polls and executes entries until ctx is done, then waits for in-flight
// executions.  Executions already started are not cancelled by ctx; they
// run to completion (or ExecutionTimeout) and are recorded.
func (w *Worker) Run(ctx context.Context) error {
	pool, err := ants.NewPool(
		w.options.Concurrency,
		ants.WithLogger(antsLogger{w.logger}),
		ants.WithPanicHandler(func(r interface{}) {
			w.logger.Error("Worker task panicked", zap.Any("panic", r))
		}))
	if err != nil {
		return errors.Wrap(err, "Failed to create worker pool")
	}
	defer pool.Release()

	w.logger.Info(
		"Worker started",
		zap.Int("concurrency", w.options.Concurrency),
		zap.Strings("handlers", w.registry.Names()))

	execCtx := context.WithoutCancel(ctx)
	slots := make(chan struct{}, w.options.Concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	backoff := w.options.PollInterval
	for {
		// Only claim once a slot is free, so a claimed entry never waits
		// for a goroutine while its lease runs down.
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			return nil
		}

		entry, err := w.scheduler.ClaimNext(ctx)
		if err != nil || entry == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("Failed to claim entry", zap.Error(err))
			} else if err == nil {
				w.stats.emptyPolls.Inc()
			}
			if sleepErr := time2.SleepOrExpire(ctx, w.clock, backoff); sleepErr != nil {
				w.logger.Info("Worker stopping")
				return nil
			}
			backoff = time2.MinDuration(2*backoff, w.options.MaxPollInterval)
			continue
		}
		backoff = w.options.PollInterval

		inflight.Add(1)
		err = pool.Submit(func() {
			defer inflight.Done()
			defer func() { <-slots }()
			w.process(execCtx, entry)
		})
		if err != nil {
			inflight.Done()
			<-slots
			w.logger.Error(
				"Failed to submit entry; it is reclaimed once its lease expires",
				zap.String("id", entry.ID),
				zap.Error(err))
		}
	}
}

// Claims and executes at most one entry on the calling goroutine.  Returns
// false when nothing was eligible.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	entry, err := w.scheduler.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return true, w.process(ctx, entry)
}

func (w *Worker) process(ctx context.Context, entry *queue.Entry) error {
	w.stats.running.Inc()
	start := w.clock.Now()
	stopRenewal := w.renewLease(ctx, entry)
	result, err := w.execute(ctx, entry)
	lease := stopRenewal()
	elapsed := w.clock.Since(start)
	w.stats.running.Dec()

	w.stats.executions.Inc()
	w.stats.duration.Observe(elapsed.Seconds())
	dlog.Record(
		w.options.ExecutionLogger,
		elapsed,
		"execute",
		[]interface{}{entry.ID, entry.Handler},
		err)

	outcome := queue.Succeeded(result)
	if err != nil {
		w.stats.failures.Inc()
		outcome = queue.Failed(err)
	}

	completed, completeErr := w.scheduler.Complete(ctx, lease, outcome)
	if completeErr != nil {
		w.logger.Error(
			"Failed to complete entry",
			zap.String("id", entry.ID),
			zap.Error(completeErr))
		return completeErr
	}
	if completed.Status == queue.StatusFailed {
		w.logger.Warn(
			"Entry failed",
			zap.String("id", completed.ID),
			zap.String("handler", completed.Handler),
			zap.Int("try_times", completed.TryTimes),
			zap.String("remark", completed.Remark))
	}
	return nil
}

// Extends the claim on entry every LeaseRenewal until the returned function
// is called.  That function returns the latest copy of the entry, which
// Complete needs.  Renewal stops for good once the claim is lost.
func (w *Worker) renewLease(ctx context.Context, entry *queue.Entry) func() *queue.Entry {
	if w.options.LeaseRenewal <= 0 {
		return func() *queue.Entry { return entry }
	}

	current := entry
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			timer := w.clock.NewTimer(w.options.LeaseRenewal)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C():
			}

			renewed, err := w.scheduler.Extend(ctx, current)
			if err == nil {
				current = renewed
				continue
			}
			if errors.Is(err, queue.ErrNotClaimed) ||
				errors.Is(err, queue.ErrTerminalEntry) {

				w.stats.lostLeases.Inc()
				w.logger.Error(
					"Lost the claim on a running entry",
					zap.String("id", entry.ID),
					zap.Error(err))
				return
			}
			w.logger.Warn(
				"Failed to extend claim",
				zap.String("id", entry.ID),
				zap.Error(err))
		}
	}()

	return func() *queue.Entry {
		close(stop)
		<-stopped
		return current
	}
}

// Runs the entry's handler.  Unknown handlers and panics are reported as
// KindJobExecutionFailure errors.
func (w *Worker) execute(
	ctx context.Context,
	entry *queue.Entry) (result json.RawMessage, err error) {

	handler, ok := w.registry.Lookup(entry.Handler)
	if !ok {
		return nil, errors.NewKind(
			errors.KindJobExecutionFailure,
			fmt.Sprintf("No handler registered for %q", entry.Handler))
	}

	if w.options.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.options.ExecutionTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.stats.panics.Inc()
			result = nil
			err = errors.NewKind(
				errors.KindJobExecutionFailure,
				fmt.Sprintf("Handler %q panicked: %v", entry.Handler, r))
		}
	}()
	return handler.Execute(ctx, entry.Clone())
}

type antsLogger struct {
	logger *zap.Logger
}

func (l antsLogger) Printf(format string, args ...interface{}) {
	l.logger.Sugar().Infof(format, args...)
}
