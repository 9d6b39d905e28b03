package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/kvstore"
	"github.com/poolq/poolq/lockstore"
	"github.com/poolq/poolq/stats"
	"github.com/poolq/poolq/time2"
)

var (
	ErrDuplicateEntry = errors.New("Entry already exists")
	ErrEntryNotFound  = errors.New("Entry not found")

	// Complete was called on an entry which already reached FINISHED or
	// FAILED.
	ErrTerminalEntry = errors.New("Entry is in a terminal state")

	// Complete was called with an entry the caller does not hold a claim
	// on (never claimed, or claimed again by someone else since).
	ErrNotClaimed = errors.New("Entry is not claimed by the caller")

	ErrInvalidEntry = errors.New("Invalid entry")
)

const (
	defaultQueueName = "default"
	defaultClaimTTL  = 5 * time.Minute
	defaultTryLimit  = 3
)

type SchedulerOptions struct {
	// Namespaces all keys as "poolq:<name>".  Defaults to "default".
	Name string

	// How long a claim stays exclusive unless the claimant renews it with
	// Extend.  A claimant which stops renewing (e.g. because it crashed)
	// loses the entry to the next ClaimNext once the lease runs out.
	// Defaults to 5 minutes.
	ClaimTTL time.Duration

	// Defaults to DefaultBackoff().
	Backoff Backoff

	// Used for entries enqueued with a non-positive TryLimit.  Defaults to 3.
	DefaultTryLimit int

	// The in-process per-entry locks.  Defaults to sharded locks.
	Locks lockstore.LockStoreOptions

	// Defaults to time2.DefaultClock.
	Clock time2.Clock

	// Observes every scheduler operation.  Optional.
	ExecutionLogger dlog.ExecutionLogger

	// Optional.
	Stats stats.StatsFactory

	// Optional.
	Logger *zap.Logger
}

type schedulerStats struct {
	enqueued stats.CounterStat
	claimed  stats.CounterStat
	finished stats.CounterStat
	retried  stats.CounterStat
	failed   stats.CounterStat
	promoted stats.CounterStat
	trimmed  stats.CounterStat
	repaired stats.CounterStat
	extended stats.CounterStat
}

func newSchedulerStats(factory stats.StatsFactory, name string) schedulerStats {
	factory = stats.OrNoOp(factory)
	tags := map[string]string{"queue": name}
	return schedulerStats{
		enqueued: factory.NewCounter("queue.enqueued", tags),
		claimed:  factory.NewCounter("queue.claimed", tags),
		finished: factory.NewCounter("queue.finished", tags),
		retried:  factory.NewCounter("queue.retried", tags),
		failed:   factory.NewCounter("queue.failed", tags),
		promoted: factory.NewCounter("queue.promoted", tags),
		trimmed:  factory.NewCounter("queue.trimmed", tags),
		repaired: factory.NewCounter("queue.repaired", tags),
		extended: factory.NewCounter("queue.extended", tags),
	}
}

// Moves entries between the status lists of a store according to execution
// outcome and timing.
//
// The store only offers single-key atomicity.  A transition therefore
// CAS-writes the entry record first (which serializes competing
// transitions of the same entry, also across processes), then appends the
// id to the destination list, then removes it from the source list.
// Within a process, transitions hold a shared lock plus a per-entry lock,
// while Reconcile holds the exclusive lock, so it never repairs a move which
// is merely in progress.  Reconcile repairs lists left behind by a crash
// mid-transition.
//
// Readers never trust list membership alone: Snapshot and List report each
// id under the status its record holds, so a move in flight in any process
// is never seen as membership in two lists.
//
// Claimed entries stay in the IN list; exclusivity comes from a lease
// (ClaimedUntil) written with CAS and renewed through Extend, so a running
// entry is always a member of exactly one list.
type Scheduler struct {
	store   kvstore.Store
	index   *StatusIndex
	prefix  string
	options SchedulerOptions
	clock   time2.Clock
	logger  *zap.Logger
	stats   schedulerStats

	mutex        sync.RWMutex
	entryLocks   lockstore.LockStore
	promoteMutex sync.Mutex
}

func NewScheduler(store kvstore.Store, options SchedulerOptions) *Scheduler {
	if options.Name == "" {
		options.Name = defaultQueueName
	}
	if options.ClaimTTL <= 0 {
		options.ClaimTTL = defaultClaimTTL
	}
	if options.Backoff == nil {
		options.Backoff = DefaultBackoff()
	}
	if options.DefaultTryLimit <= 0 {
		options.DefaultTryLimit = defaultTryLimit
	}

	prefix := "poolq:" + options.Name
	return &Scheduler{
		store:      store,
		index:      NewListIndex[Status](store, prefix),
		prefix:     prefix,
		options:    options,
		clock:      time2.OrDefault(options.Clock),
		logger:     dlog.OrNop(options.Logger).With(zap.String("queue", options.Name)),
		stats:      newSchedulerStats(options.Stats, options.Name),
		entryLocks: lockstore.New(options.Locks),
	}
}

func (s *Scheduler) Name() string {
	return s.options.Name
}

// How long a claim lasts without renewal.
func (s *Scheduler) ClaimTTL() time.Duration {
	return s.options.ClaimTTL
}

// The storage key of the record for id.
func (s *Scheduler) RecordKey(id string) string {
	return s.prefix + ":entry:" + id
}

// The storage key of the list for status.
func (s *Scheduler) ListKey(status Status) string {
	return s.index.Key(status)
}

// Adds a new entry in IN, or in DELAY when its NextTry lies in the future.
// An empty ID is replaced with a random one.  Created is stamped with the
// enqueue time and attempt bookkeeping is reset.  Returns the stored entry.
func (s *Scheduler) Enqueue(ctx context.Context, entry *Entry) (stored *Entry, err error) {
	start := s.clock.Now()
	defer func() {
		s.record(start, "enqueue", entryID(entry, stored), err)
	}()

	if entry == nil || entry.Handler == "" {
		return nil, errors.Wrap(ErrInvalidEntry, "Entry requires a handler")
	}

	e := entry.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := s.clock.Now()
	e.Created = now
	e.Updated = now
	e.TryTimes = 0
	if e.TryLimit <= 0 {
		e.TryLimit = s.options.DefaultTryLimit
	}
	e.Finished = time.Time{}
	e.Started = time.Time{}
	e.Duration = 0
	e.Result = nil
	e.Remark = ""
	e.ClaimedUntil = time.Time{}
	if e.NextTry.After(now) {
		e.Status = StatusDelay
	} else {
		e.Status = StatusIn
		e.NextTry = time.Time{}
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.entryLocks.Lock(e.ID)
	defer s.entryLocks.Unlock(e.ID)

	data, err := encodeEntry(e)
	if err != nil {
		return nil, err
	}
	item, err := s.store.Add(ctx, &kvstore.Item{Key: s.RecordKey(e.ID), Value: data})
	if errors.Is(err, kvstore.ErrKeyExists) {
		return nil, errors.Wrapf(ErrDuplicateEntry, "Cannot enqueue %s", e.ID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to store entry %s", e.ID)
	}
	e.version = item.Version

	if err := s.index.Append(ctx, e.Status, e.ID); err != nil {
		return nil, errors.Wrapf(err, "Failed to index entry %s", e.ID)
	}

	s.stats.enqueued.Inc()
	s.logger.Debug(
		"Enqueued entry",
		zap.String("id", e.ID),
		zap.String("handler", e.Handler),
		zap.Stringer("status", e.Status))
	return e.Clone(), nil
}

// Claims the oldest unclaimed IN entry, after promoting due DELAY entries.
// Returns nil (and no error) when nothing is eligible; callers should back
// off before trying again.  Never blocks.
func (s *Scheduler) ClaimNext(ctx context.Context) (claimed *Entry, err error) {
	start := s.clock.Now()
	defer func() {
		s.record(start, "claim", entryID(nil, claimed), err)
	}()

	if _, err := s.PromoteDue(ctx); err != nil {
		return nil, err
	}

	ids, err := s.index.Members(ctx, StatusIn)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		entry, err := s.tryClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			s.stats.claimed.Inc()
			return entry, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) tryClaim(ctx context.Context, id string) (*Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.entryLocks.Lock(id)
	defer s.entryLocks.Unlock(id)

	current, err := s.load(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		// Dangling id; Reconcile drops it.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if current.Status != StatusIn || current.Claimed(now) {
		return nil, nil
	}

	next := current.Clone()
	next.Started = now
	next.Updated = now
	next.ClaimedUntil = now.Add(s.options.ClaimTTL)
	if err := s.save(ctx, next); err != nil {
		if errors.Is(err, kvstore.ErrVersionMismatch) ||
			errors.Is(err, kvstore.ErrNotFound) {
			// Lost the race to another claimant.
			return nil, nil
		}
		return nil, err
	}
	return next.Clone(), nil
}

// Renews the caller's claim on entry for another ClaimTTL, counted from
// now.  entry must be the latest copy the caller holds (from ClaimNext or a
// previous Extend); the returned copy replaces it, also for Complete.
// Returns ErrNotClaimed once someone else claimed the entry, and
// ErrTerminalEntry if it was completed.
func (s *Scheduler) Extend(ctx context.Context, entry *Entry) (extended *Entry, err error) {
	start := s.clock.Now()
	defer func() {
		s.record(start, "extend", entryID(entry), err)
	}()

	if entry == nil || entry.ID == "" {
		return nil, errors.Wrap(ErrInvalidEntry, "Entry requires an id")
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.entryLocks.Lock(entry.ID)
	defer s.entryLocks.Unlock(entry.ID)

	current, err := s.load(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, errors.Wrapf(
			ErrTerminalEntry,
			"Cannot extend %s (%s)",
			current.ID,
			current.Status)
	}
	if current.ClaimedUntil.IsZero() || current.version != entry.version {
		return nil, errors.Wrapf(ErrNotClaimed, "Cannot extend %s", current.ID)
	}

	next := current.Clone()
	next.ClaimedUntil = s.clock.Now().Add(s.options.ClaimTTL)
	if err := s.save(ctx, next); err != nil {
		if errors.Is(err, kvstore.ErrVersionMismatch) ||
			errors.Is(err, kvstore.ErrNotFound) {
			return nil, errors.Wrapf(ErrNotClaimed, "Cannot extend %s", current.ID)
		}
		return nil, err
	}
	s.stats.extended.Inc()
	return next.Clone(), nil
}

// Records the outcome of executing a claimed entry.  Success moves the entry
// to FINISHED.  Failure counts an attempt, then moves the entry to FAILED
// when retry is disabled or the attempt limit is reached, and to DELAY
// (with NextTry from the backoff policy) otherwise.  Handler failures never
// surface as errors here; errors report store failures, ErrTerminalEntry
// and ErrNotClaimed.
func (s *Scheduler) Complete(
	ctx context.Context,
	entry *Entry,
	outcome Outcome) (completed *Entry, err error) {

	start := s.clock.Now()
	defer func() {
		s.record(start, "complete", entryID(entry, completed), err)
	}()

	if entry == nil || entry.ID == "" {
		return nil, errors.Wrap(ErrInvalidEntry, "Entry requires an id")
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.entryLocks.Lock(entry.ID)
	defer s.entryLocks.Unlock(entry.ID)

	current, err := s.load(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, errors.Wrapf(
			ErrTerminalEntry,
			"Cannot complete %s (%s)",
			current.ID,
			current.Status)
	}
	if current.ClaimedUntil.IsZero() || current.version != entry.version {
		return nil, errors.Wrapf(ErrNotClaimed, "Cannot complete %s", current.ID)
	}

	now := s.clock.Now()
	next := s.applyOutcome(current, outcome, now)
	if !current.Status.CanTransition(next.Status) {
		return nil, errors.Newf(
			"Illegal transition %s -> %s for %s",
			current.Status,
			next.Status,
			current.ID)
	}

	if err := s.save(ctx, next); err != nil {
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			return nil, errors.Wrapf(ErrNotClaimed, "Cannot complete %s", current.ID)
		}
		return nil, err
	}
	if err := s.index.Move(ctx, next.ID, current.Status, next.Status); err != nil {
		return next.Clone(), err
	}

	switch next.Status {
	case StatusFinished:
		s.stats.finished.Inc()
	case StatusDelay:
		s.stats.retried.Inc()
	case StatusFailed:
		s.stats.failed.Inc()
	}
	s.logger.Debug(
		"Completed entry",
		zap.String("id", next.ID),
		zap.Stringer("from", current.Status),
		zap.Stringer("to", next.Status),
		zap.Int("try_times", next.TryTimes),
		zap.String("remark", next.Remark))
	return next.Clone(), nil
}

func (s *Scheduler) applyOutcome(current *Entry, outcome Outcome, now time.Time) *Entry {
	next := current.Clone()
	next.Updated = now
	next.ClaimedUntil = time.Time{}
	if !current.Started.IsZero() {
		next.Duration = now.Sub(current.Started)
	}
	next.Result = outcome.Result

	if outcome.Err == nil {
		next.Status = StatusFinished
		next.Finished = now
		next.NextTry = time.Time{}
		return next
	}

	next.TryTimes++
	msg := errors.GetMessage(outcome.Err)
	switch {
	case !next.Retry:
		next.Status = StatusFailed
		next.Remark = "retry disabled: " + msg
	case next.TryTimes >= next.TryLimit:
		next.Status = StatusFailed
		next.Remark = errors.GetMessage(errors.WrapKind(
			outcome.Err,
			errors.KindRetryLimitExceeded,
			"retry limit exceeded (%d/%d)",
			next.TryTimes,
			next.TryLimit))
	default:
		next.Status = StatusDelay
		next.NextTry = now.Add(s.options.Backoff.Delay(next.TryTimes))
		next.Remark = msg
	}
	if next.Status == StatusFailed {
		next.Finished = now
		next.NextTry = time.Time{}
	}
	return next
}

// Moves every DELAY entry whose NextTry has passed to IN, oldest (by
// creation time) first.  Returns how many entries were promoted.
func (s *Scheduler) PromoteDue(ctx context.Context) (promoted int, err error) {
	start := s.clock.Now()
	defer func() {
		s.record(start, "promote", []interface{}{promoted}, err)
	}()

	s.promoteMutex.Lock()
	defer s.promoteMutex.Unlock()

	ids, err := s.index.Members(ctx, StatusDelay)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	due := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.load(ctx, id)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if entry.Due(now) {
			due = append(due, entry)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Created.Before(due[j].Created)
	})

	for _, entry := range due {
		ok, err := s.promote(ctx, entry.ID, now)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted++
		}
	}
	if promoted > 0 {
		s.stats.promoted.Add(float64(promoted))
		s.logger.Debug("Promoted delayed entries", zap.Int("count", promoted))
	}
	return promoted, nil
}

func (s *Scheduler) promote(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.entryLocks.Lock(id)
	defer s.entryLocks.Unlock(id)

	current, err := s.load(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !current.Due(now) {
		return false, nil
	}

	next := current.Clone()
	next.Status = StatusIn
	next.NextTry = time.Time{}
	next.Updated = now
	if err := s.save(ctx, next); err != nil {
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			return false, nil
		}
		return false, err
	}
	if err := s.index.Move(ctx, id, StatusDelay, StatusIn); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*Entry, error) {
	s.entryLocks.RLock(id)
	defer s.entryLocks.RUnlock(id)

	return s.load(ctx, id)
}

// The ids with the given status, in list order.  See Snapshot.
func (s *Scheduler) List(ctx context.Context, status Status) ([]string, error) {
	if _, err := ParseStatus(status.String()); err != nil {
		return nil, err
	}
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot[status], nil
}

// The ids of every list.  Each listed id is reported exactly once, under
// the status its record holds: a transition in flight (in this or another
// process) may briefly leave an id in both its old and new list, or in the
// old one only, and the record decides.  Ids without a record are left out.
// Ids appear in list order, followed by ids which have not reached their
// new list yet.
func (s *Scheduler) Snapshot(ctx context.Context) (map[Status][]string, error) {
	listed := make(map[Status][]string, len(Statuses))
	for _, status := range Statuses {
		ids, err := s.index.Members(ctx, status)
		if err != nil {
			return nil, err
		}
		listed[status] = ids
	}

	recorded := make(map[string]Status)
	var discovered []string
	for _, status := range Statuses {
		for _, id := range listed[status] {
			if _, ok := recorded[id]; ok {
				continue
			}
			entry, err := s.Get(ctx, id)
			if errors.Is(err, ErrEntryNotFound) {
				recorded[id] = 0
				continue
			}
			if err != nil {
				return nil, err
			}
			recorded[id] = entry.Status
			discovered = append(discovered, id)
		}
	}

	result := make(map[Status][]string, len(Statuses))
	reported := make(map[string]bool, len(discovered))
	for _, status := range Statuses {
		ids := make([]string, 0, len(listed[status]))
		for _, id := range listed[status] {
			if recorded[id] == status && !reported[id] {
				reported[id] = true
				ids = append(ids, id)
			}
		}
		result[status] = ids
	}
	for _, id := range discovered {
		if !reported[id] {
			reported[id] = true
			status := recorded[id]
			result[status] = append(result[status], id)
		}
	}
	return result, nil
}

// Makes list membership match the stored records again: ids without a
// record are dropped, ids listed under the wrong status are moved, and
// duplicates are collapsed.  Returns the number of repairs.
func (s *Scheduler) Reconcile(ctx context.Context) (repairs int, err error) {
	start := s.clock.Now()
	defer func() {
		s.record(start, "reconcile", []interface{}{repairs}, err)
	}()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	memberships, err := s.index.Memberships(ctx, Statuses)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(memberships))
	for id := range memberships {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n, err := s.reconcileEntry(ctx, id, memberships[id])
		repairs += n
		if err != nil {
			return repairs, err
		}
	}

	if repairs > 0 {
		s.stats.repaired.Add(float64(repairs))
		s.logger.Warn("Repaired status lists", zap.Int("repairs", repairs))
	}
	return repairs, nil
}

func (s *Scheduler) reconcileEntry(
	ctx context.Context,
	id string,
	counts map[Status]int) (int, error) {

	current, err := s.load(ctx, id)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return 0, err
	}

	repairs := 0
	for _, status := range Statuses {
		n := counts[status]
		if n == 0 {
			continue
		}
		if current != nil && status == current.Status {
			if n > 1 {
				if _, err := s.index.Dedupe(ctx, status, id, n); err != nil {
					return repairs, err
				}
				repairs++
				s.logger.Info(
					"Dropped duplicate list member",
					zap.String("id", id),
					zap.Stringer("list", status),
					zap.Int("copies", n))
			}
			continue
		}
		if _, err := s.index.Remove(ctx, status, id); err != nil {
			return repairs, err
		}
		repairs++
		s.logger.Info(
			"Dropped stale list member",
			zap.String("id", id),
			zap.Stringer("list", status))
	}

	if current != nil && counts[current.Status] == 0 {
		if err := s.index.Append(ctx, current.Status, id); err != nil {
			return repairs, err
		}
		repairs++
	}
	return repairs, nil
}

// Drops the oldest FINISHED entries (ids and records) until at most keep
// remain.  FAILED entries are never trimmed.  Returns how many were dropped.
func (s *Scheduler) TrimFinished(ctx context.Context, keep int) (trimmed int, err error) {
	start := s.clock.Now()
	defer func() {
		s.record(start, "trim", []interface{}{keep, trimmed}, err)
	}()

	if keep < 0 {
		keep = 0
	}
	ids, err := s.index.Members(ctx, StatusFinished)
	if err != nil {
		return 0, err
	}

	for i := 0; i < len(ids)-keep; i++ {
		ok, err := s.trimOne(ctx)
		if err != nil {
			return trimmed, err
		}
		if !ok {
			break
		}
		trimmed++
	}
	if trimmed > 0 {
		s.stats.trimmed.Add(float64(trimmed))
	}
	return trimmed, nil
}

func (s *Scheduler) trimOne(ctx context.Context) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, ok, err := s.index.PopHead(ctx, StatusFinished)
	if err != nil || !ok {
		return false, err
	}

	s.entryLocks.Lock(id)
	defer s.entryLocks.Unlock(id)

	current, err := s.load(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	if current.Status != StatusFinished {
		// Stale member; the record lives on under its real status.
		return true, nil
	}
	err = s.store.Delete(ctx, s.RecordKey(id))
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return true, errors.Wrapf(err, "Failed to delete entry %s", id)
	}
	return true, nil
}

func (s *Scheduler) load(ctx context.Context, id string) (*Entry, error) {
	item, err := s.store.Get(ctx, s.RecordKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, errors.Wrapf(ErrEntryNotFound, "No entry %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to load entry %s", id)
	}
	return decodeEntry(item.Value, item.Version)
}

// CAS-writes e against the version it was read at and updates e.version.
func (s *Scheduler) save(ctx context.Context, e *Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	item, err := s.store.Set(ctx, &kvstore.Item{
		Key:     s.RecordKey(e.ID),
		Value:   data,
		Version: e.version,
	})
	if err != nil {
		return err
	}
	e.version = item.Version
	return nil
}

func (s *Scheduler) record(start time.Time, operation string, args []interface{}, err error) {
	dlog.Record(
		s.options.ExecutionLogger,
		s.clock.Since(start),
		"queue."+operation,
		args,
		err)
}

func entryID(candidates ...*Entry) []interface{} {
	for _, e := range candidates {
		if e != nil && e.ID != "" {
			return []interface{}{e.ID}
		}
	}
	return nil
}
