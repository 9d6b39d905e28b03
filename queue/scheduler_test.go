package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "gopkg.in/check.v1"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	. "github.com/poolq/poolq/gocheck2"
	"github.com/poolq/poolq/kvstore"
	"github.com/poolq/poolq/net2"
	"github.com/poolq/poolq/time2"
)

type SchedulerSuite struct {
	ctx   context.Context
	clock *time2.MockClock
	store kvstore.Store
	sched *Scheduler
}

var _ = Suite(&SchedulerSuite{})

func (s *SchedulerSuite) SetUpTest(c *C) {
	s.ctx = context.Background()
	s.clock = time2.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.store = kvstore.NewMemStore()
	s.sched = NewScheduler(s.store, SchedulerOptions{
		Name:     "test",
		Clock:    s.clock,
		Backoff:  FixedBackoff{Interval: time.Second},
		ClaimTTL: time.Minute,
	})
}

func (s *SchedulerSuite) enqueue(c *C, e *Entry) *Entry {
	stored, err := s.sched.Enqueue(s.ctx, e)
	c.Assert(err, IsNil)
	return stored
}

func (s *SchedulerSuite) claim(c *C) *Entry {
	e, err := s.sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(e, NotNil)
	return e
}

func (s *SchedulerSuite) complete(c *C, e *Entry, outcome Outcome) *Entry {
	completed, err := s.sched.Complete(s.ctx, e, outcome)
	c.Assert(err, IsNil)
	return completed
}

// The lists which contain id, once per membership.
func (s *SchedulerSuite) listsOf(c *C, id string) []Status {
	snapshot, err := s.sched.Snapshot(s.ctx)
	c.Assert(err, IsNil)
	var lists []Status
	for _, status := range Statuses {
		for _, member := range snapshot[status] {
			if member == id {
				lists = append(lists, status)
			}
		}
	}
	return lists
}

// The lists which hold id in the store itself, once per occurrence.
func (s *SchedulerSuite) rawListsOf(c *C, sched *Scheduler, id string) []Status {
	var lists []Status
	for _, status := range Statuses {
		members, err := s.store.Members(s.ctx, sched.ListKey(status))
		c.Assert(err, IsNil)
		for _, member := range members {
			if member == id {
				lists = append(lists, status)
			}
		}
	}
	return lists
}

func newMiniredisStore(c *C) (*miniredis.Miniredis, *kvstore.RedisStore) {
	server, err := miniredis.Run()
	c.Assert(err, IsNil)
	port, err := strconv.Atoi(server.Port())
	c.Assert(err, IsNil)

	store, err := kvstore.NewRedisStore(kvstore.RedisStoreOptions{
		Params: net2.DialParams{Host: server.Host(), Port: port},
	})
	c.Assert(err, IsNil)
	return server, store
}

// Calls afterAppend once an Append went through.
type appendHookStore struct {
	kvstore.Store
	afterAppend func(list string, member string)
}

func (h *appendHookStore) Append(ctx context.Context, list string, member string) error {
	err := h.Store.Append(ctx, list, member)
	if err == nil && h.afterAppend != nil {
		h.afterAppend(list, member)
	}
	return err
}

func (s *SchedulerSuite) TestEnqueue(c *C) {
	e := s.enqueue(c, &Entry{
		Handler:  "mail",
		Payload:  json.RawMessage(`{"to":"x"}`),
		TryTimes: 5,
		Retry:    true,
	})
	c.Assert(e.ID, Not(Equals), "")
	c.Assert(e.Status, Equals, StatusIn)
	c.Assert(e.TryTimes, Equals, 0)
	c.Assert(e.TryLimit, Equals, defaultTryLimit)
	c.Assert(e.Created.Equal(s.clock.Now()), IsTrue)
	c.Assert(s.listsOf(c, e.ID), DeepEquals, []Status{StatusIn})

	stored, err := s.sched.Get(s.ctx, e.ID)
	c.Assert(err, IsNil)
	c.Assert(string(stored.Payload), Equals, `{"to":"x"}`)

	delayed := s.enqueue(c, &Entry{
		ID:      "later",
		Handler: "mail",
		NextTry: s.clock.Now().Add(time.Hour),
	})
	c.Assert(delayed.Status, Equals, StatusDelay)
	c.Assert(s.listsOf(c, "later"), DeepEquals, []Status{StatusDelay})

	// a next_try in the past is simply IN
	past := s.enqueue(c, &Entry{
		ID:      "past",
		Handler: "mail",
		NextTry: s.clock.Now().Add(-time.Hour),
	})
	c.Assert(past.Status, Equals, StatusIn)
	c.Assert(past.NextTry.IsZero(), IsTrue)
}

func (s *SchedulerSuite) TestEnqueueRejects(c *C) {
	s.enqueue(c, &Entry{ID: "dup", Handler: "h"})

	_, err := s.sched.Enqueue(s.ctx, &Entry{ID: "dup", Handler: "h"})
	c.Assert(err, ErrorIs, ErrDuplicateEntry)
	c.Assert(s.listsOf(c, "dup"), DeepEquals, []Status{StatusIn})

	_, err = s.sched.Enqueue(s.ctx, &Entry{ID: "x"})
	c.Assert(err, ErrorIs, ErrInvalidEntry)
	_, err = s.sched.Enqueue(s.ctx, nil)
	c.Assert(err, ErrorIs, ErrInvalidEntry)
}

func (s *SchedulerSuite) TestClaimNextEmpty(c *C) {
	e, err := s.sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(e, IsNil)
}

func (s *SchedulerSuite) TestClaimIsFIFO(c *C) {
	for i := 0; i < 3; i++ {
		s.enqueue(c, &Entry{ID: strconv.Itoa(i), Handler: "h"})
	}
	for i := 0; i < 3; i++ {
		e := s.claim(c)
		c.Assert(e.ID, Equals, strconv.Itoa(i))
		c.Assert(e.Started.Equal(s.clock.Now()), IsTrue)
		c.Assert(e.ClaimedUntil.Equal(s.clock.Now().Add(time.Minute)), IsTrue)
		// claimed entries stay listed
		c.Assert(s.listsOf(c, e.ID), DeepEquals, []Status{StatusIn})
	}
	e, err := s.sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(e, IsNil)
}

func (s *SchedulerSuite) TestSuccess(c *C) {
	s.enqueue(c, &Entry{ID: "ok", Handler: "h", Retry: true})
	e := s.claim(c)

	s.clock.Advance(250 * time.Millisecond)
	done := s.complete(c, e, Succeeded(json.RawMessage(`{"sent":true}`)))
	c.Assert(done.Status, Equals, StatusFinished)
	c.Assert(done.Finished.Equal(s.clock.Now()), IsTrue)
	c.Assert(done.Duration, Equals, 250*time.Millisecond)
	c.Assert(done.TryTimes, Equals, 0)
	c.Assert(done.ClaimedUntil.IsZero(), IsTrue)
	c.Assert(string(done.Result), Equals, `{"sent":true}`)
	c.Assert(s.listsOf(c, "ok"), DeepEquals, []Status{StatusFinished})

	_, err := s.sched.Complete(s.ctx, done, Succeeded(nil))
	c.Assert(err, ErrorIs, ErrTerminalEntry)
}

func (s *SchedulerSuite) TestAlwaysFailingExhaustsRetries(c *C) {
	s.enqueue(c, &Entry{ID: "f", Handler: "h", Retry: true, TryLimit: 3})

	var statuses []Status
	for {
		e := s.claim(c)
		done := s.complete(c, e, Failed(errors.New("boom")))
		statuses = append(statuses, done.Status)
		c.Assert(done.TryTimes <= done.TryLimit, IsTrue)
		if done.Status.Terminal() {
			break
		}
		c.Assert(done.NextTry.After(s.clock.Now()), IsTrue)
		c.Assert(done.Finished.IsZero(), IsTrue)
		c.Assert(done.Remark, Equals, "boom")

		// not eligible before next_try
		early, err := s.sched.ClaimNext(s.ctx)
		c.Assert(err, IsNil)
		c.Assert(early, IsNil)
		s.clock.Advance(time.Second)
	}
	c.Assert(statuses, DeepEquals, []Status{StatusDelay, StatusDelay, StatusFailed})

	failed, err := s.sched.Get(s.ctx, "f")
	c.Assert(err, IsNil)
	c.Assert(failed.TryTimes, Equals, 3)
	c.Assert(failed.Finished.IsZero(), IsFalse)
	c.Assert(failed.NextTry.IsZero(), IsTrue)
	c.Assert(strings.HasPrefix(failed.Remark, "retry limit exceeded (3/3)"), IsTrue)
	c.Assert(strings.Contains(failed.Remark, "boom"), IsTrue)
	c.Assert(s.listsOf(c, "f"), DeepEquals, []Status{StatusFailed})
}

func (s *SchedulerSuite) TestRetryDisabled(c *C) {
	s.enqueue(c, &Entry{ID: "once", Handler: "h", Retry: false, TryLimit: 5})
	done := s.complete(c, s.claim(c), Failed(errors.New("nope")))
	c.Assert(done.Status, Equals, StatusFailed)
	c.Assert(done.TryTimes, Equals, 1)
	c.Assert(done.Remark, Equals, "retry disabled: nope")
	c.Assert(s.listsOf(c, "once"), DeepEquals, []Status{StatusFailed})
}

func (s *SchedulerSuite) TestTwoAttemptScenario(c *C) {
	s.enqueue(c, &Entry{ID: "j1", Handler: "h", Retry: true, TryLimit: 2})

	first := s.complete(c, s.claim(c), Failed(errors.New("first")))
	c.Assert(first.Status, Equals, StatusDelay)
	c.Assert(first.TryTimes, Equals, 1)
	c.Assert(first.NextTry.After(s.clock.Now()), IsTrue)
	c.Assert(s.listsOf(c, "j1"), DeepEquals, []Status{StatusDelay})

	s.clock.Advance(time.Second)
	second := s.complete(c, s.claim(c), Failed(errors.New("second")))
	c.Assert(second.Status, Equals, StatusFailed)
	c.Assert(second.TryTimes, Equals, 2)
}

func (s *SchedulerSuite) TestCompleteRequiresClaim(c *C) {
	e := s.enqueue(c, &Entry{ID: "u", Handler: "h"})
	_, err := s.sched.Complete(s.ctx, e, Succeeded(nil))
	c.Assert(err, ErrorIs, ErrNotClaimed)

	_, err = s.sched.Complete(s.ctx, &Entry{ID: "missing"}, Succeeded(nil))
	c.Assert(err, ErrorIs, ErrEntryNotFound)
}

func (s *SchedulerSuite) TestExtendKeepsClaim(c *C) {
	s.enqueue(c, &Entry{ID: "long", Handler: "h"})
	first := s.claim(c)

	s.clock.Advance(50 * time.Second)
	renewed, err := s.sched.Extend(s.ctx, first)
	c.Assert(err, IsNil)
	c.Assert(renewed.ClaimedUntil.Equal(s.clock.Now().Add(time.Minute)), IsTrue)
	c.Assert(renewed.Status, Equals, StatusIn)

	// past the original lease, but within the renewed one
	s.clock.Advance(50 * time.Second)
	none, err := s.sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(none, IsNil)

	// the pre-renewal copy is stale
	_, err = s.sched.Extend(s.ctx, first)
	c.Assert(err, ErrorIs, ErrNotClaimed)
	_, err = s.sched.Complete(s.ctx, first, Succeeded(nil))
	c.Assert(err, ErrorIs, ErrNotClaimed)

	renewed, err = s.sched.Extend(s.ctx, renewed)
	c.Assert(err, IsNil)
	done := s.complete(c, renewed, Succeeded(nil))
	c.Assert(done.Status, Equals, StatusFinished)
	c.Assert(done.Duration, Equals, 100*time.Second)

	_, err = s.sched.Extend(s.ctx, done)
	c.Assert(err, ErrorIs, ErrTerminalEntry)

	unclaimed := s.enqueue(c, &Entry{ID: "idle", Handler: "h"})
	_, err = s.sched.Extend(s.ctx, unclaimed)
	c.Assert(err, ErrorIs, ErrNotClaimed)
}

// A claimant which stopped renewing (e.g. crashed) loses the entry once the
// lease runs out.
func (s *SchedulerSuite) TestAbandonedClaimIsReclaimed(c *C) {
	s.enqueue(c, &Entry{ID: "lease", Handler: "h"})
	first := s.claim(c)

	none, err := s.sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(none, IsNil)

	s.clock.Advance(time.Minute)
	second := s.claim(c)
	c.Assert(second.ID, Equals, "lease")

	// the first claimant lost its lease
	_, err = s.sched.Complete(s.ctx, first, Succeeded(nil))
	c.Assert(err, ErrorIs, ErrNotClaimed)

	done := s.complete(c, second, Succeeded(nil))
	c.Assert(done.Status, Equals, StatusFinished)
}

func (s *SchedulerSuite) TestPromotionOrder(c *C) {
	start := s.clock.Now()
	s.enqueue(c, &Entry{ID: "a", Handler: "h", NextTry: start.Add(3 * time.Second)})
	s.clock.Advance(time.Second)
	s.enqueue(c, &Entry{ID: "b", Handler: "h", NextTry: start.Add(2500 * time.Millisecond)})
	s.clock.Advance(time.Second)
	s.enqueue(c, &Entry{ID: "c", Handler: "h", NextTry: start.Add(2100 * time.Millisecond)})
	s.enqueue(c, &Entry{ID: "d", Handler: "h", NextTry: start.Add(time.Hour)})

	s.clock.Set(start.Add(5 * time.Second))
	for _, id := range []string{"a", "b", "c"} {
		e := s.claim(c)
		c.Assert(e.ID, Equals, id)
		c.Assert(e.Status, Equals, StatusIn)
		c.Assert(e.NextTry.IsZero(), IsTrue)
	}
	none, err := s.sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(none, IsNil)
	c.Assert(s.listsOf(c, "d"), DeepEquals, []Status{StatusDelay})

	n, err := s.sched.PromoteDue(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 0)
}

func (s *SchedulerSuite) TestPromotionIgnoresSuppliedCreated(c *C) {
	start := s.clock.Now()
	s.enqueue(c, &Entry{ID: "first", Handler: "h", NextTry: start.Add(time.Second)})
	s.clock.Advance(time.Second)
	backdated := s.enqueue(c, &Entry{
		ID:      "backdated",
		Handler: "h",
		Created: start.Add(-time.Hour),
		NextTry: start.Add(1500 * time.Millisecond),
	})
	c.Assert(backdated.Created.Equal(s.clock.Now()), IsTrue)

	s.clock.Advance(time.Second)
	c.Assert(s.claim(c).ID, Equals, "first")
	c.Assert(s.claim(c).ID, Equals, "backdated")
}

func (s *SchedulerSuite) TestConcurrentClaimsAreExclusive(c *C) {
	sched := NewScheduler(s.store, SchedulerOptions{Name: "concurrent"})
	const numEntries = 200
	for i := 0; i < numEntries; i++ {
		_, err := sched.Enqueue(s.ctx, &Entry{ID: strconv.Itoa(i), Handler: "h"})
		c.Assert(err, IsNil)
	}

	var mutex sync.Mutex
	claims := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := sched.ClaimNext(s.ctx)
				if err != nil || e == nil {
					return
				}
				mutex.Lock()
				claims[e.ID]++
				mutex.Unlock()
				_, _ = sched.Complete(s.ctx, e, Succeeded(nil))
			}
		}()
	}
	wg.Wait()

	c.Assert(len(claims), Equals, numEntries)
	for id, n := range claims {
		c.Assert(n, Equals, 1, Commentf("entry %s claimed %d times", id, n))
	}
	finished, err := sched.List(s.ctx, StatusFinished)
	c.Assert(err, IsNil)
	c.Assert(len(finished), Equals, numEntries)
}

func (s *SchedulerSuite) TestEveryEntryInExactlyOneList(c *C) {
	sched := NewScheduler(s.store, SchedulerOptions{
		Name:    "invariant",
		Backoff: FixedBackoff{},
	})
	const numEntries = 60
	for i := 0; i < numEntries; i++ {
		_, err := sched.Enqueue(s.ctx, &Entry{
			ID:       fmt.Sprintf("e%d", i),
			Handler:  "h",
			Retry:    i%3 != 0,
			TryLimit: 1 + i%4,
		})
		c.Assert(err, IsNil)
	}

	stop := make(chan struct{})
	violations := make(chan string, 1)
	var checker sync.WaitGroup
	checker.Add(1)
	go func() {
		defer checker.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snapshot, err := sched.Snapshot(s.ctx)
			if err != nil {
				continue
			}
			seen := make(map[string]int)
			for _, ids := range snapshot {
				for _, id := range ids {
					seen[id]++
				}
			}
			if len(seen) != numEntries {
				violations <- fmt.Sprintf("%d ids listed", len(seen))
				return
			}
			for id, n := range seen {
				if n != 1 {
					violations <- fmt.Sprintf("%s listed %d times", id, n)
					return
				}
			}
		}
	}()

	var workers sync.WaitGroup
	for w := 0; w < 8; w++ {
		workers.Add(1)
		go func(w int) {
			defer workers.Done()
			for i := 0; ; i++ {
				e, err := sched.ClaimNext(s.ctx)
				if err != nil || e == nil {
					return
				}
				outcome := Succeeded(nil)
				if (i+w)%2 == 0 {
					outcome = Failed(errors.New("flaky"))
				}
				_, _ = sched.Complete(s.ctx, e, outcome)
			}
		}(w)
	}
	workers.Wait()
	close(stop)
	checker.Wait()

	select {
	case v := <-violations:
		c.Fatalf("invariant violated: %s", v)
	default:
	}

	snapshot, err := sched.Snapshot(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(len(snapshot[StatusIn]), Equals, 0)
	c.Assert(len(snapshot[StatusDelay]), Equals, 0)
	c.Assert(
		len(snapshot[StatusFinished])+len(snapshot[StatusFailed]),
		Equals,
		numEntries)
}

func (s *SchedulerSuite) TestReconcile(c *C) {
	s.enqueue(c, &Entry{ID: "dup", Handler: "h"})
	s.enqueue(c, &Entry{ID: "lost", Handler: "h"})
	s.enqueue(c, &Entry{ID: "fine", Handler: "h"})

	// crash between append and remove: listed twice
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusDelay), "dup"), IsNil)
	// crash after the record write, before the append
	_, err := s.store.Remove(s.ctx, s.sched.ListKey(StatusIn), "lost", 0)
	c.Assert(err, IsNil)
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusFinished), "lost"), IsNil)
	// record gone
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusIn), "ghost"), IsNil)

	// a dangling id is skipped by claims
	c.Assert(s.claim(c).ID, Equals, "dup")
	c.Assert(s.claim(c).ID, Equals, "fine")
	none, err := s.sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(none, IsNil)

	repairs, err := s.sched.Reconcile(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(repairs, Equals, 4)

	c.Assert(s.rawListsOf(c, s.sched, "dup"), DeepEquals, []Status{StatusIn})
	c.Assert(s.rawListsOf(c, s.sched, "lost"), DeepEquals, []Status{StatusIn})
	c.Assert(s.rawListsOf(c, s.sched, "fine"), DeepEquals, []Status{StatusIn})
	c.Assert(s.rawListsOf(c, s.sched, "ghost"), HasLen, 0)

	repairs, err = s.sched.Reconcile(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(repairs, Equals, 0)
}

func (s *SchedulerSuite) TestReconcileKeepsPosition(c *C) {
	for _, id := range []string{"a", "b", "c"} {
		s.enqueue(c, &Entry{ID: id, Handler: "h"})
	}
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusIn), "a"), IsNil)
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusIn), "a"), IsNil)

	repairs, err := s.sched.Reconcile(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(repairs, Equals, 1)

	members, err := s.store.Members(s.ctx, s.sched.ListKey(StatusIn))
	c.Assert(err, IsNil)
	c.Assert(members, DeepEquals, []string{"a", "b", "c"})
	c.Assert(s.claim(c).ID, Equals, "a")
}

func (s *SchedulerSuite) TestSnapshotHidesMovesInFlight(c *C) {
	server, redisStore := newMiniredisStore(c)
	defer server.Close()
	defer redisStore.Close()

	for name, store := range map[string]kvstore.Store{
		"mem":   kvstore.NewMemStore(),
		"redis": redisStore,
	} {
		s.store = store
		hooked := &appendHookStore{Store: store}
		worker := NewScheduler(hooked, SchedulerOptions{
			Name:    "shared",
			Clock:   s.clock,
			Backoff: FixedBackoff{Interval: time.Second},
		})
		inspector := NewScheduler(store, SchedulerOptions{
			Name:  "shared",
			Clock: s.clock,
		})

		_, err := worker.Enqueue(s.ctx, &Entry{ID: "j1", Handler: "h", Retry: true})
		c.Assert(err, IsNil)
		claimed, err := worker.ClaimNext(s.ctx)
		c.Assert(err, IsNil)

		observed := 0
		hooked.afterAppend = func(list string, member string) {
			if list != worker.ListKey(StatusDelay) || member != "j1" {
				return
			}
			observed++

			// the store holds j1 in both lists right now
			c.Check(
				s.rawListsOf(c, inspector, "j1"),
				DeepEquals,
				[]Status{StatusIn, StatusDelay},
				Commentf(name))

			snapshot, err := inspector.Snapshot(s.ctx)
			c.Check(err, IsNil)
			c.Check(snapshot[StatusIn], HasLen, 0, Commentf(name))
			c.Check(snapshot[StatusDelay], DeepEquals, []string{"j1"}, Commentf(name))

			in, err := inspector.List(s.ctx, StatusIn)
			c.Check(err, IsNil)
			c.Check(in, HasLen, 0, Commentf(name))
		}

		done, err := worker.Complete(s.ctx, claimed, Failed(errors.New("again")))
		c.Assert(err, IsNil)
		c.Assert(done.Status, Equals, StatusDelay)
		c.Assert(observed, Equals, 1, Commentf(name))
		c.Assert(s.rawListsOf(c, inspector, "j1"), DeepEquals, []Status{StatusDelay})
	}
}

func (s *SchedulerSuite) TestSnapshotFollowsRecords(c *C) {
	s.enqueue(c, &Entry{ID: "a", Handler: "h"})
	s.enqueue(c, &Entry{ID: "b", Handler: "h"})
	done := s.complete(c, s.claim(c), Succeeded(nil))
	c.Assert(done.ID, Equals, "a")

	// a record written ahead of its list move, a duplicate and a dangling id
	_, err := s.store.Remove(s.ctx, s.sched.ListKey(StatusFinished), "a", 0)
	c.Assert(err, IsNil)
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusIn), "a"), IsNil)
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusIn), "b"), IsNil)
	c.Assert(s.store.Append(s.ctx, s.sched.ListKey(StatusIn), "ghost"), IsNil)

	snapshot, err := s.sched.Snapshot(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(snapshot[StatusIn], DeepEquals, []string{"b"})
	c.Assert(snapshot[StatusDelay], HasLen, 0)
	c.Assert(snapshot[StatusFinished], DeepEquals, []string{"a"})
	c.Assert(snapshot[StatusFailed], HasLen, 0)
}

func (s *SchedulerSuite) TestTrimFinished(c *C) {
	for i := 0; i < 5; i++ {
		s.enqueue(c, &Entry{ID: fmt.Sprintf("ok%d", i), Handler: "h"})
	}
	s.enqueue(c, &Entry{ID: "bad", Handler: "h"})
	for i := 0; i < 6; i++ {
		e := s.claim(c)
		outcome := Succeeded(nil)
		if e.ID == "bad" {
			outcome = Failed(errors.New("x"))
		}
		s.complete(c, e, outcome)
	}

	trimmed, err := s.sched.TrimFinished(s.ctx, 2)
	c.Assert(err, IsNil)
	c.Assert(trimmed, Equals, 3)

	finished, err := s.sched.List(s.ctx, StatusFinished)
	c.Assert(err, IsNil)
	c.Assert(finished, DeepEquals, []string{"ok3", "ok4"})
	_, err = s.sched.Get(s.ctx, "ok0")
	c.Assert(err, ErrorIs, ErrEntryNotFound)

	failed, err := s.sched.List(s.ctx, StatusFailed)
	c.Assert(err, IsNil)
	c.Assert(failed, DeepEquals, []string{"bad"})

	trimmed, err = s.sched.TrimFinished(s.ctx, 0)
	c.Assert(err, IsNil)
	c.Assert(trimmed, Equals, 2)
	trimmed, err = s.sched.TrimFinished(s.ctx, 0)
	c.Assert(err, IsNil)
	c.Assert(trimmed, Equals, 0)

	_, err = s.sched.Get(s.ctx, "bad")
	c.Assert(err, IsNil)
}

func (s *SchedulerSuite) TestOperationsAreLogged(c *C) {
	var mutex sync.Mutex
	var operations []string
	sched := NewScheduler(s.store, SchedulerOptions{
		Name:  "logged",
		Clock: s.clock,
		ExecutionLogger: dlog.ExecutionLoggerFunc(func(
			duration time.Duration,
			operation string,
			args []interface{},
			err error) {

			mutex.Lock()
			defer mutex.Unlock()
			operations = append(operations, operation)
		}),
	})

	_, err := sched.Enqueue(s.ctx, &Entry{ID: "l", Handler: "h"})
	c.Assert(err, IsNil)
	e, err := sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	_, err = sched.Complete(s.ctx, e, Succeeded(nil))
	c.Assert(err, IsNil)

	mutex.Lock()
	defer mutex.Unlock()
	c.Assert(operations, DeepEquals, []string{
		"queue.enqueue",
		"queue.promote",
		"queue.claim",
		"queue.complete",
	})
}

func (s *SchedulerSuite) TestRedisBackedLifecycle(c *C) {
	server, store := newMiniredisStore(c)
	defer server.Close()
	defer store.Close()

	sched := NewScheduler(store, SchedulerOptions{
		Name:    "redis",
		Clock:   s.clock,
		Backoff: FixedBackoff{Interval: time.Second},
	})
	_, err := sched.Enqueue(s.ctx, &Entry{ID: "j1", Handler: "h", Retry: true, TryLimit: 2})
	c.Assert(err, IsNil)

	e, err := sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	first, err := sched.Complete(s.ctx, e, Failed(errors.New("first")))
	c.Assert(err, IsNil)
	c.Assert(first.Status, Equals, StatusDelay)

	members, err := server.List("poolq:redis:delay")
	c.Assert(err, IsNil)
	c.Assert(members, DeepEquals, []string{"j1"})
	c.Assert(server.Exists("poolq:redis:in"), IsFalse)

	s.clock.Advance(time.Second)
	e, err = sched.ClaimNext(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(e, NotNil)
	second, err := sched.Complete(s.ctx, e, Failed(errors.New("second")))
	c.Assert(err, IsNil)
	c.Assert(second.Status, Equals, StatusFailed)
	c.Assert(second.TryTimes, Equals, 2)

	raw := server.HGet("poolq:redis:entry:j1", "d")
	var layout map[string]interface{}
	c.Assert(json.Unmarshal([]byte(raw), &layout), IsNil)
	c.Assert(layout["status"], Equals, "FAILED")
	c.Assert(layout["try_times"], Equals, float64(2))
}
