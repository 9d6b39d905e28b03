package queue

import (
	"context"

	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/kvstore"
)

// A closed set of list selectors.  Each value maps to one storage list.
type ListKeyer interface {
	comparable
	ListKey(prefix string) string
}

// Maps each value of S to an ordered list of ids in a kvstore.Store.  The
// index has no locking of its own; callers serialize moves of the same id.
type ListIndex[S ListKeyer] struct {
	store  kvstore.Store
	prefix string
}

// The index the scheduler keeps over entry statuses.
type StatusIndex = ListIndex[Status]

func NewListIndex[S ListKeyer](store kvstore.Store, prefix string) *ListIndex[S] {
	return &ListIndex[S]{
		store:  store,
		prefix: prefix,
	}
}

func (x *ListIndex[S]) Key(s S) string {
	return s.ListKey(x.prefix)
}

func (x *ListIndex[S]) Append(ctx context.Context, s S, id string) error {
	return x.store.Append(ctx, x.Key(s), id)
}

// Removes every occurrence of id from s' list.
func (x *ListIndex[S]) Remove(ctx context.Context, s S, id string) (int, error) {
	return x.store.Remove(ctx, x.Key(s), id, 0)
}

// Removes all but the first occurrence of id from s' list, so the id keeps
// its position.
func (x *ListIndex[S]) Dedupe(ctx context.Context, s S, id string, occurrences int) (int, error) {
	if occurrences <= 1 {
		return 0, nil
	}
	return x.store.Remove(ctx, x.Key(s), id, -(occurrences - 1))
}

func (x *ListIndex[S]) PopHead(ctx context.Context, s S) (string, bool, error) {
	return x.store.PopHead(ctx, x.Key(s))
}

func (x *ListIndex[S]) Members(ctx context.Context, s S) ([]string, error) {
	return x.store.Members(ctx, x.Key(s))
}

// Moves id from one list to another.  The id is appended to the destination
// before it is removed from the source, so a crash in between leaves it in
// both lists (which Memberships can detect) rather than in none.
func (x *ListIndex[S]) Move(ctx context.Context, id string, from S, to S) error {
	if from == to {
		return nil
	}
	if err := x.Append(ctx, to, id); err != nil {
		return errors.Wrapf(err, "Failed to append %s to %s", id, x.Key(to))
	}
	if _, err := x.Remove(ctx, from, id); err != nil {
		return errors.Wrapf(err, "Failed to remove %s from %s", id, x.Key(from))
	}
	return nil
}

// Counts, for every list in lists, how often each member appears.
func (x *ListIndex[S]) Memberships(
	ctx context.Context,
	lists []S) (map[string]map[S]int, error) {

	result := make(map[string]map[S]int)
	for _, s := range lists {
		members, err := x.Members(ctx, s)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			counts, ok := result[id]
			if !ok {
				counts = make(map[S]int)
				result[id] = counts
			}
			counts[s]++
		}
	}
	return result, nil
}
