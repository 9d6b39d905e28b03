package kvstore

import (
	"context"

	"github.com/poolq/poolq/errors"
)

var (
	// Returned by Get, Set (CAS) and Delete when the key does not exist.
	ErrNotFound = errors.New("Key not found")

	// Returned by Add when the key already exists.
	ErrKeyExists = errors.New("Key already exists")

	// Returned by a CAS Set when the stored version differs from
	// Item.Version.
	ErrVersionMismatch = errors.New("Version mismatch")
)

// A keyed record.
type Item struct {
	// The item's key.
	Key string

	// The item's value.
	Value []byte

	// aka CAS (check and set).  Assigned by the store on every mutation and
	// never reused for the same key.  Zero on an item which was never
	// stored.
	Version uint64
}

// The persistence needed by the queue: ordered lists of members plus keyed
// records with check-and-set.  Every single call is atomic, but nothing
// spans two calls; callers build multi-key atomicity on top of CAS.
type Store interface {
	// Appends member to the tail of list.
	Append(ctx context.Context, list string, member string) error

	// Removes and returns the head of list.  ok is false when the list is
	// empty.
	PopHead(ctx context.Context, list string) (member string, ok bool, err error)

	// Removes occurrences of member from list and returns how many were
	// removed.  count > 0 removes the first count occurrences (from the
	// head), count < 0 the last -count (from the tail), and 0 removes every
	// occurrence.
	Remove(ctx context.Context, list string, member string, count int) (int, error)

	// Returns the members of list, head first.
	Members(ctx context.Context, list string) ([]string, error)

	// Returns the item stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Item, error)

	// Stores the item only if the key does not exist yet (ErrKeyExists
	// otherwise).  Returns the stored item with its assigned version.
	Add(ctx context.Context, item *Item) (*Item, error)

	// Stores the item.  If the item's version is nonzero, the set only
	// succeeds if the key exists (ErrNotFound) with the same version
	// (ErrVersionMismatch).  Returns the stored item with its new version.
	Set(ctx context.Context, item *Item) (*Item, error)

	// Deletes the item stored under key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error
}
