package kvstore

import (
	"context"
	"sync"
)

// An in-process Store.  Useful for tests and single process deployments.
type MemStore struct {
	mutex   sync.Mutex
	data    map[string]*Item
	lists   map[string][]string
	version uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		data:  make(map[string]*Item),
		lists: make(map[string][]string),
	}
}

func (s *MemStore) Append(ctx context.Context, list string, member string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lists[list] = append(s.lists[list], member)
	return nil
}

func (s *MemStore) PopHead(ctx context.Context, list string) (string, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	members := s.lists[list]
	if len(members) == 0 {
		return "", false, nil
	}
	head := members[0]
	if len(members) == 1 {
		delete(s.lists, list)
	} else {
		s.lists[list] = members[1:]
	}
	return head, true, nil
}

func (s *MemStore) Remove(
	ctx context.Context,
	list string,
	member string,
	count int) (int, error) {

	s.mutex.Lock()
	defer s.mutex.Unlock()

	members := s.lists[list]
	limit := count
	if limit < 0 {
		limit = -limit
	}

	drop := make([]bool, len(members))
	removed := 0
	for i := range members {
		idx := i
		if count < 0 {
			idx = len(members) - 1 - i
		}
		if members[idx] != member {
			continue
		}
		if limit > 0 && removed == limit {
			break
		}
		drop[idx] = true
		removed++
	}

	kept := make([]string, 0, len(members)-removed)
	for i, m := range members {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(s.lists, list)
	} else {
		s.lists[list] = kept
	}
	return removed, nil
}

func (s *MemStore) Members(ctx context.Context, list string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	members := s.lists[list]
	result := make([]string, len(members))
	copy(result, members)
	return result, nil
}

func (s *MemStore) Get(ctx context.Context, key string) (*Item, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	item, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

func (s *MemStore) Add(ctx context.Context, item *Item) (*Item, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.data[item.Key]; ok {
		return nil, ErrKeyExists
	}
	return s.storeLocked(item), nil
}

func (s *MemStore) Set(ctx context.Context, item *Item) (*Item, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if item.Version != 0 {
		existing, ok := s.data[item.Key]
		if !ok {
			return nil, ErrNotFound
		}
		if existing.Version != item.Version {
			return nil, ErrVersionMismatch
		}
	}
	return s.storeLocked(item), nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.data[key]; !ok {
		return ErrNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *MemStore) storeLocked(item *Item) *Item {
	s.version++
	stored := &Item{
		Key:     item.Key,
		Value:   append([]byte(nil), item.Value...),
		Version: s.version,
	}
	s.data[item.Key] = stored
	return copyItem(stored)
}

func copyItem(item *Item) *Item {
	return &Item{
		Key:     item.Key,
		Value:   append([]byte(nil), item.Value...),
		Version: item.Version,
	}
}
