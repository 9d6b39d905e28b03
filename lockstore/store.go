package lockstore

import (
	"hash/fnv"
	"sync"
)

// LockStore provides a read/write lock per string key.  Locking one key never
// blocks operations on keys which do not share its lock.
type LockStore interface {
	Lock(key string)
	Unlock(key string)
	RLock(key string)
	RUnlock(key string)
}

type LockGranularity int

const (
	// Keys hash onto a fixed array of LockCount locks.  Unrelated keys may
	// share a lock, but memory use is constant.
	ShardedGranularity LockGranularity = iota

	// Each key gets its own lock, created on first use and dropped once no
	// goroutine holds or waits for it.
	PerKeyGranularity
)

const defaultLockCount = 1024

// LockStoreOptions for setting the granularity of the store.
type LockStoreOptions struct {
	Granularity LockGranularity

	// Number of shards for ShardedGranularity.  Defaults to 1024.
	LockCount int
}

// New returns a LockStore with the requested granularity.
func New(options LockStoreOptions) LockStore {
	if options.Granularity == PerKeyGranularity {
		return &perKeyLockStore{
			locks: make(map[string]*refLock),
		}
	}

	count := options.LockCount
	if count <= 0 {
		count = defaultLockCount
	}
	return &shardedLockStore{
		locks: make([]sync.RWMutex, count),
	}
}

type shardedLockStore struct {
	locks []sync.RWMutex
}

func (s *shardedLockStore) lockFor(key string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

func (s *shardedLockStore) Lock(key string)    { s.lockFor(key).Lock() }
func (s *shardedLockStore) Unlock(key string)  { s.lockFor(key).Unlock() }
func (s *shardedLockStore) RLock(key string)   { s.lockFor(key).RLock() }
func (s *shardedLockStore) RUnlock(key string) { s.lockFor(key).RUnlock() }

type refLock struct {
	sync.RWMutex
	refs int // guarded by perKeyLockStore.mutex
}

type perKeyLockStore struct {
	mutex sync.Mutex
	locks map[string]*refLock
}

func (s *perKeyLockStore) acquire(key string) *refLock {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &refLock{}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *perKeyLockStore) release(key string) *refLock {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	l, ok := s.locks[key]
	if !ok {
		panic("lockstore: unlock of unlocked key " + key)
	}
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	return l
}

func (s *perKeyLockStore) Lock(key string) {
	s.acquire(key).Lock()
}

func (s *perKeyLockStore) Unlock(key string) {
	s.release(key).Unlock()
}

func (s *perKeyLockStore) RLock(key string) {
	s.acquire(key).RLock()
}

func (s *perKeyLockStore) RUnlock(key string) {
	s.release(key).RUnlock()
}
