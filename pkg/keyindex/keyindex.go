// Package keyindex maps live keys to the file location of their record.
package keyindex

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/swiss"
)

// DefaultShards is the shard count used when none is configured
const DefaultShards = 16

// Location is the slot holding a key's live record.
//
// Offset, Size, Used, Expiry and Seq are written only by the single writer
// that owns the key (serialized by the store) while it holds Lock, and are
// read by other goroutines only between AcquireRead and ReleaseRead.
type Location struct {
	Offset int64
	// Size is the slot length recorded on disk
	Size uint32
	// Used is the encoded record length inside the slot
	Used uint32
	// Expiry is a unix time in nanoseconds, 0 for never
	Expiry int64
	Seq    uint64

	io    sync.RWMutex
	freed bool
}

// NewLocation creates a location for a record of used bytes in a slot
func NewLocation(offset int64, size, used uint32, expiry int64, seq uint64) *Location {
	return &Location{Offset: offset, Size: size, Used: used, Expiry: expiry, Seq: seq}
}

// AcquireRead pins the slot for reading. It returns false if the slot has
// already been freed; the caller must then resolve the key again.
func (l *Location) AcquireRead() bool {
	l.io.RLock()
	if l.freed {
		l.io.RUnlock()
		return false
	}
	return true
}

// TryAcquireRead is AcquireRead that gives up instead of waiting for a
// writer holding Lock
func (l *Location) TryAcquireRead() bool {
	if !l.io.TryRLock() {
		return false
	}
	if l.freed {
		l.io.RUnlock()
		return false
	}
	return true
}

// ReleaseRead unpins a slot pinned by AcquireRead
func (l *Location) ReleaseRead() {
	l.io.RUnlock()
}

// Lock waits for in-flight readers and blocks new ones
func (l *Location) Lock() {
	l.io.Lock()
}

// Unlock releases Lock
func (l *Location) Unlock() {
	l.io.Unlock()
}

// MarkFreed flags the slot as no longer holding the key. Must be called
// with Lock held.
func (l *Location) MarkFreed() {
	l.freed = true
}

// Expired reports whether the record has expired at now (unix nanos)
func (l *Location) Expired(now int64) bool {
	return l.Expiry > 0 && l.Expiry <= now
}

type shard struct {
	mu sync.RWMutex
	m  *swiss.Map[string, *Location]
}

// Index is a sharded key -> *Location map. It is safe for concurrent use;
// the caller serializes mutations of the same key.
type Index struct {
	shards []*shard
	mask   uint64
}

// New creates an index with at least the given number of shards, rounded up
// to a power of two
func New(shards int) *Index {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}

	ix := &Index{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}
	for i := range ix.shards {
		ix.shards[i] = &shard{m: swiss.NewMap[string, *Location](64)}
	}
	return ix
}

func (ix *Index) shardFor(key []byte) *shard {
	return ix.shards[xxhash.Sum64(key)&ix.mask]
}

// Get returns the location of key
func (ix *Index) Get(key []byte) (*Location, bool) {
	s := ix.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Get(string(key))
}

// Put sets the location of key and returns the one it replaced, if any
func (ix *Index) Put(key []byte, loc *Location) (*Location, bool) {
	s := ix.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	old, ok := s.m.Get(k)
	s.m.Put(k, loc)
	return old, ok
}

// Remove deletes key and returns its location, if any
func (ix *Index) Remove(key []byte) (*Location, bool) {
	s := ix.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	old, ok := s.m.Get(k)
	if ok {
		s.m.Delete(k)
	}
	return old, ok
}

// RemoveIf deletes key only while it still maps to loc
func (ix *Index) RemoveIf(key []byte, loc *Location) bool {
	s := ix.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	cur, ok := s.m.Get(k)
	if !ok || cur != loc {
		return false
	}
	s.m.Delete(k)
	return true
}

// Len returns the number of keys
func (ix *Index) Len() int {
	n := 0
	for _, s := range ix.shards {
		s.mu.RLock()
		n += s.m.Count()
		s.mu.RUnlock()
	}
	return n
}

// Keys returns a point-in-time copy of every key. Each shard is copied under
// its own lock, so keys written concurrently may or may not be included.
func (ix *Index) Keys() [][]byte {
	out := make([][]byte, 0, ix.Len())
	for _, s := range ix.shards {
		s.mu.RLock()
		s.m.Iter(func(k string, _ *Location) bool {
			out = append(out, []byte(k))
			return false
		})
		s.mu.RUnlock()
	}
	return out
}

// Range calls fn for every key until fn returns false. fn runs with the
// shard read lock held and must not call back into the index.
func (ix *Index) Range(fn func(key string, loc *Location) bool) {
	for _, s := range ix.shards {
		stop := false
		s.mu.RLock()
		s.m.Iter(func(k string, loc *Location) bool {
			stop = !fn(k, loc)
			return stop
		})
		s.mu.RUnlock()
		if stop {
			return
		}
	}
}

// Clear removes every key and returns the locations that were dropped
func (ix *Index) Clear() []*Location {
	var dropped []*Location
	for _, s := range ix.shards {
		s.mu.Lock()
		s.m.Iter(func(_ string, loc *Location) bool {
			dropped = append(dropped, loc)
			return false
		})
		s.m.Clear()
		s.mu.Unlock()
	}
	return dropped
}
