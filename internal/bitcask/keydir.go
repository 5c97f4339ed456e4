package bitcask

import (
	"hash/maphash"
	"sync"
)

// Entry locates the freshest record for a key (spec.md §3 "KeyDir entry").
type Entry struct {
	FileID      FileID
	ValueOffset int64
	ValueSize   uint32
	Timestamp   uint64
}

// shard is one lock-striped bucket of the KeyDir.
type shard struct {
	mu sync.RWMutex
	m  map[string]Entry
}

// KeyDir is a concurrent map from key to Entry, sharded to reduce writer/
// reader/merger contention (spec.md §4.3, §5 "Implement as a concurrent hash
// map with per-bucket locking or lock-free sharding").
type KeyDir struct {
	seed   maphash.Seed
	shards []*shard
}

// NewKeyDir creates a KeyDir with the given shard count (see Options.Concurrency).
func NewKeyDir(shardCount int) *KeyDir {
	if shardCount < 1 {
		shardCount = 1
	}
	kd := &KeyDir{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard, shardCount),
	}
	for i := range kd.shards {
		kd.shards[i] = &shard{m: make(map[string]Entry)}
	}
	return kd
}

func (kd *KeyDir) shardFor(key string) *shard {
	var h maphash.Hash
	h.SetSeed(kd.seed)
	h.WriteString(key)
	return kd.shards[h.Sum64()%uint64(len(kd.shards))]
}

// Get returns the live entry for key, wait-free with respect to the writer
// beyond a per-shard read lock.
func (kd *KeyDir) Get(key string) (Entry, bool) {
	s := kd.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	return e, ok
}

// Upsert installs entry for key, returning the entry it replaced (if any).
// Used by the Writer on every Set, and by the Merger to install compacted
// locations.
func (kd *KeyDir) Upsert(key string, entry Entry) (Entry, bool) {
	s := kd.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, had := s.m[key]
	s.m[key] = entry
	return prior, had
}

// Remove deletes key's entry, returning the entry that existed (if any).
func (kd *KeyDir) Remove(key string) (Entry, bool) {
	s := kd.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, had := s.m[key]
	delete(s.m, key)
	return prior, had
}

// CompareAndUpdate installs newEntry for key only if the current entry
// equals expected, returning whether the swap happened. Used by the Merger
// so a concurrent writer update is never clobbered by a stale merged copy
// (spec.md §4.6 step 3).
func (kd *KeyDir) CompareAndUpdate(key string, expected, newEntry Entry) bool {
	s := kd.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[key]
	if !ok || cur != expected {
		return false
	}
	s.m[key] = newEntry
	return true
}

// Len returns the number of live keys.
func (kd *KeyDir) Len() int {
	n := 0
	for _, s := range kd.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot returns a point-in-time copy of every (key, entry) pair whose
// entry currently points into one of the given file IDs. Used by the
// Merger to decide which keys to copy forward.
func (kd *KeyDir) Snapshot(in map[FileID]struct{}) map[string]Entry {
	out := make(map[string]Entry)
	for _, s := range kd.shards {
		s.mu.RLock()
		for k, e := range s.m {
			if _, ok := in[e.FileID]; ok {
				out[k] = e
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Range calls fn for every live (key, entry) pair. fn must not call back
// into the KeyDir.
func (kd *KeyDir) Range(fn func(key string, e Entry) bool) {
	for _, s := range kd.shards {
		s.mu.RLock()
		for k, e := range s.m {
			if !fn(k, e) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
