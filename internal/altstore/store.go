// Package altstore provides an in-memory, map-backed implementation of
// kv.Store. It exists only for benchmarking the Bitcask engine against a
// non-persistent baseline (spec.md §1 "Alternative storage back-ends used
// for benchmarking"); it is never used for durable storage and carries no
// recovery, merge, or on-disk format of its own.
package altstore

import (
	"sync"

	"github.com/jassi-singh/aether-kv/internal/kv"
)

// Store is a concurrent, in-memory key-value map guarded by a single
// RWMutex, grounded on the single-map design in amanlalwani007-godb/kv/kv.go.
// Unlike internal/bitcask.KeyDir it is not sharded: it exists only as a
// benchmark baseline, not a production back-end, so contention under the
// shared lock is the point of comparison, not something to engineer away.
type Store struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var _ kv.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{m: make(map[string][]byte)}
}

func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.m[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.m[key] = cp
	return nil
}

func (s *Store) Del(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.m[key]
	delete(s.m, key)
	return existed, nil
}

func (s *Store) Close() error {
	return nil
}
