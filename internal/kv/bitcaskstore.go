package kv

import (
	"errors"

	"github.com/jassi-singh/aether-kv/internal/bitcask"
)

// BitcaskStore adapts *bitcask.Engine to the Store interface, translating
// bitcask.ErrKeyNotFound into the package-level ErrNotFound so callers
// depend only on this package's sentinel, not on storage-engine internals
// (spec.md §9 "avoid threading storage-specific types through the protocol
// layer").
type BitcaskStore struct {
	engine *bitcask.Engine
}

var _ Store = (*BitcaskStore)(nil)

// NewBitcaskStore wraps an already-open bitcask.Engine.
func NewBitcaskStore(e *bitcask.Engine) *BitcaskStore {
	return &BitcaskStore{engine: e}
}

func (s *BitcaskStore) Get(key string) ([]byte, error) {
	v, err := s.engine.Get(key)
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *BitcaskStore) Set(key string, value []byte) error {
	return s.engine.Set(key, value)
}

func (s *BitcaskStore) Del(key string) (bool, error) {
	return s.engine.Delete(key)
}

func (s *BitcaskStore) Close() error {
	return s.engine.Close()
}
