package hash

import (
	"sync"
)

// Thread-safe Set.
//
// To create a new SyncSet, use [NewSyncSet].
type SyncSet[T comparable] struct {
	mu  sync.RWMutex
	set Set[T]
}

func (s *SyncSet[T]) Has(key T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.Has(key)
}

func (s *SyncSet[T]) AddAll(keys []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.AddAll(keys)
}

func (s *SyncSet[T]) CopyKeys() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.CopyKeys()
}

func NewSyncSet[T comparable](keys ...T) *SyncSet[T] {
	return &SyncSet[T]{set: NewSet(keys...)}
}
