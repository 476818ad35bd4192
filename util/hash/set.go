package hash

import (
	"fmt"
)

// Hash Set backed by a map.
//
// To create a new Set, use [NewSet].
type Set[T comparable] struct {
	Keys map[T]struct{}
}

// Test whether the key is in the set
func (s *Set[T]) Has(key T) bool {
	_, ok := s.Keys[key]
	return ok
}

// Add key to set, return true if the key wasn't present previously
func (s *Set[T]) Add(key T) bool {
	if s.Has(key) {
		return false
	}
	s.Keys[key] = struct{}{}
	return true
}

func (s *Set[T]) AddAll(keys []T) {
	for _, k := range keys {
		s.Add(k)
	}
}

func (s *Set[T]) Size() int {
	return len(s.Keys)
}

func (s Set[T]) String() string {
	return fmt.Sprintf("%v", s.CopyKeys())
}

func (s *Set[T]) CopyKeys() []T {
	keys := make([]T, 0, len(s.Keys))
	for k := range s.Keys {
		keys = append(keys, k)
	}
	return keys
}

func NewSet[T comparable](keys ...T) Set[T] {
	s := Set[T]{Keys: map[T]struct{}{}}
	s.AddAll(keys)
	return s
}
