package hash

import (
	"sync"
)

func NewRWMap[K comparable, V any]() *RWMap[K, V] {
	return &RWMap[K, V]{
		storage: make(map[K]V),
	}
}

// Map with sync.RWMutex embeded.
type RWMap[K comparable, V any] struct {
	mu      sync.RWMutex
	storage map[K]V
}

func (r *RWMap[K, V]) Get(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.storage[k]
	return v, ok
}

// Copy values in map
func (r *RWMap[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make([]V, 0, len(r.storage))
	for _, v := range r.storage {
		values = append(values, v)
	}
	return values
}

func (r *RWMap[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.storage)
}

// Get value, or create it with elseFunc while holding the write lock.
//
// Values are not stored when elseFunc returns error, the next call retries.
func (r *RWMap[K, V]) GetElseErr(k K, elseFunc func(k K) (V, error)) (V, error) {
	if v, ok := r.Get(k); ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.storage[k]; ok {
		return v, nil
	}
	newItem, err := elseFunc(k)
	if err != nil {
		return newItem, err
	}
	r.storage[k] = newItem
	return newItem, nil
}
