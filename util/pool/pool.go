package pool

import "context"

// Pool of reusable items backed by a buffered channel.
type FixedPool[T any] struct {
	ch            chan T
	popFilterFunc func(t T) (dropped bool)
}

// Items rejected by the filter are dropped when they are popped.
func FixedPoolFilterFunc[T any](filterFunc func(t T) (dropped bool)) func(*FixedPool[T]) {
	return func(f *FixedPool[T]) {
		f.popFilterFunc = filterFunc
	}
}

func NewFixedPool[T any](cap int, options ...func(*FixedPool[T])) *FixedPool[T] {
	f := new(FixedPool[T])
	f.ch = make(chan T, cap)
	for _, op := range options {
		op(f)
	}
	return f
}

func (r *FixedPool[T]) TryPush(t T) bool {
	select {
	case r.ch <- t:
		return true
	default:
		return false
	}
}

// Pop item, blocks until one is available or the ctx is done.
func (r *FixedPool[T]) Pop(ctx context.Context) (T, bool) {
	for {
		select {
		case v := <-r.ch:
			if r.popFilterFunc != nil && r.popFilterFunc(v) {
				continue
			}
			return v, true
		case <-ctx.Done():
			var t T
			return t, false
		}
	}
}

func (r *FixedPool[T]) TryPop() (T, bool) {
	for {
		select {
		case v := <-r.ch:
			if r.popFilterFunc != nil && r.popFilterFunc(v) {
				continue
			}
			return v, true
		default:
			var t T
			return t, false
		}
	}
}

// Remove every item currently in the pool.
func (r *FixedPool[T]) Drain(f func(t T)) {
	for {
		select {
		case v := <-r.ch:
			if f != nil {
				f(v)
			}
		default:
			return
		}
	}
}

func (r *FixedPool[T]) Len() int {
	return len(r.ch)
}
