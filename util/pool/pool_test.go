package pool

import (
	"context"
	"testing"
	"time"
)

func TestFixedPool(t *testing.T) {
	p := NewFixedPool[int](10)
	for i := 0; i < 10; i++ {
		if !p.TryPush(i) {
			t.Fatalf("push failed, i: %v", i)
		}
	}
	if p.TryPush(10) {
		t.Fatal("pool should be full")
	}
	for i := 0; i < 10; i++ {
		v, ok := p.Pop(context.Background())
		if !ok {
			t.Fatalf("not okay, i: %v", i)
		}
		if v != i {
			t.Fatalf("v: %v, i: %v", v, i)
		}
	}
	if _, ok := p.TryPop(); ok {
		t.Fatal("pool should be empty")
	}
}

func TestFixedPoolFilter(t *testing.T) {
	p := NewFixedPool(4, FixedPoolFilterFunc(func(v int) bool { return v%2 == 0 }))
	for i := 0; i < 4; i++ {
		p.TryPush(i)
	}
	v, ok := p.TryPop()
	if !ok || v != 1 {
		t.Fatalf("v: %v, ok: %v", v, ok)
	}

	var drained []int
	p.Drain(func(v int) { drained = append(drained, v) })
	if len(drained) != 2 || p.Len() != 0 {
		t.Fatalf("drained: %v", drained)
	}
}

func TestFixedPoolPopCancelled(t *testing.T) {
	p := NewFixedPool[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := p.Pop(ctx); ok {
		t.Fatal("should not pop from empty pool")
	}
}
