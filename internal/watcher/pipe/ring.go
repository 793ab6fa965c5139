// Package pipe provides the non-blocking, allocation-free queues used to move
// commands and buffers between the real-time callback and the rest of the
// process.
//
// All queues are single-producer/single-consumer. Each side may be a
// different goroutine but a side must never be used from two goroutines at
// once; callers on the non-real-time side serialise themselves.
package pipe

import (
	"fmt"
	"sync/atomic"
)

// Ring is a bounded lock-free SPSC queue of values.
type Ring[T any] struct {
	buf  []T
	mask uint64

	// head is advanced by the consumer, tail by the producer.
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
}

// NewRing returns a ring holding at least capacity elements. The capacity is
// rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	n := roundPow2(capacity)
	return &Ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// TryPush appends v. It returns false without blocking when the ring is full.
func (r *Ring[T]) TryPush(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() > r.mask {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// TryPop removes the oldest value. It returns false when the ring is empty.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	v := r.buf[head&r.mask]
	r.buf[head&r.mask] = zero
	r.head.Store(head + 1)
	return v, true
}

// Len returns the number of queued values.
func (r *Ring[T]) Len() int { return int(r.tail.Load() - r.head.Load()) }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

func (r *Ring[T]) String() string {
	return fmt.Sprintf("ring(%d/%d)", r.Len(), r.Cap())
}
