package pipe

import "sync/atomic"

// BlockRing hands variable-length byte blocks from a real-time producer to a
// background consumer. Every slot is preallocated at construction so Write
// never allocates; a write larger than the slot size is rejected.
type BlockRing struct {
	slots [][]byte
	lens  []int
	mask  uint64

	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64

	dropped atomic.Uint64
	wake    chan struct{}
}

// NewBlockRing allocates count slots of slotSize bytes each. count is rounded
// up to a power of two.
func NewBlockRing(count, slotSize int) *BlockRing {
	n := roundPow2(count)
	r := &BlockRing{
		slots: make([][]byte, n),
		lens:  make([]int, n),
		mask:  uint64(n - 1),
		wake:  make(chan struct{}, 1),
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, slotSize)
	}
	return r
}

// Write copies the concatenation of parts into the next free slot. It returns
// false (and counts a drop) when the ring is full or the block is too large.
func (r *BlockRing) Write(parts ...[]byte) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() > r.mask {
		r.dropped.Add(1)
		return false
	}
	slot := r.slots[tail&r.mask]
	n := 0
	for _, p := range parts {
		if n+len(p) > len(slot) {
			r.dropped.Add(1)
			return false
		}
		n += copy(slot[n:], p)
	}
	r.lens[tail&r.mask] = n
	r.tail.Store(tail + 1)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Read passes the oldest block to fn and releases its slot when fn returns.
// fn must not retain the slice. Read returns false when the ring is empty.
func (r *BlockRing) Read(fn func([]byte)) bool {
	head := r.head.Load()
	if head == r.tail.Load() {
		return false
	}
	fn(r.slots[head&r.mask][:r.lens[head&r.mask]])
	r.head.Store(head + 1)
	return true
}

// Wake returns a channel that receives after a successful Write. Consumers
// should drain with Read until it returns false after each wake-up.
func (r *BlockRing) Wake() <-chan struct{} { return r.wake }

// Len returns the number of queued blocks.
func (r *BlockRing) Len() int { return int(r.tail.Load() - r.head.Load()) }

// Dropped returns the number of rejected writes.
func (r *BlockRing) Dropped() uint64 { return r.dropped.Load() }

// SlotSize returns the maximum block size.
func (r *BlockRing) SlotSize() int { return len(r.slots[0]) }
