package sdk

import (
	"sync"
	"sync/atomic"

	"github.com/coredump-systems/jobtel/internal/envelope"
)

// ringBuffer is the emitter's bounded FIFO queue of unsent envelopes. It
// evicts from the front on overflow (drop-oldest, spec.md §3.4/§4.2) and
// otherwise supports insertion at both ends: PushBack for new messages,
// PushFront to put a message back at the head after a failed send or a
// reverted replay dequeue.
type ringBuffer struct {
	mu       sync.Mutex
	items    []envelope.Envelope
	capacity int
	dropped  int64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ringBuffer{capacity: capacity}
}

// PushBack enqueues at the tail, evicting the oldest entry if the buffer
// is already at capacity. Returns true if an eviction occurred.
func (r *ringBuffer) PushBack(e envelope.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := false
	if len(r.items) >= r.capacity {
		r.items = r.items[1:]
		atomic.AddInt64(&r.dropped, 1)
		evicted = true
	}
	r.items = append(r.items, e)
	return evicted
}

// PushFront re-inserts at the head, used to preserve order when a write
// fails or a replay must be reverted. It never evicts: the message was
// already accounted for in the buffer's occupancy.
func (r *ringBuffer) PushFront(e envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append([]envelope.Envelope{e}, r.items...)
}

// PopFront dequeues the oldest entry.
func (r *ringBuffer) PopFront() (envelope.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return envelope.Envelope{}, false
	}
	e := r.items[0]
	r.items = r.items[1:]
	return e, true
}

func (r *ringBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *ringBuffer) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}
