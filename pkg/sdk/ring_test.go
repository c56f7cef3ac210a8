package sdk

import (
	"testing"

	"github.com/coredump-systems/jobtel/internal/envelope"
)

func TestRingBufferEvictsOldestOnOverflow(t *testing.T) {
	r := newRingBuffer(2)
	r.PushBack(envelope.Envelope{Src: "a"})
	r.PushBack(envelope.Envelope{Src: "b"})
	evicted := r.PushBack(envelope.Envelope{Src: "c"})

	if !evicted {
		t.Fatal("expected eviction on third push into capacity-2 buffer")
	}
	if r.Dropped() != 1 {
		t.Fatalf("expected dropped count 1, got %d", r.Dropped())
	}

	first, ok := r.PopFront()
	if !ok || first.Src != "b" {
		t.Fatalf("expected oldest surviving entry to be 'b', got %+v ok=%v", first, ok)
	}
}

func TestRingBufferPushFrontPreservesOrder(t *testing.T) {
	r := newRingBuffer(10)
	r.PushBack(envelope.Envelope{Src: "second"})
	r.PushFront(envelope.Envelope{Src: "first"})

	e, ok := r.PopFront()
	if !ok || e.Src != "first" {
		t.Fatalf("expected 'first' at head after PushFront, got %+v", e)
	}
	e, ok = r.PopFront()
	if !ok || e.Src != "second" {
		t.Fatalf("expected 'second' next, got %+v", e)
	}
}

func TestRingBufferPopFrontEmpty(t *testing.T) {
	r := newRingBuffer(10)
	_, ok := r.PopFront()
	if ok {
		t.Fatal("expected PopFront on empty buffer to report false")
	}
}
