package breaker

import (
	"testing"
	"time"
)

func TestOpensAfterFiveConsecutiveFailures(t *testing.T) {
	cb := New(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("expected allow before threshold, iter %d", i)
		}
		cb.Record(false)
	}
	if cb.State() != Degraded {
		t.Fatalf("expected Degraded at 3-4 fails, got %v", cb.State())
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected Open after 5 fails, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected Allow to reject while Open and within cooldown")
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	cb := New(10 * time.Millisecond)
	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.Record(false)
	}
	if cb.State() != Open {
		t.Fatalf("expected Open, got %v", cb.State())
	}
	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected single probe to be allowed after cooldown")
	}
	if cb.Allow() {
		t.Fatal("expected second concurrent probe to be rejected")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("expected Closed after successful probe, got %v", cb.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	cb := New(5 * time.Millisecond)
	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.Record(false)
	}
	time.Sleep(10 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe to be allowed")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected Open after failed probe, got %v", cb.State())
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(time.Second)
	cb.Allow()
	cb.Record(false)
	cb.Allow()
	cb.Record(false)
	cb.Allow()
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("expected Closed, got %v", cb.State())
	}
	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.Record(false)
	}
	if cb.State() != Closed {
		t.Fatalf("expected still Closed below degrade threshold, got %v", cb.State())
	}
}
