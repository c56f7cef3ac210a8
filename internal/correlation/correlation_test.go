package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coredump-systems/jobtel/internal/envelope"
)

func mkEnvelope(src string, i int) envelope.Envelope {
	return envelope.Envelope{V: 1, Src: src, TS: time.Now().UnixMilli(), Type: envelope.TypeHeartbeat}
}

func TestFlushesOnSizeThreshold(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]envelope.Envelope
	e := New(3, time.Hour, 100, nil, func(_ context.Context, _ string, batch []envelope.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]envelope.Envelope, len(batch))
		copy(cp, batch)
		flushed = append(flushed, cp)
		return nil
	}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e.Process(ctx, mkEnvelope("svc-a", i))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 3 {
		t.Fatalf("expected one flush of 3 messages, got %+v", flushed)
	}
}

func TestOrderingPreservedWithinBatch(t *testing.T) {
	var got []envelope.Envelope
	e := New(5, time.Hour, 100, nil, func(_ context.Context, _ string, batch []envelope.Envelope) error {
		got = append(got, batch...)
		return nil
	}, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m := mkEnvelope("svc-a", i)
		m.TID = ""
		m.PID = ""
		m.Data = []byte(`{}`)
		m.SID = ""
		m.V = 1
		m.TS = int64(1000 + i)
		e.Process(ctx, m)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i := 0; i < 5; i++ {
		if got[i].TS != int64(1000+i) {
			t.Fatalf("order broken at %d: got ts %d", i, got[i].TS)
		}
	}
}

func TestFlushAllDrainsEverySource(t *testing.T) {
	var mu sync.Mutex
	flushedSources := map[string]bool{}
	e := New(100, time.Hour, 1000, nil, func(_ context.Context, src string, batch []envelope.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		flushedSources[src] = true
		return nil
	}, nil)

	ctx := context.Background()
	e.Process(ctx, mkEnvelope("a", 0))
	e.Process(ctx, mkEnvelope("b", 0))
	e.FlushAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if !flushedSources["a"] || !flushedSources["b"] {
		t.Fatalf("expected both sources flushed, got %+v", flushedSources)
	}
}
