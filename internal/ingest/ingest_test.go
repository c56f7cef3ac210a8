package ingest

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu    sync.Mutex
	execs []string
}

func (f *fakeConn) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	return nil
}
func (f *fakeConn) Ping(_ context.Context) error { return nil }
func (f *fakeConn) Close() error                 { return nil }

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestInsertRejectsSkewedEvent(t *testing.T) {
	fc := &fakeConn{}
	w := NewWriterWithConn(fc, 10*time.Minute)
	rec := EventRecord{IdempotencyKey: "k1", At: time.Now().Add(-time.Hour)}
	out := w.Insert(context.Background(), []EventRecord{rec})
	if out[0].Err == nil {
		t.Fatal("expected skew error")
	}
	if len(fc.execs) != 0 {
		t.Fatalf("expected no inserts for skewed event, got %d", len(fc.execs))
	}
}

func TestInsertDedupesSameIdempotencyKeyWithinProcess(t *testing.T) {
	fc := &fakeConn{}
	w := NewWriterWithConn(fc, time.Hour)
	rec := EventRecord{IdempotencyKey: "dup", At: time.Now(), AppID: "app1", Entity: EntityRef{Type: "job", ID: "job1"}}

	for i := 0; i < 3; i++ {
		w.Insert(context.Background(), []EventRecord{rec})
	}

	eventInserts := 0
	for _, q := range fc.execs {
		if contains(q, "INSERT INTO event") {
			eventInserts++
		}
	}
	if eventInserts != 1 {
		t.Fatalf("expected exactly one event insert across duplicates, got %d", eventInserts)
	}
}

func TestInsertJobRowOnJobEntity(t *testing.T) {
	fc := &fakeConn{}
	w := NewWriterWithConn(fc, time.Hour)
	rec := EventRecord{
		IdempotencyKey: "k2",
		At:             time.Now(),
		AppID:          "app1",
		Entity:         EntityRef{Type: "job", ID: "job1"},
		Status:         "finished",
	}
	out := w.Insert(context.Background(), []EventRecord{rec})
	if out[0].Err != nil {
		t.Fatalf("unexpected error: %v", out[0].Err)
	}
	found := false
	for _, q := range fc.execs {
		if contains(q, "INSERT INTO job") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a job row insert")
	}
}
