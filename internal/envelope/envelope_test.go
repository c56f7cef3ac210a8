package envelope

import (
	"encoding/json"
	"testing"
	"time"
)

func mustEncode(t *testing.T, e Envelope) []byte {
	t.Helper()
	b, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	now := time.Now()
	payload, _ := json.Marshal(EventPayload{Level: "info", Msg: "hi"})
	e := Envelope{V: 1, Src: "svc-a", TS: now.UnixMilli(), Type: TypeEvent, Data: payload}

	line := mustEncode(t, e)
	decoded, err := Decode(line[:len(line)-1], now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Src != e.Src || decoded.Type != e.Type || decoded.TS != e.TS {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, e)
	}
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	huge := make([]byte, MaxFrameSize)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := Decode(huge, time.Now())
	if err == nil {
		t.Fatal("expected protocol error for oversize frame")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	now := time.Now()
	line := []byte(`{"v":1,"src":"a","ts":` + itoa(now.UnixMilli()) + `,"type":"bogus"}`)
	if _, err := Decode(line, now); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestDecodeRejectsSkew(t *testing.T) {
	now := time.Now()
	tooOld := now.Add(-skewPast - time.Millisecond)
	payload, _ := json.Marshal(EventPayload{Level: "info", Msg: "old"})
	line := mustEncode(t, Envelope{V: 1, Src: "a", TS: tooOld.UnixMilli(), Type: TypeEvent, Data: payload})
	if _, err := Decode(line[:len(line)-1], now); err == nil {
		t.Fatal("expected skew error")
	}

	exactlyOld := now.Add(-skewPast)
	line = mustEncode(t, Envelope{V: 1, Src: "a", TS: exactlyOld.UnixMilli(), Type: TypeEvent, Data: payload})
	if _, err := Decode(line[:len(line)-1], now); err != nil {
		t.Fatalf("boundary skew should be accepted: %v", err)
	}
}

func TestDecodeValidatesProgressPercentBounds(t *testing.T) {
	now := time.Now()
	for _, p := range []int{0, 100} {
		payload, _ := json.Marshal(ProgressPayload{JobID: "j1", Percent: p, Status: "running"})
		line := mustEncode(t, Envelope{V: 1, Src: "a", TS: now.UnixMilli(), Type: TypeProgress, Data: payload})
		if _, err := Decode(line[:len(line)-1], now); err != nil {
			t.Fatalf("percent %d should be valid: %v", p, err)
		}
	}
	for _, p := range []int{-1, 101} {
		raw := []byte(`{"job_id":"j1","percent":` + itoa(int64(p)) + `,"status":"running"}`)
		line := mustEncode(t, Envelope{V: 1, Src: "a", TS: now.UnixMilli(), Type: TypeProgress, Data: raw})
		if _, err := Decode(line[:len(line)-1], now); err == nil {
			t.Fatalf("percent %d should be rejected", p)
		}
	}
}

func TestDecodeRequiresTraceFieldsForSpan(t *testing.T) {
	now := time.Now()
	payload, _ := json.Marshal(SpanPayload{Name: "op", Start: now.UnixMilli(), Status: "ok"})
	line := mustEncode(t, Envelope{V: 1, Src: "a", TS: now.UnixMilli(), Type: TypeSpan, Data: payload})
	if _, err := Decode(line[:len(line)-1], now); err == nil {
		t.Fatal("expected error: span without tid/sid")
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
