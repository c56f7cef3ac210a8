// Package envelope implements the wire message model and LDJSON codec
// shared by the client SDK and the agent's stream listener.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the envelope's message kind.
type Type string

const (
	TypeEvent     Type = "event"
	TypeMetric    Type = "metric"
	TypeProgress  Type = "progress"
	TypeResource  Type = "resource"
	TypeSpan      Type = "span"
	TypeHeartbeat Type = "heartbeat"
	TypeGoodbye   Type = "goodbye"
)

// MaxFrameSize is the maximum serialized envelope size, including the
// trailing newline.
const MaxFrameSize = 65536

// ProtocolVersion is the only accepted value of the envelope's v field.
const ProtocolVersion = 1

const (
	skewPast   = 24 * time.Hour
	skewFuture = 60 * time.Second
)

// Envelope is the common header surrounding a type-specific payload.
type Envelope struct {
	V    int             `json:"v"`
	Src  string          `json:"src"`
	TS   int64           `json:"ts"`
	Type Type            `json:"type"`
	TID  string          `json:"tid,omitempty"`
	SID  string          `json:"sid,omitempty"`
	PID  string          `json:"pid,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ProtocolError represents a malformed frame: oversize, bad JSON, missing
// required field, timestamp outside the skew window, or an invalid
// type-specific payload. The listener logs and drops the line on this
// error; it never closes the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func protoErr(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Encode produces a single LDJSON line with a trailing newline.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	b = append(b, '\n')
	if len(b) > MaxFrameSize {
		return nil, protoErr("encoded frame exceeds %d bytes", MaxFrameSize)
	}
	return b, nil
}

// Decode enforces size, version, required fields, the timestamp skew
// window, and type-specific payload shape (§3.1.1's schema validation
// pass). line must not include the trailing newline.
func Decode(line []byte, now time.Time) (Envelope, error) {
	var e Envelope
	if len(line)+1 > MaxFrameSize {
		return e, protoErr("frame exceeds %d bytes", MaxFrameSize)
	}
	if err := json.Unmarshal(line, &e); err != nil {
		return e, protoErr("invalid json: %v", err)
	}
	if e.V != ProtocolVersion {
		return e, protoErr("unsupported protocol version %d", e.V)
	}
	if e.Src == "" {
		return e, protoErr("missing src")
	}
	if len(e.Src) > 64 {
		return e, protoErr("src exceeds 64 chars")
	}
	if !validType(e.Type) {
		return e, protoErr("unknown type %q", e.Type)
	}
	if err := checkSkew(e.TS, now); err != nil {
		return e, err
	}
	if e.Type == TypeSpan && (e.TID == "" || e.SID == "") {
		return e, protoErr("span requires tid and sid")
	}
	if err := ValidatePayload(e.Type, e.Data); err != nil {
		return e, err
	}
	return e, nil
}

func validType(t Type) bool {
	switch t {
	case TypeEvent, TypeMetric, TypeProgress, TypeResource, TypeSpan, TypeHeartbeat, TypeGoodbye:
		return true
	default:
		return false
	}
}

func checkSkew(ts int64, now time.Time) error {
	sent := time.UnixMilli(ts)
	lower := now.Add(-skewPast)
	upper := now.Add(skewFuture)
	if sent.Before(lower) || sent.After(upper) {
		return protoErr("ts %d outside skew window [%d, %d]", ts, lower.UnixMilli(), upper.UnixMilli())
	}
	return nil
}
