// Package sdk is the client emitter (C2): a non-blocking, self-healing
// telemetry client meant to be embedded in job-worker processes. Every
// log_* call appends to a bounded ring buffer and returns immediately;
// a single background goroutine owns the connection, the exponential
// backoff reconnect, and ordered FIFO replay.
//
// Grounded on original_source's emitter.py/context.py Monitored
// context-manager pattern for the scoped-span helper, and on the
// teacher's mutex-guarded struct style from internal/breaker/breaker.go.
// Lives under pkg/, like the teacher's pkg/anomaly-radar-slo-budget and
// pkg/chaos-harness, because it is meant to be imported by other
// programs rather than used only internally.
package sdk

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/google/uuid"
)

// State is the emitter's connection state machine (spec.md §4.2).
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateOverflow
)

// Config configures an Emitter.
type Config struct {
	Addr          string        // host:port of the agent's listener
	Source        string        // this process's src identifier
	BufferMax     int           // ring buffer capacity, default 1000
	ReconnectMaxS time.Duration // backoff ceiling, default 30s
	DialTimeout   time.Duration
	SpoolPath     string // optional on-disk durability spool
}

// Emitter is the client-side resilience core.
type Emitter struct {
	cfg   Config
	state int32 // State, accessed atomically via sync/atomic on *int32

	connMu sync.Mutex
	conn   net.Conn

	ring *ringBuffer

	backoffMu sync.Mutex
	backoff   time.Duration

	spanMu    sync.Mutex
	spanStack []string
	spanMeta  map[string]spanInfo
	traceID   string

	ctxMu  sync.Mutex
	fields map[string]interface{}

	spool *spoolFile

	signalCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	closed   bool
	closeMu  sync.Mutex
}

// New constructs an Emitter and starts its background connect/send loop.
func New(cfg Config) *Emitter {
	if cfg.BufferMax <= 0 {
		cfg.BufferMax = 1000
	}
	if cfg.ReconnectMaxS <= 0 {
		cfg.ReconnectMaxS = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	e := &Emitter{
		cfg:      cfg,
		ring:     newRingBuffer(cfg.BufferMax),
		backoff:  time.Second,
		spanMeta: make(map[string]spanInfo),
		fields:   make(map[string]interface{}),
		signalCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if cfg.SpoolPath != "" {
		if sp, err := openSpool(cfg.SpoolPath); err == nil {
			e.spool = sp
		}
	}
	go e.run()
	return e
}

func (e *Emitter) setState(s State) { atomic.StoreInt32(&e.state, int32(s)) }
func (e *Emitter) getState() State  { return State(atomic.LoadInt32(&e.state)) }

// LogEvent emits an event-type message. Never blocks, never returns an
// error to the caller beyond the boolean success signal (spec.md §4.2's
// "log_* methods return a boolean but never raise").
func (e *Emitter) LogEvent(level, msg string, ctx map[string]interface{}) bool {
	e.ctxMu.Lock()
	if len(e.fields) > 0 {
		merged := make(map[string]interface{}, len(e.fields)+len(ctx))
		for k, v := range e.fields {
			merged[k] = v
		}
		for k, v := range ctx {
			merged[k] = v
		}
		ctx = merged
	}
	e.ctxMu.Unlock()
	data, _ := json.Marshal(envelope.EventPayload{Level: level, Msg: msg, Ctx: ctx})
	return e.enqueue(envelope.TypeEvent, data)
}

func (e *Emitter) LogMetric(name string, value float64, unit string, tags map[string]interface{}) bool {
	data, _ := json.Marshal(envelope.MetricPayload{Name: name, Value: value, Unit: unit, Tags: tags})
	return e.enqueue(envelope.TypeMetric, data)
}

func (e *Emitter) LogProgress(jobID string, percent int, status string) bool {
	data, _ := json.Marshal(envelope.ProgressPayload{JobID: jobID, Percent: percent, Status: status})
	return e.enqueue(envelope.TypeProgress, data)
}

func (e *Emitter) LogResource(cpu, mem, disk, net float64) bool {
	data, _ := json.Marshal(envelope.ResourcePayload{CPU: cpu, Mem: mem, Disk: disk, Net: net})
	return e.enqueue(envelope.TypeResource, data)
}

// SetTraceID fixes the trace id subsequent spans attach to.
func (e *Emitter) SetTraceID(id string) {
	e.spanMu.Lock()
	defer e.spanMu.Unlock()
	e.traceID = id
}

// SetContext attaches a key/value pair included on every subsequent
// event's ctx map, unless the caller overrides that key explicitly.
func (e *Emitter) SetContext(k string, v interface{}) {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	e.fields[k] = v
}

// StartSpan mints a random span id, captures the current span as
// parent, emits a span-open record, and becomes the current span. A
// trace id is generated lazily if none was set.
func (e *Emitter) StartSpan(name string, traceID string) string {
	e.spanMu.Lock()
	if traceID != "" {
		e.traceID = traceID
	} else if e.traceID == "" {
		e.traceID = uuid.NewString()
	}
	var parent string
	if len(e.spanStack) > 0 {
		parent = e.spanStack[len(e.spanStack)-1]
	}
	spanID := uuid.NewString()
	start := time.Now().UnixMilli()
	e.spanStack = append(e.spanStack, spanID)
	e.spanMeta[spanID] = spanInfo{name: name, start: start}
	tid := e.traceID
	e.spanMu.Unlock()

	data, _ := json.Marshal(envelope.SpanPayload{Name: name, Start: start, Status: "open"})
	e.enqueueSpan(tid, spanID, parent, data)
	return spanID
}

// EndSpan emits a span-close record and removes the span from the
// open-span stack, wherever it sits in that stack.
func (e *Emitter) EndSpan(spanID, status string, tags map[string]interface{}) {
	e.spanMu.Lock()
	tid := e.traceID
	info := e.spanMeta[spanID]
	delete(e.spanMeta, spanID)
	for i := len(e.spanStack) - 1; i >= 0; i-- {
		if e.spanStack[i] == spanID {
			e.spanStack = append(e.spanStack[:i], e.spanStack[i+1:]...)
			break
		}
	}
	e.spanMu.Unlock()

	end := time.Now().UnixMilli()
	data, _ := json.Marshal(envelope.SpanPayload{Name: info.name, Start: info.start, Status: status, End: &end, Tags: tags})
	e.enqueueSpan(tid, spanID, "", data)
}

type spanInfo struct {
	name  string
	start int64
}

// Scoped returns a closer that guarantees EndSpan runs via defer at the
// call site, matching original_source's Monitored context manager.
func (e *Emitter) Scoped(name string) func(status string) {
	spanID := e.StartSpan(name, "")
	return func(status string) {
		e.EndSpan(spanID, status, nil)
	}
}

func (e *Emitter) enqueueSpan(traceID, spanID, parentID string, data json.RawMessage) bool {
	msg := envelope.Envelope{
		V: envelope.ProtocolVersion, Src: e.cfg.Source, TS: time.Now().UnixMilli(),
		Type: envelope.TypeSpan, TID: traceID, SID: spanID, PID: parentID, Data: data,
	}
	return e.push(msg)
}

func (e *Emitter) enqueue(t envelope.Type, data json.RawMessage) bool {
	msg := envelope.Envelope{V: envelope.ProtocolVersion, Src: e.cfg.Source, TS: time.Now().UnixMilli(), Type: t, Data: data}
	return e.push(msg)
}

func (e *Emitter) push(msg envelope.Envelope) bool {
	evicted := e.ring.PushBack(msg)
	if evicted {
		e.setState(StateOverflow)
	} else if e.getState() == StateOverflow {
		e.setState(StateDisconnected)
	}
	if e.spool != nil {
		_ = e.spool.Append(msg)
	}
	select {
	case e.signalCh <- struct{}{}:
	default:
	}
	return true
}

// Close drains the ring best-effort within a short grace window, sends
// a goodbye record, and stops the background loop. Idempotent.
func (e *Emitter) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.enqueue(envelope.TypeGoodbye, nil)
	deadline := time.Now().Add(2 * time.Second)
	for e.ring.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	close(e.stopCh)
	<-e.doneCh

	e.connMu.Lock()
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.connMu.Unlock()

	if e.spool != nil {
		return e.spool.Close()
	}
	return nil
}

// run is the single background goroutine owning the connection, the
// reconnect backoff, and the send loop (spec.md §4.2).
func (e *Emitter) run() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if e.getState() != StateConnected {
			if !e.connect() {
				select {
				case <-e.stopCh:
					return
				case <-time.After(e.currentBackoff()):
					e.growBackoff()
					continue
				}
			}
			e.resetBackoff()
		}

		e.sendLoop()
	}
}

func (e *Emitter) connect() bool {
	conn, err := net.DialTimeout("tcp", e.cfg.Addr, e.cfg.DialTimeout)
	if err != nil {
		return false
	}
	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()
	e.setState(StateConnected)
	return true
}

// sendLoop drains the ring in FIFO order while connected. On any write
// error it reverts the dequeue (re-enqueues at head), marks
// Disconnected, and returns to let run() reconnect.
func (e *Emitter) sendLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		msg, ok := e.ring.PopFront()
		if !ok {
			select {
			case <-e.stopCh:
				return
			case <-e.signalCh:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		frame, err := envelope.Encode(msg)
		if err != nil {
			continue // malformed locally-built frame; drop rather than loop forever
		}

		e.connMu.Lock()
		conn := e.conn
		e.connMu.Unlock()
		if conn == nil {
			e.ring.PushFront(msg)
			e.setState(StateDisconnected)
			return
		}

		if _, err := conn.Write(frame); err != nil {
			e.ring.PushFront(msg)
			e.setState(StateDisconnected)
			e.connMu.Lock()
			e.conn.Close()
			e.conn = nil
			e.connMu.Unlock()
			return
		}

		if e.spool != nil {
			e.spool.Ack(msg)
		}
		if e.ring.Len() == 0 && e.getState() == StateOverflow {
			e.setState(StateConnected)
		}
	}
}

func (e *Emitter) currentBackoff() time.Duration {
	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	return e.backoff
}

func (e *Emitter) growBackoff() {
	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	e.backoff *= 2
	if e.backoff > e.cfg.ReconnectMaxS {
		e.backoff = e.cfg.ReconnectMaxS
	}
}

func (e *Emitter) resetBackoff() {
	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	e.backoff = time.Second
}

// Stats reports the ring buffer's occupancy and drop count, useful for
// the embedding process's own health reporting.
type Stats struct {
	State     State
	BufferLen int
	Dropped   int64
}

func (e *Emitter) Stats() Stats {
	return Stats{State: e.getState(), BufferLen: e.ring.Len(), Dropped: e.ring.Dropped()}
}
