package listener

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coredump-systems/jobtel/internal/envelope"
)

type recordingProcessor struct {
	mu       sync.Mutex
	received []envelope.Envelope
}

func (p *recordingProcessor) Process(_ context.Context, msg envelope.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, msg)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func startTestListener(t *testing.T, cfg Config) (*Listener, *recordingProcessor, context.CancelFunc) {
	t.Helper()
	proc := &recordingProcessor{}
	l := New(cfg, proc, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	go func() {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			t.Errorf("listen: %v", err)
			close(ready)
			return
		}
		l.ln = ln
		close(ready)
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			select {
			case l.connSlots <- struct{}{}:
			default:
				conn.Close()
				continue
			}
			l.wg.Add(1)
			go l.handleConn(ctx, conn)
		}
	}()
	<-ready
	return l, proc, cancel
}

func writeLine(t *testing.T, conn net.Conn, e envelope.Envelope) {
	t.Helper()
	b, err := envelope.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestListenerDecodesAndForwardsValidEnvelopes(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:0", MaxConnections: 10}
	proc := &recordingProcessor{}
	l := New(cfg, proc, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.ln = ln
	l.connSlots = make(chan struct{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.wg.Add(1)
	connCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		connCh <- conn
		l.handleConn(ctx, conn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	data, _ := json.Marshal(map[string]interface{}{"foo": "bar"})
	writeLine(t, client, envelope.Envelope{
		V: 1, Src: "worker-1", TS: time.Now().UnixMilli(), Type: envelope.TypeHeartbeat, Data: data,
	})

	deadline := time.Now().Add(2 * time.Second)
	for proc.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if proc.count() < 1 {
		t.Fatalf("expected at least one envelope forwarded, got %d", proc.count())
	}
	ln.Close()
}

func TestListenerGoodbyeClosesConnection(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:0", MaxConnections: 10}
	proc := &recordingProcessor{}
	l := New(cfg, proc, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.ln = ln
	l.connSlots = make(chan struct{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		conn, _ := ln.Accept()
		l.wg.Add(1)
		l.handleConn(ctx, conn)
		close(done)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	writeLine(t, client, envelope.Envelope{V: 1, Src: "worker-1", TS: time.Now().UnixMilli(), Type: envelope.TypeGoodbye})

	select {
	case <-done:
		stats := l.Stats()
		if stats.Goodbyes != 1 {
			t.Fatalf("expected 1 recorded goodbye, got %d", stats.Goodbyes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return after goodbye")
	}
	ln.Close()
}

func TestListenerResyncsAfterOversizeLine(t *testing.T) {
	cfg := Config{Addr: "127.0.0.1:0", MaxConnections: 10}
	proc := &recordingProcessor{}
	l := New(cfg, proc, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.ln = ln
	l.connSlots = make(chan struct{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.wg.Add(1)
	go func() {
		conn, _ := ln.Accept()
		l.handleConn(ctx, conn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	oversizePayload := make([]byte, envelope.MaxFrameSize*2)
	for i := range oversizePayload {
		oversizePayload[i] = 'a'
	}
	if _, err := client.Write(oversizePayload); err != nil {
		t.Fatalf("write oversize line: %v", err)
	}
	if _, err := client.Write([]byte("\n")); err != nil {
		t.Fatalf("write oversize terminator: %v", err)
	}

	data, _ := json.Marshal(map[string]interface{}{"foo": "bar"})
	writeLine(t, client, envelope.Envelope{
		V: 1, Src: "worker-1", TS: time.Now().UnixMilli(), Type: envelope.TypeHeartbeat, Data: data,
	})

	deadline := time.Now().Add(2 * time.Second)
	for proc.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if proc.count() != 1 {
		t.Fatalf("expected the valid line after the oversize one to decode on the same connection, got %d envelopes", proc.count())
	}
	stats := l.Stats()
	if stats.ParseErrors < 1 {
		t.Fatalf("expected the oversize line to be recorded as a parse error, got %d", stats.ParseErrors)
	}
	ln.Close()
}
