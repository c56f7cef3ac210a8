// Package listener implements the stream ingestion edge (C3): a
// TCP/LDJSON accept loop, one goroutine per connection, a hard
// connection cap with an accept-rate limiter on top, and per-line
// decode/skew/schema validation that never closes a connection over a
// single bad line.
//
// Grounded on original_source's sidecar tcp_listener.py
// (ConnectionHandler/TCPListener: accept loop, per-line LDJSON read,
// goodbye handling) and the teacher's per-connection-goroutine Run loop
// in internal/worker/worker.go. The accept-rate limiter reuses the
// teacher's event-hooks/webhook.go rate.Limiter field shape.
package listener

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/coredump-systems/jobtel/internal/obs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Processor receives each successfully decoded envelope. Implemented by
// internal/correlation.Engine in production.
type Processor interface {
	Process(ctx context.Context, msg envelope.Envelope)
}

// Config configures a Listener.
type Config struct {
	Addr           string
	MaxConnections int
	AcceptRatePS   int
	AcceptBurst    int
}

// Listener accepts LDJSON connections and forwards decoded envelopes to
// a Processor.
type Listener struct {
	cfg       Config
	processor Processor
	logger    *zap.Logger
	limiter   *rate.Limiter

	activeConns int64
	connSlots   chan struct{}

	ln net.Listener
	wg sync.WaitGroup

	closeStats struct {
		mu           sync.Mutex
		goodbyes     int64
		eofs         int64
		parseErrors  int64
		rejected     int64
	}
}

// New constructs a Listener. Call Serve to run the accept loop.
func New(cfg Config, processor Processor, logger *zap.Logger) *Listener {
	var limiter *rate.Limiter
	if cfg.AcceptRatePS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRatePS), cfg.AcceptBurst)
	}
	return &Listener{
		cfg:       cfg,
		processor: processor,
		logger:    logger,
		limiter:   limiter,
		connSlots: make(chan struct{}, cfg.MaxConnections),
	}
}

// Serve binds the listener and runs the accept loop until ctx is
// cancelled or Close is called. When ctx is cancelled it waits for every
// connection goroutine to return and then returns nil; any other accept
// error, including the one Close causes, is returned at once without
// waiting for connection goroutines.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				if l.logger != nil {
					l.logger.Warn("accept error", obs.Err(err))
				}
				return err
			}
		}

		if l.limiter != nil && !l.limiter.Allow() {
			l.recordRejected()
			conn.Close()
			continue
		}

		select {
		case l.connSlots <- struct{}{}:
		default:
			// At max_connections: accept then immediately close, per
			// spec.md §4.3's admission-control contract.
			l.recordRejected()
			conn.Close()
			continue
		}

		atomic.AddInt64(&l.activeConns, 1)
		obs.ConnectionsActive.Set(float64(atomic.LoadInt64(&l.activeConns)))

		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections; existing connection goroutines
// drain on their own via ctx cancellation.
func (l *Listener) Close() error {
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// Wait blocks until every in-flight connection goroutine has returned.
func (l *Listener) Wait() { l.wg.Wait() }

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		conn.Close()
		<-l.connSlots
		atomic.AddInt64(&l.activeConns, -1)
		obs.ConnectionsActive.Set(float64(atomic.LoadInt64(&l.activeConns)))
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// A bufio.Reader, not a Scanner: an oversize line must not end the
	// connection (spec.md §4.3 step 1 / §8 property 2). readFrame reads
	// past an oversize line to the next newline, holding at most
	// MaxFrameSize bytes of it before discarding them, then
	// reports it as a single ProtocolError so the next valid line on
	// the same connection still decodes.
	reader := bufio.NewReaderSize(conn, 4096)

	for {
		line, oversize, err := readFrame(reader, envelope.MaxFrameSize)
		if oversize {
			l.closeStats.mu.Lock()
			l.closeStats.parseErrors++
			l.closeStats.mu.Unlock()
			obs.EnvelopesDropped.WithLabelValues("protocol_error").Inc()
			if l.logger != nil {
				l.logger.Debug("dropping oversize line", obs.Err(&envelope.ProtocolError{Reason: fmt.Sprintf("line exceeds %d bytes", envelope.MaxFrameSize)}))
			}
		}
		if err != nil {
			if err != io.EOF && l.logger != nil {
				l.logger.Debug("connection read error", obs.Err(err))
			}
			if err == io.EOF {
				l.closeStats.mu.Lock()
				l.closeStats.eofs++
				l.closeStats.mu.Unlock()
			}
			return
		}
		if oversize || len(line) == 0 {
			continue
		}

		msg, err := envelope.Decode(line, time.Now())
		if err != nil {
			l.closeStats.mu.Lock()
			l.closeStats.parseErrors++
			l.closeStats.mu.Unlock()
			obs.EnvelopesDropped.WithLabelValues("protocol_error").Inc()
			if l.logger != nil {
				l.logger.Debug("dropping malformed line", obs.Err(err))
			}
			continue
		}

		if msg.Type == envelope.TypeGoodbye {
			l.closeStats.mu.Lock()
			l.closeStats.goodbyes++
			l.closeStats.mu.Unlock()
			return
		}

		obs.EnvelopesReceived.Inc()
		l.processor.Process(ctx, msg)
	}
}

// readFrame reads one newline-terminated line from r. If the line
// (including its trailing newline) would exceed max bytes, readFrame stops
// accumulating it, keeps reading and discarding until the next newline
// (or EOF) so the connection resyncs on the following line, and reports
// oversize=true with a nil line rather than closing the connection.
func readFrame(r *bufio.Reader, max int) (line []byte, oversize bool, err error) {
	var buf []byte
	for {
		chunk, rerr := r.ReadSlice('\n')
		if len(chunk) > 0 && !oversize {
			if len(buf)+len(chunk) > max {
				oversize = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if rerr == nil {
			break
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		return nil, oversize, rerr
	}
	if oversize {
		return nil, true, nil
	}
	return bytes.TrimRight(buf, "\r\n"), false, nil
}

func (l *Listener) recordRejected() {
	obs.ConnectionsRejected.Inc()
	l.closeStats.mu.Lock()
	l.closeStats.rejected++
	l.closeStats.mu.Unlock()
}

// Stats is a snapshot of connection-close reasons, used by /statsz.
type Stats struct {
	ActiveConnections int64 `json:"active_connections"`
	Goodbyes          int64 `json:"goodbyes"`
	EOFs              int64 `json:"eofs"`
	ParseErrors       int64 `json:"parse_errors"`
	Rejected          int64 `json:"rejected"`
}

func (l *Listener) Stats() Stats {
	l.closeStats.mu.Lock()
	defer l.closeStats.mu.Unlock()
	return Stats{
		ActiveConnections: atomic.LoadInt64(&l.activeConns),
		Goodbyes:          l.closeStats.goodbyes,
		EOFs:              l.closeStats.eofs,
		ParseErrors:       l.closeStats.parseErrors,
		Rejected:          l.closeStats.rejected,
	}
}
