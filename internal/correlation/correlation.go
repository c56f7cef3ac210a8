// Package correlation implements the per-source buffering and flush
// engine (C4): messages accumulate per source and flush to the router
// either when a size threshold is reached or after a time interval,
// whichever comes first, with an advisory trace index alongside.
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/coredump-systems/jobtel/internal/obs"
	"github.com/coredump-systems/jobtel/internal/traceindex"
	"go.uber.org/zap"
)

// FlushFunc is invoked with a source's batch when it's flushed. Per
// spec.md §4.4, if it returns an error the batch is still considered
// delivered-to-router; retries beyond this point are the router's
// responsibility, so the error is logged only.
type FlushFunc func(ctx context.Context, source string, batch []envelope.Envelope) error

type sourceBuffer struct {
	mu          sync.Mutex
	messages    []envelope.Envelope
	firstSeen   time.Time
	emptySince  time.Time
}

// Engine holds per-source buffers and drives size- and time-triggered
// flushes.
type Engine struct {
	flushBatchSize int
	flushInterval  time.Duration
	perSourceMax   int
	onFlush        FlushFunc
	trace          traceindex.Index
	logger         *zap.Logger

	mu      sync.Mutex
	buffers map[string]*sourceBuffer

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a correlation Engine. onFlush is called synchronously
// from whichever goroutine triggers the flush (size-triggered: the
// caller of Process; time-triggered: the background loop).
func New(flushBatchSize int, flushInterval time.Duration, perSourceMax int, trace traceindex.Index, onFlush FlushFunc, logger *zap.Logger) *Engine {
	return &Engine{
		flushBatchSize: flushBatchSize,
		flushInterval:  flushInterval,
		perSourceMax:   perSourceMax,
		onFlush:        onFlush,
		trace:          trace,
		logger:         logger,
		buffers:        make(map[string]*sourceBuffer),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Process appends msg to its source's buffer, indexing it by trace id
// when present, and flushes synchronously if the size threshold is hit.
func (e *Engine) Process(ctx context.Context, msg envelope.Envelope) {
	if msg.TID != "" && e.trace != nil {
		if raw, err := envelope.Encode(msg); err == nil {
			_ = e.trace.Add(ctx, msg.TID, raw)
		}
	}

	buf := e.bufferFor(msg.Src)
	buf.mu.Lock()
	if len(buf.messages) == 0 {
		buf.firstSeen = time.Now()
	}
	if len(buf.messages) >= e.perSourceMax {
		// Backpressure is by flushing (spec.md §7): force a flush now
		// rather than growing unbounded.
		e.flushLocked(ctx, msg.Src, buf, "overflow")
		buf.firstSeen = time.Now()
	}
	buf.messages = append(buf.messages, msg)
	obs.BufferDepth.WithLabelValues(msg.Src).Set(float64(len(buf.messages)))
	shouldFlush := len(buf.messages) >= e.flushBatchSize
	buf.mu.Unlock()

	if shouldFlush {
		buf.mu.Lock()
		e.flushLocked(ctx, msg.Src, buf, "size")
		buf.mu.Unlock()
	}
}

func (e *Engine) bufferFor(source string) *sourceBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buffers[source]
	if !ok {
		b = &sourceBuffer{}
		e.buffers[source] = b
	}
	return b
}

// flushLocked must be called with buf.mu held. It swaps out the batch and
// invokes onFlush outside any lock that would otherwise serialize other
// sources' flushes.
func (e *Engine) flushLocked(ctx context.Context, source string, buf *sourceBuffer, trigger string) {
	if len(buf.messages) == 0 {
		return
	}
	batch := buf.messages
	buf.messages = nil
	buf.emptySince = time.Now()
	obs.BufferDepth.WithLabelValues(source).Set(0)
	obs.FlushesTotal.WithLabelValues(trigger).Inc()

	if err := e.onFlush(ctx, source, batch); err != nil && e.logger != nil {
		e.logger.Warn("flush callback error", obs.String("source", source), obs.Err(err))
	}
}

// Run drives the background time-flush pass, waking every flushInterval
// and flushing any source buffer older than the threshold. Grounded on
// the teacher's reaper ticker-loop idiom.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.FlushAll(context.Background())
			return
		case <-e.stopCh:
			e.FlushAll(context.Background())
			return
		case <-ticker.C:
			e.flushAged()
		}
	}
}

// Stop signals Run to exit after a final flush of all buffers.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) flushAged() {
	cutoff := time.Now().Add(-e.flushInterval)
	e.mu.Lock()
	sources := make([]string, 0, len(e.buffers))
	for s := range e.buffers {
		sources = append(sources, s)
	}
	e.mu.Unlock()

	for _, source := range sources {
		buf := e.bufferFor(source)
		buf.mu.Lock()
		if len(buf.messages) > 0 && buf.firstSeen.Before(cutoff) {
			e.flushLocked(context.Background(), source, buf, "time")
		}
		emptyExpired := len(buf.messages) == 0 && !buf.emptySince.IsZero() && time.Since(buf.emptySince) > e.flushInterval
		buf.mu.Unlock()

		if emptyExpired {
			e.mu.Lock()
			if b, ok := e.buffers[source]; ok && b == buf {
				delete(e.buffers, source)
			}
			e.mu.Unlock()
		}
	}
}

// FlushAll drains every buffer unconditionally; used on shutdown.
func (e *Engine) FlushAll(ctx context.Context) {
	e.mu.Lock()
	sources := make([]string, 0, len(e.buffers))
	for s := range e.buffers {
		sources = append(sources, s)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, source := range sources {
		source := source
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := e.bufferFor(source)
			buf.mu.Lock()
			e.flushLocked(ctx, source, buf, "shutdown")
			buf.mu.Unlock()
		}()
	}
	wg.Wait()
}

// BufferDepths returns a snapshot of each source's current buffer length,
// used by /statsz.
func (e *Engine) BufferDepths() map[string]int {
	e.mu.Lock()
	sources := make([]string, 0, len(e.buffers))
	for s, b := range e.buffers {
		_ = b
		sources = append(sources, s)
	}
	e.mu.Unlock()

	out := make(map[string]int, len(sources))
	for _, s := range sources {
		buf := e.bufferFor(s)
		buf.mu.Lock()
		out[s] = len(buf.messages)
		buf.mu.Unlock()
	}
	return out
}
