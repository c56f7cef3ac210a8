// Package filesystem implements the filesystem telemetry backend:
// per-source, date- or size-rotated JSONL files under a base directory.
package filesystem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coredump-systems/jobtel/internal/backend"
	"github.com/coredump-systems/jobtel/internal/envelope"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation selects the file naming scheme (spec.md §6.2).
type Rotation string

const (
	RotationDaily Rotation = "daily"
	RotationNone  Rotation = "none"
)

// Config configures a Backend instance.
type Config struct {
	BasePath     string
	Rotation     Rotation
	RotateSizeMB int
	MaxBackups   int
	Compress     bool
}

// Backend appends LDJSON lines to per-source files, rotating daily
// and/or by size. Grounded on original_source's filesystem.py
// _get_file_path naming, with size rotation delegated to lumberjack, the
// same dependency and Logger{Filename,MaxSize,MaxBackups,Compress}
// construction the teacher uses in internal/rbac-and-tokens/audit.go.
type Backend struct {
	cfg Config

	mu    sync.Mutex
	files map[string]*lumberjack.Logger
}

func New(cfg Config) *Backend {
	if cfg.Rotation == "" {
		cfg.Rotation = RotationDaily
	}
	if cfg.RotateSizeMB <= 0 {
		cfg.RotateSizeMB = 100
	}
	return &Backend{cfg: cfg, files: make(map[string]*lumberjack.Logger)}
}

// Factory adapts Config construction to backend.Factory for the registry.
func Factory(name string, options map[string]interface{}) (backend.Backend, error) {
	cfg := Config{Rotation: RotationDaily, RotateSizeMB: 100, MaxBackups: 7}
	if v, ok := options["base_path"].(string); ok {
		cfg.BasePath = v
	}
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("filesystem backend %q: base_path is required", name)
	}
	if v, ok := options["rotation"].(string); ok {
		cfg.Rotation = Rotation(v)
	}
	if v, ok := options["rotate_size_mb"].(int); ok {
		cfg.RotateSizeMB = v
	}
	if v, ok := options["max_backups"].(int); ok {
		cfg.MaxBackups = v
	}
	if v, ok := options["compress"].(bool); ok {
		cfg.Compress = v
	}
	return New(cfg), nil
}

func (b *Backend) Init(ctx context.Context) error { return nil }

func (b *Backend) pathKey(source string) (dirKey, filename string) {
	if b.cfg.Rotation == RotationDaily {
		day := time.Now().UTC().Format("2006-01-02")
		return source + ":" + day, fmt.Sprintf("%s/%s-%s.jsonl", b.cfg.BasePath, source, day)
	}
	return source, fmt.Sprintf("%s/%s.jsonl", b.cfg.BasePath, source)
}

func (b *Backend) loggerFor(source string) *lumberjack.Logger {
	dirKey, filename := b.pathKey(source)
	b.mu.Lock()
	defer b.mu.Unlock()
	lj, ok := b.files[dirKey]
	if !ok {
		lj = &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    b.cfg.RotateSizeMB,
			MaxBackups: b.cfg.MaxBackups,
			Compress:   b.cfg.Compress,
		}
		b.files[dirKey] = lj
	}
	return lj
}

// SendBatch appends each message's LDJSON line to its source's file,
// grouping by source within the batch so a mixed-source batch still
// produces the correct per-file ordering, then flushes.
func (b *Backend) SendBatch(ctx context.Context, messages []envelope.Envelope) (backend.Result, error) {
	start := time.Now()
	res := backend.Result{OK: true}
	for _, msg := range messages {
		line, err := envelope.Encode(msg)
		if err != nil {
			res.CountFailed++
			res.Error = err
			continue
		}
		lj := b.loggerFor(msg.Src)
		if _, err := lj.Write(line); err != nil {
			res.CountFailed++
			res.Error = err
			continue
		}
		res.CountSent++
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	if res.CountFailed > 0 {
		res.OK = false
	}
	return res, res.Error
}

func (b *Backend) Health(ctx context.Context) backend.HealthStatus {
	return backend.HealthStatus{Healthy: true}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, lj := range b.files {
		if err := lj.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
