// Package managed implements the managed write-path telemetry backend: it
// adapts a flushed batch of envelopes into internal/ingest event records
// and chunks them per call, aggregating per-chunk errors. Grounded on
// original_source's managed_api.py batch-chunking + BackendResult
// aggregation.
package managed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coredump-systems/jobtel/internal/backend"
	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/coredump-systems/jobtel/internal/ingest"
)

// Config configures a Backend instance.
type Config struct {
	ClickHouseDSN string
	MaxSkew       time.Duration
	ChunkSize     int
}

// Backend is the telemetry-sink adapter wrapping internal/ingest.
type Backend struct {
	cfg    Config
	writer *ingest.Writer
}

func New(cfg Config, writer *ingest.Writer) *Backend {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	return &Backend{cfg: cfg, writer: writer}
}

// Factory constructs a Backend from config options, opening its own
// ClickHouse connection.
func Factory(name string, options map[string]interface{}) (backend.Backend, error) {
	cfg := Config{ChunkSize: 500, MaxSkew: 600 * time.Second}
	if v, ok := options["clickhouse_dsn"].(string); ok {
		cfg.ClickHouseDSN = v
	}
	if cfg.ClickHouseDSN == "" {
		return nil, fmt.Errorf("managed backend %q: clickhouse_dsn is required", name)
	}
	writer, err := ingest.NewWriter(context.Background(), cfg.ClickHouseDSN, cfg.MaxSkew)
	if err != nil {
		return nil, fmt.Errorf("managed backend %q: %w", name, err)
	}
	return New(cfg, writer), nil
}

func (b *Backend) Init(ctx context.Context) error { return b.writer.Ping(ctx) }

// SendBatch converts each envelope carrying a job-event payload into an
// ingest.EventRecord and inserts in chunks of ChunkSize.
func (b *Backend) SendBatch(ctx context.Context, messages []envelope.Envelope) (backend.Result, error) {
	start := time.Now()
	res := backend.Result{OK: true}

	records := make([]ingest.EventRecord, 0, len(messages))
	for _, msg := range messages {
		rec, err := toEventRecord(msg)
		if err != nil {
			res.CountFailed++
			continue
		}
		records = append(records, rec)
	}

	for i := 0; i < len(records); i += b.cfg.ChunkSize {
		end := i + b.cfg.ChunkSize
		if end > len(records) {
			end = len(records)
		}
		outcomes := b.writer.Insert(ctx, records[i:end])
		for _, o := range outcomes {
			if o.Err != nil {
				res.CountFailed++
				res.Error = o.Err
			} else {
				res.CountSent++
			}
		}
	}

	res.LatencyMS = time.Since(start).Milliseconds()
	if res.CountFailed > 0 {
		res.OK = false
	}
	return res, res.Error
}

func toEventRecord(msg envelope.Envelope) (ingest.EventRecord, error) {
	var payload envelope.JobEventPayload
	if len(msg.Data) == 0 {
		return ingest.EventRecord{}, fmt.Errorf("envelope has no job-event payload")
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return ingest.EventRecord{}, fmt.Errorf("decode job-event payload: %w", err)
	}
	metrics := make(map[string]interface{}, len(payload.Metadata))
	for k, v := range payload.Metadata {
		metrics[k] = v
	}
	rec := ingest.EventRecord{
		IdempotencyKey: payload.IdempotencyKey,
		At:             time.UnixMilli(msg.TS),
		AppID:          payload.AppID,
		SiteID:         payload.SiteID,
		Kind:           string(msg.Type),
		Payload:        msg.Data,
		Entity: ingest.EntityRef{
			Type:     payload.Entity.Type,
			ID:       payload.Entity.ID,
			ParentID: payload.Entity.ParentID,
		},
		Status:   payload.Status,
		JobKey:   payload.JobKey,
		Metadata: metrics,
	}
	if payload.StartedAt > 0 {
		rec.StartedAt = time.UnixMilli(payload.StartedAt)
	}
	if payload.EndedAt > 0 {
		rec.EndedAt = time.UnixMilli(payload.EndedAt)
	}
	if v, ok := payload.Metrics["cpu_user_s"]; ok {
		rec.CPUUserS = v
	}
	if v, ok := payload.Metrics["cpu_system_s"]; ok {
		rec.CPUSystemS = v
	}
	if v, ok := payload.Metrics["mem_max_mb"]; ok {
		rec.MemMaxMB = v
	}
	return rec, nil
}

func (b *Backend) Health(ctx context.Context) backend.HealthStatus {
	if err := b.writer.Ping(ctx); err != nil {
		return backend.HealthStatus{Healthy: false, Detail: err.Error()}
	}
	return backend.HealthStatus{Healthy: true}
}

func (b *Backend) Close() error { return b.writer.Close() }
