// Package ingest implements the write path (C7): skew-checked, idempotent
// insertion of application-level event records plus derived job/subjob/app
// projection rows, against ClickHouse.
//
// Grounded directly on original_source's apps/local_api/main.go
// /v1/ingest/events handler: skew check, INSERT ... ON
// CONFLICT(idempotency_key) DO NOTHING, app upsert, then a job or subjob
// insert. ClickHouse has no transactional ON CONFLICT; the idempotency
// primitive is realized with a ReplacingMergeTree(inserted_at) table
// ordered by idempotency_key (so a background merge collapses
// duplicates) plus an in-process guard so a single writer never issues
// two inserts for the same key inside the skew-check window, satisfying
// §8 property 6 for the common case of retries from the same caller.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/coredump-systems/jobtel/internal/obs"
)

// chConn is the narrow slice of clickhouse-go/v2's driver.Conn this
// writer needs; kept as a local interface so tests can supply a minimal
// fake instead of the full ClickHouse driver surface.
type chConn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	Ping(ctx context.Context) error
	Close() error
}

// SkewError is returned when an event's clock is outside the tolerated
// skew window.
type SkewError struct {
	At  time.Time
	Now time.Time
	Max time.Duration
}

func (e *SkewError) Error() string {
	return fmt.Sprintf("event at %s outside skew window (+/- %s of %s)", e.At, e.Max, e.Now)
}

// EntityRef is the job/subjob projection hint carried by a job-event.
type EntityRef struct {
	Type     string // "job" or "subjob"
	ID       string
	ParentID string
}

// EventRecord is an application-level event record as accepted by the
// managed write path.
type EventRecord struct {
	IdempotencyKey string
	At             time.Time
	AppID          string
	SiteID         string
	Kind           string
	Payload        json.RawMessage

	Entity      EntityRef
	Status      string
	JobKey      string
	StartedAt   time.Time
	EndedAt     time.Time
	CPUUserS    float64
	CPUSystemS  float64
	MemMaxMB    float64
	Metadata    map[string]interface{}
	AppName     string
	AppVersion  string
}

// Outcome is the per-record result of a batch insert call.
type Outcome struct {
	IdempotencyKey string
	Inserted       bool
	Err            error
}

// Writer is the ingest write path, batched per call, transactional in
// effect per record (spec.md §4.7).
type Writer struct {
	conn     chConn
	maxSkew  time.Duration
	seenMu   sync.Mutex
	seenKeys map[string]struct{}
}

// NewWriter connects to ClickHouse at dsn.
func NewWriter(ctx context.Context, dsn string, maxSkew time.Duration) (*Writer, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Writer{conn: conn, maxSkew: maxSkew, seenKeys: make(map[string]struct{})}, nil
}

// NewWriterWithConn builds a Writer around an already-open connection,
// used by tests against a fake chConn.
func NewWriterWithConn(conn chConn, maxSkew time.Duration) *Writer {
	return &Writer{conn: conn, maxSkew: maxSkew, seenKeys: make(map[string]struct{})}
}

// Insert processes a batch of event records, one at a time, per the
// algorithm in spec.md §4.7 steps 1-5.
func (w *Writer) Insert(ctx context.Context, records []EventRecord) []Outcome {
	outcomes := make([]Outcome, len(records))
	now := time.Now()
	for i, rec := range records {
		outcomes[i] = w.insertOne(ctx, rec, now)
	}
	return outcomes
}

func (w *Writer) insertOne(ctx context.Context, rec EventRecord, now time.Time) Outcome {
	if skew := now.Sub(rec.At); skew > w.maxSkew || skew < -w.maxSkew {
		obs.IngestSkewRejections.Inc()
		return Outcome{IdempotencyKey: rec.IdempotencyKey, Err: &SkewError{At: rec.At, Now: now, Max: w.maxSkew}}
	}

	if w.alreadySeen(rec.IdempotencyKey) {
		return Outcome{IdempotencyKey: rec.IdempotencyKey, Inserted: false}
	}

	if err := w.conn.Exec(ctx,
		`INSERT INTO event (at, entity_type, entity_id, app_id, site_id, kind, payload, idempotency_key, inserted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.At, rec.Entity.Type, rec.Entity.ID, rec.AppID, rec.SiteID, rec.Kind, string(rec.Payload), rec.IdempotencyKey, now,
	); err != nil {
		return Outcome{IdempotencyKey: rec.IdempotencyKey, Err: fmt.Errorf("insert event: %w", err)}
	}
	w.markSeen(rec.IdempotencyKey)
	obs.IngestRowsInserted.WithLabelValues("event").Inc()

	if err := w.upsertApp(ctx, rec); err != nil {
		return Outcome{IdempotencyKey: rec.IdempotencyKey, Inserted: true, Err: err}
	}

	switch rec.Entity.Type {
	case "job":
		if err := w.insertJob(ctx, rec, now); err != nil {
			return Outcome{IdempotencyKey: rec.IdempotencyKey, Inserted: true, Err: err}
		}
	case "subjob":
		if err := w.insertSubjob(ctx, rec, now); err != nil {
			return Outcome{IdempotencyKey: rec.IdempotencyKey, Inserted: true, Err: err}
		}
	}

	return Outcome{IdempotencyKey: rec.IdempotencyKey, Inserted: true}
}

func (w *Writer) upsertApp(ctx context.Context, rec EventRecord) error {
	if rec.AppID == "" {
		return nil
	}
	if err := w.conn.Exec(ctx,
		`INSERT INTO app (app_id, name, version, site_id) VALUES (?, ?, ?, ?)`,
		rec.AppID, rec.AppName, rec.AppVersion, rec.SiteID,
	); err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}
	obs.IngestRowsInserted.WithLabelValues("app").Inc()
	return nil
}

func (w *Writer) insertJob(ctx context.Context, rec EventRecord, now time.Time) error {
	durationS := 0.0
	if !rec.EndedAt.IsZero() && !rec.StartedAt.IsZero() {
		durationS = rec.EndedAt.Sub(rec.StartedAt).Seconds()
	}
	metadata, _ := json.Marshal(rec.Metadata)
	if err := w.conn.Exec(ctx,
		`INSERT INTO job (job_id, app_id, site_id, job_key, status, started_at, ended_at, duration_s, cpu_user_s, cpu_system_s, mem_max_mb, metadata, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Entity.ID, rec.AppID, rec.SiteID, rec.JobKey, rec.Status, rec.StartedAt, rec.EndedAt, durationS,
		rec.CPUUserS, rec.CPUSystemS, rec.MemMaxMB, string(metadata), now,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	obs.IngestRowsInserted.WithLabelValues("job").Inc()
	return nil
}

func (w *Writer) insertSubjob(ctx context.Context, rec EventRecord, now time.Time) error {
	durationS := 0.0
	if !rec.EndedAt.IsZero() && !rec.StartedAt.IsZero() {
		durationS = rec.EndedAt.Sub(rec.StartedAt).Seconds()
	}
	metadata, _ := json.Marshal(rec.Metadata)
	if err := w.conn.Exec(ctx,
		`INSERT INTO subjob (subjob_id, job_id, app_id, site_id, sub_key, status, started_at, ended_at, duration_s, cpu_user_s, cpu_system_s, mem_max_mb, metadata, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Entity.ID, rec.Entity.ParentID, rec.AppID, rec.SiteID, rec.JobKey, rec.Status, rec.StartedAt, rec.EndedAt,
		durationS, rec.CPUUserS, rec.CPUSystemS, rec.MemMaxMB, string(metadata), now,
	); err != nil {
		return fmt.Errorf("insert subjob: %w", err)
	}
	obs.IngestRowsInserted.WithLabelValues("subjob").Inc()
	return nil
}

func (w *Writer) alreadySeen(key string) bool {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	_, ok := w.seenKeys[key]
	return ok
}

func (w *Writer) markSeen(key string) {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	w.seenKeys[key] = struct{}{}
	if len(w.seenKeys) > 1_000_000 {
		w.seenKeys = make(map[string]struct{})
	}
}

func (w *Writer) Close() error { return w.conn.Close() }

// Ping checks the ClickHouse connection for /readyz.
func (w *Writer) Ping(ctx context.Context) error { return w.conn.Ping(ctx) }
