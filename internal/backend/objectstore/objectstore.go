// Package objectstore implements the object-store telemetry backend:
// buffer until batch_size, gzip-compress, upload one JSON object keyed
// by time and count.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/coredump-systems/jobtel/internal/backend"
	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/klauspost/compress/gzip"
)

// Config configures a Backend instance.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	BatchSize int
}

// Backend uploads gzip-compressed JSON objects to S3. Grounded on
// original_source's s3.py key format: prefix + time.strftime(...) +
// "-" + len(events) + ".json".
type Backend struct {
	cfg    Config
	client s3iface.S3API

	mu      sync.Mutex
	pending []envelope.Envelope
}

func New(cfg Config, client s3iface.S3API) *Backend {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Backend{cfg: cfg, client: client}
}

// Factory adapts Config+session construction to backend.Factory.
func Factory(name string, options map[string]interface{}) (backend.Backend, error) {
	cfg := Config{BatchSize: 100}
	if v, ok := options["bucket"].(string); ok {
		cfg.Bucket = v
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore backend %q: bucket is required", name)
	}
	if v, ok := options["prefix"].(string); ok {
		cfg.Prefix = v
	}
	if v, ok := options["region"].(string); ok {
		cfg.Region = v
	}
	if v, ok := options["batch_size"].(int); ok {
		cfg.BatchSize = v
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("objectstore backend %q: aws session: %w", name, err)
	}
	return New(cfg, s3.New(sess)), nil
}

func (b *Backend) Init(ctx context.Context) error { return nil }

// SendBatch appends to the pending buffer and uploads one object per full
// batch_size chunk it holds, so a single call can upload several chunks.
// A remainder below batch_size stays pending until a later call or Close.
func (b *Backend) SendBatch(ctx context.Context, messages []envelope.Envelope) (backend.Result, error) {
	start := time.Now()
	b.mu.Lock()
	b.pending = append(b.pending, messages...)
	var toUpload [][]envelope.Envelope
	for len(b.pending) >= b.cfg.BatchSize {
		toUpload = append(toUpload, b.pending[:b.cfg.BatchSize])
		b.pending = b.pending[b.cfg.BatchSize:]
	}
	b.mu.Unlock()

	res := backend.Result{OK: true, CountSent: len(messages)}
	for _, chunk := range toUpload {
		if err := b.upload(ctx, chunk); err != nil {
			res.OK = false
			res.Error = err
			res.CountFailed += len(chunk)
			res.CountSent -= len(chunk)
		}
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	return res, res.Error
}

func (b *Backend) upload(ctx context.Context, chunk []envelope.Envelope) error {
	var body bytes.Buffer
	gw := gzip.NewWriter(&body)
	if err := json.NewEncoder(gw).Encode(chunk); err != nil {
		return fmt.Errorf("encode object body: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	key := fmt.Sprintf("%s%s-%d.json.gz", b.cfg.Prefix, time.Now().UTC().Format("2006/01/02/150405"), len(chunk))
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(b.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body.Bytes()),
		ContentEncoding: aws.String("gzip"),
		ContentType:     aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (b *Backend) Health(ctx context.Context) backend.HealthStatus {
	return backend.HealthStatus{Healthy: b.client != nil}
}

// Close flushes any remainder below batch_size so no events are
// silently lost on shutdown.
func (b *Backend) Close() error {
	b.mu.Lock()
	remainder := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(remainder) == 0 {
		return nil
	}
	return b.upload(context.Background(), remainder)
}
