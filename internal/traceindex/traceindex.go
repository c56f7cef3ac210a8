// Package traceindex backs the correlation engine's advisory trace-id
// index. The index is "advisory" per spec.md §4.4: losing entries under
// memory pressure must not affect correctness of the main flush path, only
// trace-lookup availability.
//
// When a Redis address is configured the index is realized as keys with a
// TTL equal to the configured window, giving expiry-as-eviction. Otherwise
// it degrades to a capacity-bounded in-memory map.
package traceindex

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index resolves a trace id to the envelopes observed for it.
type Index interface {
	Add(ctx context.Context, traceID string, envelope []byte) error
	Get(ctx context.Context, traceID string) ([][]byte, error)
	Close() error
}

// NewIndex returns a Redis-backed index when addr is non-empty, otherwise
// an in-memory index bounded by maxEntries.
func NewIndex(addr string, poolSizeMultiplier int, ttl time.Duration, maxEntries int) Index {
	if addr == "" {
		return newMemoryIndex(maxEntries)
	}
	return newRedisIndex(addr, poolSizeMultiplier, ttl)
}

// redisIndex stores trace entries as a Redis list per trace id with a
// refreshed TTL, mirroring the worker's heartbeat-with-TTL pattern
// (rdb.Set(ctx, key, val, ttl)) applied to RPush+Expire.
type redisIndex struct {
	rdb *redis.Client
	ttl time.Duration
}

func newRedisIndex(addr string, poolSizeMultiplier int, ttl time.Duration) *redisIndex {
	poolSize := poolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &redisIndex{rdb: rdb, ttl: ttl}
}

func key(traceID string) string { return "jobtel:trace:" + traceID }

func (r *redisIndex) Add(ctx context.Context, traceID string, envelope []byte) error {
	k := key(traceID)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, k, envelope)
	pipe.Expire(ctx, k, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisIndex) Get(ctx context.Context, traceID string) ([][]byte, error) {
	vals, err := r.rdb.LRange(ctx, key(traceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *redisIndex) Close() error { return r.rdb.Close() }

// memoryIndex is a bounded in-memory fallback. Once at capacity, the
// oldest-inserted trace is evicted to make room for a new one (the
// eviction bound the spec's Open Question left to deployment config, here
// resolved to a simple insertion-order cap rather than real LRU tracking,
// since this path is advisory-only).
type memoryIndex struct {
	mu      sync.Mutex
	entries map[string][][]byte
	order   []string
	max     int
}

func newMemoryIndex(maxEntries int) *memoryIndex {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &memoryIndex{entries: make(map[string][][]byte), max: maxEntries}
}

func (m *memoryIndex) Add(_ context.Context, traceID string, envelope []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[traceID]; !ok {
		if len(m.order) >= m.max {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
		m.order = append(m.order, traceID)
	}
	cp := make([]byte, len(envelope))
	copy(cp, envelope)
	m.entries[traceID] = append(m.entries[traceID], cp)
	return nil
}

func (m *memoryIndex) Get(_ context.Context, traceID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[traceID], nil
}

func (m *memoryIndex) Close() error { return nil }

// Marshal is a small helper so callers can store arbitrary JSON-able
// values without importing encoding/json directly.
func Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
