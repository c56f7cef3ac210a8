package agent

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coredump-systems/jobtel/internal/config"
	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAgentEndToEndDeliversToFilesystemBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Listener: config.Listener{Host: "127.0.0.1", Port: freePort(t), MaxConnections: 10, AcceptRatePS: 1000, AcceptBurst: 100},
		Buffer:   config.Buffer{FlushBatchSize: 1, FlushInterval: time.Second, PerSourceMax: 100},
		Correlation: config.Correlation{TraceIndexTTL: time.Minute, TraceIndexMaxEntries: 100},
		Routing: map[string][]config.RoutingRule{
			"default": {{Backend: "fs", Enabled: true}},
		},
		Backends: map[string]config.BackendConfig{
			"fs": {Type: "filesystem", Enabled: true, Options: map[string]interface{}{"base_path": dir}},
		},
		CircuitBreaker:      config.CircuitBreaker{CooldownS: 30 * time.Second},
		RouterBatchDeadline: 5 * time.Second,
		ShutdownGraceS:      time.Second,
		ShutdownTimeoutS:    5 * time.Second,
		HealthProbeCron:     "@every 1h",
	}

	a, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", cfg.Addr())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)

	data, _ := json.Marshal(map[string]interface{}{"cpu": 1.0, "mem": 2.0, "disk": 3.0, "net": 4.0})
	msg := envelope.Envelope{V: 1, Src: "worker-1", TS: time.Now().UnixMilli(), Type: envelope.TypeResource, Data: data}
	line, err := envelope.Encode(msg)
	require.NoError(t, err)
	_, err = conn.Write(line)
	require.NoError(t, err)
	conn.Close()

	var found bool
	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, "worker-1-"+today+".jsonl")
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
			found = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !found {
		t.Fatalf("expected the routed batch to land in %s", path)
	}

	cancel()
	require.NoError(t, a.Shutdown(context.Background()))
}
