// Package agent wires the listener, correlation engine, router, and
// backend manager into a single orchestrator, replacing both the
// teacher's direct main.go wiring and original_source's module-level
// singleton dicts with one explicit struct built by dependency
// injection.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/coredump-systems/jobtel/internal/backend"
	"github.com/coredump-systems/jobtel/internal/backend/filesystem"
	"github.com/coredump-systems/jobtel/internal/backend/managed"
	"github.com/coredump-systems/jobtel/internal/backend/objectstore"
	"github.com/coredump-systems/jobtel/internal/backend/searchindex"
	"github.com/coredump-systems/jobtel/internal/config"
	"github.com/coredump-systems/jobtel/internal/correlation"
	"github.com/coredump-systems/jobtel/internal/envelope"
	"github.com/coredump-systems/jobtel/internal/listener"
	"github.com/coredump-systems/jobtel/internal/obs"
	"github.com/coredump-systems/jobtel/internal/router"
	"github.com/coredump-systems/jobtel/internal/traceindex"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Agent owns the full C3->C4->C6->C5 pipeline for one process.
type Agent struct {
	cfg      *config.Config
	logger   *zap.Logger
	listener *listener.Listener
	corr     *correlation.Engine
	rtr      *router.Engine
	backends *backend.Manager
	trace    traceindex.Index
	health   *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds every component from cfg but does not start accepting
// connections; call Run for that.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := backend.NewRegistry()
	registry.Register("filesystem", backend.FactoryFunc(filesystem.Factory))
	registry.Register("objectstore", backend.FactoryFunc(objectstore.Factory))
	registry.Register("searchindex", backend.FactoryFunc(searchindex.Factory))
	registry.Register("managed", backend.FactoryFunc(managed.Factory))

	mgr := backend.NewManager()
	names := make([]string, 0, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		b, err := registry.Create(bc.Type, name, bc.Options)
		if err != nil {
			return nil, fmt.Errorf("construct backend %q: %w", name, err)
		}
		if err := b.Init(context.Background()); err != nil {
			return nil, fmt.Errorf("init backend %q: %w", name, err)
		}
		mgr.Add(name, b)
		names = append(names, name)
	}

	trace := traceindex.NewIndex(cfg.Redis.Addr, cfg.Redis.PoolSizeMultiplier, cfg.Correlation.TraceIndexTTL, cfg.Correlation.TraceIndexMaxEntries)

	routes := make(map[string][]router.Rule, len(cfg.Routing))
	for source, rules := range cfg.Routing {
		converted := make([]router.Rule, 0, len(rules))
		for _, r := range rules {
			converted = append(converted, router.Rule{
				Backend:        r.Backend,
				Enabled:        r.Enabled,
				Priority:       r.Priority,
				Filter:         toTypeFilter(r.Filter),
				JSONPathFilter: r.JSONPathFilter,
			})
		}
		routes[source] = converted
	}

	rtr := router.New(routes, names, cfg.CircuitBreaker.CooldownS, cfg.RouterBatchDeadline, mgr, logger)

	a := &Agent{cfg: cfg, logger: logger, rtr: rtr, backends: mgr, trace: trace}

	corr := correlation.New(cfg.Buffer.FlushBatchSize, cfg.Buffer.FlushInterval, cfg.Buffer.PerSourceMax, trace,
		func(ctx context.Context, source string, batch []envelope.Envelope) error {
			rtr.Route(ctx, source, batch)
			return nil
		}, logger)
	a.corr = corr

	a.listener = listener.New(listener.Config{
		Addr:           cfg.Addr(),
		MaxConnections: cfg.Listener.MaxConnections,
		AcceptRatePS:   cfg.Listener.AcceptRatePS,
		AcceptBurst:    cfg.Listener.AcceptBurst,
	}, corr, logger)

	a.health = cron.New()
	if _, err := a.health.AddFunc(cfg.HealthProbeCron, a.probeBackends); err != nil {
		return nil, fmt.Errorf("schedule health_probe_cron %q: %w", cfg.HealthProbeCron, err)
	}

	return a, nil
}

// probeBackends runs on the health_probe_cron schedule, independent of
// the readyz-triggered HealthCheck calls, so backend_healthy reflects
// steady-state status even when nothing is polling /readyz.
func (a *Agent) probeBackends() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for name, status := range a.backends.HealthCheck(ctx) {
		v := 0.0
		if status.Healthy {
			v = 1.0
		}
		obs.BackendHealthy.WithLabelValues(name).Set(v)
		if !status.Healthy {
			a.logger.Warn("backend health probe failed", zap.String("backend", name), zap.String("detail", status.Detail))
		}
	}
}

func toTypeFilter(names []string) map[envelope.Type]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[envelope.Type]bool, len(names))
	for _, n := range names {
		out[envelope.Type(n)] = true
	}
	return out
}

// Run starts the correlation time-flush loop and the listener accept
// loop, blocking until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(ctx)

	a.health.Start()
	go a.corr.Run(a.runCtx)
	return a.listener.Serve(a.runCtx)
}

// Shutdown drains the pipeline in order: stop accepting connections,
// allow a grace period for in-flight readers to hit EOF/goodbye, cancel
// remaining readers, flush every correlation buffer, then wait up to
// timeout for the router's last fan-out and close every backend.
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.runCancel == nil {
		return nil
	}

	<-a.health.Stop().Done()
	_ = a.listener.Close()

	grace := time.NewTimer(a.cfg.ShutdownGraceS)
	drained := make(chan struct{})
	go func() {
		a.listener.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		grace.Stop()
	case <-grace.C:
	}

	a.runCancel()
	a.listener.Wait()
	a.corr.Stop()

	done := make(chan struct{})
	go func() {
		_ = a.backends.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(a.cfg.ShutdownTimeoutS):
		return fmt.Errorf("shutdown timed out waiting for backends to close")
	}
}

// Readiness reports whether every enabled backend is currently healthy.
func (a *Agent) Readiness(ctx context.Context) error {
	for name, status := range a.backends.HealthCheck(ctx) {
		if !status.Healthy {
			return fmt.Errorf("backend %q unhealthy: %s", name, status.Detail)
		}
	}
	return nil
}

// Snapshot is the JSON body served at /statsz.
type Snapshot struct {
	Listener listener.Stats            `json:"listener"`
	Buffers  map[string]int            `json:"buffer_depths"`
	Breakers map[string]string         `json:"breaker_states"`
	Backends map[string]backend.HealthStatus `json:"backend_health"`
}

// StatsSnapshot implements obs.StatsProvider.
func (a *Agent) StatsSnapshot() interface{} {
	return Snapshot{
		Listener: a.listener.Stats(),
		Buffers:  a.corr.BufferDepths(),
		Breakers: a.rtr.BreakerStates(),
		Backends: a.backends.HealthCheck(context.Background()),
	}
}
