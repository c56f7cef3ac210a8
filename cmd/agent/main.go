// Command agent is the jobtel telemetry agent daemon: it loads
// configuration, wires the listener/correlation/router/backend
// pipeline via internal/agent.Agent, serves /metrics, /healthz,
// /readyz, and /statsz, and shuts down gracefully on SIGINT/SIGTERM.
//
// Grounded on the teacher's cmd/job-queue-system main.go: config load,
// logger init, optional tracing init, HTTP server start, double-signal
// forced exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/coredump-systems/jobtel/internal/agent"
	"github.com/coredump-systems/jobtel/internal/config"
	"github.com/coredump-systems/jobtel/internal/obs"
	"github.com/coredump-systems/jobtel/internal/queryapi"
	"go.uber.org/zap"
)

var version = "dev"

// Exit codes per the agent's documented contract: 0 clean shutdown, 1
// configuration validation failure, 2 listener bind failure, anything
// above 2 is reserved for future use.
const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitBindFailure   = 2
)

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/agent.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	defer func() {
		if tp != nil {
			_ = obs.TracerShutdown(context.Background(), tp)
		}
	}()

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("agent construction failed", obs.Err(err))
		os.Exit(exitConfigInvalid)
	}

	httpSrv := obs.StartHTTPServer(cfg.Observability.HTTPPort, a.Readiness, a)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	if cfg.QueryAPI.Enabled {
		querySrv, err := startQueryAPI(cfg.QueryAPI, logger)
		if err != nil {
			logger.Error("queryapi start failed", obs.Err(err))
			os.Exit(exitConfigInvalid)
		}
		defer func() { _ = querySrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(exitOK)
		case <-time.After(cfg.ShutdownGraceS + cfg.ShutdownTimeoutS):
		}
	}()

	runErr := a.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		logger.Error("listener bind failed", obs.Err(runErr))
		os.Exit(exitBindFailure)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutS)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", obs.Err(err))
	}
}

// startQueryAPI opens its own ClickHouse connection (independent of the
// managed backend's, since the backend may be disabled while the read
// path still serves historical data) and serves internal/queryapi on
// cfg.HTTPPort.
func startQueryAPI(cfg config.QueryAPI, logger *zap.Logger) (*http.Server, error) {
	opts, err := clickhouse.ParseDSN(cfg.ClickHouseDSN)
	if err != nil {
		return nil, fmt.Errorf("parse queryapi.clickhouse_dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queryapi clickhouse connection: %w", err)
	}

	srv := queryapi.NewServer(conn, logger)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: srv}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("queryapi server error", obs.Err(err))
		}
	}()
	return httpSrv, nil
}
