// Package config loads and validates the agent's configuration surface
// (spec.md §6.4) via viper: defaults, an optional YAML file, and env
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Listener struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	AcceptRatePS   int    `mapstructure:"accept_rate_per_sec"`
	AcceptBurst    int    `mapstructure:"accept_burst"`
}

type Buffer struct {
	FlushBatchSize int           `mapstructure:"flush_batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval_s"`
	PerSourceMax   int           `mapstructure:"per_source_max"`
}

type Correlation struct {
	TraceIndexTTL        time.Duration `mapstructure:"trace_index_ttl"`
	TraceIndexMaxEntries int           `mapstructure:"trace_index_max_entries"`
}

type RoutingRule struct {
	Backend        string   `mapstructure:"backend"`
	Enabled        bool     `mapstructure:"enabled"`
	Priority       int      `mapstructure:"priority"`
	Filter         []string `mapstructure:"filter"`
	JSONPathFilter string   `mapstructure:"jsonpath_filter"`
}

type BackendConfig struct {
	Type    string                 `mapstructure:"type"`
	Enabled bool                   `mapstructure:"enabled"`
	Options map[string]interface{} `mapstructure:",remain"`
}

type CircuitBreaker struct {
	CooldownS time.Duration `mapstructure:"backend_cooldown_s"`
}

type Ingest struct {
	MaxSkewS      time.Duration `mapstructure:"max_skew_s"`
	ClickHouseDSN string        `mapstructure:"clickhouse_dsn"`
}

type SDK struct {
	BufferMax     int           `mapstructure:"buffer_max"`
	ReconnectMaxS time.Duration `mapstructure:"reconnect_max_s"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

type Observability struct {
	HTTPPort int           `mapstructure:"http_port"`
	LogLevel string        `mapstructure:"log_level"`
	Tracing  TracingConfig `mapstructure:"tracing"`
}

type QueryAPI struct {
	Enabled       bool   `mapstructure:"enabled"`
	HTTPPort      int    `mapstructure:"http_port"`
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
}

type Config struct {
	Listener            Listener                 `mapstructure:"listener"`
	Buffer              Buffer                    `mapstructure:"buffer"`
	Correlation         Correlation               `mapstructure:"correlation"`
	Routing             map[string][]RoutingRule  `mapstructure:"routing"`
	Backends            map[string]BackendConfig  `mapstructure:"backends"`
	CircuitBreaker      CircuitBreaker            `mapstructure:"circuit_breaker"`
	RouterBatchDeadline time.Duration             `mapstructure:"router_batch_deadline_s"`
	ShutdownGraceS      time.Duration             `mapstructure:"shutdown_grace_s"`
	ShutdownTimeoutS    time.Duration             `mapstructure:"shutdown_timeout_s"`
	HealthProbeCron     string                    `mapstructure:"health_probe_cron"`
	Ingest              Ingest                    `mapstructure:"ingest"`
	SDK                 SDK                       `mapstructure:"sdk"`
	Observability       Observability             `mapstructure:"observability"`
	Redis               Redis                     `mapstructure:"redis"`
	QueryAPI            QueryAPI                  `mapstructure:"queryapi"`
}

func defaultConfig() *Config {
	return &Config{
		Listener: Listener{
			Host:           "127.0.0.1",
			Port:           17000,
			MaxConnections: 100,
			AcceptRatePS:   200,
			AcceptBurst:    50,
		},
		Buffer: Buffer{
			FlushBatchSize: 100,
			FlushInterval:  5 * time.Second,
			PerSourceMax:   1000,
		},
		Correlation: Correlation{
			TraceIndexTTL:        10 * time.Minute,
			TraceIndexMaxEntries: 10000,
		},
		Routing:  map[string][]RoutingRule{},
		Backends: map[string]BackendConfig{},
		CircuitBreaker: CircuitBreaker{
			CooldownS: 30 * time.Second,
		},
		RouterBatchDeadline: 30 * time.Second,
		ShutdownGraceS:      10 * time.Second,
		ShutdownTimeoutS:    30 * time.Second,
		HealthProbeCron:     "@every 30s",
		Ingest: Ingest{
			MaxSkewS: 600 * time.Second,
		},
		SDK: SDK{
			BufferMax:     1000,
			ReconnectMaxS: 30 * time.Second,
		},
		Observability: Observability{
			HTTPPort: 9090,
			LogLevel: "info",
		},
		Redis: Redis{
			Addr:               "",
			PoolSizeMultiplier: 10,
			DialTimeout:        5 * time.Second,
		},
		QueryAPI: QueryAPI{
			Enabled:  false,
			HTTPPort: 9091,
		},
	}
}

// Load reads configuration from a YAML file (if present) layered over
// built-in defaults, with environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("listener.host", def.Listener.Host)
	v.SetDefault("listener.port", def.Listener.Port)
	v.SetDefault("listener.max_connections", def.Listener.MaxConnections)
	v.SetDefault("listener.accept_rate_per_sec", def.Listener.AcceptRatePS)
	v.SetDefault("listener.accept_burst", def.Listener.AcceptBurst)

	v.SetDefault("buffer.flush_batch_size", def.Buffer.FlushBatchSize)
	v.SetDefault("buffer.flush_interval_s", def.Buffer.FlushInterval)
	v.SetDefault("buffer.per_source_max", def.Buffer.PerSourceMax)

	v.SetDefault("correlation.trace_index_ttl", def.Correlation.TraceIndexTTL)
	v.SetDefault("correlation.trace_index_max_entries", def.Correlation.TraceIndexMaxEntries)

	v.SetDefault("circuit_breaker.backend_cooldown_s", def.CircuitBreaker.CooldownS)
	v.SetDefault("router_batch_deadline_s", def.RouterBatchDeadline)
	v.SetDefault("shutdown_grace_s", def.ShutdownGraceS)
	v.SetDefault("shutdown_timeout_s", def.ShutdownTimeoutS)
	v.SetDefault("health_probe_cron", def.HealthProbeCron)

	v.SetDefault("ingest.max_skew_s", def.Ingest.MaxSkewS)
	v.SetDefault("ingest.clickhouse_dsn", def.Ingest.ClickHouseDSN)

	v.SetDefault("sdk.buffer_max", def.SDK.BufferMax)
	v.SetDefault("sdk.reconnect_max_s", def.SDK.ReconnectMaxS)

	v.SetDefault("observability.http_port", def.Observability.HTTPPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)

	v.SetDefault("queryapi.enabled", def.QueryAPI.Enabled)
	v.SetDefault("queryapi.http_port", def.QueryAPI.HTTPPort)
	v.SetDefault("queryapi.clickhouse_dsn", def.QueryAPI.ClickHouseDSN)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and returns a FatalConfigError
// (an unadorned error here, surfaced by cmd/agent as exit code 1) when a
// setting is structurally invalid or references an unknown backend.
func Validate(cfg *Config) error {
	if cfg.Listener.MaxConnections < 1 {
		return fmt.Errorf("listener.max_connections must be >= 1")
	}
	if cfg.Listener.Port <= 0 || cfg.Listener.Port > 65535 {
		return fmt.Errorf("listener.port must be 1..65535")
	}
	if cfg.Buffer.FlushBatchSize < 1 {
		return fmt.Errorf("buffer.flush_batch_size must be >= 1")
	}
	if cfg.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval_s must be > 0")
	}
	if cfg.Buffer.PerSourceMax < cfg.Buffer.FlushBatchSize {
		return fmt.Errorf("buffer.per_source_max must be >= flush_batch_size")
	}
	for source, rules := range cfg.Routing {
		for _, rule := range rules {
			if _, ok := cfg.Backends[rule.Backend]; !ok {
				return fmt.Errorf("routing.%s references unknown backend %q", source, rule.Backend)
			}
		}
	}
	for name, b := range cfg.Backends {
		if b.Type == "" {
			return fmt.Errorf("backends.%s.type is required", name)
		}
	}
	if cfg.Ingest.MaxSkewS <= 0 {
		return fmt.Errorf("ingest.max_skew_s must be > 0")
	}
	if cfg.SDK.BufferMax < 1 {
		return fmt.Errorf("sdk.buffer_max must be >= 1")
	}
	if cfg.Observability.HTTPPort <= 0 || cfg.Observability.HTTPPort > 65535 {
		return fmt.Errorf("observability.http_port must be 1..65535")
	}
	if _, err := cron.ParseStandard(cfg.HealthProbeCron); err != nil {
		return fmt.Errorf("health_probe_cron %q: %w", cfg.HealthProbeCron, err)
	}
	if cfg.QueryAPI.Enabled {
		if cfg.QueryAPI.ClickHouseDSN == "" {
			return fmt.Errorf("queryapi.clickhouse_dsn is required when queryapi.enabled is true")
		}
		if cfg.QueryAPI.HTTPPort <= 0 || cfg.QueryAPI.HTTPPort > 65535 {
			return fmt.Errorf("queryapi.http_port must be 1..65535")
		}
	}
	return nil
}

// Addr returns the listener's bind address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listener.Host, c.Listener.Port)
}
