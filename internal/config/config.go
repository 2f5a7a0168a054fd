// Package config loads the typed configuration shared by the index node,
// worker node, and experiment CLI binaries via viper, with environment
// variable overrides and sane defaults for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration tree for any cachemesh binary; each
// binary reads only the sections it needs.
type Config struct {
	Index         IndexConfig         `mapstructure:"index"`
	Node          NodeConfig          `mapstructure:"node"`
	Logging       LoggingConfig       `mapstructure:"log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	StatsRepo     StatsRepoConfig     `mapstructure:"statsrepo"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
	Experiment    ExperimentConfig    `mapstructure:"experiment"`
	AdminAPI      AdminAPIConfig      `mapstructure:"adminapi"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
}

// IndexConfig configures the index node.
type IndexConfig struct {
	Port             int             `mapstructure:"port"`
	UpdateInterval   time.Duration   `mapstructure:"update_interval"`
	ReorgStrategy    string          `mapstructure:"reorg_strategy"` // never|capacity|geo|graph
	Relevance        string          `mapstructure:"relevance"`      // lru|costlru
	Scheduler        string          `mapstructure:"scheduler"`      // default|dema|bema|emkde
	Batching         bool            `mapstructure:"batching"`
	StatsIdleTimeout time.Duration   `mapstructure:"stats_idle_timeout"`
	Nodes            []NodeAddr      `mapstructure:"nodes"` // static cluster membership the index control-dials at startup
	ClientRateLimit  RateLimitConfig `mapstructure:"client_rate_limit"`
}

// RateLimitConfig tunes the per-remote-address token bucket the index's
// ClientConnection acceptor applies to CMD_GET requests.
type RateLimitConfig struct {
	RPS         float64       `mapstructure:"rps"`
	Burst       int           `mapstructure:"burst"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // bucket eviction age
}

// NodeAddr is one worker node's control-channel address, as statically
// configured on the index (the index is the dialing party on this
// channel, so it must know addresses up front rather than discover them).
type NodeAddr struct {
	ID          uint32 `mapstructure:"id"`
	Host        string `mapstructure:"host"`
	ControlPort int    `mapstructure:"control_port"`
}

// NodeConfig configures a worker node.
type NodeConfig struct {
	Host                  string           `mapstructure:"host"`
	Port                  int              `mapstructure:"port"`
	IndexHost             string           `mapstructure:"index_host"`
	IndexPort             int              `mapstructure:"index_port"`
	NumWorkers            int              `mapstructure:"num_workers"`
	CacheMode             string           `mapstructure:"cache_mode"` // local|remote|hybrid|nop
	LocalReplacement      string           `mapstructure:"local_replacement"`
	CapacityBytesPerType  map[string]int64 `mapstructure:"capacity_bytes_per_type"`
	DeliveryExpiry        time.Duration    `mapstructure:"delivery_expiry"`
	DeliverySweepInterval time.Duration    `mapstructure:"delivery_sweep_interval"`
	NodeID                uint32           `mapstructure:"node_id"`
	ControlPort           int              `mapstructure:"control_port"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"` // off|error|warn|info|debug|trace
	Format string `mapstructure:"format"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `mapstructure:"metrics_enabled"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`
	Namespace       string `mapstructure:"namespace"`
}

// StatsRepoConfig configures the Postgres-backed query-stats archive.
type StatsRepoConfig struct {
	DSN             string        `mapstructure:"dsn"` // empty disables persistence
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SnapshotConfig configures Redis-backed usage snapshot publication.
type SnapshotConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"` // empty disables snapshot publication
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Interval      time.Duration `mapstructure:"interval"`
}

// ExperimentConfig configures the experiment CLI's S3 upload target.
type ExperimentConfig struct {
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Region string `mapstructure:"s3_region"`
	S3Prefix string `mapstructure:"s3_prefix"`
}

// AdminAPIConfig configures the read-only admin HTTP surface on the index node.
type AdminAPIConfig struct {
	Port int `mapstructure:"port"` // 0 disables the HTTP admin surface
}

// ResilienceConfig configures circuit breakers and retry backoff used for
// peer-to-peer delivery fetches and downstream calls.
type ResilienceConfig struct {
	Breaker BreakerConfig `mapstructure:"breaker"`
	Backoff BackoffConfig `mapstructure:"backoff"`
}

// BreakerConfig mirrors the circuit breaker's tunables.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMax      int           `mapstructure:"half_open_max"`
}

// BackoffConfig mirrors cenkalti/backoff's exponential backoff tunables.
type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// Load reads configuration from the given file name (viper auto-detects
// extension) searched across the standard paths, then environment
// variables under the CACHEMESH_ prefix, falling back to defaults.
func Load(configName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")

	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/cachemesh")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("CACHEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index.port", 9000)
	v.SetDefault("index.update_interval", "30s")
	v.SetDefault("index.reorg_strategy", "capacity")
	v.SetDefault("index.relevance", "costlru")
	v.SetDefault("index.scheduler", "default")
	v.SetDefault("index.batching", true)
	v.SetDefault("index.stats_idle_timeout", "60s")
	v.SetDefault("index.client_rate_limit.rps", 50)
	v.SetDefault("index.client_rate_limit.burst", 100)
	v.SetDefault("index.client_rate_limit.idle_timeout", "10m")

	v.SetDefault("node.host", "localhost")
	v.SetDefault("node.port", 9100)
	v.SetDefault("node.index_host", "localhost")
	v.SetDefault("node.index_port", 9000)
	v.SetDefault("node.num_workers", 4)
	v.SetDefault("node.cache_mode", "local")
	v.SetDefault("node.local_replacement", "costlru")
	v.SetDefault("node.delivery_expiry", "30s")
	v.SetDefault("node.delivery_sweep_interval", "5s")
	v.SetDefault("node.node_id", 1)
	v.SetDefault("node.control_port", 9200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.namespace", "cachemesh")

	v.SetDefault("statsrepo.max_open_conns", 10)
	v.SetDefault("statsrepo.max_idle_conns", 5)
	v.SetDefault("statsrepo.conn_max_lifetime", "30m")
	v.SetDefault("statsrepo.migrations_path", "file://migrations/statsrepo")

	v.SetDefault("snapshot.redis_db", 0)
	v.SetDefault("snapshot.interval", "10s")

	v.SetDefault("adminapi.port", 0)

	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.reset_timeout", "30s")
	v.SetDefault("resilience.breaker.half_open_max", 3)
	v.SetDefault("resilience.backoff.initial_interval", "100ms")
	v.SetDefault("resilience.backoff.max_interval", "5s")
	v.SetDefault("resilience.backoff.max_elapsed_time", "30s")
}

func validate(cfg *Config) error {
	switch cfg.Index.ReorgStrategy {
	case "never", "capacity", "geo", "graph":
	default:
		return fmt.Errorf("index.reorg_strategy: unknown value %q", cfg.Index.ReorgStrategy)
	}
	switch cfg.Index.Relevance {
	case "lru", "costlru":
	default:
		return fmt.Errorf("index.relevance: unknown value %q", cfg.Index.Relevance)
	}
	switch cfg.Index.Scheduler {
	case "default", "dema", "bema", "emkde":
	default:
		return fmt.Errorf("index.scheduler: unknown value %q", cfg.Index.Scheduler)
	}
	switch cfg.Node.CacheMode {
	case "local", "remote", "hybrid", "nop":
	default:
		return fmt.Errorf("node.cache_mode: unknown value %q", cfg.Node.CacheMode)
	}
	if cfg.Node.NumWorkers <= 0 {
		return fmt.Errorf("node.num_workers must be positive, got %d", cfg.Node.NumWorkers)
	}
	return nil
}
