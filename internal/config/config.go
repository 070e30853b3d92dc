// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. DISCOVERY_SERVER_ADDR.
const EnvPrefix = "DISCOVERY"

// Backend names accepted by the storage, snapshot and publisher sections.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Fetcher      FetcherConfig      `mapstructure:"fetcher"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Verification VerificationConfig `mapstructure:"verification"`
	Snapshots    SnapshotConfig     `mapstructure:"snapshots"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	TargetsFile  string             `mapstructure:"targets_file"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// APIKey guards mutating routes when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects the repository backend.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// FetcherConfig configures the HTTP fetch path.
type FetcherConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	// HostRPS caps requests per second to one host across all targets.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// SchedulerConfig governs the run loop and worker pool.
type SchedulerConfig struct {
	// Workers sizes the pool; 0 means one per distinct country.
	Workers            int           `mapstructure:"workers"`
	RunInterval        time.Duration `mapstructure:"run_interval"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	RateLimitedBackoff time.Duration `mapstructure:"rate_limited_backoff"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// VerificationConfig tunes scoring and re-verification.
type VerificationConfig struct {
	Threshold        float64       `mapstructure:"threshold"`
	ReverifyInterval time.Duration `mapstructure:"reverify_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
}

// SnapshotConfig selects where fetched pages are archived.
type SnapshotConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// PublisherConfig selects where accepted opportunities are announced.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 20*time.Second)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.driver", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.user_agent", "discoveryd/1.0 (+https://parjafrica.org/bot)")
	v.SetDefault("fetcher.max_body_bytes", 5<<20)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.host_rps", 2.0)
	v.SetDefault("fetcher.host_burst", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 90*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("scheduler.workers", 0)
	v.SetDefault("scheduler.run_interval", time.Hour)
	v.SetDefault("scheduler.backoff_base", 30*time.Second)
	v.SetDefault("scheduler.backoff_max", 30*time.Minute)
	v.SetDefault("scheduler.rate_limited_backoff", 2*time.Minute)
	v.SetDefault("scheduler.failure_threshold", 5)
	v.SetDefault("scheduler.run_timeout", 2*time.Minute)
	v.SetDefault("scheduler.shutdown_timeout", 150*time.Second)
	v.SetDefault("verification.threshold", 0.6)
	v.SetDefault("verification.reverify_interval", 6*time.Hour)
	v.SetDefault("verification.batch_size", 50)
	v.SetDefault("verification.freshness_window", 30*24*time.Hour)
	v.SetDefault("snapshots.backend", BackendNone)
	v.SetDefault("snapshots.base_dir", "snapshots")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("publisher.backend", BackendNone)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", time.Second)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "discoveryd")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("targets_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(strings.TrimSpace(c.Server.Addr) != "", "server.addr is required")
	check(c.Server.ReadTimeout > 0, "server.read_timeout must be > 0")
	check(c.Server.WriteTimeout > 0, "server.write_timeout must be > 0")
	check(c.Server.RequestTimeout > 0, "server.request_timeout must be > 0")

	switch c.Database.Driver {
	case BackendMemory:
	case BackendPostgres:
		check(c.Database.DSN != "", "database.dsn is required for postgres")
		check(c.Database.MaxConns > 0, "database.max_conns must be > 0")
	case BackendSQLite:
		check(strings.TrimSpace(c.Database.DSN) != "", "database.dsn must name a file for sqlite")
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be memory, postgres or sqlite", c.Database.Driver))
	}

	check(c.Fetcher.Timeout > 0, "fetcher.timeout must be > 0")
	check(c.Fetcher.MaxBodyBytes >= 0, "fetcher.max_body_bytes must be >= 0")
	check(c.Fetcher.HostRPS >= 0, "fetcher.host_rps must be >= 0")
	if c.Headless.Enabled {
		check(c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
		check(c.Headless.NavigationTimeout > 0, "headless.navigation_timeout must be > 0")
		check(c.Headless.NavigationTimeout < c.Scheduler.RunTimeout, "headless.navigation_timeout must be < scheduler.run_timeout")
	}

	check(c.Scheduler.Workers >= 0, "scheduler.workers must be >= 0")
	check(c.Scheduler.RunInterval > 0, "scheduler.run_interval must be > 0")
	check(c.Scheduler.BackoffBase > 0, "scheduler.backoff_base must be > 0")
	check(c.Scheduler.BackoffMax >= c.Scheduler.BackoffBase, "scheduler.backoff_max must be >= backoff_base")
	check(c.Scheduler.RateLimitedBackoff > 0, "scheduler.rate_limited_backoff must be > 0")
	check(c.Scheduler.FailureThreshold >= 1, "scheduler.failure_threshold must be >= 1")
	check(c.Scheduler.RunTimeout > 0, "scheduler.run_timeout must be > 0")
	check(c.Scheduler.ShutdownTimeout > 0, "scheduler.shutdown_timeout must be > 0")
	check(c.Scheduler.ShutdownTimeout >= c.Scheduler.RunTimeout, "scheduler.shutdown_timeout must be >= scheduler.run_timeout")

	check(c.Verification.Threshold > 0 && c.Verification.Threshold <= 1, "verification.threshold must be within (0,1]")
	check(c.Verification.ReverifyInterval > 0, "verification.reverify_interval must be > 0")
	check(c.Verification.BatchSize > 0, "verification.batch_size must be > 0")
	check(c.Verification.FreshnessWindow > 0, "verification.freshness_window must be > 0")

	switch c.Snapshots.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		check(c.Snapshots.BaseDir != "", "snapshots.base_dir is required for local")
	case BackendGCS:
		check(c.Snapshots.Bucket != "", "snapshots.bucket is required for gcs")
	default:
		errs = append(errs, fmt.Errorf("snapshots.backend %q must be none, memory, local or gcs", c.Snapshots.Backend))
	}

	switch c.Publisher.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		check(c.Publisher.ProjectID != "", "publisher.project_id is required for pubsub")
		check(c.Publisher.Topic != "", "publisher.topic is required for pubsub")
	default:
		errs = append(errs, fmt.Errorf("publisher.backend %q must be none, memory or pubsub", c.Publisher.Backend))
	}

	check(c.Progress.BufferSize > 0, "progress.buffer_size must be > 0")
	check(c.Progress.MaxBatchEvents > 0, "progress.max_batch_events must be > 0")
	check(c.Progress.MaxBatchWait > 0, "progress.max_batch_wait must be > 0")
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1, "telemetry.sample_ratio must be within [0,1]")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
