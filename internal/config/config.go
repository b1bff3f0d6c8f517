// Package config loads conflux configuration through viper: built-in
// defaults, an optional YAML file, and CONFLUX_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CONFLUX_STORAGE_DSN.
const EnvPrefix = "CONFLUX"

// Config is the root configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Critical CriticalConfig `mapstructure:"critical"`
	Session  SessionConfig  `mapstructure:"session"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LoggerConfig configures zap output and rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	ServiceName string `mapstructure:"service_name"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// StorageConfig selects the graph store backend.
type StorageConfig struct {
	Backend        string        `mapstructure:"backend"`
	DSN            string        `mapstructure:"dsn"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	LockStripes    int           `mapstructure:"lock_stripes"`
}

// PipelineConfig sizes the worker pool and bounds each stage.
type PipelineConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	BatchLimit   int           `mapstructure:"batch_limit"`
	ParseTimeout time.Duration `mapstructure:"parse_timeout"`
	Tier1Timeout time.Duration `mapstructure:"tier1_timeout"`
	Tier2Timeout time.Duration `mapstructure:"tier2_timeout"`
	Tier3Timeout time.Duration `mapstructure:"tier3_timeout"`
}

// CriticalConfig designates critical-path symbols by path/name globs and an
// optional predicate script.
type CriticalConfig struct {
	Patterns []string `mapstructure:"patterns"`
	Script   string   `mapstructure:"script"`
}

// SessionConfig tunes subscriber sessions.
type SessionConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ReplayBuffer      int           `mapstructure:"replay_buffer"`
	QueueSize         int           `mapstructure:"queue_size"`
	PollMinInterval   time.Duration `mapstructure:"poll_min_interval"`
	PollMaxInterval   time.Duration `mapstructure:"poll_max_interval"`
}

// JournalConfig configures the durable replay journal.
type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	InMemory  bool          `mapstructure:"in_memory"`
	Retention time.Duration `mapstructure:"retention"`
}

// ServerConfig configures the transport server.
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	DefaultEncoding string `mapstructure:"default_encoding"`
}

// SetDefaults installs every default value on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "conflux")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Storage --
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.dsn", ".conflux/graph.db")
	v.SetDefault("storage.batch_size", 256)
	v.SetDefault("storage.max_retries", 5)
	v.SetDefault("storage.retry_base_delay", "20ms")
	v.SetDefault("storage.retry_max_delay", "1s")
	v.SetDefault("storage.lock_stripes", 64)

	// -- Pipeline --
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.batch_limit", 8)
	v.SetDefault("pipeline.parse_timeout", "2s")
	v.SetDefault("pipeline.tier1_timeout", "100ms")
	v.SetDefault("pipeline.tier2_timeout", "1s")
	v.SetDefault("pipeline.tier3_timeout", "5s")

	// -- Critical paths --
	v.SetDefault("critical.patterns", []string{})
	v.SetDefault("critical.script", "")

	// -- Sessions --
	v.SetDefault("session.heartbeat_interval", "15s")
	v.SetDefault("session.idle_timeout", "5m")
	v.SetDefault("session.replay_buffer", 512)
	v.SetDefault("session.queue_size", 128)
	v.SetDefault("session.poll_min_interval", "1s")
	v.SetDefault("session.poll_max_interval", "30s")

	// -- Journal --
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", ".conflux/journal")
	v.SetDefault("journal.in_memory", false)
	v.SetDefault("journal.retention", "24h")

	// -- Server --
	v.SetDefault("server.addr", ":7420")
	v.SetDefault("server.default_encoding", "binary")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// NewDefaultConfig returns the configuration produced by defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Load reads path (if non-empty) on top of defaults and the environment.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper unmarshals and validates v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be sqlite or postgres, got %q", c.Storage.Backend))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if c.Storage.BatchSize <= 0 {
		errs = append(errs, errors.New("storage.batch_size must be a positive integer"))
	}
	if c.Storage.MaxRetries < 0 {
		errs = append(errs, errors.New("storage.max_retries must not be negative"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be a positive integer"))
	}
	if c.Pipeline.QueueSize <= 0 {
		errs = append(errs, errors.New("pipeline.queue_size must be a positive integer"))
	}
	for name, d := range map[string]time.Duration{
		"pipeline.parse_timeout": c.Pipeline.ParseTimeout,
		"pipeline.tier1_timeout": c.Pipeline.Tier1Timeout,
		"pipeline.tier2_timeout": c.Pipeline.Tier2Timeout,
		"pipeline.tier3_timeout": c.Pipeline.Tier3Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("session.heartbeat_interval must be positive"))
	}
	if c.Session.PollMinInterval <= 0 || c.Session.PollMaxInterval < c.Session.PollMinInterval {
		errs = append(errs, errors.New("session poll interval bounds are invalid"))
	}
	if c.Journal.Enabled && !c.Journal.InMemory && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	switch c.Server.DefaultEncoding {
	case "binary", "json":
	default:
		errs = append(errs, fmt.Errorf("server.default_encoding must be binary or json, got %q", c.Server.DefaultEncoding))
	}
	return errors.Join(errs...)
}
