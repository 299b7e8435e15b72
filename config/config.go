// Package config loads and validates cadence configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	App            AppConfig            `mapstructure:"app" validate:"required"`
	Server         ServerConfig         `mapstructure:"server" validate:"required"`
	Log            LogConfig            `mapstructure:"log" validate:"required"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Store          StoreConfig          `mapstructure:"store"`
	Archive        ArchiveConfig        `mapstructure:"archive"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Persistence    PersistenceConfig    `mapstructure:"persistence"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	SafeMode       SafeModeConfig       `mapstructure:"safe_mode"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

// AppConfig holds application metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"env"`

	// InstanceID identifies this process as a lease holder. Empty means hostname.
	InstanceID string `mapstructure:"instance_id"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// Address returns the listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format    string `mapstructure:"format" validate:"oneof=json text"`
	Output    string `mapstructure:"output"`
	AddSource bool   `mapstructure:"add_source"`
}

// RedisConfig is shared by the Redis cache index, queue and lease manager.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"gte=0"`
	PoolSize    int           `mapstructure:"pool_size" validate:"gte=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// CacheConfig selects the schedule cache backend.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend" validate:"oneof=memory redis"`
	KeyTTL     time.Duration `mapstructure:"key_ttl" validate:"gte=0"`
	ScanCount  int64         `mapstructure:"scan_count" validate:"gte=1"`
	PurgeBatch int           `mapstructure:"purge_batch" validate:"gte=1"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	MaxConns    int32  `mapstructure:"max_conns" validate:"gte=0"`

	// PageSize bounds each keyset page read during a season rebuild.
	PageSize int `mapstructure:"page_size" validate:"gte=1"`
}

// ArchiveConfig holds cold storage and retention settings.
type ArchiveConfig struct {
	Path           string        `mapstructure:"path" validate:"required_without=InMemory"`
	InMemory       bool          `mapstructure:"in_memory"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gte=1"`
	Retention      time.Duration `mapstructure:"retention" validate:"gt=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	ExpiryInterval time.Duration `mapstructure:"expiry_interval" validate:"gte=0"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
}

// QueueConfig selects the persistence queue backend.
type QueueConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=channel redis"`
	Capacity int    `mapstructure:"capacity" validate:"gte=1"`
}

// PersistenceConfig controls the async durable-write workers.
type PersistenceConfig struct {
	Workers       int           `mapstructure:"workers" validate:"gte=1,lte=256"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// RetryConfig is a bounded exponential backoff schedule.
type RetryConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
}

// ReconciliationConfig controls the background consistency check.
type ReconciliationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	SampleSize    int           `mapstructure:"sample_size" validate:"gte=1"`
	Tolerance     time.Duration `mapstructure:"tolerance" validate:"gte=0"`
	Threshold     float64       `mapstructure:"threshold" validate:"gte=0,lte=1"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	InFlightGrace time.Duration `mapstructure:"in_flight_grace" validate:"gte=0"`
}

// SafeModeConfig holds degraded-read limits and health check timing.
type SafeModeConfig struct {
	GlobalLimit   int           `mapstructure:"global_limit" validate:"gte=1"`
	GlobalWindow  time.Duration `mapstructure:"global_window" validate:"gt=0"`
	OwnerLimit    int           `mapstructure:"owner_limit" validate:"gte=1"`
	OwnerWindow   time.Duration `mapstructure:"owner_window" validate:"gt=0"`
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"gt=0"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout" validate:"gt=0"`
	HistorySize   int           `mapstructure:"history_size" validate:"gte=1"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
	Path    string `mapstructure:"path" validate:"startswith=/"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Exporter   string            `mapstructure:"exporter" validate:"omitempty,oneof=otlpgrpc"`
	Endpoint   string            `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	Sampler    string            `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off parentbased_traceidratio"`
	SampleRate float64           `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.Cache.Backend == "redis" || c.Queue.Backend == "redis"
}
