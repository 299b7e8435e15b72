package config

import "time"

// DefaultConfig returns a Config that runs entirely in memory.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "cadence",
			Environment: "development",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			DialTimeout: 2 * time.Second,
			KeyPrefix:   "cadence:",
		},
		Cache: CacheConfig{
			Backend:    "memory",
			ScanCount:  500,
			PurgeBatch: 500,
		},
		Store: StoreConfig{
			Backend:  "memory",
			MaxConns: 10,
			PageSize: 1000,
		},
		Archive: ArchiveConfig{
			Path:           "./data/archive",
			BatchSize:      500,
			Retention:      3 * 365 * 24 * time.Hour,
			SweepInterval:  6 * time.Hour,
			ExpiryInterval: 7 * 24 * time.Hour,
			LeaseTTL:       30 * time.Minute,
		},
		Queue: QueueConfig{
			Backend:  "channel",
			Capacity: 100000,
		},
		Persistence: PersistenceConfig{
			Workers:       4,
			BatchSize:     500,
			FlushInterval: 100 * time.Millisecond,
			Retry: RetryConfig{
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
				Multiplier:     2,
				MaxAttempts:    5,
			},
		},
		Reconciliation: ReconciliationConfig{
			Enabled:       true,
			Interval:      24 * time.Hour,
			SampleSize:    10000,
			Tolerance:     time.Second,
			Threshold:     0.001,
			LeaseTTL:      10 * time.Minute,
			InFlightGrace: 2 * time.Minute,
		},
		SafeMode: SafeModeConfig{
			GlobalLimit:   500,
			GlobalWindow:  time.Minute,
			OwnerLimit:    1,
			OwnerWindow:   30 * time.Second,
			CheckInterval: 5 * time.Second,
			CheckTimeout:  time.Second,
			HistorySize:   100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
