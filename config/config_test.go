package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "cadence" {
		t.Errorf("expected app name 'cadence', got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "memory" || cfg.Store.Backend != "memory" || cfg.Queue.Backend != "channel" {
		t.Errorf("expected in-memory backends, got cache=%s store=%s queue=%s",
			cfg.Cache.Backend, cfg.Store.Backend, cfg.Queue.Backend)
	}
	if cfg.SafeMode.GlobalLimit != 500 || cfg.SafeMode.GlobalWindow != time.Minute {
		t.Errorf("unexpected global limit %d/%v", cfg.SafeMode.GlobalLimit, cfg.SafeMode.GlobalWindow)
	}
	if cfg.SafeMode.OwnerLimit != 1 || cfg.SafeMode.OwnerWindow != 30*time.Second {
		t.Errorf("unexpected owner limit %d/%v", cfg.SafeMode.OwnerLimit, cfg.SafeMode.OwnerWindow)
	}
	if cfg.Reconciliation.Threshold != 0.001 || cfg.Reconciliation.Tolerance != time.Second {
		t.Errorf("unexpected reconciliation threshold %v tolerance %v",
			cfg.Reconciliation.Threshold, cfg.Reconciliation.Tolerance)
	}
	if cfg.Archive.Retention != 3*365*24*time.Hour {
		t.Errorf("unexpected archive retention %v", cfg.Archive.Retention)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }, wantErr: true},
		{name: "bad environment", mutate: func(c *Config) { c.App.Environment = "qa" }, wantErr: true},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, wantErr: true},
		{
			name: "sqlite with path",
			mutate: func(c *Config) {
				c.Store.Backend = "sqlite"
				c.Store.SQLitePath = "cadence.db"
			},
		},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = "postgres" }, wantErr: true},
		{
			name: "redis queue without address",
			mutate: func(c *Config) {
				c.Queue.Backend = "redis"
				c.Redis.Addr = ""
			},
			wantErr: true,
		},
		{name: "archive without path", mutate: func(c *Config) { c.Archive.Path = "" }, wantErr: true},
		{
			name: "in-memory archive without path",
			mutate: func(c *Config) {
				c.Archive.Path = ""
				c.Archive.InMemory = true
			},
		},
		{name: "threshold above one", mutate: func(c *Config) { c.Reconciliation.Threshold = 1.5 }, wantErr: true},
		{
			name:    "max backoff below initial",
			mutate:  func(c *Config) { c.Persistence.Retry.MaxBackoff = time.Millisecond },
			wantErr: true,
		},
		{name: "zero owner window", mutate: func(c *Config) { c.SafeMode.OwnerWindow = 0 }, wantErr: true},
		{
			name: "tracing without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Endpoint = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_DefaultsOnly(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Persistence.Retry.InitialBackoff != 200*time.Millisecond {
		t.Errorf("expected initial backoff 200ms, got %v", cfg.Persistence.Retry.InitialBackoff)
	}
	if cfg.Reconciliation.SampleSize != 10000 {
		t.Errorf("expected sample size 10000, got %d", cfg.Reconciliation.SampleSize)
	}
}

func TestLoader_FileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cadence.yaml")
	content := `app:
  name: cadence-test
store:
  backend: sqlite
  sqlite_path: /tmp/cadence.db
safe_mode:
  owner_window: 45s
persistence:
  retry:
    max_attempts: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CADENCE_SAFE_MODE__GLOBAL_LIMIT", "250")
	t.Setenv("CADENCE_LOG__LEVEL", "debug")

	cfg, err := Load(path, map[string]interface{}{"server.port": 9999})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.App.Name != "cadence-test" {
		t.Errorf("expected app name from file, got %s", cfg.App.Name)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/tmp/cadence.db" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.SafeMode.OwnerWindow != 45*time.Second {
		t.Errorf("expected owner window 45s, got %v", cfg.SafeMode.OwnerWindow)
	}
	if cfg.Persistence.Retry.MaxAttempts != 7 {
		t.Errorf("expected max attempts 7, got %d", cfg.Persistence.Retry.MaxAttempts)
	}
	if cfg.Persistence.Retry.Multiplier != 2 {
		t.Errorf("sibling default lost: multiplier %v", cfg.Persistence.Retry.Multiplier)
	}
	if cfg.SafeMode.GlobalLimit != 250 {
		t.Errorf("expected env global limit 250, got %d", cfg.SafeMode.GlobalLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected env log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected override port 9999, got %d", cfg.Server.Port)
	}
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "cadence.toml")
	if err := os.WriteFile(bad, []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad, nil); err == nil {
		t.Error("expected error for unsupported format")
	}

	invalid := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(invalid, []byte(`{"cache": {"backend": "memcached"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(invalid, nil)
	if _, ok := err.(ValidationErrors); !ok {
		t.Errorf("expected ValidationErrors, got %T: %v", err, err)
	}
}

func TestServerAddress(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8081}
	if got := s.Address(); got != "127.0.0.1:8081" {
		t.Errorf("Address() = %s", got)
	}
}

func TestStructToMap(t *testing.T) {
	m := structToMap(DefaultConfig(), "")
	if m["safe_mode.owner_window"] != "30s" {
		t.Errorf("expected duration rendered as string, got %v", m["safe_mode.owner_window"])
	}
	if m["persistence.retry.max_attempts"] != 5 {
		t.Errorf("expected nested key, got %v", m["persistence.retry.max_attempts"])
	}
	if _, ok := m["tracing.headers"]; ok {
		t.Error("nil maps should be skipped")
	}
}
