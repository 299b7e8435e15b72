package config

import (
	"strings"
	"testing"
)

func TestValidateWithDetails_Messages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Environment = "qa"
	cfg.Cache.Backend = "redis"
	cfg.Redis.Addr = ""
	cfg.Metrics.Path = "metrics"

	err := ValidateWithDetails(cfg)
	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	fields := map[string]string{}
	for _, d := range details {
		fields[d.Field] = d.Message
	}

	if msg := fields["Config.App.Environment"]; !strings.Contains(msg, "development") {
		t.Errorf("unexpected environment message %q", msg)
	}
	if msg := fields["Config.Redis.Addr"]; !strings.Contains(msg, "redis address") {
		t.Errorf("unexpected redis message %q", msg)
	}
	if msg := fields["Config.Metrics.Path"]; !strings.Contains(msg, "start with") {
		t.Errorf("unexpected metrics path message %q", msg)
	}
	if !strings.Contains(err.Error(), "configuration validation failed") {
		t.Errorf("unexpected error text %q", err.Error())
	}
}

func TestValidationErrors_Empty(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestConfigError(t *testing.T) {
	e := ConfigError{Field: "Config.Server.Port", Message: "must be at most 65535", Value: 70000}
	if got := e.Error(); got != "Config.Server.Port: must be at most 65535 (got 70000)" {
		t.Errorf("unexpected message %q", got)
	}
}
