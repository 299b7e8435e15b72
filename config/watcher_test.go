package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path string, ownerLimit int) {
	t.Helper()
	content := "app:\n  name: watched\nsafe_mode:\n  owner_limit: " + strconv.Itoa(ownerLimit) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestNewWatcher(t *testing.T) {
	if _, err := NewWatcher(""); err == nil {
		t.Fatal("expected error for empty config path")
	}

	path := filepath.Join(t.TempDir(), "cadence.yaml")
	writeConfig(t, path, 1)

	w, err := NewWatcher(path, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	if w.ConfigPath() != path {
		t.Errorf("expected config path %s, got %s", path, w.ConfigPath())
	}
	if w.debounce != 50*time.Millisecond {
		t.Errorf("expected debounce 50ms, got %v", w.debounce)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	writeConfig(t, path, 1)

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	var mu sync.Mutex
	var got []*Config
	w.OnChange(func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	})
	w.OnChange(func(*Config) { panic("callback failure is contained") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !w.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, 3)

	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("expected a reload callback")
	}
	last := got[len(got)-1]
	if last.SafeMode.OwnerLimit != 3 {
		t.Errorf("expected owner limit 3 after reload, got %d", last.SafeMode.OwnerLimit)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after Stop")
	}
}

func TestHotReloadable(t *testing.T) {
	a := ExtractHotReloadable(DefaultConfig())
	b := a
	if a.LimitsChanged(b) {
		t.Error("identical configs should not report changes")
	}
	b.OwnerWindow = time.Minute
	if !a.LimitsChanged(b) {
		t.Error("owner window change should be reported")
	}
	c := a
	c.ReconcileThreshold = 0.01
	if a.LimitsChanged(c) {
		t.Error("threshold is not a limiter setting")
	}
}
