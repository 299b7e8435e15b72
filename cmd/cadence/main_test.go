package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goclaw/cadence/config"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Metrics.Enabled = false
	cfg.Archive.InMemory = true
	cfg.Archive.Path = ""
	cfg.Reconciliation.Enabled = false
	return cfg
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger.Nop(), "", nil) }()

	base := fmt.Sprintf("http://%s", cfg.Server.Address())
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body := `{"id":"S1","start":"2026-01-01T00:00:00Z","end":"2026-12-31T00:00:00Z"}`
	resp, err := http.Post(base+"/admin/v1/seasons", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestBuild_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "cassandra"

	_, err := build(context.Background(), cfg, logger.Nop(), metrics.NoOpManager())
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestBuild_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "cadence.db")

	a, err := build(context.Background(), cfg, logger.Nop(), metrics.NoOpManager())
	require.NoError(t, err)
	assert.NoError(t, a.close())
	_, err = os.Stat(cfg.Store.SQLitePath)
	assert.NoError(t, err)
}

func TestApplyReload(t *testing.T) {
	cfg := testConfig(t)
	a, err := build(context.Background(), cfg, logger.Nop(), metrics.NoOpManager())
	require.NoError(t, err)
	defer a.close()

	prev := config.ExtractHotReloadable(cfg)
	next := prev
	next.OwnerLimit = 5
	next.ReconcileSample = 42
	next.ReconcileThreshold = 0.05
	applyReload(a, prev, next)

	a.safeMode.Trip(context.Background(), "test")
	for i := 0; i < 5; i++ {
		assert.NoError(t, a.safeMode.Allow("U1"), "request %d", i)
	}
	assert.Error(t, a.safeMode.Allow("U1"))
}

func TestInstanceID(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.InstanceID = "node-a"
	assert.Equal(t, "node-a", instanceID(cfg))

	cfg.App.InstanceID = ""
	assert.NotEmpty(t, instanceID(cfg))
}
