// ABOUTME: Tests for gateway wiring and lifecycle
// ABOUTME: Covers backend construction, seed import, health probes, and shutdown

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/config"
	"github.com/2389/seance-gateway/internal/kv"
	"github.com/2389/seance-gateway/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Redis:    config.RedisConfig{Addr: "localhost:6379"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Backends: []config.BackendConfig{
			{ID: "echo", Type: config.BackendTypeEcho},
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	g, err := build(cfg, kv.NewMemory(), store.NewMockStore(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { g.dedupe.Close() })
	return g
}

func TestBuild_RegistersConfiguredBackends(t *testing.T) {
	cfg := testConfig()
	cfg.Backends = append(cfg.Backends, config.BackendConfig{
		ID: "relay", Type: config.BackendTypeRelay, BaseURL: "https://relay.example.com",
	})

	g := newTestGateway(t, cfg)

	assert.Equal(t, []string{"echo", "relay"}, g.registry.IDs())
	// The relay needs a credential pool and an admission seat; echo needs
	// neither.
	assert.Contains(t, g.pools, "relay")
	assert.Contains(t, g.queues, "relay")
	assert.NotContains(t, g.pools, "echo")
	assert.NotContains(t, g.queues, "echo")
}

func TestBuild_UnknownBackendType(t *testing.T) {
	cfg := testConfig()
	cfg.Backends[0].Type = "browser"

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	_, err := build(cfg, kv.NewMemory(), store.NewMockStore(), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}

func TestBuild_ImportsSeedFile(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "seeds.toml")
	require.NoError(t, os.WriteFile(seedPath, []byte(`
[[credentials]]
id = "acct-1"
secret = "s1"

[[credentials]]
id = "acct-2"
secret = "s2"
`), 0600))

	cfg := testConfig()
	cfg.Backends = []config.BackendConfig{{
		ID: "relay", Type: config.BackendTypeRelay,
		BaseURL: "https://relay.example.com", SeedFile: seedPath,
	}}

	g := newTestGateway(t, cfg)

	records, err := g.pools["relay"].List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "acct-1", records[0].ID)
}

func TestBuild_SeedFileMissing(t *testing.T) {
	cfg := testConfig()
	cfg.Backends = []config.BackendConfig{{
		ID: "relay", Type: config.BackendTypeRelay,
		BaseURL: "https://relay.example.com", SeedFile: "/nonexistent/seeds.toml",
	}}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	_, err := build(cfg, kv.NewMemory(), store.NewMockStore(), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed file")
}

func TestHealthEndpoints(t *testing.T) {
	g := newTestGateway(t, testConfig())

	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestOpsRoutesMounted(t *testing.T) {
	g := newTestGateway(t, testConfig())

	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ops/audit", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	g := newTestGateway(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
