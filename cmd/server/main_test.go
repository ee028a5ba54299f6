package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cleanwave/pipeline/internal/cache"
	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/config"
	"github.com/cleanwave/pipeline/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock store ──────────────────────────────────────────────────────────────

type testStore struct {
	*store.MemoryStore
	pingErr error
}

func newTestStore(pingErr error) *testStore {
	return &testStore{MemoryStore: store.NewMemoryStore(), pingErr: pingErr}
}

func (s *testStore) Ping(_ context.Context) error { return s.pingErr }

var _ store.Store = (*testStore)(nil)

// ─── mock cache ──────────────────────────────────────────────────────────────

type testCache struct {
	pingErr error
}

func (c *testCache) Ping(_ context.Context) error { return c.pingErr }
func (c *testCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}
func (c *testCache) GetCount(_ context.Context, _ string) (int64, error) { return 0, nil }

var _ cache.Cache = (*testCache)(nil)

// ─── health handler tests ───────────────────────────────────────────────────

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(newTestStore(nil), &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	h := healthHandler(newTestStore(errors.New("connection refused")), &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "degraded", details["database"])
	assert.Equal(t, "ok", details["cache"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(newTestStore(nil), &testCache{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_BothDegraded(t *testing.T) {
	h := healthHandler(
		newTestStore(errors.New("db down")),
		&testCache{pingErr: errors.New("redis down")},
	)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ─── wiring helpers ─────────────────────────────────────────────────────────

func TestBuildCatalog_Default(t *testing.T) {
	cat, err := buildCatalog(config.PipelineConfig{})
	require.NoError(t, err)
	assert.Equal(t, catalog.Default().Names(), cat.Names())
}

func TestBuildCatalog_Override(t *testing.T) {
	cat, err := buildCatalog(config.PipelineConfig{Stages: "upload=10,transform=90"})
	require.NoError(t, err)
	assert.Equal(t, []string{"upload", "transform"}, cat.Names())
	assert.Equal(t, float64(100), cat.TotalWeight())
}

func TestBuildCatalog_Invalid(t *testing.T) {
	_, err := buildCatalog(config.PipelineConfig{Stages: "upload=abc"})
	assert.Error(t, err)
}

func TestOpenStore_Memory(t *testing.T) {
	s, closeFn, err := openStore(context.Background(), config.DatabaseConfig{Driver: config.StoreDriverMemory})
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &store.MemoryStore{}, s)
	assert.NoError(t, s.Ping(context.Background()))
}

// ─── run() config validation tests ──────────────────────────────────────────

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("PAYMENT_KEY_HASHES", "$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("PIPELINE_STAGES", "")
	t.Setenv("DATABASE_URL", "")
}

func TestRun_FailsOnMissingConfig(t *testing.T) {
	// Clear all env vars that config.Load() requires
	for _, key := range []string{
		"STORE_DRIVER", "DATABASE_URL", "REDIS_URL", "PAYMENT_KEY_HASHES",
	} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidCatalog(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PIPELINE_STAGES", "upload=-5")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build catalog")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "not-a-valid-url")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestRun_FailsOnUnreachableRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test")
	}
	setBaseEnv(t)
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
