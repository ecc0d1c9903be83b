package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"brain2-uow/internal/config"
	"brain2-uow/internal/uow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader(t.TempDir(), config.Development).Load()
	require.NoError(t, err)
	cfg.Logging.Level = "error"
	return cfg
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestInitializeContainer(t *testing.T) {
	t.Run("Should wire the memory backend end to end", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Engine.BreakerEnabled = true

		c, cleanup, err := InitializeContainer(context.Background(), cfg)
		require.NoError(t, err)
		defer cleanup()

		assert.Equal(t, http.StatusOK, serve(c.Router, http.MethodGet, "/health", "").Code)

		rec := serve(c.Router, http.MethodPut, "/api/v1/nodes/n1", `{"content":"hello","version":0}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		rec = serve(c.Router, http.MethodPost, "/api/v1/nodes/n1/append", `{"content":"again"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 0, c.Transactions.Active())

		metrics := serve(c.Router, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, metrics.Code)
		assert.Contains(t, metrics.Body.String(), "brain2_uow_binder_commits_total")
		assert.Contains(t, metrics.Body.String(), `brain2_uow_units_total{name="nodes.append",outcome="succeeded"} 1`)
	})

	t.Run("Should wire the sqlite backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store.Backend = config.BackendSQLite
		cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "uow.db")

		c, cleanup, err := InitializeContainer(context.Background(), cfg)
		require.NoError(t, err)
		defer cleanup()

		rec := serve(c.Router, http.MethodPost, "/api/v1/nodes/n1/append", `{"content":"x"}`)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("Should register the node store as call scoped", func(t *testing.T) {
		c, cleanup, err := InitializeContainer(context.Background(), testConfig(t))
		require.NoError(t, err)
		defer cleanup()

		reg, ok := c.Registry.Lookup(uow.StoreKey("nodes"))
		require.True(t, ok)
		assert.Equal(t, uow.LifetimeCallScoped, reg.Lifetime)
		assert.Equal(t, c.Config.Engine.Strategy, reg.Strategy)
	})

	t.Run("Should hide metrics when disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Metrics.Enabled = false

		c, cleanup, err := InitializeContainer(context.Background(), cfg)
		require.NoError(t, err)
		defer cleanup()

		assert.Equal(t, http.StatusNotFound, serve(c.Router, http.MethodGet, "/metrics", "").Code)
	})
}
