package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"brain2-uow/internal/uow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func testLoader(dir string, env Environment, vars map[string]string) *Loader {
	l := NewLoader(dir, env)
	l.getenv = func(key string) string { return vars[key] }
	return l
}

func TestLoader_Load(t *testing.T) {
	t.Run("Should load defaults when no file exists", func(t *testing.T) {
		cfg, err := testLoader(t.TempDir(), Development, nil).Load()

		require.NoError(t, err)
		assert.Equal(t, BackendMemory, cfg.Store.Backend)
		assert.Equal(t, uow.DefaultPolicy(), cfg.Engine.Retry)
		assert.Equal(t, uow.StrategyClientWins, cfg.Engine.Strategy)
		assert.Equal(t, "console", cfg.Logging.Format)
		assert.Equal(t, []string{"defaults", "environment"}, cfg.LoadedFrom)
	})

	t.Run("Should layer base, environment and local files", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "base.yaml", `
engine:
  strategy: store_wins
  retry:
    max_retries: 7
    min_delay: 20ms
    max_delay: 40ms
server:
  port: 9000
`)
		writeFile(t, dir, "development.yaml", `
engine:
  strategy: client-wins
`)
		writeFile(t, dir, "local.json", `{"server": {"port": 9100}}`)

		cfg, err := testLoader(dir, Development, nil).Load()

		require.NoError(t, err)
		assert.Equal(t, uow.StrategyClientWins, cfg.Engine.Strategy)
		assert.Equal(t, 7, cfg.Engine.Retry.MaxRetries)
		assert.Equal(t, 20*time.Millisecond, cfg.Engine.Retry.MinDelay)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Len(t, cfg.LoadedFrom, 5)
	})

	t.Run("Should ignore local overrides outside development", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "local.yaml", "server:\n  port: 9100\n")

		cfg, err := testLoader(dir, Staging, nil).Load()

		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
	})

	t.Run("Should give environment variables the highest priority", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "base.yaml", "store:\n  backend: memory\n")

		cfg, err := testLoader(dir, Development, map[string]string{
			"UOW_STORE_BACKEND": "DynamoDB",
			"TABLE_NAME":        "nodes",
			"AWS_REGION":        "eu-west-1",
			"UOW_STRATEGY":      "none",
			"UOW_MAX_RETRIES":   "9",
			"LOG_LEVEL":         "DEBUG",
		}).Load()

		require.NoError(t, err)
		assert.Equal(t, BackendDynamoDB, cfg.Store.Backend)
		assert.Equal(t, "nodes", cfg.Store.TableName)
		assert.Equal(t, "eu-west-1", cfg.Store.Region)
		assert.Equal(t, uow.StrategyNone, cfg.Engine.Strategy)
		assert.Equal(t, 9, cfg.Engine.Retry.MaxRetries)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("Should reject an unknown strategy", func(t *testing.T) {
		_, err := testLoader(t.TempDir(), Development, map[string]string{"UOW_STRATEGY": "last_writer"}).Load()
		assert.Error(t, err)
	})

	t.Run("Should reject a malformed file", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "base.yaml", "engine: [")

		_, err := testLoader(dir, Development, nil).Load()
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := testLoader(t.TempDir(), Development, nil).Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "cassandra" }},
		{name: "zero retries", mutate: func(c *Config) { c.Engine.Retry.MaxRetries = 0 }},
		{name: "inverted delays", mutate: func(c *Config) { c.Engine.Retry.MaxDelay = c.Engine.Retry.MinDelay - time.Millisecond }},
		{name: "memory in production", mutate: func(c *Config) { c.Environment = Production }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }},
		{name: "redis without address", mutate: func(c *Config) { c.Store.Backend = BackendRedis; c.Store.RedisAddr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatcher(t *testing.T) {
	t.Run("Should notify callbacks when the configuration changed", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "base.yaml", "engine:\n  retry:\n    max_retries: 3\n")
		loader := testLoader(dir, Development, nil)
		initial, err := loader.Load()
		require.NoError(t, err)

		w := NewWatcher(loader, initial, nil)
		var got *Config
		w.OnChange(func(c *Config) { got = c })

		writeFile(t, dir, "base.yaml", "engine:\n  retry:\n    max_retries: 8\n")
		w.Reload()

		require.NotNil(t, got)
		assert.Equal(t, 8, got.Engine.Retry.MaxRetries)
		assert.Same(t, got, w.Current())
	})

	t.Run("Should keep the previous configuration when the new one is invalid", func(t *testing.T) {
		dir := t.TempDir()
		loader := testLoader(dir, Development, nil)
		initial, err := loader.Load()
		require.NoError(t, err)

		w := NewWatcher(loader, initial, nil)
		calls := 0
		w.OnChange(func(*Config) { calls++ })

		writeFile(t, dir, "base.yaml", "store:\n  backend: cassandra\n")
		w.Reload()

		assert.Equal(t, 0, calls)
		assert.Same(t, initial, w.Current())
	})

	t.Run("Should reload after a file write", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "base.yaml", "engine:\n  retry:\n    max_retries: 3\n")
		loader := testLoader(dir, Development, nil)
		initial, err := loader.Load()
		require.NoError(t, err)

		w := NewWatcher(loader, initial, nil)
		w.debounce = 10 * time.Millisecond
		var reloaded atomic.Int32
		w.OnChange(func(*Config) { reloaded.Add(1) })

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		assert.Eventually(t, func() bool {
			writeFile(t, dir, "base.yaml", "engine:\n  retry:\n    max_retries: 6\n")
			return reloaded.Load() > 0
		}, 5*time.Second, 50*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, 6, w.Current().Engine.Retry.MaxRetries)
	})

	t.Run("Should not watch outside development", func(t *testing.T) {
		loader := testLoader(t.TempDir(), Staging, nil)
		initial, err := loader.Load()
		require.NoError(t, err)

		assert.NoError(t, NewWatcher(loader, initial, nil).Run(context.Background()))
	})
}
