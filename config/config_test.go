package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelref/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("PORT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DefaultBodySizeLimit, cfg.Server.BodySizeLimit)
	assert.Equal(t, "replica", cfg.Mode())
	assert.Equal(t, BackendAuto, cfg.Reference.Backend)
	assert.Equal(t, 60*time.Second, cfg.Reference.CacheTTL.Std())
	assert.True(t, cfg.Reference.MtimeValidation)
	assert.False(t, cfg.Reference.ServeStaleOnError)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "Haidra-Org", cfg.GitHub.Owner)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
reference:
  base_path: /srv/model_reference
  replicate_mode: PRIMARY
  backend: filesystem
  cache_ttl: 5m
  serve_stale_on_error: true
primary:
  url: https://primary.example.com
  retry_max_attempts: 5
redis:
  ttl: 120
storage:
  type: sqlite
  sqlite:
    path: /tmp/refs.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "/srv/model_reference", cfg.Reference.BasePath)
	assert.Equal(t, "primary", cfg.Mode())
	assert.Equal(t, BackendFileSystem, cfg.Reference.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Reference.CacheTTL.Std())
	assert.True(t, cfg.Reference.ServeStaleOnError)
	assert.Equal(t, "https://primary.example.com", cfg.Primary.URL)
	assert.Equal(t, 5, cfg.Primary.RetryMaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Redis.TTL.Std())
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/tmp/refs.db", cfg.Storage.SQLite.Path)

	// untouched sections keep their defaults
	assert.Equal(t, "main", cfg.GitHub.Branch)
	assert.Equal(t, 3, cfg.GitHub.RetryMaxAttempts)
}

func TestLoad_CacheTTLNever(t *testing.T) {
	path := writeConfig(t, "reference:\n  cache_ttl: never\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Reference.CacheTTL)
}

func TestLoad_WithDefaults(t *testing.T) {
	content := `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
primary:
  url: "${TEST_PRIMARY_DEFAULTS:-https://fallback.example.com}"
`

	t.Run("UseDefaultValue", func(t *testing.T) {
		t.Setenv("PORT", "")
		t.Setenv("TEST_PORT_DEFAULTS", "")
		t.Setenv("TEST_PRIMARY_DEFAULTS", "")

		cfg, err := Load(writeConfig(t, content))
		require.NoError(t, err)
		assert.Equal(t, "9999", cfg.Server.Port)
		assert.Equal(t, "https://fallback.example.com", cfg.Primary.URL)
	})

	t.Run("OverrideDefaultValue", func(t *testing.T) {
		t.Setenv("PORT", "")
		t.Setenv("TEST_PORT_DEFAULTS", "1111")
		t.Setenv("TEST_PRIMARY_DEFAULTS", "https://real.example.com")

		cfg, err := Load(writeConfig(t, content))
		require.NoError(t, err)
		assert.Equal(t, "1111", cfg.Server.Port)
		assert.Equal(t, "https://real.example.com", cfg.Primary.URL)
	})
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("MODELREF_CACHE_TTL", "0")

	cfg, err := Load(writeConfig(t, "server:\n  port: \"9090\"\nreference:\n  cache_ttl: 30\n"))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Zero(t, cfg.Reference.CacheTTL)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed\n"))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrorKindConfiguration))
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "reference:\n  cache_ttl: eventually\n"))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrorKindConfiguration))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown replicate mode",
			mutate:  func(cfg *Config) { cfg.Reference.ReplicateMode = "leader" },
			wantErr: "replicate_mode",
		},
		{
			name:    "unknown backend",
			mutate:  func(cfg *Config) { cfg.Reference.Backend = "s3" },
			wantErr: "reference.backend",
		},
		{
			name:    "negative ttl",
			mutate:  func(cfg *Config) { cfg.Reference.CacheTTL = Duration(-time.Second) },
			wantErr: "cache_ttl",
		},
		{
			name:    "missing base path",
			mutate:  func(cfg *Config) { cfg.Reference.BasePath = "" },
			wantErr: "base_path",
		},
		{
			name:    "http backend without primary",
			mutate:  func(cfg *Config) { cfg.Reference.Backend = BackendHTTP },
			wantErr: "primary.url",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(cfg *Config) { cfg.GitHub.RetryMaxAttempts = 0 },
			wantErr: "retry_max_attempts",
		},
		{
			name:    "unknown storage type",
			mutate:  func(cfg *Config) { cfg.Storage.Type = "cassandra" },
			wantErr: "storage.type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := buildDefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.ErrorKindConfiguration))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
