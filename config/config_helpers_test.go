package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modelref/internal/core"
)

// TestExpandString tests the expandString function with various scenarios
func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "string without placeholders",
			input:    "simple-string",
			envVars:  map[string]string{},
			expected: "simple-string",
		},
		{
			name:     "simple variable expansion",
			input:    "${API_KEY}",
			envVars:  map[string]string{"API_KEY": "sk-12345"},
			expected: "sk-12345",
		},
		{
			name:     "variable in middle of string",
			input:    "prefix-${API_KEY}-suffix",
			envVars:  map[string]string{"API_KEY": "sk-12345"},
			expected: "prefix-sk-12345-suffix",
		},
		{
			name:     "multiple variables",
			input:    "${SCHEME}://${HOST}:${PORT}",
			envVars:  map[string]string{"SCHEME": "https", "HOST": "api.example.com", "PORT": "8080"},
			expected: "https://api.example.com:8080",
		},
		{
			name:     "variable with default value - env var exists",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{"API_KEY": "sk-real-key"},
			expected: "sk-real-key",
		},
		{
			name:     "variable with default value - env var missing",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{},
			expected: "default-key",
		},
		{
			name:     "variable with default value - env var empty",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{"API_KEY": ""},
			expected: "default-key",
		},
		{
			name:     "unresolved variable - no default",
			input:    "${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "${MISSING_VAR}",
		},
		{
			name:     "partially resolved string",
			input:    "${RESOLVED}-${UNRESOLVED}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1-${UNRESOLVED}",
		},
		{
			name:     "mixed resolved and unresolved with defaults",
			input:    "${RESOLVED}:${UNRESOLVED:-fallback}:${MISSING}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1:fallback:${MISSING}",
		},
		{
			name:     "default value with special characters",
			input:    "${API_KEY:-https://api.example.com/v1}",
			envVars:  map[string]string{},
			expected: "https://api.example.com/v1",
		},
		{
			name:     "default value with colon in it",
			input:    "${URL:-http://localhost:8080}",
			envVars:  map[string]string{},
			expected: "http://localhost:8080",
		},
		{
			name:     "complex real-world example",
			input:    "${BASE_URL:-https://models.example.com}/api/model_references/v2",
			envVars:  map[string]string{},
			expected: "https://models.example.com/api/model_references/v2",
		},
		{
			name:     "environment variable set to empty string (no default)",
			input:    "${EMPTY_VAR}",
			envVars:  map[string]string{"EMPTY_VAR": ""},
			expected: "${EMPTY_VAR}",
		},
		{
			name:     "empty default value - env var missing",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "empty default value - env var set",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": "actual-value"},
			expected: "actual-value",
		},
		{
			name:     "empty default value - env var empty",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": ""},
			expected: "",
		},
		{
			name:     "master key pattern - not set should be empty",
			input:    "${MODELREF_MASTER_KEY:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "master key pattern - set to value",
			input:    "${MODELREF_MASTER_KEY:-}",
			envVars:  map[string]string{"MODELREF_MASTER_KEY": "secret-key"},
			expected: "secret-key",
		},
		{
			name:     "multiple placeholders some resolved some not",
			input:    "prefix-${VAR1}-${VAR2}-${VAR3}-suffix",
			envVars:  map[string]string{"VAR1": "a", "VAR3": "c"},
			expected: "prefix-a-${VAR2}-c-suffix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				_ = os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.envVars {
					_ = os.Unsetenv(k)
				}
			}()

			result := expandString(tt.input)
			if result != tt.expected {
				t.Errorf("expandString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestApplyEnvOverrides tests the applyEnvOverrides function
func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "PORT override",
			envVars: map[string]string{"PORT": "3000"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != "3000" {
					t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "3000")
				}
			},
		},
		{
			name:    "MODELREF_MASTER_KEY override",
			envVars: map[string]string{"MODELREF_MASTER_KEY": "my-secret"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.MasterKey != "my-secret" {
					t.Errorf("Server.MasterKey = %q, want %q", cfg.Server.MasterKey, "my-secret")
				}
			},
		},
		{
			name: "reference overrides",
			envVars: map[string]string{
				"MODELREF_BASE_PATH":            "/srv/refs",
				"MODELREF_REPLICATE_MODE":       "primary",
				"MODELREF_BACKEND":              "filesystem",
				"MODELREF_CACHE_TTL":            "never",
				"MODELREF_SERVE_STALE_ON_ERROR": "true",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Reference.BasePath != "/srv/refs" {
					t.Errorf("Reference.BasePath = %q, want %q", cfg.Reference.BasePath, "/srv/refs")
				}
				if cfg.Mode() != "primary" {
					t.Errorf("Mode() = %q, want primary", cfg.Mode())
				}
				if cfg.Reference.Backend != BackendFileSystem {
					t.Errorf("Reference.Backend = %q, want %q", cfg.Reference.Backend, BackendFileSystem)
				}
				if cfg.Reference.CacheTTL != 0 {
					t.Errorf("Reference.CacheTTL = %v, want 0", cfg.Reference.CacheTTL.Std())
				}
				if !cfg.Reference.ServeStaleOnError {
					t.Error("Reference.ServeStaleOnError should be true")
				}
			},
		},
		{
			name:    "duration override accepts go syntax",
			envVars: map[string]string{"MODELREF_REFRESH_INTERVAL": "5m"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Reference.RefreshInterval.Std() != 5*time.Minute {
					t.Errorf("Reference.RefreshInterval = %v, want 5m", cfg.Reference.RefreshInterval.Std())
				}
			},
		},
		{
			name:    "storage overrides",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Type != "postgresql" {
					t.Errorf("Storage.Type = %q, want %q", cfg.Storage.Type, "postgresql")
				}
				if cfg.Storage.PostgreSQL.URL != "postgres://localhost/test" {
					t.Errorf("Storage.PostgreSQL.URL = %q, want %q", cfg.Storage.PostgreSQL.URL, "postgres://localhost/test")
				}
				if cfg.Storage.PostgreSQL.MaxConns != 20 {
					t.Errorf("Storage.PostgreSQL.MaxConns = %d, want %d", cfg.Storage.PostgreSQL.MaxConns, 20)
				}
			},
		},
		{
			name:    "bool overrides",
			envVars: map[string]string{"METRICS_ENABLED": "true", "MODELREF_REDIS_USE_PUBSUB": "0"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.Metrics.Enabled {
					t.Error("Metrics.Enabled should be true")
				}
				if cfg.Redis.UsePubSub {
					t.Error("Redis.UsePubSub should be false")
				}
			},
		},
		{
			name:    "HTTP timeout overrides",
			envVars: map[string]string{"MODELREF_HTTP_TIMEOUT": "30", "MODELREF_HTTP_RESPONSE_HEADER_TIMEOUT": "60"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.HTTP.Timeout != 30 {
					t.Errorf("HTTP.Timeout = %d, want 30", cfg.HTTP.Timeout)
				}
				if cfg.HTTP.ResponseHeaderTimeout != 60 {
					t.Errorf("HTTP.ResponseHeaderTimeout = %d, want 60", cfg.HTTP.ResponseHeaderTimeout)
				}
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != "8080" {
					t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "8080")
				}
				if cfg.HTTP.Timeout != 60 {
					t.Errorf("HTTP.Timeout = %d, want 60", cfg.HTTP.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Setenv("MODELREF_MTIME_VALIDATION", "maybe")
	t.Setenv("POSTGRES_MAX_CONNS", "lots")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.ErrorKindConfiguration))
	require.Contains(t, err.Error(), "MODELREF_MTIME_VALIDATION")
	require.Contains(t, err.Error(), "POSTGRES_MAX_CONNS")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "", want: 0},
		{input: "never", want: 0},
		{input: "NEVER", want: 0},
		{input: "0", want: 0},
		{input: "60", want: time.Minute},
		{input: "1m30s", want: 90 * time.Second},
		{input: "250ms", want: 250 * time.Millisecond},
		{input: "-5", want: -5 * time.Second},
		{input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDuration(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
