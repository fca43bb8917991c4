// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"modelref/internal/core"
)

// DefaultBodySizeLimit is the maximum accepted request body for write endpoints.
const DefaultBodySizeLimit int64 = 10 * 1024 * 1024

// Backend selection values for ReferenceConfig.Backend.
const (
	BackendAuto       = "auto"
	BackendFileSystem = "filesystem"
	BackendGitHub     = "github"
	BackendHTTP       = "http"
	BackendRedis      = "redis"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Reference ReferenceConfig `yaml:"reference"`
	Primary   PrimaryConfig   `yaml:"primary"`
	GitHub    GitHubConfig    `yaml:"github"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LogConfig       `yaml:"logging"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string `yaml:"port"`
	MasterKey     string `yaml:"master_key"`
	BodySizeLimit int64  `yaml:"body_size_limit"`
}

// ReferenceConfig controls which backend serves reference data and how it caches.
type ReferenceConfig struct {
	BasePath      string `yaml:"base_path"`
	ReplicateMode string `yaml:"replicate_mode"`
	Backend       string `yaml:"backend"`
	// CacheTTL of zero means entries never expire by time.
	CacheTTL          Duration `yaml:"cache_ttl"`
	MtimeValidation   bool     `yaml:"mtime_validation"`
	ServeStaleOnError bool     `yaml:"serve_stale_on_error"`
	WatchFiles        bool     `yaml:"watch_files"`
	// RefreshInterval of zero disables background refresh.
	RefreshInterval Duration `yaml:"refresh_interval"`
	// ChangePollInterval of zero disables last-updated polling of the primary.
	ChangePollInterval Duration `yaml:"change_poll_interval"`
}

// PrimaryConfig points a replica at the primary reference server.
type PrimaryConfig struct {
	URL                  string   `yaml:"url"`
	Timeout              Duration `yaml:"timeout"`
	EnableGitHubFallback bool     `yaml:"enable_github_fallback"`
	RetryMaxAttempts     int      `yaml:"retry_max_attempts"`
	RetryBackoff         Duration `yaml:"retry_backoff"`
}

// GitHubConfig locates the published legacy reference repositories.
type GitHubConfig struct {
	Owner            string   `yaml:"owner"`
	ImageRepo        string   `yaml:"image_repo"`
	TextRepo         string   `yaml:"text_repo"`
	Branch           string   `yaml:"branch"`
	ProxyURL         string   `yaml:"proxy_url"`
	Timeout          Duration `yaml:"timeout"`
	RetryMaxAttempts int      `yaml:"retry_max_attempts"`
	RetryBackoff     Duration `yaml:"retry_backoff"`
}

// RedisConfig configures the distributed cache backend.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
	// TTL of zero falls back to Reference.CacheTTL.
	TTL               Duration `yaml:"ttl"`
	PoolSize          int      `yaml:"pool_size"`
	UsePubSub         bool     `yaml:"use_pubsub"`
	CompressThreshold int      `yaml:"compress_threshold"`
}

// StorageConfig selects where operation metadata is persisted.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite storage settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL storage settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB storage settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig holds outbound HTTP client settings, in whole seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// Duration accepts Go duration strings ("90s"), integer seconds, or "never" (zero).
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return "never", nil
	}
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "never", "none", "null":
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// buildDefaultConfig returns the configuration used when nothing is overridden.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: DefaultBodySizeLimit,
		},
		Reference: ReferenceConfig{
			BasePath:        "data/model_reference",
			ReplicateMode:   "replica",
			Backend:         BackendAuto,
			CacheTTL:        Duration(60 * time.Second),
			MtimeValidation: true,
		},
		Primary: PrimaryConfig{
			Timeout:              Duration(10 * time.Second),
			EnableGitHubFallback: true,
			RetryMaxAttempts:     3,
			RetryBackoff:         Duration(500 * time.Millisecond),
		},
		GitHub: GitHubConfig{
			Owner:            "Haidra-Org",
			ImageRepo:        "AI-Horde-image-model-reference",
			TextRepo:         "AI-Horde-text-model-reference",
			Branch:           "main",
			Timeout:          Duration(30 * time.Second),
			RetryMaxAttempts: 3,
			RetryBackoff:     Duration(2 * time.Second),
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			KeyPrefix: "horde:model_ref",
			PoolSize:  10,
			UsePubSub: true,
		},
		Storage: StorageConfig{
			Type:    "memory",
			SQLite:  SQLiteConfig{Path: "data/modelref.db"},
			MongoDB: MongoDBConfig{Database: "modelref"},
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		HTTP: HTTPConfig{
			Timeout:               60,
			ResponseHeaderTimeout: 30,
		},
	}
}

// Load builds the configuration: defaults, then .env, then the YAML file at
// path (if it exists, with ${VAR:-default} expansion), then MODELREF_*
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			expanded := expandString(string(raw))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, core.NewConfigurationError("parsing "+path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, core.NewConfigurationError("reading "+path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders.
// A placeholder with no default whose variable is unset or empty is left as is.
func expandString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// applyEnvOverrides applies MODELREF_* environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("PORT", &cfg.Server.Port)
	str("MODELREF_MASTER_KEY", &cfg.Server.MasterKey)

	str("MODELREF_BASE_PATH", &cfg.Reference.BasePath)
	str("MODELREF_REPLICATE_MODE", &cfg.Reference.ReplicateMode)
	str("MODELREF_BACKEND", &cfg.Reference.Backend)
	duration("MODELREF_CACHE_TTL", &cfg.Reference.CacheTTL)
	boolean("MODELREF_MTIME_VALIDATION", &cfg.Reference.MtimeValidation)
	boolean("MODELREF_SERVE_STALE_ON_ERROR", &cfg.Reference.ServeStaleOnError)
	boolean("MODELREF_WATCH_FILES", &cfg.Reference.WatchFiles)
	duration("MODELREF_REFRESH_INTERVAL", &cfg.Reference.RefreshInterval)
	duration("MODELREF_CHANGE_POLL_INTERVAL", &cfg.Reference.ChangePollInterval)

	str("MODELREF_PRIMARY_URL", &cfg.Primary.URL)
	duration("MODELREF_PRIMARY_TIMEOUT", &cfg.Primary.Timeout)
	boolean("MODELREF_GITHUB_FALLBACK", &cfg.Primary.EnableGitHubFallback)

	str("MODELREF_GITHUB_PROXY_URL", &cfg.GitHub.ProxyURL)
	str("MODELREF_GITHUB_BRANCH", &cfg.GitHub.Branch)

	str("MODELREF_REDIS_URL", &cfg.Redis.URL)
	str("MODELREF_REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)
	duration("MODELREF_REDIS_TTL", &cfg.Redis.TTL)
	boolean("MODELREF_REDIS_USE_PUBSUB", &cfg.Redis.UsePubSub)

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	integer("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	str("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	str("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	integer("MODELREF_HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	integer("MODELREF_HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	if len(errs) > 0 {
		return core.NewConfigurationError("invalid environment override", errors.Join(errs...))
	}
	return nil
}

// Validate checks values that would otherwise fail later at backend construction.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Reference.ReplicateMode) {
	case "primary", "replica":
	default:
		return core.NewConfigurationError(fmt.Sprintf("reference.replicate_mode must be primary or replica, got %q", c.Reference.ReplicateMode), nil)
	}
	switch c.Reference.Backend {
	case BackendAuto, BackendFileSystem, BackendGitHub, BackendHTTP, BackendRedis:
	default:
		return core.NewConfigurationError(fmt.Sprintf("unknown reference.backend %q", c.Reference.Backend), nil)
	}
	if c.Reference.CacheTTL < 0 {
		return core.NewConfigurationError("reference.cache_ttl must not be negative", nil)
	}
	if c.Reference.BasePath == "" {
		return core.NewConfigurationError("reference.base_path is required", nil)
	}
	if c.Reference.Backend == BackendHTTP && c.Primary.URL == "" {
		return core.NewConfigurationError("primary.url is required for the http backend", nil)
	}
	if c.Primary.RetryMaxAttempts < 1 || c.GitHub.RetryMaxAttempts < 1 {
		return core.NewConfigurationError("retry_max_attempts must be at least 1", nil)
	}
	if c.Server.BodySizeLimit < 0 {
		return core.NewConfigurationError("server.body_size_limit must not be negative", nil)
	}
	switch c.Storage.Type {
	case "", "memory", "sqlite", "postgresql", "mongodb":
	default:
		return core.NewConfigurationError(fmt.Sprintf("unknown storage.type %q", c.Storage.Type), nil)
	}
	return nil
}

// Mode returns the normalized replicate mode.
func (c *Config) Mode() string {
	return strings.ToLower(c.Reference.ReplicateMode)
}
