package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"modelref/config"
	"modelref/internal/cache"
	"modelref/internal/core"
	"modelref/internal/httpclient"
	"modelref/internal/metadata"
	"modelref/internal/modeldata"
)

// Result holds the constructed backend plus the concrete adapters callers
// may need for optional features (file watching, change polling).
type Result struct {
	Backend Backend
	// FileSystem is set when the backend reads local files directly or through Redis.
	FileSystem *FileSystem
	// HTTP is set for the HTTP replica; it is the LastUpdatedSource for change polling.
	HTTP *HTTP
}

// Close releases the backend.
func (r *Result) Close() error {
	if r == nil || r.Backend == nil {
		return nil
	}
	if err := r.Backend.Close(); err != nil {
		return fmt.Errorf("backend close: %w", err)
	}
	return nil
}

// Option customizes backend construction.
type Option func(*options)

type options struct {
	fs      afero.Fs
	clock   func() time.Time
	tracker *metadata.Tracker
}

// WithFs overrides the filesystem used by file-backed adapters.
func WithFs(fs afero.Fs) Option { return func(o *options) { o.fs = fs } }

// WithClock overrides the clock used for TTL checks and record stamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// WithTracker records write operations on tracker.
func WithTracker(t *metadata.Tracker) Option { return func(o *options) { o.tracker = t } }

// New constructs the backend selected by cfg.Reference.Backend. "auto" picks
// FileSystem for a primary, HTTP for a replica with a primary URL and GitHub
// otherwise.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Result, error) {
	if cfg == nil {
		return nil, core.NewConfigurationError("config is required", nil)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	kind := Select(cfg)
	policy := cache.Policy{
		TTL:        cfg.Reference.CacheTTL.Std(),
		TrackMtime: cfg.Reference.MtimeValidation,
	}
	logger := slog.Default()

	switch kind {
	case config.BackendFileSystem:
		fs, err := newFileSystem(cfg, policy, o, logger)
		if err != nil {
			return nil, err
		}
		return &Result{Backend: fs, FileSystem: fs}, nil

	case config.BackendGitHub:
		gh, err := newGitHub(cfg, policy, o, logger)
		if err != nil {
			return nil, err
		}
		return &Result{Backend: gh}, nil

	case config.BackendHTTP:
		var fallback *GitHub
		if cfg.Primary.EnableGitHubFallback {
			gh, err := newGitHub(cfg, policy, o, logger)
			if err != nil {
				return nil, err
			}
			fallback = gh
		}
		h, err := NewHTTP(HTTPConfig{
			PrimaryURL:        cfg.Primary.URL,
			Client:            newHTTPClient(cfg),
			Timeout:           cfg.Primary.Timeout.Std(),
			RetryAttempts:     uint(cfg.Primary.RetryMaxAttempts),
			RetryBackoff:      cfg.Primary.RetryBackoff.Std(),
			Fallback:          fallback,
			Policy:            policy,
			ServeStaleOnError: cfg.Reference.ServeStaleOnError,
			Clock:             o.clock,
			Logger:            logger,
		})
		if err != nil {
			if fallback != nil {
				_ = fallback.Close()
			}
			return nil, err
		}
		return &Result{Backend: h, HTTP: h}, nil

	case config.BackendRedis:
		fs, err := newFileSystem(cfg, policy, o, logger)
		if err != nil {
			return nil, err
		}
		ttl := cfg.Redis.TTL.Std()
		if ttl == 0 {
			ttl = policy.TTL
		}
		r, err := NewRedis(ctx, RedisConfig{
			URL:               cfg.Redis.URL,
			KeyPrefix:         cfg.Redis.KeyPrefix,
			TTL:               ttl,
			PoolSize:          cfg.Redis.PoolSize,
			UsePubSub:         cfg.Redis.UsePubSub,
			CompressThreshold: cfg.Redis.CompressThreshold,
			File:              fs,
			Logger:            logger,
		})
		if err != nil {
			return nil, errors.Join(err, fs.Close())
		}
		return &Result{Backend: r, FileSystem: fs}, nil
	}
	return nil, core.NewConfigurationError(fmt.Sprintf("unknown backend %q", kind), nil)
}

// Select resolves "auto" to a concrete backend name.
func Select(cfg *config.Config) string {
	if cfg.Reference.Backend != "" && cfg.Reference.Backend != config.BackendAuto {
		return cfg.Reference.Backend
	}
	if cfg.Mode() == string(ModePrimary) {
		return config.BackendFileSystem
	}
	if cfg.Primary.URL != "" {
		return config.BackendHTTP
	}
	return config.BackendGitHub
}

func newFileSystem(cfg *config.Config, policy cache.Policy, o options, logger *slog.Logger) (*FileSystem, error) {
	return NewFileSystem(FileSystemConfig{
		BasePath:          cfg.Reference.BasePath,
		Mode:              ReplicateMode(cfg.Mode()),
		Policy:            policy,
		ServeStaleOnError: cfg.Reference.ServeStaleOnError,
		Fs:                o.fs,
		Tracker:           o.tracker,
		Clock:             o.clock,
		Logger:            logger,
	})
}

func newGitHub(cfg *config.Config, policy cache.Policy, o options, logger *slog.Logger) (*GitHub, error) {
	return NewGitHub(GitHubConfig{
		BasePath: cfg.Reference.BasePath,
		Source: modeldata.GitHubSource{
			Owner:     cfg.GitHub.Owner,
			ImageRepo: cfg.GitHub.ImageRepo,
			TextRepo:  cfg.GitHub.TextRepo,
			Branch:    cfg.GitHub.Branch,
			ProxyURL:  cfg.GitHub.ProxyURL,
		},
		Client:            newHTTPClient(cfg),
		Timeout:           cfg.GitHub.Timeout.Std(),
		RetryAttempts:     uint(cfg.GitHub.RetryMaxAttempts),
		RetryBackoff:      cfg.GitHub.RetryBackoff.Std(),
		Policy:            policy,
		ServeStaleOnError: cfg.Reference.ServeStaleOnError,
		Fs:                o.fs,
		Clock:             o.clock,
		Logger:            logger,
	})
}

func newHTTPClient(cfg *config.Config) *http.Client {
	clientCfg := httpclient.DefaultConfig()
	if cfg.HTTP.Timeout > 0 {
		clientCfg.Timeout = time.Duration(cfg.HTTP.Timeout) * time.Second
	}
	if cfg.HTTP.ResponseHeaderTimeout > 0 {
		clientCfg.ResponseHeaderTimeout = time.Duration(cfg.HTTP.ResponseHeaderTimeout) * time.Second
	}
	return httpclient.NewHTTPClient(&clientCfg)
}

var (
	_ Backend = (*FileSystem)(nil)
	_ Backend = (*GitHub)(nil)
	_ Backend = (*HTTP)(nil)
	_ Backend = (*Redis)(nil)

	_ LastUpdatedSource = (*HTTP)(nil)
)
