// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the model reference service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"modelref/config"
	"modelref/internal/backend"
	"modelref/internal/core"
	"modelref/internal/metadata"
	"modelref/internal/server"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	metadata *metadata.Result
	backend  *backend.Result
	server   *server.Server

	cancel  context.CancelFunc
	stops   []func()
	watchWG sync.WaitGroup

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the loaded configuration produced by config.Load.
	AppConfig *config.Config

	// BackendOptions are passed to backend.New after the metadata tracker.
	BackendOptions []backend.Option
}

// New creates a new App with all dependencies initialized.
// Background tasks do not run until Start or StartBackground is called.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig

	app := &App{
		config: appCfg,
	}

	mdResult, err := metadata.New(ctx, appCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metadata tracking: %w", err)
	}
	app.metadata = mdResult

	opts := append([]backend.Option{backend.WithTracker(mdResult.Tracker)}, cfg.BackendOptions...)
	backendResult, err := backend.New(ctx, appCfg, opts...)
	if err != nil {
		closeErr := app.metadata.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize backend: %w (also: metadata close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}
	app.backend = backendResult

	app.logStartupInfo()

	app.server = server.New(backendResult.Backend, &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		Tracker:         mdResult.Tracker,
	})

	return app, nil
}

// Backend returns the configured backend.
func (a *App) Backend() backend.Backend {
	if a.backend == nil {
		return nil
	}
	return a.backend.Backend
}

// Tracker returns the metadata tracker.
func (a *App) Tracker() *metadata.Tracker {
	if a.metadata == nil {
		return nil
	}
	return a.metadata.Tracker
}

// Handler returns the HTTP handler serving the reference API.
func (a *App) Handler() http.Handler {
	return a.server
}

// StartBackground launches the configured background tasks: periodic
// refresh, change polling against the primary, file watching and an initial
// cache warm. Calling it more than once has no effect.
func (a *App) StartBackground() {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.cancel != nil || a.shutdown {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	ref := a.config.Reference
	b := a.backend.Backend

	if b.Capabilities().CacheWarming {
		a.watchWG.Add(1)
		go func() {
			defer a.watchWG.Done()
			if err := <-b.WarmCacheAsync(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("initial cache warm incomplete", "backend", b.Name(), "error", err)
			}
		}()
	}

	if interval := ref.RefreshInterval.Std(); interval > 0 {
		a.stops = append(a.stops, backend.StartBackgroundRefresh(ctx, b, interval))
	}

	if a.backend.HTTP != nil {
		if interval := ref.ChangePollInterval.Std(); interval > 0 {
			a.stops = append(a.stops, backend.WatchLastUpdated(ctx, a.backend.HTTP, b, interval))
		}
	}

	if ref.WatchFiles && a.backend.FileSystem != nil {
		fs := a.backend.FileSystem
		a.watchWG.Add(1)
		go func() {
			defer a.watchWG.Done()
			if err := fs.Watch(ctx); err != nil {
				if core.IsKind(err, core.ErrorKindUnsupported) {
					slog.Warn("file watching unavailable on this filesystem")
					return
				}
				slog.Error("file watcher stopped", "error", err)
			}
		}()
	}
}

// Start starts the background tasks and the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.StartBackground()

	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown via server.Shutdown(ctx), honoring the passed context timeout/cancellation.
// 2. Background tasks (refresh loop, change poller, file watcher).
// 3. Backend close (Redis connections and subscriptions).
// 4. Metadata store close.
//
// Shutdown is idempotent and safe for repeated calls; after the first call, subsequent calls are no-ops.
// It attempts every close step, aggregates failures, and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	cancel, stops := a.cancel, a.stops
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Stop background tasks; each stop returns once its loop has exited
	for _, stop := range stops {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	a.watchWG.Wait()

	// 3. Close the backend
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			slog.Error("backend close error", "error", err)
			errs = append(errs, err)
		}
	}

	// 4. Close metadata tracking
	if a.metadata != nil {
		if err := a.metadata.Close(); err != nil {
			slog.Error("metadata close error", "error", err)
			errs = append(errs, fmt.Errorf("metadata close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config
	b := a.backend.Backend

	slog.Info("backend configured",
		"backend", b.Name(),
		"mode", b.Mode(),
		"base_path", cfg.Reference.BasePath,
		"cache_ttl", cfg.Reference.CacheTTL.Std(),
	)

	// Security warnings
	if cfg.Server.MasterKey == "" && b.Capabilities().Writes {
		slog.Warn("SECURITY WARNING: MODELREF_MASTER_KEY not set - writes are unauthenticated",
			"security_risk", "anyone can modify reference data",
			"recommendation", "set MODELREF_MASTER_KEY environment variable to secure this primary")
	} else if cfg.Server.MasterKey != "" {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	// Metrics configuration
	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("metadata storage configured", "type", cfg.Storage.Type)

	if a.backend.HTTP != nil {
		slog.Info("replicating from primary",
			"url", cfg.Primary.URL,
			"github_fallback", cfg.Primary.EnableGitHubFallback,
		)
	}
}
