package backend

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/spf13/afero"

	"modelref/internal/cache"
	"modelref/internal/core"
	"modelref/internal/httpclient"
	"modelref/internal/modeldata"
)

// GitHubName is the adapter name used in logs, metrics and errors.
const GitHubName = "github"

// GitHubConfig configures the GitHub adapter.
type GitHubConfig struct {
	// BasePath is where downloaded legacy files and converted v2 files are kept.
	BasePath string
	Source   modeldata.GitHubSource
	Client   *http.Client
	// Timeout bounds each download attempt.
	Timeout       time.Duration
	RetryAttempts uint
	RetryBackoff  time.Duration
	// Converter defaults to modeldata.DefaultConverter.
	Converter         modeldata.Converter
	Policy            cache.Policy
	ServeStaleOnError bool
	Fs                afero.Fs
	Clock             func() time.Time
	Logger            *slog.Logger
}

// GitHub is a read-only replica of the legacy reference files published on
// GitHub. Downloads land on disk and are converted to the v2 layout, so the
// whole download-write-convert sequence runs under the adapter lock.
type GitHub struct {
	gated
	*Base

	files     layout
	source    modeldata.GitHubSource
	client    *http.Client
	timeout   time.Duration
	attempts  uint
	backoff   time.Duration
	converter modeldata.Converter
}

// NewGitHub creates the adapter.
func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	if cfg.BasePath == "" {
		return nil, core.NewConfigurationError("github backend requires a base path", nil)
	}
	if cfg.Source.Owner == "" || cfg.Source.ImageRepo == "" || cfg.Source.TextRepo == "" || cfg.Source.Branch == "" {
		return nil, core.NewConfigurationError("github backend requires owner, image_repo, text_repo and branch", nil)
	}
	if cfg.Timeout < 0 || cfg.RetryBackoff < 0 {
		return nil, core.NewConfigurationError("github timeouts must not be negative", nil)
	}

	g := &GitHub{
		gated:     gated{name: GitHubName},
		files:     newLayout(cfg.Fs, cfg.BasePath),
		source:    cfg.Source,
		client:    cfg.Client,
		timeout:   cfg.Timeout,
		attempts:  cfg.RetryAttempts,
		backoff:   cfg.RetryBackoff,
		converter: cfg.Converter,
	}
	if g.client == nil {
		g.client = httpclient.NewDefaultHTTPClient()
	}
	if g.attempts == 0 {
		g.attempts = 1
	}
	if g.converter == nil {
		g.converter = modeldata.DefaultConverter{}
	}

	var hooks cache.Hooks
	if cfg.Policy.TrackMtime {
		hooks.SourceMtime = g.files.v2Mtime
		hooks.LegacySourceMtime = g.files.legacyMtime
	}
	base, err := NewBase(BaseConfig{
		Name:              GitHubName,
		Policy:            cfg.Policy,
		Hooks:             hooks,
		ServeStaleOnError: cfg.ServeStaleOnError,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	g.Base = base
	return g, nil
}

// Mode implements Backend.
func (g *GitHub) Mode() ReplicateMode { return ModeReplica }

// Capabilities implements Backend.
func (g *GitHub) Capabilities() Capabilities {
	return Capabilities{CacheWarming: true}
}

// FetchCategory returns the converted payload. A stale or missing legacy
// download is refreshed first; force also forces the download.
func (g *GitHub) FetchCategory(ctx context.Context, c core.Category, forceRefresh bool) core.Payload {
	if !c.Valid() {
		g.Logger().Warn("unknown category requested", "category", c)
		return nil
	}
	return g.FetchWithCache(ctx, c, forceRefresh, func(ctx context.Context) (core.Payload, *time.Time, error) {
		legacy, err := g.refreshLegacyLocked(ctx, c, forceRefresh)
		if err != nil {
			return nil, nil, err
		}
		converted, err := g.convert(c, legacy)
		if err != nil {
			return nil, nil, err
		}
		// the v2 file is written by this adapter, so its mtime is read back after the write
		return converted, g.files.stamp(g.files.path(c)), nil
	})
}

// FetchAllCategories implements Reader.
func (g *GitHub) FetchAllCategories(ctx context.Context, forceRefresh bool) map[core.Category]core.Payload {
	return fetchAll(ctx, g, forceRefresh)
}

// FetchCategoryAsync implements Reader.
func (g *GitHub) FetchCategoryAsync(ctx context.Context, c core.Category, forceRefresh bool) <-chan core.Payload {
	return Async(ctx, g.Base, func() core.Payload { return g.FetchCategory(ctx, c, forceRefresh) })
}

// FetchAllCategoriesAsync implements Reader.
func (g *GitHub) FetchAllCategoriesAsync(ctx context.Context, forceRefresh bool) <-chan map[core.Category]core.Payload {
	return fetchAllAsync(ctx, g, forceRefresh)
}

// LegacyJSON implements Reader.
func (g *GitHub) LegacyJSON(ctx context.Context, c core.Category, redownload bool) core.Payload {
	payload, _ := g.legacy(ctx, c, redownload)
	return payload
}

// LegacyJSONString returns the downloaded document exactly as published.
func (g *GitHub) LegacyJSONString(ctx context.Context, c core.Category, redownload bool) (string, bool) {
	payload, raw := g.legacy(ctx, c, redownload)
	return raw, payload != nil
}

// LegacyJSONAsync implements Reader.
func (g *GitHub) LegacyJSONAsync(ctx context.Context, c core.Category, redownload bool) <-chan core.Payload {
	return Async(ctx, g.Base, func() core.Payload { return g.LegacyJSON(ctx, c, redownload) })
}

// LegacyJSONStringAsync implements Reader.
func (g *GitHub) LegacyJSONStringAsync(ctx context.Context, c core.Category, redownload bool) <-chan LegacyString {
	return Async(ctx, g.Base, func() LegacyString {
		raw, ok := g.LegacyJSONString(ctx, c, redownload)
		return LegacyString{Raw: raw, OK: ok}
	})
}

func (g *GitHub) legacy(ctx context.Context, c core.Category, redownload bool) (core.Payload, string) {
	if !c.Valid() {
		return nil, ""
	}
	return g.FetchLegacyWithCache(ctx, c, redownload, g.download(c))
}

// WarmCache implements Maintainer.
func (g *GitHub) WarmCache(ctx context.Context) error {
	return warmAll(ctx, g, g.Logger())
}

// WarmCacheAsync implements Maintainer.
func (g *GitHub) WarmCacheAsync(ctx context.Context) <-chan error {
	return Async(ctx, g.Base, func() error { return g.WarmCache(ctx) })
}

// refreshLegacyLocked returns the legacy payload for c, downloading it when
// forced or when the legacy cache says so. The caller holds the adapter lock.
func (g *GitHub) refreshLegacyLocked(ctx context.Context, c core.Category, force bool) (core.Payload, error) {
	if !force && !g.ShouldFetchLegacy(c) {
		payload, _, _ := g.ReadLegacyCache(c)
		return payload, nil
	}
	payload, raw, mtime, err := g.download(c)(ctx)
	if err != nil {
		g.FailLegacyFetch(c, err)
		return nil, err
	}
	g.WriteLegacyCache(c, payload, raw, mtime)
	return payload, nil
}

// download fetches the legacy document with retries and keeps the on-disk
// copy in sync. A 404 means the category is not published: empty, not failed.
func (g *GitHub) download(c core.Category) LegacyFetchFunc {
	return func(ctx context.Context) (core.Payload, string, *time.Time, error) {
		url := g.source.LegacyURL(c)
		path := g.files.legacyPath(c)

		var raw []byte
		err := retry.Do(
			func() error {
				attemptCtx, cancel := g.attemptContext(ctx)
				defer cancel()
				body, err := modeldata.Download(attemptCtx, g.client, url)
				if err != nil {
					return err
				}
				raw = body
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.Delay(g.backoff),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(modeldata.Retryable),
			retry.OnRetry(func(n uint, err error) {
				g.Logger().Debug("retrying legacy download", "category", c, "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			if modeldata.IsNotFound(err) {
				g.Logger().Debug("legacy file not published", "category", c, "url", url)
				return nil, "", g.files.stamp(path), nil
			}
			return nil, "", nil, asFetchError(GitHubName, c, err)
		}

		payload, err := modeldata.Parse(raw)
		if err != nil {
			return nil, "", nil, asFetchError(GitHubName, c, err)
		}

		written, err := g.files.writeIfChanged(path, raw)
		if err != nil {
			return nil, "", nil, core.NewTransientError(GitHubName, c, err)
		}
		if written {
			g.Logger().Info("legacy reference updated", "category", c, "bytes", len(raw))
		}
		return payload, string(raw), g.files.stamp(path), nil
	}
}

// convert produces the v2 payload and persists it next to the legacy copy.
func (g *GitHub) convert(c core.Category, legacy core.Payload) (core.Payload, error) {
	if legacy == nil {
		return nil, nil
	}
	converted, err := g.converter.Convert(c, legacy)
	if err != nil {
		return nil, asFetchError(GitHubName, c, err)
	}
	data, err := modeldata.Serialize(converted)
	if err != nil {
		return nil, asFetchError(GitHubName, c, err)
	}
	if _, err := g.files.writeIfChanged(g.files.path(c), data); err != nil {
		return nil, core.NewTransientError(GitHubName, c, err)
	}
	return converted, nil
}

func (g *GitHub) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Close releases idle connections.
func (g *GitHub) Close() error {
	g.client.CloseIdleConnections()
	return nil
}
