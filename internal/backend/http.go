package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/tidwall/gjson"

	"modelref/internal/cache"
	"modelref/internal/core"
	"modelref/internal/httpclient"
	"modelref/internal/modeldata"
)

// HTTPName is the adapter name used in logs, metrics and errors.
const HTTPName = "http"

// HTTPConfig configures the HTTP replica adapter.
type HTTPConfig struct {
	// PrimaryURL is the primary's API root, e.g. https://models.example.com/api.
	PrimaryURL string
	Client     *http.Client
	// Timeout bounds each request to the primary.
	Timeout       time.Duration
	RetryAttempts uint
	RetryBackoff  time.Duration
	// Fallback serves requests the primary cannot. Nil disables fallback.
	Fallback          *GitHub
	Policy            cache.Policy
	ServeStaleOnError bool
	Clock             func() time.Time
	Logger            *slog.Logger
}

// HTTP is a replica that reads from a primary server over HTTP. Its I/O has
// no local side effects, so it runs without the adapter lock; concurrent
// misses for one category share a single request.
type HTTP struct {
	gated
	*Base

	primary  string
	client   *http.Client
	timeout  time.Duration
	attempts uint
	backoff  time.Duration
	fallback *GitHub

	primaryHits atomic.Int64
	fallbacks   atomic.Int64
	failures    atomic.Int64
}

// NewHTTP creates the adapter.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.PrimaryURL == "" {
		return nil, core.NewConfigurationError("http backend requires a primary url", nil)
	}
	if !strings.HasPrefix(cfg.PrimaryURL, "http://") && !strings.HasPrefix(cfg.PrimaryURL, "https://") {
		return nil, core.NewConfigurationError(fmt.Sprintf("invalid primary url %q", cfg.PrimaryURL), nil)
	}
	if cfg.Timeout < 0 || cfg.RetryBackoff < 0 {
		return nil, core.NewConfigurationError("http timeouts must not be negative", nil)
	}

	// no file behind this adapter: TTL and explicit invalidation only
	policy := cfg.Policy
	policy.TrackMtime = false

	base, err := NewBase(BaseConfig{
		Name:              HTTPName,
		Policy:            policy,
		Unlocked:          true,
		ServeStaleOnError: cfg.ServeStaleOnError,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	h := &HTTP{
		gated:    gated{name: HTTPName},
		Base:     base,
		primary:  strings.TrimRight(cfg.PrimaryURL, "/"),
		client:   cfg.Client,
		timeout:  cfg.Timeout,
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
		fallback: cfg.Fallback,
	}
	if h.client == nil {
		h.client = httpclient.NewDefaultHTTPClient()
	}
	if h.attempts == 0 {
		h.attempts = 1
	}
	return h, nil
}

// Mode implements Backend.
func (h *HTTP) Mode() ReplicateMode { return ModeReplica }

// Capabilities implements Backend.
func (h *HTTP) Capabilities() Capabilities {
	return Capabilities{CacheWarming: true, Statistics: true}
}

func (h *HTTP) categoryURL(c core.Category) string {
	return h.primary + "/model_references/v2/" + string(c)
}

func (h *HTTP) legacyURL(c core.Category) string {
	return h.primary + "/model_references/v1/" + string(c)
}

func (h *HTTP) lastUpdatedURL(c core.Category) string {
	return h.primary + "/model_references/v2/metadata/" + string(c) + "/last_updated"
}

// FetchCategory reads the category from the primary, falling back to GitHub
// when the primary fails and a fallback is configured.
func (h *HTTP) FetchCategory(ctx context.Context, c core.Category, forceRefresh bool) core.Payload {
	if !c.Valid() {
		h.Logger().Warn("unknown category requested", "category", c)
		return nil
	}
	return h.FetchWithCache(ctx, c, forceRefresh, func(ctx context.Context) (core.Payload, *time.Time, error) {
		raw, err := h.get(ctx, h.categoryURL(c))
		if err == nil {
			h.primaryHits.Add(1)
			if raw == nil {
				return nil, nil, nil
			}
			payload, err := modeldata.Parse(raw)
			return payload, nil, asFetchError(HTTPName, c, err)
		}

		if h.fallback != nil {
			h.Logger().Warn("primary unavailable, falling back to github", "category", c, "error", err)
			if payload := h.fallback.FetchCategory(ctx, c, forceRefresh); payload != nil {
				h.fallbacks.Add(1)
				return payload, nil, nil
			}
		}
		h.failures.Add(1)
		return nil, nil, asFetchError(HTTPName, c, err)
	})
}

// FetchAllCategories implements Reader.
func (h *HTTP) FetchAllCategories(ctx context.Context, forceRefresh bool) map[core.Category]core.Payload {
	return fetchAll(ctx, h, forceRefresh)
}

// FetchCategoryAsync implements Reader.
func (h *HTTP) FetchCategoryAsync(ctx context.Context, c core.Category, forceRefresh bool) <-chan core.Payload {
	return Async(ctx, h.Base, func() core.Payload { return h.FetchCategory(ctx, c, forceRefresh) })
}

// FetchAllCategoriesAsync implements Reader.
func (h *HTTP) FetchAllCategoriesAsync(ctx context.Context, forceRefresh bool) <-chan map[core.Category]core.Payload {
	return fetchAllAsync(ctx, h, forceRefresh)
}

// LegacyJSON implements Reader.
func (h *HTTP) LegacyJSON(ctx context.Context, c core.Category, redownload bool) core.Payload {
	payload, _ := h.legacy(ctx, c, redownload)
	return payload
}

// LegacyJSONString implements Reader.
func (h *HTTP) LegacyJSONString(ctx context.Context, c core.Category, redownload bool) (string, bool) {
	payload, raw := h.legacy(ctx, c, redownload)
	return raw, payload != nil
}

// LegacyJSONAsync implements Reader.
func (h *HTTP) LegacyJSONAsync(ctx context.Context, c core.Category, redownload bool) <-chan core.Payload {
	return Async(ctx, h.Base, func() core.Payload { return h.LegacyJSON(ctx, c, redownload) })
}

// LegacyJSONStringAsync implements Reader.
func (h *HTTP) LegacyJSONStringAsync(ctx context.Context, c core.Category, redownload bool) <-chan LegacyString {
	return Async(ctx, h.Base, func() LegacyString {
		raw, ok := h.LegacyJSONString(ctx, c, redownload)
		return LegacyString{Raw: raw, OK: ok}
	})
}

func (h *HTTP) legacy(ctx context.Context, c core.Category, redownload bool) (core.Payload, string) {
	if !c.Valid() {
		return nil, ""
	}
	return h.FetchLegacyWithCache(ctx, c, redownload, func(ctx context.Context) (core.Payload, string, *time.Time, error) {
		raw, err := h.get(ctx, h.legacyURL(c))
		if err == nil {
			if raw == nil {
				return nil, "", nil, nil
			}
			payload, err := modeldata.Parse(raw)
			if err != nil {
				return nil, "", nil, asFetchError(HTTPName, c, err)
			}
			return payload, string(raw), nil, nil
		}
		if h.fallback != nil {
			if raw, ok := h.fallback.LegacyJSONString(ctx, c, redownload); ok {
				h.fallbacks.Add(1)
				payload, err := modeldata.Parse([]byte(raw))
				if err != nil {
					return nil, "", nil, asFetchError(HTTPName, c, err)
				}
				return payload, raw, nil, nil
			}
		}
		h.failures.Add(1)
		return nil, "", nil, asFetchError(HTTPName, c, err)
	})
}

// LastUpdated asks the primary when category c last changed. The bool is
// false when the primary has no record of a change.
func (h *HTTP) LastUpdated(ctx context.Context, c core.Category) (time.Time, bool, error) {
	raw, err := h.get(ctx, h.lastUpdatedURL(c))
	if err != nil {
		return time.Time{}, false, asFetchError(HTTPName, c, err)
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	if !gjson.ValidBytes(raw) {
		return time.Time{}, false, core.NewMalformedDataError(HTTPName, c, fmt.Errorf("invalid last_updated response"))
	}
	v := gjson.GetBytes(raw, "last_updated")
	if !v.Exists() || v.Type == gjson.Null {
		return time.Time{}, false, nil
	}
	if v.Type != gjson.Number {
		return time.Time{}, false, core.NewMalformedDataError(HTTPName, c, fmt.Errorf("last_updated is %s, not a number", v.Type))
	}
	return time.Unix(v.Int(), 0).UTC(), true, nil
}

// get requests url from the primary with per-attempt timeouts and retries on
// transient statuses. A 404 yields nil bytes and no error.
func (h *HTTP) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			attemptCtx, cancel := h.attemptContext(ctx)
			defer cancel()
			b, err := modeldata.Download(attemptCtx, h.client, url)
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(h.attempts),
		retry.Delay(h.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(modeldata.Retryable),
	)
	if err != nil {
		if modeldata.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return body, nil
}

func (h *HTTP) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// WarmCache implements Maintainer.
func (h *HTTP) WarmCache(ctx context.Context) error {
	return warmAll(ctx, h, h.Logger())
}

// WarmCacheAsync implements Maintainer.
func (h *HTTP) WarmCacheAsync(ctx context.Context) <-chan error {
	return Async(ctx, h.Base, func() error { return h.WarmCache(ctx) })
}

// Statistics implements Maintainer.
func (h *HTTP) Statistics(context.Context) (map[string]any, error) {
	stats := h.CacheStats()
	stats["backend"] = HTTPName
	stats["primary_url"] = h.primary
	stats["primary_hits"] = h.primaryHits.Load()
	stats["github_fallbacks"] = h.fallbacks.Load()
	stats["failures"] = h.failures.Load()
	stats["fallback_enabled"] = h.fallback != nil
	return stats, nil
}

// Close releases idle connections, including the fallback's.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	if h.fallback != nil {
		return h.fallback.Close()
	}
	return nil
}
