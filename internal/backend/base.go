package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"modelref/internal/cache"
	"modelref/internal/core"
	"modelref/internal/observability"
)

// BaseConfig configures the caching helper embedded by adapters.
type BaseConfig struct {
	// Name identifies the adapter in logs, metrics and errors.
	Name string
	// Policy holds the TTL and mtime settings.
	Policy cache.Policy
	// Hooks are the adapter's mtime sources and custom validity predicates.
	Hooks cache.Hooks
	// Unlocked skips the adapter lock around check-fetch-store. Only for adapters
	// whose I/O is safe to run redundantly; concurrent misses are collapsed instead.
	Unlocked bool
	// ServeStaleOnError returns the last good payload when a refetch fails.
	// The entry still reads invalid.
	ServeStaleOnError bool
	Clock             func() time.Time
	Logger            *slog.Logger
}

// FetchFunc performs the adapter I/O for one category. mtime is the backing
// file's modification time as observed before the content was read, or nil
// when there is no file. It is recorded with the payload for mtime validation.
type FetchFunc func(ctx context.Context) (payload core.Payload, mtime *time.Time, err error)

// LegacyFetchFunc performs the adapter I/O for one legacy category.
type LegacyFetchFunc func(ctx context.Context) (payload core.Payload, raw string, mtime *time.Time, err error)

// Base is the caching helper adapters hold by composition. It owns the
// record store, the staleness evaluator and the adapter's locks.
type Base struct {
	name       string
	store      *cache.Store
	eval       *cache.Evaluator
	unlocked   bool
	serveStale bool
	logger     *slog.Logger

	// mu guards check-fetch-store for synchronous callers.
	mu sync.Mutex
	// asyncLock is taken by asynchronous entry points before they run the
	// synchronous path, so both surfaces share one cache.
	asyncLock *semaphore.Weighted
	flight    singleflight.Group

	cbMu      sync.RWMutex
	callbacks []func(core.Category)
}

// NewBase validates cfg and creates the helper.
func NewBase(cfg BaseConfig) (*Base, error) {
	if cfg.Name == "" {
		return nil, core.NewConfigurationError("backend name is required", nil)
	}
	if cfg.Policy.TTL < 0 {
		return nil, core.NewConfigurationError(fmt.Sprintf("invalid cache ttl %s: must not be negative", cfg.Policy.TTL), nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var opts []cache.Option
	if cfg.Clock != nil {
		opts = append(opts, cache.WithClock(cfg.Clock))
	}
	store := cache.NewStore(opts...)
	return &Base{
		name:       cfg.Name,
		store:      store,
		eval:       cache.NewEvaluator(store, cfg.Policy, cfg.Hooks),
		unlocked:   cfg.Unlocked,
		serveStale: cfg.ServeStaleOnError,
		logger:     logger.With("backend", cfg.Name),
		asyncLock:  semaphore.NewWeighted(1),
	}, nil
}

// Name returns the adapter name.
func (b *Base) Name() string { return b.name }

// Logger returns the adapter-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Policy returns the staleness configuration.
func (b *Base) Policy() cache.Policy { return b.eval.Policy() }

// Lock takes the adapter's synchronous lock.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the adapter's synchronous lock.
func (b *Base) Unlock() { b.mu.Unlock() }

// ShouldFetchData is the single decision point before adapter I/O.
func (b *Base) ShouldFetchData(c core.Category) bool { return b.eval.ShouldFetch(c) }

// ShouldFetchLegacy is ShouldFetchData for the legacy cache.
func (b *Base) ShouldFetchLegacy(c core.Category) bool { return b.eval.ShouldFetchLegacy(c) }

// NeedsRefresh implements Reader.
func (b *Base) NeedsRefresh(c core.Category) bool { return b.eval.NeedsRefresh(c) }

// NeedsRefreshLegacy reports whether a legacy entry exists and is invalid.
func (b *Base) NeedsRefreshLegacy(c core.Category) bool { return b.eval.NeedsRefreshLegacy(c) }

// ReadCache returns a copy of the cached converted payload.
func (b *Base) ReadCache(c core.Category) (core.Payload, bool) {
	e, ok := b.store.Get(c)
	if !ok {
		return nil, false
	}
	return e.Payload.Clone(), true
}

// WriteCache stores payload with the source mtime observed when it was read.
// A nil mtime means the adapter has no file for c.
func (b *Base) WriteCache(c core.Category, payload core.Payload, mtime *time.Time) {
	b.store.Put(c, payload, mtime)
}

// ReadLegacyCache returns a copy of the cached legacy payload and its raw form.
func (b *Base) ReadLegacyCache(c core.Category) (core.Payload, string, bool) {
	e, ok := b.store.GetLegacy(c)
	if !ok {
		return nil, "", false
	}
	return e.Payload.Clone(), e.Raw, true
}

// WriteLegacyCache stores the legacy payload and raw string.
func (b *Base) WriteLegacyCache(c core.Category, payload core.Payload, raw string, mtime *time.Time) {
	b.store.PutLegacy(c, payload, raw, mtime)
}

// Invalidate marks the converted entry stale without firing callbacks.
func (b *Base) Invalidate(c core.Category) {
	b.store.Invalidate(c)
	observability.InvalidationsTotal.WithLabelValues(b.name, string(c)).Inc()
}

// InvalidateLegacy marks the legacy entry stale without firing callbacks.
func (b *Base) InvalidateLegacy(c core.Category) {
	b.store.InvalidateLegacy(c)
}

// MarkStale invalidates the converted entry and notifies callbacks.
func (b *Base) MarkStale(c core.Category) {
	b.Invalidate(c)
	b.logger.Debug("category marked stale", "category", c)
	b.notify(c)
}

// AfterWrite forces both caches for c stale once a write has completed,
// so the next read reflects it.
func (b *Base) AfterWrite(c core.Category) {
	b.Invalidate(c)
	b.InvalidateLegacy(c)
	b.notify(c)
}

// FailFetch records a failed converted fetch. It returns nil, or the last good
// payload when serving stale on error is enabled.
func (b *Base) FailFetch(c core.Category, err error) core.Payload {
	b.logger.Warn("category fetch failed", "category", c, "kind", core.KindOf(err), "error", err)
	observability.FetchesTotal.WithLabelValues(b.name, observability.FormatV2, string(c), observability.ResultFailed).Inc()
	prev, _ := b.store.Get(c)
	b.store.Fail(c)
	if b.serveStale && prev.LastGood != nil {
		return prev.LastGood.Clone()
	}
	return nil
}

// FailLegacyFetch is FailFetch for the legacy cache.
func (b *Base) FailLegacyFetch(c core.Category, err error) (core.Payload, string) {
	b.logger.Warn("legacy fetch failed", "category", c, "kind", core.KindOf(err), "error", err)
	observability.FetchesTotal.WithLabelValues(b.name, observability.FormatLegacy, string(c), observability.ResultFailed).Inc()
	prev, _ := b.store.GetLegacy(c)
	b.store.FailLegacy(c)
	if b.serveStale && prev.LastGood != nil {
		return prev.LastGood.Clone(), prev.LastGoodRaw
	}
	return nil, ""
}

// FetchWithCache runs the check-fetch-store sequence for one category.
// Unless the base is unlocked, the adapter lock is held for the whole sequence.
func (b *Base) FetchWithCache(ctx context.Context, c core.Category, force bool, fetch FetchFunc) core.Payload {
	if b.unlocked {
		if !force && !b.ShouldFetchData(c) {
			return b.cacheHit(c)
		}
		v, _, _ := b.flight.Do(string(c), func() (any, error) {
			return b.fetchAndStore(ctx, c, fetch), nil
		})
		payload, _ := v.(core.Payload)
		return payload.Clone()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !force && !b.ShouldFetchData(c) {
		return b.cacheHit(c)
	}
	return b.fetchAndStore(ctx, c, fetch)
}

// FetchLegacyWithCache runs check-fetch-store for the legacy cache.
func (b *Base) FetchLegacyWithCache(ctx context.Context, c core.Category, redownload bool, fetch LegacyFetchFunc) (core.Payload, string) {
	if !b.unlocked {
		b.mu.Lock()
		defer b.mu.Unlock()
	}
	if !redownload && !b.ShouldFetchLegacy(c) {
		observability.FetchesTotal.WithLabelValues(b.name, observability.FormatLegacy, string(c), observability.ResultHit).Inc()
		payload, raw, _ := b.ReadLegacyCache(c)
		return payload, raw
	}

	start := time.Now()
	payload, raw, mtime, err := fetch(ctx)
	observability.FetchDuration.WithLabelValues(b.name, observability.FormatLegacy).Observe(time.Since(start).Seconds())
	if err != nil {
		return b.FailLegacyFetch(c, err)
	}
	b.WriteLegacyCache(c, payload, raw, mtime)
	observability.FetchesTotal.WithLabelValues(b.name, observability.FormatLegacy, string(c), observability.ResultFetched).Inc()
	return payload.Clone(), raw
}

func (b *Base) cacheHit(c core.Category) core.Payload {
	observability.FetchesTotal.WithLabelValues(b.name, observability.FormatV2, string(c), observability.ResultHit).Inc()
	payload, _ := b.ReadCache(c)
	return payload
}

func (b *Base) fetchAndStore(ctx context.Context, c core.Category, fetch FetchFunc) core.Payload {
	start := time.Now()
	payload, mtime, err := fetch(ctx)
	observability.FetchDuration.WithLabelValues(b.name, observability.FormatV2).Observe(time.Since(start).Seconds())
	if err != nil {
		return b.FailFetch(c, err)
	}
	b.WriteCache(c, payload, mtime)
	observability.FetchesTotal.WithLabelValues(b.name, observability.FormatV2, string(c), observability.ResultFetched).Inc()
	return payload.Clone()
}

// OnInvalidate registers a callback fired after MarkStale and AfterWrite.
func (b *Base) OnInvalidate(fn func(core.Category)) {
	if fn == nil {
		return
	}
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

func (b *Base) notify(c core.Category) {
	b.cbMu.RLock()
	callbacks := make([]func(core.Category), len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.cbMu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("invalidation callback panicked", "category", c, "panic", r)
				}
			}()
			fn(c)
		}()
	}
}

// CacheStats summarizes the record store for Statistics implementations.
func (b *Base) CacheStats() map[string]any {
	v2, legacy := b.store.Len()
	stale := 0
	for _, c := range core.Categories() {
		if b.eval.NeedsRefresh(c) {
			stale++
		}
	}
	return map[string]any{
		"cached_categories":        v2,
		"cached_legacy_categories": legacy,
		"stale_categories":         stale,
		"ttl_seconds":              b.eval.Policy().TTL.Seconds(),
	}
}

// Async runs fn on a goroutine after taking the adapter's async lock and
// delivers its result on the returned channel. If ctx ends before the lock
// is acquired, the zero value is delivered. Unlocked bases skip the lock.
func Async[T any](ctx context.Context, b *Base, fn func() T) <-chan T {
	ch := make(chan T, 1)
	go func() {
		defer close(ch)
		if !b.unlocked {
			if err := b.asyncLock.Acquire(ctx, 1); err != nil {
				var zero T
				ch <- zero
				return
			}
			defer b.asyncLock.Release(1)
		}
		ch <- fn()
	}()
	return ch
}

// fetchAll fetches every category sequentially; failures stay per category.
func fetchAll(ctx context.Context, r Reader, force bool) map[core.Category]core.Payload {
	out := make(map[core.Category]core.Payload, len(core.Categories()))
	for _, c := range core.Categories() {
		out[c] = r.FetchCategory(ctx, c, force)
	}
	return out
}

// fetchAllAsync fans out FetchCategoryAsync over every category.
func fetchAllAsync(ctx context.Context, r Reader, force bool) <-chan map[core.Category]core.Payload {
	ch := make(chan map[core.Category]core.Payload, 1)
	go func() {
		defer close(ch)
		var (
			mu  sync.Mutex
			g   errgroup.Group
			out = make(map[core.Category]core.Payload, len(core.Categories()))
		)
		for _, c := range core.Categories() {
			g.Go(func() error {
				payload := <-r.FetchCategoryAsync(ctx, c, force)
				mu.Lock()
				out[c] = payload
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		ch <- out
	}()
	return ch
}

// warmAll force-refreshes every category. Categories that come back empty are
// logged, not treated as errors.
func warmAll(ctx context.Context, r Reader, logger *slog.Logger) error {
	empty := 0
	for _, payload := range fetchAll(ctx, r, true) {
		if payload == nil {
			empty++
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cache warming interrupted: %w", err)
	}
	logger.Info("cache warmed", "categories", len(core.Categories()), "empty", empty)
	return nil
}
