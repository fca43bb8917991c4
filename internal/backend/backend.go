// Package backend implements the model reference backends: a shared caching
// helper (Base) and the filesystem, GitHub, HTTP and Redis adapters built on it.
package backend

import (
	"context"

	"modelref/internal/core"
)

// ReplicateMode says whether a backend is the canonical source or a copy of one.
type ReplicateMode string

const (
	ModePrimary ReplicateMode = "primary"
	ModeReplica ReplicateMode = "replica"
)

// Operation names used in UnsupportedOperation errors.
const (
	OpUpdateModel       = "update_model"
	OpDeleteModel       = "delete_model"
	OpUpdateModelLegacy = "update_model_legacy"
	OpDeleteModelLegacy = "delete_model_legacy"
	OpWarmCache         = "warm_cache"
	OpHealthCheck       = "health_check"
	OpStatistics        = "statistics"
)

// Capabilities lists the gated operations a backend supports.
// It is fixed at construction. Calling a gated operation whose flag is false
// returns an error of kind core.ErrorKindUnsupported.
type Capabilities struct {
	Writes       bool
	LegacyWrites bool
	CacheWarming bool
	HealthChecks bool
	Statistics   bool
}

// LegacyString is the asynchronous result of LegacyJSONString.
type LegacyString struct {
	Raw string
	OK  bool
}

// Reader is the read side every backend implements.
// Fetch methods never return errors: any I/O or parse failure yields nil and
// invalidates the cached entry so the next call retries.
type Reader interface {
	FetchCategory(ctx context.Context, category core.Category, forceRefresh bool) core.Payload
	FetchAllCategories(ctx context.Context, forceRefresh bool) map[core.Category]core.Payload
	FetchCategoryAsync(ctx context.Context, category core.Category, forceRefresh bool) <-chan core.Payload
	FetchAllCategoriesAsync(ctx context.Context, forceRefresh bool) <-chan map[core.Category]core.Payload

	// NeedsRefresh is false for a category that was never fetched.
	NeedsRefresh(category core.Category) bool
	MarkStale(category core.Category)

	LegacyJSON(ctx context.Context, category core.Category, redownload bool) core.Payload
	LegacyJSONString(ctx context.Context, category core.Category, redownload bool) (string, bool)
	LegacyJSONAsync(ctx context.Context, category core.Category, redownload bool) <-chan core.Payload
	LegacyJSONStringAsync(ctx context.Context, category core.Category, redownload bool) <-chan LegacyString
}

// Writer mutates individual model records. Gated by Capabilities.Writes.
type Writer interface {
	UpdateModel(ctx context.Context, category core.Category, name string, record core.Record) error
	DeleteModel(ctx context.Context, category core.Category, name string) error
}

// LegacyWriter mutates legacy records. Gated by Capabilities.LegacyWrites.
type LegacyWriter interface {
	UpdateModelLegacy(ctx context.Context, category core.Category, name string, record core.Record) error
	DeleteModelLegacy(ctx context.Context, category core.Category, name string) error
}

// Maintainer groups the remaining gated operations.
type Maintainer interface {
	WarmCache(ctx context.Context) error
	WarmCacheAsync(ctx context.Context) <-chan error
	HealthCheck(ctx context.Context) error
	Statistics(ctx context.Context) (map[string]any, error)
}

// Backend is the full contract of a model reference source.
type Backend interface {
	Reader
	Writer
	LegacyWriter
	Maintainer

	Name() string
	Mode() ReplicateMode
	Capabilities() Capabilities

	// OnInvalidate registers fn to run after MarkStale and after writes.
	OnInvalidate(fn func(core.Category))

	Close() error
}

// gated supplies UnsupportedOperation defaults for every capability-gated
// operation. Adapters embed it and override what they support.
type gated struct {
	name string
}

func (g gated) UpdateModel(context.Context, core.Category, string, core.Record) error {
	return core.NewUnsupportedError(g.name, OpUpdateModel)
}

func (g gated) DeleteModel(context.Context, core.Category, string) error {
	return core.NewUnsupportedError(g.name, OpDeleteModel)
}

func (g gated) UpdateModelLegacy(context.Context, core.Category, string, core.Record) error {
	return core.NewUnsupportedError(g.name, OpUpdateModelLegacy)
}

func (g gated) DeleteModelLegacy(context.Context, core.Category, string) error {
	return core.NewUnsupportedError(g.name, OpDeleteModelLegacy)
}

func (g gated) WarmCache(context.Context) error {
	return core.NewUnsupportedError(g.name, OpWarmCache)
}

func (g gated) WarmCacheAsync(context.Context) <-chan error {
	ch := make(chan error, 1)
	ch <- core.NewUnsupportedError(g.name, OpWarmCache)
	close(ch)
	return ch
}

func (g gated) HealthCheck(context.Context) error {
	return core.NewUnsupportedError(g.name, OpHealthCheck)
}

func (g gated) Statistics(context.Context) (map[string]any, error) {
	return nil, core.NewUnsupportedError(g.name, OpStatistics)
}
