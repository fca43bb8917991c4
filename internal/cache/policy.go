package cache

import (
	"time"

	"modelref/internal/core"
)

// MtimeFunc reports the current modification time of a category's backing file.
// exists is false when the file is absent.
type MtimeFunc func(core.Category) (mtime time.Time, exists bool)

// Policy is the staleness configuration of one backend.
type Policy struct {
	// TTL is the maximum entry age. Zero means entries never expire by time.
	TTL time.Duration
	// TrackMtime enables source mtime comparison when the adapter provides hooks.
	TrackMtime bool
}

// Hooks are the adapter-supplied inputs to the validity check. All are optional.
type Hooks struct {
	SourceMtime       MtimeFunc
	LegacySourceMtime MtimeFunc
	Validate          func(core.Category, Entry) bool
	ValidateLegacy    func(core.Category, LegacyEntry) bool
}

// Evaluator decides whether cached entries are still valid.
// All methods are read-only with respect to the store.
type Evaluator struct {
	store  *Store
	policy Policy
	hooks  Hooks
}

// NewEvaluator creates an evaluator over store.
func NewEvaluator(store *Store, policy Policy, hooks Hooks) *Evaluator {
	return &Evaluator{store: store, policy: policy, hooks: hooks}
}

// Policy returns the evaluator's configuration.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// ShouldFetch is true when no entry exists or the entry is invalid.
func (e *Evaluator) ShouldFetch(c core.Category) bool {
	entry, ok := e.store.Get(c)
	if !ok {
		return true
	}
	return !e.entryValid(c, entry)
}

// NeedsRefresh is true only when an entry exists and is invalid.
// A category that was never populated has nothing to refresh.
func (e *Evaluator) NeedsRefresh(c core.Category) bool {
	entry, ok := e.store.Get(c)
	if !ok {
		return false
	}
	return !e.entryValid(c, entry)
}

// IsValid reports whether a valid converted entry exists.
func (e *Evaluator) IsValid(c core.Category) bool {
	entry, ok := e.store.Get(c)
	return ok && e.entryValid(c, entry)
}

// ShouldFetchLegacy is ShouldFetch for the legacy cache.
func (e *Evaluator) ShouldFetchLegacy(c core.Category) bool {
	entry, ok := e.store.GetLegacy(c)
	if !ok {
		return true
	}
	return !e.legacyValid(c, entry)
}

// NeedsRefreshLegacy is NeedsRefresh for the legacy cache.
func (e *Evaluator) NeedsRefreshLegacy(c core.Category) bool {
	entry, ok := e.store.GetLegacy(c)
	if !ok {
		return false
	}
	return !e.legacyValid(c, entry)
}

// IsValidLegacy reports whether a valid legacy entry exists.
func (e *Evaluator) IsValidLegacy(c core.Category) bool {
	entry, ok := e.store.GetLegacy(c)
	return ok && e.legacyValid(c, entry)
}

func (e *Evaluator) entryValid(c core.Category, entry Entry) bool {
	if !e.metaValid(c, entry.Meta, e.hooks.SourceMtime) {
		return false
	}
	if e.hooks.Validate != nil && !e.hooks.Validate(c, entry) {
		return false
	}
	return true
}

func (e *Evaluator) legacyValid(c core.Category, entry LegacyEntry) bool {
	if !e.metaValid(c, entry.Meta, e.hooks.LegacySourceMtime) {
		return false
	}
	if e.hooks.ValidateLegacy != nil && !e.hooks.ValidateLegacy(c, entry) {
		return false
	}
	return true
}

func (e *Evaluator) metaValid(c core.Category, m Meta, mtime MtimeFunc) bool {
	if m.ExplicitlyStale {
		return false
	}
	// Inclusive: an entry exactly TTL old is still valid.
	if e.policy.TTL > 0 && e.store.Now().Sub(m.CachedAt) > e.policy.TTL {
		return false
	}
	if e.policy.TrackMtime && mtime != nil {
		current, exists := mtime(c)
		if exists != m.HasSourceMtime {
			return false
		}
		if exists && !current.Equal(m.SourceMtime) {
			return false
		}
	}
	return true
}
