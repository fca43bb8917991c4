// Package cache holds per-category cached reference payloads and decides when
// they must be refetched.
//
// Store is pure state with no policy. Evaluator applies TTL, source mtime,
// explicit staleness and adapter-supplied predicates on top of a Store.
package cache

import (
	"time"

	"modelref/internal/core"
)

// Meta is the bookkeeping shared by converted and legacy entries.
type Meta struct {
	// CachedAt is the time of the last Put.
	CachedAt time.Time
	// SourceMtime is the backing file's modification time observed at Put.
	// Only meaningful when HasSourceMtime is true.
	SourceMtime    time.Time
	HasSourceMtime bool
	// ExplicitlyStale forces the next validity check to fail.
	ExplicitlyStale bool
}

// Entry is the cached converted (v2) payload for one category.
type Entry struct {
	Meta
	// Payload is nil when the category is genuinely empty or the last fetch failed.
	Payload core.Payload
	// LastGood is the most recent non-nil payload, kept for diagnostics after a failed refetch.
	LastGood core.Payload
}

// LegacyEntry is the cached legacy payload for one category, with its exact serialized form.
type LegacyEntry struct {
	Meta
	Payload core.Payload
	// Raw is the legacy document byte-for-byte as read or downloaded.
	Raw         string
	LastGood    core.Payload
	LastGoodRaw string
}
