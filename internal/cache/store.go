package cache

import (
	"sync"
	"time"

	"modelref/internal/core"
)

// Store holds converted and legacy entries per category.
// It is safe for concurrent use. Payloads handed to and returned from the
// store are shared, not copied; callers must treat them as read-only.
type Store struct {
	mu     sync.RWMutex
	now    func() time.Time
	v2     map[core.Category]*Entry
	legacy map[core.Category]*LegacyEntry
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		v2:     make(map[core.Category]*Entry),
		legacy: make(map[core.Category]*LegacyEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns a copy of the converted entry for c.
func (s *Store) Get(c core.Category) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.v2[c]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put overwrites the converted entry, stamps CachedAt and clears ExplicitlyStale.
// sourceMtime may be nil when the adapter does not track a file, or the file is absent.
func (s *Store) Put(c core.Category, payload core.Payload, sourceMtime *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.v2[c]
	if e == nil {
		e = &Entry{}
		s.v2[c] = e
	}
	e.Payload = payload
	if payload != nil {
		e.LastGood = payload
	}
	e.Meta = s.freshMeta(sourceMtime)
}

// Invalidate sets ExplicitlyStale on an existing entry. The payload is kept.
func (s *Store) Invalidate(c core.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.v2[c]; ok {
		e.ExplicitlyStale = true
	}
}

// Fail records a failed fetch: the payload is cleared and the entry reads invalid.
// The previous payload stays available as LastGood.
func (s *Store) Fail(c core.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.v2[c]
	if e == nil {
		e = &Entry{}
		s.v2[c] = e
	}
	e.Payload = nil
	e.CachedAt = s.now()
	e.ExplicitlyStale = true
}

// HasEntry reports whether a converted entry exists, ignoring validity.
func (s *Store) HasEntry(c core.Category) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.v2[c]
	return ok
}

// GetLegacy returns a copy of the legacy entry for c.
func (s *Store) GetLegacy(c core.Category) (LegacyEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.legacy[c]
	if !ok {
		return LegacyEntry{}, false
	}
	return *e, true
}

// PutLegacy overwrites the legacy entry with both the parsed and raw forms.
func (s *Store) PutLegacy(c core.Category, payload core.Payload, raw string, sourceMtime *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.legacy[c]
	if e == nil {
		e = &LegacyEntry{}
		s.legacy[c] = e
	}
	e.Payload = payload
	e.Raw = raw
	if payload != nil {
		e.LastGood = payload
		e.LastGoodRaw = raw
	}
	e.Meta = s.freshMeta(sourceMtime)
}

// InvalidateLegacy sets ExplicitlyStale on an existing legacy entry.
func (s *Store) InvalidateLegacy(c core.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.legacy[c]; ok {
		e.ExplicitlyStale = true
	}
}

// FailLegacy records a failed legacy fetch.
func (s *Store) FailLegacy(c core.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.legacy[c]
	if e == nil {
		e = &LegacyEntry{}
		s.legacy[c] = e
	}
	e.Payload = nil
	e.Raw = ""
	e.CachedAt = s.now()
	e.ExplicitlyStale = true
}

// HasLegacyEntry reports whether a legacy entry exists, ignoring validity.
func (s *Store) HasLegacyEntry(c core.Category) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.legacy[c]
	return ok
}

// Len returns the number of converted and legacy entries.
func (s *Store) Len() (v2, legacy int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.v2), len(s.legacy)
}

func (s *Store) freshMeta(sourceMtime *time.Time) Meta {
	m := Meta{CachedAt: s.now()}
	if sourceMtime != nil {
		m.SourceMtime = *sourceMtime
		m.HasSourceMtime = true
	}
	return m
}
