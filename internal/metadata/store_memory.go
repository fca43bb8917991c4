package metadata

import (
	"context"
	"sort"
	"sync"

	"modelref/internal/core"
)

type memoryKey struct {
	format   Format
	category core.Category
}

// MemoryStore keeps metadata in process memory.
// Data survives across requests but not process restarts.
type MemoryStore struct {
	mu         sync.RWMutex
	summaries  map[memoryKey]*CategoryMetadata
	operations []Operation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{summaries: make(map[memoryKey]*CategoryMetadata)}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, op Operation, totalModels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{op.Format, op.Category}
	m := s.summaries[key]
	if m == nil {
		m = &CategoryMetadata{}
		s.summaries[key] = m
	}
	apply(m, op, totalModels)
	s.operations = append(s.operations, op)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, format Format, category core.Category) (*CategoryMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.summaries[memoryKey{format, category}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, format Format) ([]CategoryMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CategoryMetadata, 0, len(s.summaries))
	for key, m := range s.summaries {
		if key.format == format {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// Operations returns a copy of every recorded operation, oldest first.
func (s *MemoryStore) Operations() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
