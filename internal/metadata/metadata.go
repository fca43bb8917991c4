// Package metadata tracks per-category write operations on the reference data:
// create/update/delete counts, the last change and the current model count.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"modelref/internal/core"
)

// ErrNotFound indicates no metadata has been recorded for a category.
var ErrNotFound = errors.New("category metadata not found")

// Format distinguishes the legacy and structured representations.
type Format string

const (
	FormatLegacy Format = "legacy"
	FormatV2     Format = "v2"
)

// OperationType is the kind of write that was applied.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Operation is one recorded write.
type Operation struct {
	ID       string        `json:"id" bson:"_id"`
	Format   Format        `json:"format" bson:"format"`
	Category core.Category `json:"category" bson:"category"`
	Type     OperationType `json:"type" bson:"type"`
	Model    string        `json:"model" bson:"model"`
	At       time.Time     `json:"at" bson:"at"`
}

// CategoryMetadata is the running summary for one category and format.
type CategoryMetadata struct {
	Category      core.Category `json:"category"`
	Format        Format        `json:"format"`
	LastUpdated   time.Time     `json:"last_updated"`
	LastOperation OperationType `json:"last_operation"`
	LastModel     string        `json:"last_model"`
	TotalCreates  int64         `json:"total_creates"`
	TotalUpdates  int64         `json:"total_updates"`
	TotalDeletes  int64         `json:"total_deletes"`
	TotalModels   int           `json:"total_models"`
	InitializedAt time.Time     `json:"initialized_at"`
}

// Store persists operations and category summaries.
type Store interface {
	// Record appends op and folds it into the category summary.
	Record(ctx context.Context, op Operation, totalModels int) error
	// Get returns the summary for one category, or ErrNotFound.
	Get(ctx context.Context, format Format, category core.Category) (*CategoryMetadata, error)
	// List returns every summary for format.
	List(ctx context.Context, format Format) ([]CategoryMetadata, error)
	Close() error
}

// Tracker records write operations. A nil *Tracker is valid and records nothing.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates a tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// RecordOperation stores one write. Failures are returned; callers treat them
// as non-fatal since the write itself already succeeded.
func (t *Tracker) RecordOperation(ctx context.Context, format Format, category core.Category, opType OperationType, model string, totalModels int) error {
	if t == nil || t.store == nil {
		return nil
	}
	op := Operation{
		ID:       uuid.NewString(),
		Format:   format,
		Category: category,
		Type:     opType,
		Model:    model,
		At:       t.now().UTC(),
	}
	if err := t.store.Record(ctx, op, totalModels); err != nil {
		return fmt.Errorf("record %s %s/%s: %w", opType, category, model, err)
	}
	slog.Debug("reference operation recorded", "format", format, "category", category, "type", opType, "model", model)
	return nil
}

// Get returns one category summary.
func (t *Tracker) Get(ctx context.Context, format Format, category core.Category) (*CategoryMetadata, error) {
	if t == nil || t.store == nil {
		return nil, ErrNotFound
	}
	return t.store.Get(ctx, format, category)
}

// List returns every category summary for format.
func (t *Tracker) List(ctx context.Context, format Format) ([]CategoryMetadata, error) {
	if t == nil || t.store == nil {
		return nil, nil
	}
	return t.store.List(ctx, format)
}

// LastUpdated returns the newest LastUpdated across all categories of format.
func (t *Tracker) LastUpdated(ctx context.Context, format Format) (time.Time, bool, error) {
	all, err := t.List(ctx, format)
	if err != nil {
		return time.Time{}, false, err
	}
	var latest time.Time
	for _, m := range all {
		if m.LastUpdated.After(latest) {
			latest = m.LastUpdated
		}
	}
	return latest, !latest.IsZero(), nil
}

// Statistics summarizes the tracked totals for format.
func (t *Tracker) Statistics(ctx context.Context, format Format) (map[string]any, error) {
	all, err := t.List(ctx, format)
	if err != nil {
		return nil, err
	}
	var creates, updates, deletes int64
	for _, m := range all {
		creates += m.TotalCreates
		updates += m.TotalUpdates
		deletes += m.TotalDeletes
	}
	return map[string]any{
		"tracked_categories": len(all),
		"total_creates":      creates,
		"total_updates":      updates,
		"total_deletes":      deletes,
	}, nil
}

// apply folds op into m, initializing it when m is new.
func apply(m *CategoryMetadata, op Operation, totalModels int) {
	if m.InitializedAt.IsZero() {
		m.InitializedAt = op.At
		m.Category = op.Category
		m.Format = op.Format
	}
	m.LastUpdated = op.At
	m.LastOperation = op.Type
	m.LastModel = op.Model
	m.TotalModels = totalModels
	switch op.Type {
	case OperationCreate:
		m.TotalCreates++
	case OperationUpdate:
		m.TotalUpdates++
	case OperationDelete:
		m.TotalDeletes++
	}
}

// counters returns the per-type increments for op.
func counters(op Operation) (creates, updates, deletes int64) {
	switch op.Type {
	case OperationCreate:
		return 1, 0, 0
	case OperationUpdate:
		return 0, 1, 0
	case OperationDelete:
		return 0, 0, 1
	}
	return 0, 0, 0
}
