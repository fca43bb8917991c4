package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelref/internal/core"
	"modelref/internal/storage"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "metadata.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	store, err := NewSQLiteStore(st.SQLiteDB())
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	ops := []Operation{
		{ID: "op-1", Format: FormatV2, Category: core.CategoryControlnet, Type: OperationCreate, Model: "canny", At: at},
		{ID: "op-2", Format: FormatV2, Category: core.CategoryControlnet, Type: OperationUpdate, Model: "canny", At: at.Add(time.Minute)},
		{ID: "op-3", Format: FormatV2, Category: core.CategoryControlnet, Type: OperationCreate, Model: "depth", At: at.Add(2 * time.Minute)},
	}
	for i, op := range ops {
		require.NoError(t, store.Record(ctx, op, i+1))
	}

	got, err := store.Get(ctx, FormatV2, core.CategoryControlnet)
	require.NoError(t, err)
	assert.Equal(t, core.CategoryControlnet, got.Category)
	assert.Equal(t, FormatV2, got.Format)
	assert.Equal(t, int64(2), got.TotalCreates)
	assert.Equal(t, int64(1), got.TotalUpdates)
	assert.Equal(t, int64(0), got.TotalDeletes)
	assert.Equal(t, 3, got.TotalModels)
	assert.Equal(t, "depth", got.LastModel)
	assert.Equal(t, OperationCreate, got.LastOperation)
	assert.True(t, got.InitializedAt.Equal(at))
	assert.True(t, got.LastUpdated.Equal(at.Add(2*time.Minute)))
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	store := newSQLiteTestStore(t)

	_, err := store.Get(context.Background(), FormatLegacy, core.CategoryMiscellaneous)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreListFiltersByFormat(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)
	at := time.Now().UTC()

	require.NoError(t, store.Record(ctx, Operation{ID: "a", Format: FormatV2, Category: core.CategoryGFPGAN, Type: OperationCreate, Model: "m", At: at}, 1))
	require.NoError(t, store.Record(ctx, Operation{ID: "b", Format: FormatV2, Category: core.CategoryBlip, Type: OperationCreate, Model: "m", At: at}, 1))
	require.NoError(t, store.Record(ctx, Operation{ID: "c", Format: FormatLegacy, Category: core.CategoryBlip, Type: OperationCreate, Model: "m", At: at}, 1))

	v2, err := store.List(ctx, FormatV2)
	require.NoError(t, err)
	require.Len(t, v2, 2)
	assert.Equal(t, core.CategoryBlip, v2[0].Category)
	assert.Equal(t, core.CategoryGFPGAN, v2[1].Category)

	legacy, err := store.List(ctx, FormatLegacy)
	require.NoError(t, err)
	require.Len(t, legacy, 1)
}

func TestSQLiteStoreDuplicateOperationIDRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)
	op := Operation{ID: "dup", Format: FormatV2, Category: core.CategoryClip, Type: OperationCreate, Model: "m", At: time.Now().UTC()}

	require.NoError(t, store.Record(ctx, op, 1))
	require.Error(t, store.Record(ctx, op, 2))

	got, err := store.Get(ctx, FormatV2, core.CategoryClip)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalCreates)
	assert.Equal(t, 1, got.TotalModels)
}
