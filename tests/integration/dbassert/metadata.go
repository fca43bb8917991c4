// Package dbassert reads the metadata tables and collections directly so
// integration tests can verify what the stores persisted.
package dbassert

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// OperationEntry is one persisted write operation.
type OperationEntry struct {
	ID       string
	Format   string
	Category string
	Type     string
	Model    string
	At       time.Time
}

// SummaryEntry is one persisted category summary.
type SummaryEntry struct {
	Format        string
	Category      string
	LastOperation string
	LastModel     string
	TotalCreates  int64
	TotalUpdates  int64
	TotalDeletes  int64
	TotalModels   int
}

// QueryOperations returns the operations recorded for a category, oldest first.
func QueryOperations(t *testing.T, pool *pgxpool.Pool, format, category string) []OperationEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := pool.Query(ctx, `
		SELECT id, format, category, type, model, at
		FROM reference_operations
		WHERE format = $1 AND category = $2
		ORDER BY at ASC, id ASC
	`, format, category)
	require.NoError(t, err)
	defer rows.Close()

	var out []OperationEntry
	for rows.Next() {
		var e OperationEntry
		var at int64
		require.NoError(t, rows.Scan(&e.ID, &e.Format, &e.Category, &e.Type, &e.Model, &at))
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	require.NoError(t, rows.Err())
	return out
}

// QuerySummary returns the summary row for a category, or nil.
func QuerySummary(t *testing.T, pool *pgxpool.Pool, format, category string) *SummaryEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := pool.Query(ctx, `
		SELECT format, category, last_operation, last_model, total_creates, total_updates, total_deletes, total_models
		FROM category_metadata
		WHERE format = $1 AND category = $2
	`, format, category)
	require.NoError(t, err)
	defer rows.Close()

	if !rows.Next() {
		require.NoError(t, rows.Err())
		return nil
	}
	var e SummaryEntry
	require.NoError(t, rows.Scan(&e.Format, &e.Category, &e.LastOperation, &e.LastModel,
		&e.TotalCreates, &e.TotalUpdates, &e.TotalDeletes, &e.TotalModels))
	return &e
}

// ClearMetadata truncates both metadata tables.
func ClearMetadata(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := pool.Exec(ctx, "TRUNCATE TABLE reference_operations, category_metadata")
	require.NoError(t, err)
}

// QueryOperationsMongo is QueryOperations for MongoDB.
func QueryOperationsMongo(t *testing.T, db *mongo.Database, format, category string) []OperationEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cursor, err := db.Collection("reference_operations").Find(ctx,
		bson.M{"format": format, "category": category},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	require.NoError(t, err)
	defer cursor.Close(ctx)

	var out []OperationEntry
	for cursor.Next(ctx) {
		var doc struct {
			ID       string    `bson:"_id"`
			Format   string    `bson:"format"`
			Category string    `bson:"category"`
			Type     string    `bson:"type"`
			Model    string    `bson:"model"`
			At       time.Time `bson:"at"`
		}
		require.NoError(t, cursor.Decode(&doc))
		out = append(out, OperationEntry{
			ID:       doc.ID,
			Format:   doc.Format,
			Category: doc.Category,
			Type:     doc.Type,
			Model:    doc.Model,
			At:       doc.At.UTC(),
		})
	}
	require.NoError(t, cursor.Err())
	return out
}

// QuerySummaryMongo is QuerySummary for MongoDB.
func QuerySummaryMongo(t *testing.T, db *mongo.Database, format, category string) *SummaryEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var doc struct {
		Format        string `bson:"format"`
		Category      string `bson:"category"`
		LastOperation string `bson:"last_operation"`
		LastModel     string `bson:"last_model"`
		TotalCreates  int64  `bson:"total_creates"`
		TotalUpdates  int64  `bson:"total_updates"`
		TotalDeletes  int64  `bson:"total_deletes"`
		TotalModels   int    `bson:"total_models"`
	}
	err := db.Collection("category_metadata").FindOne(ctx, bson.M{"format": format, "category": category}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	require.NoError(t, err)
	return &SummaryEntry{
		Format:        doc.Format,
		Category:      doc.Category,
		LastOperation: doc.LastOperation,
		LastModel:     doc.LastModel,
		TotalCreates:  doc.TotalCreates,
		TotalUpdates:  doc.TotalUpdates,
		TotalDeletes:  doc.TotalDeletes,
		TotalModels:   doc.TotalModels,
	}
}

// ClearMetadataMongo drops every metadata document.
func ClearMetadataMongo(t *testing.T, db *mongo.Database) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := db.Collection("reference_operations").DeleteMany(ctx, bson.M{})
	require.NoError(t, err)
	_, err = db.Collection("category_metadata").DeleteMany(ctx, bson.M{})
	require.NoError(t, err)
}
