package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"modelref/internal/core"
)

type mongoMetadataDocument struct {
	ID            string    `bson:"_id"`
	Format        string    `bson:"format"`
	Category      string    `bson:"category"`
	LastUpdated   time.Time `bson:"last_updated"`
	LastOperation string    `bson:"last_operation"`
	LastModel     string    `bson:"last_model"`
	TotalCreates  int64     `bson:"total_creates"`
	TotalUpdates  int64     `bson:"total_updates"`
	TotalDeletes  int64     `bson:"total_deletes"`
	TotalModels   int       `bson:"total_models"`
	InitializedAt time.Time `bson:"initialized_at"`
}

func (d mongoMetadataDocument) toMetadata() CategoryMetadata {
	return CategoryMetadata{
		Category:      core.Category(d.Category),
		Format:        Format(d.Format),
		LastUpdated:   d.LastUpdated.UTC(),
		LastOperation: OperationType(d.LastOperation),
		LastModel:     d.LastModel,
		TotalCreates:  d.TotalCreates,
		TotalUpdates:  d.TotalUpdates,
		TotalDeletes:  d.TotalDeletes,
		TotalModels:   d.TotalModels,
		InitializedAt: d.InitializedAt.UTC(),
	}
}

// MongoDBStore stores metadata in MongoDB.
type MongoDBStore struct {
	summaries  *mongo.Collection
	operations *mongo.Collection
}

// NewMongoDBStore creates collection indexes if needed.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	summaries := database.Collection("category_metadata")
	operations := database.Collection("reference_operations")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := summaries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "format", Value: 1}, {Key: "category", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("create category_metadata index: %w", err)
	}
	if _, err := operations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "format", Value: 1}, {Key: "category", Value: 1}, {Key: "at", Value: -1}},
	}); err != nil {
		return nil, fmt.Errorf("create reference_operations index: %w", err)
	}

	return &MongoDBStore{summaries: summaries, operations: operations}, nil
}

func mongoSummaryID(format Format, category core.Category) string {
	return string(format) + ":" + string(category)
}

// Record implements Store.
func (s *MongoDBStore) Record(ctx context.Context, op Operation, totalModels int) error {
	if _, err := s.operations.InsertOne(ctx, op); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}

	creates, updates, deletes := counters(op)
	update := bson.M{
		"$set": bson.M{
			"format":         string(op.Format),
			"category":       string(op.Category),
			"last_updated":   op.At,
			"last_operation": string(op.Type),
			"last_model":     op.Model,
			"total_models":   totalModels,
		},
		"$inc": bson.M{
			"total_creates": creates,
			"total_updates": updates,
			"total_deletes": deletes,
		},
		"$setOnInsert": bson.M{"initialized_at": op.At},
	}
	_, err := s.summaries.UpdateOne(ctx,
		bson.M{"_id": mongoSummaryID(op.Format, op.Category)},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert category metadata: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *MongoDBStore) Get(ctx context.Context, format Format, category core.Category) (*CategoryMetadata, error) {
	var doc mongoMetadataDocument
	err := s.summaries.FindOne(ctx, bson.M{"_id": mongoSummaryID(format, category)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query category metadata: %w", err)
	}
	m := doc.toMetadata()
	return &m, nil
}

// List implements Store.
func (s *MongoDBStore) List(ctx context.Context, format Format) ([]CategoryMetadata, error) {
	cursor, err := s.summaries.Find(ctx,
		bson.M{"format": string(format)},
		options.Find().SetSort(bson.D{{Key: "category", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list category metadata: %w", err)
	}
	defer cursor.Close(ctx)

	var out []CategoryMetadata
	for cursor.Next(ctx) {
		var doc mongoMetadataDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode category metadata: %w", err)
		}
		out = append(out, doc.toMetadata())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate category metadata: %w", err)
	}
	return out, nil
}

// Close implements Store. The shared client is closed by its owner.
func (s *MongoDBStore) Close() error { return nil }
