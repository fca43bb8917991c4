package metadata

import (
	"context"
	"errors"
	"fmt"

	"modelref/config"
	"modelref/internal/storage"
)

// Result holds the initialized tracker and optional owned storage.
type Result struct {
	Tracker *Tracker
	Store   Store
	Storage storage.Storage
}

// Close releases resources held by the metadata store.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates a metadata tracker from app configuration.
// The memory store is used when storage.type is empty or "memory".
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Storage.Type == "" || cfg.Storage.Type == storage.TypeMemory {
		store := NewMemoryStore()
		return &Result{Tracker: NewTracker(store), Store: store}, nil
	}

	shared, err := storage.New(ctx, buildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	store, err := createStore(ctx, shared)
	if err != nil {
		_ = shared.Close()
		return nil, err
	}

	return &Result{
		Tracker: NewTracker(store),
		Store:   store,
		Storage: shared,
	}, nil
}

// NewWithSharedStorage creates a metadata tracker using a shared storage connection.
func NewWithSharedStorage(ctx context.Context, shared storage.Storage) (*Result, error) {
	if shared == nil {
		return nil, fmt.Errorf("shared storage is required")
	}
	store, err := createStore(ctx, shared)
	if err != nil {
		return nil, err
	}
	return &Result{
		Tracker: NewTracker(store),
		Store:   store,
	}, nil
}

func buildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.Config{
		Type: cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		},
	}

	if storageCfg.SQLite.Path == "" {
		storageCfg.SQLite.Path = storage.DefaultSQLitePath
	}
	if storageCfg.MongoDB.Database == "" {
		storageCfg.MongoDB.Database = storage.DefaultDatabaseName
	}
	return storageCfg
}

func createStore(ctx context.Context, shared storage.Storage) (Store, error) {
	switch shared.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(shared.SQLiteDB())
	case storage.TypePostgreSQL:
		pool := shared.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool)
	case storage.TypeMongoDB:
		db := shared.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(db)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", shared.Type())
	}
}
