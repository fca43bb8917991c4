package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modelref/internal/core"
)

// SQLiteStore stores metadata in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the metadata tables if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS category_metadata (
			format TEXT NOT NULL,
			category TEXT NOT NULL,
			last_updated INTEGER NOT NULL,
			last_operation TEXT NOT NULL,
			last_model TEXT NOT NULL,
			total_creates INTEGER NOT NULL DEFAULT 0,
			total_updates INTEGER NOT NULL DEFAULT 0,
			total_deletes INTEGER NOT NULL DEFAULT 0,
			total_models INTEGER NOT NULL DEFAULT 0,
			initialized_at INTEGER NOT NULL,
			PRIMARY KEY (format, category)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create category_metadata table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reference_operations (
			id TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			category TEXT NOT NULL,
			type TEXT NOT NULL,
			model TEXT NOT NULL,
			at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference_operations table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_reference_operations_category ON reference_operations(format, category, at DESC)"); err != nil {
		return nil, fmt.Errorf("failed to create reference_operations index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, op Operation, totalModels int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := op.At.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reference_operations (id, format, category, type, model, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Format), string(op.Category), string(op.Type), op.Model, at); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}

	creates, updates, deletes := counters(op)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO category_metadata (
			format, category, last_updated, last_operation, last_model,
			total_creates, total_updates, total_deletes, total_models, initialized_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(format, category) DO UPDATE SET
			last_updated = excluded.last_updated,
			last_operation = excluded.last_operation,
			last_model = excluded.last_model,
			total_creates = category_metadata.total_creates + excluded.total_creates,
			total_updates = category_metadata.total_updates + excluded.total_updates,
			total_deletes = category_metadata.total_deletes + excluded.total_deletes,
			total_models = excluded.total_models
	`, string(op.Format), string(op.Category), at, string(op.Type), op.Model,
		creates, updates, deletes, totalModels, at); err != nil {
		return fmt.Errorf("upsert category metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, format Format, category core.Category) (*CategoryMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT category, format, last_updated, last_operation, last_model,
			total_creates, total_updates, total_deletes, total_models, initialized_at
		FROM category_metadata WHERE format = ? AND category = ?
	`, string(format), string(category))
	m, err := scanSQLMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query category metadata: %w", err)
	}
	return m, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, format Format) ([]CategoryMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, format, last_updated, last_operation, last_model,
			total_creates, total_updates, total_deletes, total_models, initialized_at
		FROM category_metadata WHERE format = ? ORDER BY category
	`, string(format))
	if err != nil {
		return nil, fmt.Errorf("list category metadata: %w", err)
	}
	defer rows.Close()

	var out []CategoryMetadata
	for rows.Next() {
		m, err := scanSQLMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category metadata: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category metadata: %w", err)
	}
	return out, nil
}

// Close implements Store. The shared connection is closed by its owner.
func (s *SQLiteStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLMetadata(row rowScanner) (*CategoryMetadata, error) {
	var (
		m                          CategoryMetadata
		category, format, lastOp   string
		lastUpdated, initializedAt int64
	)
	if err := row.Scan(&category, &format, &lastUpdated, &lastOp, &m.LastModel,
		&m.TotalCreates, &m.TotalUpdates, &m.TotalDeletes, &m.TotalModels, &initializedAt); err != nil {
		return nil, err
	}
	m.Category = core.Category(category)
	m.Format = Format(format)
	m.LastOperation = OperationType(lastOp)
	m.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	m.InitializedAt = time.UnixMilli(initializedAt).UTC()
	return &m, nil
}
