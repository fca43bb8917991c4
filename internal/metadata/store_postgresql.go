package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"modelref/internal/core"
)

// PostgreSQLStore stores metadata in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the metadata tables if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS category_metadata (
			format TEXT NOT NULL,
			category TEXT NOT NULL,
			last_updated BIGINT NOT NULL,
			last_operation TEXT NOT NULL,
			last_model TEXT NOT NULL,
			total_creates BIGINT NOT NULL DEFAULT 0,
			total_updates BIGINT NOT NULL DEFAULT 0,
			total_deletes BIGINT NOT NULL DEFAULT 0,
			total_models INTEGER NOT NULL DEFAULT 0,
			initialized_at BIGINT NOT NULL,
			PRIMARY KEY (format, category)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create category_metadata table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reference_operations (
			id TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			category TEXT NOT NULL,
			type TEXT NOT NULL,
			model TEXT NOT NULL,
			at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference_operations table: %w", err)
	}
	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_reference_operations_category ON reference_operations(format, category, at DESC)"); err != nil {
		return nil, fmt.Errorf("failed to create reference_operations index: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Record implements Store.
func (s *PostgreSQLStore) Record(ctx context.Context, op Operation, totalModels int) error {
	at := op.At.UnixMilli()
	creates, updates, deletes := counters(op)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reference_operations (id, format, category, type, model, at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, op.ID, string(op.Format), string(op.Category), string(op.Type), op.Model, at); err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO category_metadata (
				format, category, last_updated, last_operation, last_model,
				total_creates, total_updates, total_deletes, total_models, initialized_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $3)
			ON CONFLICT (format, category) DO UPDATE SET
				last_updated = EXCLUDED.last_updated,
				last_operation = EXCLUDED.last_operation,
				last_model = EXCLUDED.last_model,
				total_creates = category_metadata.total_creates + EXCLUDED.total_creates,
				total_updates = category_metadata.total_updates + EXCLUDED.total_updates,
				total_deletes = category_metadata.total_deletes + EXCLUDED.total_deletes,
				total_models = EXCLUDED.total_models
		`, string(op.Format), string(op.Category), at, string(op.Type), op.Model,
			creates, updates, deletes, totalModels); err != nil {
			return fmt.Errorf("upsert category metadata: %w", err)
		}
		return nil
	})
}

// Get implements Store.
func (s *PostgreSQLStore) Get(ctx context.Context, format Format, category core.Category) (*CategoryMetadata, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT category, format, last_updated, last_operation, last_model,
			total_creates, total_updates, total_deletes, total_models, initialized_at
		FROM category_metadata WHERE format = $1 AND category = $2
	`, string(format), string(category))
	m, err := scanSQLMetadata(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query category metadata: %w", err)
	}
	return m, nil
}

// List implements Store.
func (s *PostgreSQLStore) List(ctx context.Context, format Format) ([]CategoryMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, format, last_updated, last_operation, last_model,
			total_creates, total_updates, total_deletes, total_models, initialized_at
		FROM category_metadata WHERE format = $1 ORDER BY category
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

// Close implements Store. The shared pool is closed by its owner.
func (s *PostgreSQLStore) Close() error { return nil }
