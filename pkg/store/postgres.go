package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/modelvault/authcore/pkg/errs"
)

// PostgresDatabase implements Database on PostgreSQL with one JSONB row per
// entity. Logical tables share a single physical table partitioned by the
// table_name column, so adding a logical table needs no migration.
type PostgresDatabase struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS entity_records (
	table_name TEXT NOT NULL,
	key_value  TEXT NOT NULL,
	record     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (table_name, key_value)
);
`

// NewPostgresDatabase opens a connection pool and ensures the schema.
func NewPostgresDatabase(connStr string, maxConns int) (*PostgresDatabase, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresDatabase{db: db}, nil
}

// NewPostgresDatabaseFromDB wraps an existing handle (tests use sqlmock).
func NewPostgresDatabaseFromDB(db *sql.DB) *PostgresDatabase {
	return &PostgresDatabase{db: db}
}

// DB exposes the underlying handle for health checks.
func (p *PostgresDatabase) DB() *sql.DB {
	return p.db
}

// Close closes the connection pool.
func (p *PostgresDatabase) Close() error {
	return p.db.Close()
}

// GetItem returns the record or (nil, nil) when absent.
func (p *PostgresDatabase) GetItem(ctx context.Context, table, keyName, keyValue string) (Item, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT record FROM entity_records WHERE table_name = $1 AND key_value = $2`,
		table, keyValue,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}
	item[keyName] = keyValue
	return item, nil
}

// CreateItem inserts the record, failing with errs.ErrConflict when the key
// already exists.
func (p *PostgresDatabase) CreateItem(ctx context.Context, table, keyName, keyValue string, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}

	result, err := p.db.ExecContext(ctx,
		`INSERT INTO entity_records (table_name, key_value, record) VALUES ($1, $2, $3)
		 ON CONFLICT (table_name, key_value) DO NOTHING`,
		table, keyValue, raw,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("key %q already exists in %s: %w", keyValue, table, errs.ErrConflict)
		}
		return fmt.Errorf("create %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}
	if affected == 0 {
		return fmt.Errorf("key %q already exists in %s: %w", keyValue, table, errs.ErrConflict)
	}
	return nil
}

// UpdateItem merges patch into the record via JSONB concatenation, creating
// the record when absent.
func (p *PostgresDatabase) UpdateItem(ctx context.Context, table, keyName, keyValue string, patch Item) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO entity_records (table_name, key_value, record) VALUES ($1, $2, $3)
		 ON CONFLICT (table_name, key_value)
		 DO UPDATE SET record = entity_records.record || EXCLUDED.record, updated_at = now()`,
		table, keyValue, raw,
	)
	if err != nil {
		return fmt.Errorf("update %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}
	return nil
}

// DeleteItem removes the record; removing a missing record is a no-op.
func (p *PostgresDatabase) DeleteItem(ctx context.Context, table, keyName, keyValue string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM entity_records WHERE table_name = $1 AND key_value = $2`,
		table, keyValue,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
	}
	return nil
}

// ScanTable returns every record in the logical table with its key merged in
// under keyName.
func (p *PostgresDatabase) ScanTable(ctx context.Context, table, keyName string) ([]Item, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key_value, record FROM entity_records WHERE table_name = $1`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %v: %w", table, err, errs.ErrInternal)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var keyValue string
		var raw []byte
		if err := rows.Scan(&keyValue, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %v: %w", table, err, errs.ErrInternal)
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %v: %w", table, keyValue, err, errs.ErrInternal)
		}
		item[keyName] = keyValue
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %v: %w", table, err, errs.ErrInternal)
	}
	return items, nil
}
