package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Item is one table record in its generic JSON form.
type Item = map[string]interface{}

// Database is the durable key-value table collaborator. Implementations must
// treat each logical table as an independent namespace. GetItem returns
// (nil, nil) for a missing record; CreateItem must fail with
// errs.ErrConflict when the key already exists (attribute-not-exists
// semantics).
type Database interface {
	GetItem(ctx context.Context, table, keyName, keyValue string) (Item, error)
	CreateItem(ctx context.Context, table, keyName, keyValue string, item Item) error
	UpdateItem(ctx context.Context, table, keyName, keyValue string, patch Item) error
	DeleteItem(ctx context.Context, table, keyName, keyValue string) error
	// ScanTable returns every record with its key value merged in under
	// keyName.
	ScanTable(ctx context.Context, table, keyName string) ([]Item, error)
}

// Cache is the TTL key-value collaborator. A zero TTL means no expiry.
// GetValue returns errs.ErrNotFound on miss. SetIfAbsent is the lease
// primitive the lock controller builds on.
type Cache interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteKey(ctx context.Context, key string) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// ToItem converts a typed record into its generic table form.
func ToItem(record interface{}) (Item, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("unmarshal record into item: %w", err)
	}
	return item, nil
}

// FromItem converts a generic table record into dest.
func FromItem(item Item, dest interface{}) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("unmarshal item into record: %w", err)
	}
	return nil
}
