package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/modelvault/authcore/pkg/errs"
)

// MemoryDatabase is an in-memory Database used in tests and local runs.
// Records are deep-copied on the way in and out.
type MemoryDatabase struct {
	mu     sync.RWMutex
	tables map[string]map[string]Item
}

// NewMemoryDatabase creates an empty in-memory database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{tables: make(map[string]map[string]Item)}
}

func copyItem(item Item) Item {
	if item == nil {
		return nil
	}
	raw, _ := json.Marshal(item)
	var out Item
	_ = json.Unmarshal(raw, &out)
	return out
}

func (d *MemoryDatabase) table(name string) map[string]Item {
	t, ok := d.tables[name]
	if !ok {
		t = make(map[string]Item)
		d.tables[name] = t
	}
	return t
}

// GetItem returns the record or (nil, nil) when absent.
func (d *MemoryDatabase) GetItem(ctx context.Context, table, keyName, keyValue string) (Item, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	item, ok := d.tables[table][keyValue]
	if !ok {
		return nil, nil
	}
	out := copyItem(item)
	out[keyName] = keyValue
	return out, nil
}

// CreateItem stores the record only when the key does not exist yet.
func (d *MemoryDatabase) CreateItem(ctx context.Context, table, keyName, keyValue string, item Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.table(table)
	if _, exists := t[keyValue]; exists {
		return fmt.Errorf("key %q already exists in %s: %w", keyValue, table, errs.ErrConflict)
	}
	t[keyValue] = copyItem(item)
	return nil
}

// UpdateItem merges patch into the record, creating it when absent.
func (d *MemoryDatabase) UpdateItem(ctx context.Context, table, keyName, keyValue string, patch Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.table(table)
	current, ok := t[keyValue]
	if !ok {
		current = make(Item)
	}
	merged := copyItem(current)
	for k, v := range copyItem(patch) {
		merged[k] = v
	}
	t[keyValue] = merged
	return nil
}

// DeleteItem removes the record; deleting a missing record is a no-op.
func (d *MemoryDatabase) DeleteItem(ctx context.Context, table, keyName, keyValue string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.tables[table], keyValue)
	return nil
}

// ScanTable returns every record with its key merged in under keyName.
func (d *MemoryDatabase) ScanTable(ctx context.Context, table, keyName string) ([]Item, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t := d.tables[table]
	out := make([]Item, 0, len(t))
	for keyValue, item := range t {
		copied := copyItem(item)
		copied[keyName] = keyValue
		out = append(out, copied)
	}
	return out, nil
}
