package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/observability"
	"github.com/modelvault/authcore/pkg/scope"
)

// Accessor bundles the Database and Cache collaborators behind the typed
// read/write helpers the rest of the engine uses. Reads of credentials and
// base scopes are cache-through; all writers invalidate synchronously.
type Accessor struct {
	db      Database
	cache   Cache
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewAccessor creates an accessor. metrics may be nil.
func NewAccessor(db Database, cache Cache, logger *logrus.Logger, metrics *observability.Metrics) *Accessor {
	return &Accessor{db: db, cache: cache, logger: logger, metrics: metrics}
}

// Cache exposes the cache collaborator for components that share it (lock
// leases, session records).
func (a *Accessor) Cache() Cache {
	return a.cache
}

// Database exposes the database collaborator for table scans.
func (a *Accessor) Database() Database {
	return a.db
}

func (a *Accessor) countCache(hit bool, keyType string) {
	if a.metrics == nil {
		return
	}
	if hit {
		a.metrics.CacheHitsTotal.WithLabelValues(keyType).Inc()
	} else {
		a.metrics.CacheMissesTotal.WithLabelValues(keyType).Inc()
	}
}

// GetUser reads the user record, failing with errs.ErrNotFound when absent.
func (a *Accessor) GetUser(ctx context.Context, userID string) (*User, error) {
	item, err := a.db.GetItem(ctx, UsersTable, KeyUserID, userID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("user %q: %w", userID, errs.ErrNotFound)
	}

	var user User
	if err := FromItem(item, &user); err != nil {
		return nil, fmt.Errorf("user %q: %v: %w", userID, err, errs.ErrInternal)
	}
	user.ID = userID
	return &user, nil
}

// CreateUser inserts a fresh user record; errs.ErrConflict when the id is
// taken.
func (a *Accessor) CreateUser(ctx context.Context, user *User) error {
	item, err := ToItem(user)
	if err != nil {
		return fmt.Errorf("user %q: %v: %w", user.ID, err, errs.ErrInternal)
	}
	return a.db.CreateItem(ctx, UsersTable, KeyUserID, user.ID, item)
}

// UpdateUser merges patch into the user record and invalidates the base
// scope cache when the patch touches it.
func (a *Accessor) UpdateUser(ctx context.Context, userID string, patch Item) error {
	if err := a.db.UpdateItem(ctx, UsersTable, KeyUserID, userID, patch); err != nil {
		return err
	}
	if scopes, ok := patch[FieldBaseAccessScope]; ok {
		a.refreshBaseScopeCache(ctx, userID, scopes)
	}
	return nil
}

// DeleteUser removes the user record and drops the base scope cache entry.
func (a *Accessor) DeleteUser(ctx context.Context, userID string) error {
	if err := a.db.DeleteItem(ctx, UsersTable, KeyUserID, userID); err != nil {
		return err
	}
	if err := a.cache.DeleteKey(ctx, BaseScopeCachePrefix+userID); err != nil {
		a.logger.WithError(err).WithField("userId", userID).Warn("base scope cache invalidation failed")
	}
	return nil
}

// GetAuthEntry reads the auth-methods record for a credential key directly
// from the durable store.
func (a *Accessor) GetAuthEntry(ctx context.Context, credentialKey string) (*AuthEntry, error) {
	item, err := a.db.GetItem(ctx, AuthMethodsTable, KeyCredential, credentialKey)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("credential: %w", errs.ErrNotFound)
	}

	var entry AuthEntry
	if err := FromItem(item, &entry); err != nil {
		return nil, fmt.Errorf("credential entry: %v: %w", err, errs.ErrInternal)
	}
	return &entry, nil
}

// PutAuthEntry writes the auth-methods record and overwrites the credential
// cache synchronously.
func (a *Accessor) PutAuthEntry(ctx context.Context, credentialKey string, entry AuthEntry) error {
	item, err := ToItem(entry)
	if err != nil {
		return fmt.Errorf("credential entry: %v: %w", err, errs.ErrInternal)
	}
	if err := a.db.UpdateItem(ctx, AuthMethodsTable, KeyCredential, credentialKey, item); err != nil {
		return err
	}

	raw, err := json.Marshal(entry)
	if err == nil {
		err = a.cache.SetValue(ctx, CredentialCachePrefix+credentialKey, string(raw), 0)
	}
	if err != nil {
		a.logger.WithError(err).Warn("credential cache overwrite failed")
	}
	return nil
}

// PutAuthEntryDurable writes the auth-methods record without touching the
// credential cache. Used when a credential is re-keyed: the cache entry for
// the new key is only created on first authenticated use.
func (a *Accessor) PutAuthEntryDurable(ctx context.Context, credentialKey string, entry AuthEntry) error {
	item, err := ToItem(entry)
	if err != nil {
		return fmt.Errorf("credential entry: %v: %w", err, errs.ErrInternal)
	}
	return a.db.UpdateItem(ctx, AuthMethodsTable, KeyCredential, credentialKey, item)
}

// DeleteAuthEntry removes the auth-methods record and its cache entry.
func (a *Accessor) DeleteAuthEntry(ctx context.Context, credentialKey string) error {
	if err := a.db.DeleteItem(ctx, AuthMethodsTable, KeyCredential, credentialKey); err != nil {
		return err
	}
	if err := a.cache.DeleteKey(ctx, CredentialCachePrefix+credentialKey); err != nil {
		a.logger.WithError(err).Warn("credential cache invalidation failed")
	}
	return nil
}

// GetAuthContextByCredentialKey resolves a credential key to the owning
// identity and its final scopes, cache first. Incomplete cached entries are
// deleted and treated as misses (fail-closed).
func (a *Accessor) GetAuthContextByCredentialKey(ctx context.Context, credentialKey string) (*AuthEntry, error) {
	cacheKey := CredentialCachePrefix + credentialKey

	if cached, err := a.cache.GetValue(ctx, cacheKey); err == nil {
		var entry AuthEntry
		if jsonErr := json.Unmarshal([]byte(cached), &entry); jsonErr == nil {
			if entry.UserID != "" && entry.UserEmail != "" && entry.UserName != "" {
				a.countCache(true, "credential")
				return &entry, nil
			}
			a.logger.WithField("key", cacheKey).Warn("cached credential entry has empty fields, deleting")
			if delErr := a.cache.DeleteKey(ctx, cacheKey); delErr != nil {
				a.logger.WithError(delErr).Warn("credential cache delete failed")
			}
		}
	}
	a.countCache(false, "credential")

	entry, err := a.GetAuthEntry(ctx, credentialKey)
	if err != nil {
		return nil, err
	}

	raw, jsonErr := json.Marshal(entry)
	if jsonErr == nil {
		if setErr := a.cache.SetValue(ctx, cacheKey, string(raw), 0); setErr != nil {
			a.logger.WithError(setErr).Warn("credential cache repopulation failed")
		}
	}
	return entry, nil
}

// GetBaseScopesByUserID resolves a user's base access scope, cache first.
func (a *Accessor) GetBaseScopesByUserID(ctx context.Context, userID string) ([]scope.AccessScope, error) {
	cacheKey := BaseScopeCachePrefix + userID

	if cached, err := a.cache.GetValue(ctx, cacheKey); err == nil {
		var scopes []scope.AccessScope
		if jsonErr := json.Unmarshal([]byte(cached), &scopes); jsonErr == nil {
			a.countCache(true, "base_scope")
			return scopes, nil
		}
	}
	a.countCache(false, "base_scope")

	user, err := a.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	raw, jsonErr := json.Marshal(user.BaseAccessScope)
	if jsonErr == nil {
		if setErr := a.cache.SetValue(ctx, cacheKey, string(raw), 0); setErr != nil {
			a.logger.WithError(setErr).Warn("base scope cache repopulation failed")
		}
	}
	return user.BaseAccessScope, nil
}

func (a *Accessor) refreshBaseScopeCache(ctx context.Context, userID string, scopes interface{}) {
	raw, err := json.Marshal(scopes)
	if err == nil {
		err = a.cache.SetValue(ctx, BaseScopeCachePrefix+userID, string(raw), 0)
	}
	if err != nil {
		a.logger.WithError(err).WithField("userId", userID).Warn("base scope cache overwrite failed")
	}
}

// UniqueFieldKey builds the row key for a uniqueness-index entry. The field
// name is part of the key so an e-mail and a user name with the same string
// value never collide.
func UniqueFieldKey(keyName, keyValue string) string {
	return keyName + ":" + keyValue
}

// GetUniqueFieldOwner resolves a unique field value (email, user name, api
// key) to the owning user id, or errs.ErrNotFound.
func (a *Accessor) GetUniqueFieldOwner(ctx context.Context, keyName, keyValue string) (string, error) {
	item, err := a.db.GetItem(ctx, UniqueFieldsTable, keyName, UniqueFieldKey(keyName, keyValue))
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", fmt.Errorf("unique field %s: %w", keyName, errs.ErrNotFound)
	}
	userID, _ := item[KeyUserID].(string)
	if userID == "" {
		return "", fmt.Errorf("unique field %s has no owner: %w", keyName, errs.ErrNotFound)
	}
	return userID, nil
}

// ClaimUniqueField creates the uniqueness-index row for a field value,
// failing with errs.ErrConflict when the value is taken by another user.
func (a *Accessor) ClaimUniqueField(ctx context.Context, keyName, keyValue, userID string) error {
	return a.db.CreateItem(ctx, UniqueFieldsTable, keyName, UniqueFieldKey(keyName, keyValue),
		Item{KeyUserID: userID, keyName: keyValue})
}

// ReleaseUniqueField deletes the uniqueness-index row.
func (a *Accessor) ReleaseUniqueField(ctx context.Context, keyName, keyValue string) error {
	return a.db.DeleteItem(ctx, UniqueFieldsTable, keyName, UniqueFieldKey(keyName, keyValue))
}

// ScanUniqueFields returns every uniqueness-index row. Each item carries the
// owning userId plus the field name and value it indexes; the composite row
// key is merged in under "uniqueKey".
func (a *Accessor) ScanUniqueFields(ctx context.Context) ([]Item, error) {
	return a.db.ScanTable(ctx, UniqueFieldsTable, "uniqueKey")
}

// KeyedAuthEntry pairs an auth entry with its credential key for scans.
type KeyedAuthEntry struct {
	CredentialKey string
	Entry         AuthEntry
}

// ScanAuthEntries returns every credential record with its key.
func (a *Accessor) ScanAuthEntries(ctx context.Context) ([]KeyedAuthEntry, error) {
	items, err := a.db.ScanTable(ctx, AuthMethodsTable, KeyCredential)
	if err != nil {
		return nil, err
	}

	entries := make([]KeyedAuthEntry, 0, len(items))
	for _, item := range items {
		var entry AuthEntry
		if err := FromItem(item, &entry); err != nil {
			return nil, fmt.Errorf("scan auth entries: %v: %w", err, errs.ErrInternal)
		}
		key, _ := item[KeyCredential].(string)
		entries = append(entries, KeyedAuthEntry{CredentialKey: key, Entry: entry})
	}
	return entries, nil
}

// ScanUsers returns every user record.
func (a *Accessor) ScanUsers(ctx context.Context) ([]User, error) {
	items, err := a.db.ScanTable(ctx, UsersTable, KeyUserID)
	if err != nil {
		return nil, err
	}

	users := make([]User, 0, len(items))
	for _, item := range items {
		var user User
		if err := FromItem(item, &user); err != nil {
			return nil, fmt.Errorf("scan users: %v: %w", err, errs.ErrInternal)
		}
		user.ID, _ = item[KeyUserID].(string)
		users = append(users, user)
	}
	return users, nil
}
