package rights

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/scope"
	"github.com/modelvault/authcore/pkg/store"
)

// Engine mutates base and final access scopes while preserving the
// containment invariant: every right in every credential's final scope is
// covered by some entry in the owning user's base scope. Every mutation runs
// under the per-user lease so concurrent grants cannot lose updates.
type Engine struct {
	accessor *store.Accessor
	locks    *lock.Controller
	shared   SharedResourceClient
	logger   *logrus.Logger
}

// NewEngine wires the rights engine.
func NewEngine(accessor *store.Accessor, locks *lock.Controller, shared SharedResourceClient, logger *logrus.Logger) *Engine {
	return &Engine{accessor: accessor, locks: locks, shared: shared, logger: logger}
}

// GloballySharedResourceIDs returns the current globally-shared resource id
// list from the resource service.
func (e *Engine) GloballySharedResourceIDs(ctx context.Context) ([]string, error) {
	return e.shared.ListGloballySharedResourceIDs(ctx)
}

// DefaultScopesFor computes the default scope template for a user, including
// the read grants for every currently globally-shared resource. A failing
// peer call degrades to the fixed template rather than failing the caller.
func (e *Engine) DefaultScopesFor(ctx context.Context, userID string) []scope.AccessScope {
	sharedIDs, err := e.shared.ListGloballySharedResourceIDs(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("globally-shared resource lookup failed, granting fixed defaults only")
		sharedIDs = nil
	}
	return DefaultUserScopes(userID, sharedIDs)
}

// GrantDefaultRights merges the default scope template into the user's base
// scope. Idempotent: already-present scopes are left untouched.
func (e *Engine) GrantDefaultRights(ctx context.Context, userID string) error {
	return e.GrantBaseRights(ctx, userID, e.DefaultScopesFor(ctx, userID))
}

// GrantBaseRights union-merges newScopes into the user's base scope, then
// re-trims every credential's final scope against the updated base so the
// containment invariant holds even when a caller replaces rights.
func (e *Engine) GrantBaseRights(ctx context.Context, userID string, newScopes []scope.AccessScope) error {
	return e.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		return e.GrantBaseRightsLocked(ctx, userID, newScopes)
	})
}

// GrantBaseRightsLocked is GrantBaseRights for callers that already hold the
// user's lease. The lease is not reentrant, so flows that create the user
// and grant its rights inside one critical section must use this form.
func (e *Engine) GrantBaseRightsLocked(ctx context.Context, userID string, newScopes []scope.AccessScope) error {
	newScopes = scope.Normalize(newScopes)

	user, err := e.accessor.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	merged := scope.UnionMerge(user.BaseAccessScope, newScopes)
	if err := e.accessor.UpdateUser(ctx, userID, store.Item{store.FieldBaseAccessScope: merged}); err != nil {
		return err
	}
	return e.syncFinalScopes(ctx, user, merged)
}

// RevokeBaseRight removes the base scope entry whose wildcard path exactly
// matches wildcardPath. Final scope entries whose path the revoked matcher
// accepts lose the rights no remaining base entry still covers; entries the
// matcher does not accept are kept untouched.
func (e *Engine) RevokeBaseRight(ctx context.Context, userID, wildcardPath string) error {
	return e.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		return e.RevokeBaseRightLocked(ctx, userID, wildcardPath)
	})
}

// RevokeBaseRightLocked is RevokeBaseRight for callers that already hold the
// user's lease.
func (e *Engine) RevokeBaseRightLocked(ctx context.Context, userID, wildcardPath string) error {
	user, err := e.accessor.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	remaining := make([]scope.AccessScope, 0, len(user.BaseAccessScope))
	found := false
	for _, s := range user.BaseAccessScope {
		if s.WildcardPath == wildcardPath {
			found = true
			continue
		}
		remaining = append(remaining, s)
	}
	if !found {
		return fmt.Errorf("base scope %q: %w", wildcardPath, errs.ErrNotFound)
	}

	if err := e.accessor.UpdateUser(ctx, userID, store.Item{store.FieldBaseAccessScope: remaining}); err != nil {
		return err
	}

	revokedMatcher := scope.CompileWildcard(wildcardPath)
	return e.forEachCredential(ctx, user, func(ctx context.Context, key string, entry *store.AuthEntry) error {
		trimmed := make([]scope.AccessScope, 0, len(entry.FinalAccessScope))
		changed := false
		for _, final := range entry.FinalAccessScope {
			if !revokedMatcher.MatchString(final.WildcardPath) {
				trimmed = append(trimmed, final)
				continue
			}
			kept := make([]string, 0, len(final.AccessRights))
			for _, right := range final.AccessRights {
				if scope.RightCovered(remaining, final.WildcardPath, right) {
					kept = append(kept, right)
				}
			}
			if len(kept) != len(final.AccessRights) {
				changed = true
			}
			if len(kept) > 0 {
				trimmed = append(trimmed, scope.AccessScope{WildcardPath: final.WildcardPath, AccessRights: kept})
			}
		}
		if !changed {
			return nil
		}
		entry.FinalAccessScope = trimmed
		return e.accessor.PutAuthEntry(ctx, key, *entry)
	})
}

// UpdateBaseRight replaces the right set of an existing base scope entry,
// identified by its exact wildcard path. Unknown rights are dropped; a
// request left with none is errs.ErrBadInput. Finals are re-trimmed against
// the updated base when the set actually changed.
func (e *Engine) UpdateBaseRight(ctx context.Context, userID, wildcardPath string, newRights []string) error {
	newRights = scope.NormalizeRights(newRights)
	if len(newRights) == 0 {
		return fmt.Errorf("no valid access right, use one of %s: %w", scope.PossibleRightsText(), errs.ErrBadInput)
	}

	return e.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		user, err := e.accessor.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		updated := make([]scope.AccessScope, 0, len(user.BaseAccessScope))
		found, changed := false, false
		for _, s := range user.BaseAccessScope {
			if s.WildcardPath == wildcardPath {
				found = true
				changed = !scope.SameRights(s.AccessRights, newRights)
				s = scope.AccessScope{WildcardPath: wildcardPath, AccessRights: newRights}
			}
			updated = append(updated, s)
		}
		if !found {
			return fmt.Errorf("base scope %q: %w", wildcardPath, errs.ErrNotFound)
		}
		if !changed {
			return nil
		}

		if err := e.accessor.UpdateUser(ctx, userID, store.Item{store.FieldBaseAccessScope: updated}); err != nil {
			return err
		}
		user.BaseAccessScope = updated
		return e.syncFinalScopes(ctx, user, updated)
	})
}

// GrantFinalRights union-merges requestedScopes into a credential's final
// scope. Rejected with errs.ErrForbidden unless the user's base scope already
// contains every requested right.
func (e *Engine) GrantFinalRights(ctx context.Context, userID, credentialKey string, requestedScopes []scope.AccessScope) error {
	return e.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		return e.GrantFinalRightsLocked(ctx, userID, credentialKey, requestedScopes)
	})
}

// GrantFinalRightsLocked is GrantFinalRights for callers that already hold
// the user's lease.
func (e *Engine) GrantFinalRightsLocked(ctx context.Context, userID, credentialKey string, requestedScopes []scope.AccessScope) error {
	requestedScopes = scope.Normalize(requestedScopes)
	user, err := e.accessor.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	entry, err := e.accessor.GetAuthEntry(ctx, credentialKey)
	if err != nil {
		return err
	}
	if entry.UserID != userID {
		return fmt.Errorf("credential does not belong to user: %w", errs.ErrNotFound)
	}

	if !scope.Contains(user.BaseAccessScope, requestedScopes) {
		return fmt.Errorf("requested scopes exceed base access scope: %w", errs.ErrForbidden)
	}

	entry.FinalAccessScope = scope.UnionMerge(entry.FinalAccessScope, requestedScopes)
	return e.accessor.PutAuthEntry(ctx, credentialKey, *entry)
}

// GrantBaseToFinal union-merges the user's entire base scope into the
// credential's final scope. This is the repair performed when an access check
// denies on first attempt: rights-propagation events may have widened the
// base before the credential's finals caught up.
func (e *Engine) GrantBaseToFinal(ctx context.Context, userID, credentialKey string) error {
	return e.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		user, err := e.accessor.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if len(user.BaseAccessScope) == 0 {
			return fmt.Errorf("user has no base rights: %w", errs.ErrForbidden)
		}

		entry, err := e.accessor.GetAuthEntry(ctx, credentialKey)
		if err != nil {
			return err
		}
		if entry.UserID != userID {
			return fmt.Errorf("credential does not belong to user: %w", errs.ErrNotFound)
		}

		entry.FinalAccessScope = scope.UnionMerge(entry.FinalAccessScope, user.BaseAccessScope)
		return e.accessor.PutAuthEntry(ctx, credentialKey, *entry)
	})
}

// RevokeFinalRight removes the final scope entry whose wildcard path exactly
// matches wildcardPath from the credential.
func (e *Engine) RevokeFinalRight(ctx context.Context, userID, credentialKey, wildcardPath string) error {
	return e.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		entry, err := e.accessor.GetAuthEntry(ctx, credentialKey)
		if err != nil {
			return err
		}
		if entry.UserID != userID {
			return fmt.Errorf("credential does not belong to user: %w", errs.ErrNotFound)
		}

		remaining := make([]scope.AccessScope, 0, len(entry.FinalAccessScope))
		found := false
		for _, s := range entry.FinalAccessScope {
			if s.WildcardPath == wildcardPath {
				found = true
				continue
			}
			remaining = append(remaining, s)
		}
		if !found {
			return fmt.Errorf("final scope %q: %w", wildcardPath, errs.ErrNotFound)
		}

		entry.FinalAccessScope = remaining
		return e.accessor.PutAuthEntry(ctx, credentialKey, *entry)
	})
}

// UpdateFinalRight replaces the right set of an existing final scope entry,
// identified by its exact wildcard path. Every requested right must still be
// covered by the user's base scope or the update is errs.ErrForbidden.
func (e *Engine) UpdateFinalRight(ctx context.Context, userID, credentialKey, wildcardPath string, newRights []string) error {
	newRights = scope.NormalizeRights(newRights)
	if len(newRights) == 0 {
		return fmt.Errorf("no valid access right, use one of %s: %w", scope.PossibleRightsText(), errs.ErrBadInput)
	}

	return e.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		user, err := e.accessor.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		entry, err := e.accessor.GetAuthEntry(ctx, credentialKey)
		if err != nil {
			return err
		}
		if entry.UserID != userID {
			return fmt.Errorf("credential does not belong to user: %w", errs.ErrNotFound)
		}

		for _, right := range newRights {
			if !scope.RightCovered(user.BaseAccessScope, wildcardPath, right) {
				return fmt.Errorf("requested rights exceed base access scope: %w", errs.ErrForbidden)
			}
		}

		updated := make([]scope.AccessScope, 0, len(entry.FinalAccessScope))
		found, changed := false, false
		for _, s := range entry.FinalAccessScope {
			if s.WildcardPath == wildcardPath {
				found = true
				changed = !scope.SameRights(s.AccessRights, newRights)
				s = scope.AccessScope{WildcardPath: wildcardPath, AccessRights: newRights}
			}
			updated = append(updated, s)
		}
		if !found {
			return fmt.Errorf("final scope %q: %w", wildcardPath, errs.ErrNotFound)
		}
		if !changed {
			return nil
		}

		entry.FinalAccessScope = updated
		return e.accessor.PutAuthEntry(ctx, credentialKey, *entry)
	})
}

// ListBaseRights returns the user's base scopes through the cache-backed
// read; every base-scope writer overwrites that cache synchronously.
func (e *Engine) ListBaseRights(ctx context.Context, userID string) ([]scope.AccessScope, error) {
	return e.accessor.GetBaseScopesByUserID(ctx, userID)
}

// ListFinalRights returns a credential's final scopes.
func (e *Engine) ListFinalRights(ctx context.Context, userID, credentialKey string) ([]scope.AccessScope, error) {
	entry, err := e.accessor.GetAuthEntry(ctx, credentialKey)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		return nil, fmt.Errorf("credential does not belong to user: %w", errs.ErrNotFound)
	}
	return entry.FinalAccessScope, nil
}

// syncFinalScopes trims every credential's final scope to the rights the
// given base scope still covers, writing back only the changed entries.
func (e *Engine) syncFinalScopes(ctx context.Context, user *store.User, baseScopes []scope.AccessScope) error {
	return e.forEachCredential(ctx, user, func(ctx context.Context, key string, entry *store.AuthEntry) error {
		trimmed := scope.TrimToCoverage(baseScopes, entry.FinalAccessScope)
		if scopesEqual(trimmed, entry.FinalAccessScope) {
			return nil
		}
		entry.FinalAccessScope = trimmed
		return e.accessor.PutAuthEntry(ctx, key, *entry)
	})
}

// forEachCredential visits the auth entry of every auth method the user
// carries. Methods whose entry row is missing are skipped, they are cleaned
// up by the periodic sweep.
func (e *Engine) forEachCredential(ctx context.Context, user *store.User, fn func(ctx context.Context, credentialKey string, entry *store.AuthEntry) error) error {
	for _, method := range user.AuthMethods {
		key, err := method.CredentialKey()
		if err != nil {
			e.logger.WithError(err).WithField("userId", user.ID).Warn("skipping malformed auth method")
			continue
		}
		entry, err := e.accessor.GetAuthEntry(ctx, key)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return err
		}
		if err := fn(ctx, key, entry); err != nil {
			return err
		}
	}
	return nil
}

func scopesEqual(a, b []scope.AccessScope) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].WildcardPath != b[i].WildcardPath {
			return false
		}
		if len(a[i].AccessRights) != len(b[i].AccessRights) {
			return false
		}
		for j := range a[i].AccessRights {
			if a[i].AccessRights[j] != b[i].AccessRights[j] {
				return false
			}
		}
	}
	return true
}
