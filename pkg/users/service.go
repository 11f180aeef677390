package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/store"
)

// FederatedSuffix marks e-mail addresses and user names that belong to
// federated (SSO) identities. Externally supplied profiles may not use it;
// internal flows create identities with it.
const FederatedSuffix = ".sso"

// Service owns the user lifecycle. All mutations are lease-guarded.
type Service struct {
	accessor *store.Accessor
	locks    *lock.Controller
	rights   *rights.Engine
	logger   *logrus.Logger
}

// NewService wires the user lifecycle service.
func NewService(accessor *store.Accessor, locks *lock.Controller, rightsEngine *rights.Engine, logger *logrus.Logger) *Service {
	return &Service{accessor: accessor, locks: locks, rights: rightsEngine, logger: logger}
}

// CreateUserRequest carries the profile fields a new user starts with.
type CreateUserRequest struct {
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

// CreateUser creates a user with uniqueness-index rows for its e-mail and
// user name, seeds the shared-resources list, and grants the default base
// rights. Internal callers may create federated identities (suffix allowed).
// Returns the new user id, or errs.ErrConflict when a unique field is taken.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest, internal bool) (string, error) {
	req.UserEmail = strings.ToLower(strings.TrimSpace(req.UserEmail))
	req.UserName = strings.TrimSpace(req.UserName)

	if req.UserEmail != "" {
		if err := store.UpdatableUserEmail.Validate(req.UserEmail); err != nil && !isFederated(req.UserEmail) {
			return "", err
		}
		if !internal && isFederated(req.UserEmail) {
			return "", fmt.Errorf("e-mail address cannot end with %s: %w", FederatedSuffix, errs.ErrBadInput)
		}
	}
	if req.UserName != "" && !internal && isFederated(req.UserName) {
		return "", fmt.Errorf("user name cannot end with %s: %w", FederatedSuffix, errs.ErrBadInput)
	}
	if req.UserEmail == "" && req.UserName == "" {
		return "", fmt.Errorf("at least one of userEmail, userName is required: %w", errs.ErrBadInput)
	}

	userID := uuid.NewString()
	lockKeys := [][2]string{{store.UsersTable, userID}}
	if req.UserEmail != "" {
		lockKeys = append(lockKeys, [2]string{store.UniqueFieldsTable, store.UniqueFieldKey(store.FieldUserEmail, req.UserEmail)})
	}
	if req.UserName != "" {
		lockKeys = append(lockKeys, [2]string{store.UniqueFieldsTable, store.UniqueFieldKey(store.FieldUserName, req.UserName)})
	}

	err := s.locks.WithOrderedLocks(ctx, lockKeys, func(ctx context.Context) error {
		claimed := make([][2]string, 0, 2)
		rollbackClaims := func() {
			for _, c := range claimed {
				if err := s.accessor.ReleaseUniqueField(ctx, c[0], c[1]); err != nil {
					s.logger.WithError(err).WithField("field", c[0]).Warn("unique field rollback failed")
				}
			}
		}

		if req.UserEmail != "" {
			if err := s.accessor.ClaimUniqueField(ctx, store.FieldUserEmail, req.UserEmail, userID); err != nil {
				if errors.Is(err, errs.ErrConflict) {
					return fmt.Errorf("a user with the same e-mail already exists: %w", errs.ErrConflict)
				}
				return err
			}
			claimed = append(claimed, [2]string{store.FieldUserEmail, req.UserEmail})
		}
		if req.UserName != "" {
			if err := s.accessor.ClaimUniqueField(ctx, store.FieldUserName, req.UserName, userID); err != nil {
				rollbackClaims()
				if errors.Is(err, errs.ErrConflict) {
					return fmt.Errorf("a user with the same user name already exists: %w", errs.ErrConflict)
				}
				return err
			}
			claimed = append(claimed, [2]string{store.FieldUserName, req.UserName})
		}

		sharedIDs, err := s.rights.GloballySharedResourceIDs(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("globally-shared lookup failed during user creation")
			sharedIDs = nil
		}

		user := &store.User{
			ID:               userID,
			UserName:         req.UserName,
			UserEmail:        req.UserEmail,
			UserSharedModels: sharedIDs,
		}
		if err := s.accessor.CreateUser(ctx, user); err != nil {
			rollbackClaims()
			return err
		}

		if err := s.rights.GrantBaseRightsLocked(ctx, userID, s.rights.DefaultScopesFor(ctx, userID)); err != nil {
			if delErr := s.accessor.DeleteUser(ctx, userID); delErr != nil {
				s.logger.WithError(delErr).WithField("userId", userID).Warn("user rollback failed")
			}
			rollbackClaims()
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// GetUser returns the user record.
func (s *Service) GetUser(ctx context.Context, userID string) (*store.User, error) {
	return s.accessor.GetUser(ctx, userID)
}

// ListUsers returns every user record.
func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.accessor.ScanUsers(ctx)
}

// UpdateProfile changes the user's e-mail and/or user name. No-op changes
// are dropped; federated identities cannot change the federated field; taken
// values fail with errs.ErrConflict. Dependent credentials are re-keyed:
// e-mail/user-name password methods derive their credential key from the
// changed field, so their auth entries are deleted and recreated under the
// new key (the credential cache entry is not repopulated).
func (s *Service) UpdateProfile(ctx context.Context, userID string, changes map[store.UpdatableField]string) error {
	if len(changes) == 0 {
		return fmt.Errorf("no updatable fields given: %w", errs.ErrBadInput)
	}
	for field, value := range changes {
		if err := field.Validate(value); err != nil {
			return err
		}
		if isFederated(value) {
			return fmt.Errorf("%s cannot end with %s: %w", string(field), FederatedSuffix, errs.ErrBadInput)
		}
	}
	newEmail, emailChange := changes[store.UpdatableUserEmail]
	if emailChange {
		newEmail = strings.ToLower(newEmail)
	}
	newUserName, userNameChange := changes[store.UpdatableUserName]

	lockKeys := [][2]string{{store.UsersTable, userID}}
	if emailChange {
		lockKeys = append(lockKeys, [2]string{store.UniqueFieldsTable, store.UniqueFieldKey(store.FieldUserEmail, newEmail)})
	}
	if userNameChange {
		lockKeys = append(lockKeys, [2]string{store.UniqueFieldsTable, store.UniqueFieldKey(store.FieldUserName, newUserName)})
	}

	return s.locks.WithOrderedLocks(ctx, lockKeys, func(ctx context.Context) error {
		user, err := s.accessor.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		if emailChange && user.UserEmail == newEmail {
			emailChange = false
		}
		if userNameChange && user.UserName == newUserName {
			userNameChange = false
		}
		if !emailChange && !userNameChange {
			return nil
		}
		if emailChange && isFederated(user.UserEmail) {
			return fmt.Errorf("e-mail address cannot be changed for this account type: %w", errs.ErrBadInput)
		}
		if userNameChange && isFederated(user.UserName) {
			return fmt.Errorf("user name cannot be changed for this account type: %w", errs.ErrBadInput)
		}

		claimed := make([][2]string, 0, 2)
		rollbackClaims := func() {
			for _, c := range claimed {
				if err := s.accessor.ReleaseUniqueField(ctx, c[0], c[1]); err != nil {
					s.logger.WithError(err).WithField("field", c[0]).Warn("unique field rollback failed")
				}
			}
		}

		if emailChange {
			if err := s.accessor.ClaimUniqueField(ctx, store.FieldUserEmail, newEmail, userID); err != nil {
				if errors.Is(err, errs.ErrConflict) {
					return fmt.Errorf("a user with the same e-mail already exists: %w", errs.ErrConflict)
				}
				return err
			}
			claimed = append(claimed, [2]string{store.FieldUserEmail, newEmail})
		}
		if userNameChange {
			if err := s.accessor.ClaimUniqueField(ctx, store.FieldUserName, newUserName, userID); err != nil {
				rollbackClaims()
				if errors.Is(err, errs.ErrConflict) {
					return fmt.Errorf("a user with the same user name already exists: %w", errs.ErrConflict)
				}
				return err
			}
			claimed = append(claimed, [2]string{store.FieldUserName, newUserName})
		}

		patch := store.Item{}
		updatedMethods := make([]store.AuthMethod, 0, len(user.AuthMethods))
		if emailChange {
			patch[store.FieldUserEmail] = newEmail
		}
		if userNameChange {
			patch[store.FieldUserName] = newUserName
		}

		// Re-key credentials derived from the changed fields and patch the
		// denormalized identity on the rest.
		for _, method := range user.AuthMethods {
			oldKey, keyErr := method.CredentialKey()
			updated := method
			rekeyed := false
			if emailChange && method.Method == store.MethodUserEmailPassword {
				updated.UserEmail = newEmail
				rekeyed = true
			}
			if userNameChange && method.Method == store.MethodUserNamePassword {
				updated.UserName = newUserName
				rekeyed = true
			}
			updatedMethods = append(updatedMethods, updated)

			if keyErr != nil {
				s.logger.WithError(keyErr).WithField("userId", userID).Warn("skipping malformed auth method")
				continue
			}

			entry, err := s.accessor.GetAuthEntry(ctx, oldKey)
			if err != nil {
				if errors.Is(err, errs.ErrNotFound) {
					continue
				}
				rollbackClaims()
				return err
			}
			if emailChange {
				entry.UserEmail = newEmail
			}
			if userNameChange {
				entry.UserName = newUserName
			}

			if rekeyed {
				if err := s.accessor.DeleteAuthEntry(ctx, oldKey); err != nil {
					rollbackClaims()
					return err
				}
				newKey, err := updated.CredentialKey()
				if err != nil {
					rollbackClaims()
					return err
				}
				// Durable write only; the cache entry reappears on first use.
				if err := s.accessor.PutAuthEntryDurable(ctx, newKey, *entry); err != nil {
					rollbackClaims()
					return err
				}
			} else if err := s.accessor.PutAuthEntry(ctx, oldKey, *entry); err != nil {
				rollbackClaims()
				return err
			}
		}
		patch[store.FieldAuthMethods] = updatedMethods

		if err := s.accessor.UpdateUser(ctx, userID, patch); err != nil {
			rollbackClaims()
			return err
		}

		if emailChange && user.UserEmail != "" {
			if err := s.accessor.ReleaseUniqueField(ctx, store.FieldUserEmail, user.UserEmail); err != nil {
				s.logger.WithError(err).Warn("stale e-mail index row removal failed")
			}
		}
		if userNameChange && user.UserName != "" {
			if err := s.accessor.ReleaseUniqueField(ctx, store.FieldUserName, user.UserName); err != nil {
				s.logger.WithError(err).Warn("stale user name index row removal failed")
			}
		}
		return nil
	})
}

// DeleteUser removes the user and cascades: every auth entry, every
// uniqueness-index row, and the cached base scopes go with it.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	return s.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		user, err := s.accessor.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		for _, method := range user.AuthMethods {
			key, err := method.CredentialKey()
			if err != nil {
				s.logger.WithError(err).WithField("userId", userID).Warn("skipping malformed auth method")
				continue
			}
			if err := s.accessor.DeleteAuthEntry(ctx, key); err != nil {
				return err
			}
			if keyName, keyValue, ok := method.UniqueFieldKeyName(); ok && method.Method == store.MethodAPIKey {
				if err := s.accessor.ReleaseUniqueField(ctx, keyName, keyValue); err != nil {
					s.logger.WithError(err).WithField("field", keyName).Warn("unique field removal failed")
				}
			}
		}

		if user.UserEmail != "" {
			if err := s.accessor.ReleaseUniqueField(ctx, store.FieldUserEmail, user.UserEmail); err != nil {
				s.logger.WithError(err).Warn("e-mail index row removal failed")
			}
		}
		if user.UserName != "" {
			if err := s.accessor.ReleaseUniqueField(ctx, store.FieldUserName, user.UserName); err != nil {
				s.logger.WithError(err).Warn("user name index row removal failed")
			}
		}

		return s.accessor.DeleteUser(ctx, userID)
	})
}

func isFederated(value string) bool {
	return strings.HasSuffix(value, FederatedSuffix)
}
