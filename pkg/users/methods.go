package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/store"
)

// CreateAccessMethod attaches a credential to the user and writes its
// denormalized auth entry (empty final scope; rights are granted
// separately). API-key methods get a generated key and a uniqueness-index
// row. Internal callers may attach federated e-mail methods.
// Returns the stored method (with any generated key filled in).
func (s *Service) CreateAccessMethod(ctx context.Context, userID string, method store.AuthMethod, internal bool) (store.AuthMethod, error) {
	switch method.Method {
	case store.MethodUserEmailPassword:
		if method.UserEmail == "" || method.PasswordMD5 == "" {
			return method, fmt.Errorf("e-mail method requires userEmail and passwordMd5: %w", errs.ErrBadInput)
		}
		method.UserEmail = strings.ToLower(method.UserEmail)
		if !internal && isFederated(method.UserEmail) {
			return method, fmt.Errorf("e-mail address cannot end with %s: %w", FederatedSuffix, errs.ErrBadInput)
		}
	case store.MethodUserNamePassword:
		if method.UserName == "" || method.PasswordMD5 == "" {
			return method, fmt.Errorf("user name method requires userName and passwordMd5: %w", errs.ErrBadInput)
		}
	case store.MethodAPIKey:
		method.APIKey = strings.ToUpper(store.MD5Hex(uuid.NewString()))
	default:
		return method, fmt.Errorf("unknown auth method %q: %w", method.Method, errs.ErrBadInput)
	}

	lockKeys := [][2]string{{store.UsersTable, userID}}
	if method.Method == store.MethodAPIKey {
		lockKeys = append(lockKeys, [2]string{store.UniqueFieldsTable, store.UniqueFieldKey(store.FieldAPIKey, method.APIKey)})
	}

	err := s.locks.WithOrderedLocks(ctx, lockKeys, func(ctx context.Context) error {
		user, err := s.accessor.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		key, err := method.CredentialKey()
		if err != nil {
			return err
		}
		for _, existing := range user.AuthMethods {
			existingKey, keyErr := existing.CredentialKey()
			if keyErr == nil && existingKey == key {
				return fmt.Errorf("same auth method already exists: %w", errs.ErrConflict)
			}
		}

		if method.Method == store.MethodAPIKey {
			if err := s.accessor.ClaimUniqueField(ctx, store.FieldAPIKey, method.APIKey, userID); err != nil {
				return err
			}
		}

		methods := append(user.AuthMethods, method)
		if err := s.accessor.UpdateUser(ctx, userID, store.Item{store.FieldAuthMethods: methods}); err != nil {
			return err
		}
		return s.accessor.PutAuthEntry(ctx, key, store.NewAuthEntry(user, nil))
	})
	return method, err
}

// ListAccessMethods returns the user's credentials.
func (s *Service) ListAccessMethods(ctx context.Context, userID string) ([]store.AuthMethod, error) {
	user, err := s.accessor.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.AuthMethods, nil
}

// DeleteAccessMethod detaches the credential whose key matches and removes
// its auth entry, cache entry, and (for api keys) uniqueness-index row.
// Federated e-mail credentials can only be removed by internal callers.
func (s *Service) DeleteAccessMethod(ctx context.Context, userID, credentialKey string, internal bool) error {
	return s.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
		user, err := s.accessor.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if len(user.AuthMethods) == 0 {
			return fmt.Errorf("user does not have any auth method: %w", errs.ErrNotFound)
		}

		kept := make([]store.AuthMethod, 0, len(user.AuthMethods))
		var removed *store.AuthMethod
		for _, method := range user.AuthMethods {
			key, keyErr := method.CredentialKey()
			if keyErr == nil && key == credentialKey {
				if method.Method == store.MethodUserEmailPassword && isFederated(method.UserEmail) && !internal {
					return fmt.Errorf("this auth method cannot be deleted: %w", errs.ErrBadInput)
				}
				m := method
				removed = &m
				continue
			}
			kept = append(kept, method)
		}
		if removed == nil {
			return fmt.Errorf("auth method: %w", errs.ErrNotFound)
		}

		if err := s.accessor.UpdateUser(ctx, userID, store.Item{store.FieldAuthMethods: kept}); err != nil {
			return err
		}
		if err := s.accessor.DeleteAuthEntry(ctx, credentialKey); err != nil {
			return err
		}
		if removed.Method == store.MethodAPIKey {
			if err := s.accessor.ReleaseUniqueField(ctx, store.FieldAPIKey, removed.APIKey); err != nil {
				s.logger.WithError(err).Warn("api key index row removal failed")
			}
		}
		return nil
	})
}

// RegisteredEmail pairs a registered e-mail address with its owner.
type RegisteredEmail struct {
	UserEmail string `json:"userEmail"`
	UserID    string `json:"userId"`
}

// ListRegisteredEmails returns every e-mail uniqueness-index row.
func (s *Service) ListRegisteredEmails(ctx context.Context) ([]RegisteredEmail, error) {
	items, err := s.accessor.ScanUniqueFields(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RegisteredEmail, 0, len(items))
	for _, item := range items {
		email, _ := item[store.FieldUserEmail].(string)
		userID, _ := item[store.KeyUserID].(string)
		if email == "" || userID == "" {
			continue
		}
		out = append(out, RegisteredEmail{UserEmail: email, UserID: userID})
	}
	return out, nil
}

// FetchUserIDsFromEmails resolves each e-mail (lower-cased, deduplicated) to
// its owner. A single unknown address fails the whole lookup with
// errs.ErrNotFound.
func (s *Service) FetchUserIDsFromEmails(ctx context.Context, emails []string) (map[string]string, error) {
	if len(emails) == 0 {
		return nil, fmt.Errorf("empty emailAddresses field: %w", errs.ErrBadInput)
	}

	seen := make(map[string]struct{}, len(emails))
	result := make(map[string]string, len(emails))
	for _, email := range emails {
		email = strings.ToLower(email)
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}

		userID, err := s.accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, email)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, fmt.Errorf("a user with e-mail %s does not exist: %w", email, errs.ErrNotFound)
			}
			return nil, err
		}
		result[email] = userID
	}
	return result, nil
}

// FindUserIDByEmail resolves an e-mail uniqueness row to its owner.
func (s *Service) FindUserIDByEmail(ctx context.Context, email string) (string, error) {
	return s.accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, strings.ToLower(email))
}
