// Package maintenance runs the periodic cleanup sweep: credentials whose
// owner is gone, federated credentials whose session expired, and
// uniqueness-index rows pointing at deleted users. The stores converge even
// when individual deletions race other traffic, so every rule is
// best-effort and contention just defers a row to the next pass.
package maintenance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/sso"
	"github.com/modelvault/authcore/pkg/store"
)

// sweepTimeout bounds one scheduled pass.
const sweepTimeout = 5 * time.Minute

// SessionChecker reports whether a federated credential is still backed by
// a live session.
type SessionChecker interface {
	SessionExistsForCredential(ctx context.Context, credentialKey string) (bool, error)
}

// Sweeper scans the stores and removes records nothing references anymore.
type Sweeper struct {
	accessor *store.Accessor
	locks    *lock.Controller
	sessions SessionChecker
	logger   *logrus.Logger
	cron     *cron.Cron
}

// NewSweeper wires the cleanup sweep.
func NewSweeper(accessor *store.Accessor, locks *lock.Controller, sessions SessionChecker, logger *logrus.Logger) *Sweeper {
	return &Sweeper{accessor: accessor, locks: locks, sessions: sessions, logger: logger}
}

// Start schedules recurring sweeps. schedule uses cron syntax, e.g.
// "@every 1h".
func (s *Sweeper) Start(schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.WithError(err).Warn("cleanup sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule. A sweep already in flight finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep runs one full pass. Only table scans fail the pass; per-record
// problems are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) error {
	scanned, err := s.accessor.ScanUsers(ctx)
	if err != nil {
		return err
	}

	users := make(map[string]store.User, len(scanned))
	referenced := make(map[string]struct{})
	for _, user := range scanned {
		users[user.ID] = user
		for _, method := range user.AuthMethods {
			key, err := method.CredentialKey()
			if err != nil {
				s.logger.WithError(err).WithField("userId", user.ID).Warn("user carries an invalid auth method")
				continue
			}
			referenced[key] = struct{}{}
		}
	}

	if err := s.sweepAuthEntries(ctx, users, referenced); err != nil {
		return err
	}
	return s.sweepUniqueFields(ctx, users)
}

func (s *Sweeper) sweepAuthEntries(ctx context.Context, users map[string]store.User, referenced map[string]struct{}) error {
	entries, err := s.accessor.ScanAuthEntries(ctx)
	if err != nil {
		return err
	}

	for _, keyed := range entries {
		remove, reason := false, ""
		federated := sso.TokenHashFromCredentialKey(keyed.CredentialKey) != ""

		if _, alive := users[keyed.Entry.UserID]; !alive {
			remove, reason = true, "owner deleted"
		} else if federated {
			// Without a session checker federated credentials are left
			// alone; only their owner's deletion can retire them.
			if s.sessions == nil {
				continue
			}
			exists, err := s.sessions.SessionExistsForCredential(ctx, keyed.CredentialKey)
			if err != nil {
				s.logger.WithError(err).Warn("session probe failed, keeping credential")
				continue
			}
			if !exists {
				remove, reason = true, "session expired"
			}
		} else if _, ok := referenced[keyed.CredentialKey]; !ok {
			remove, reason = true, "not referenced by any auth method"
		}
		if !remove {
			continue
		}

		key := keyed.CredentialKey
		ownerAlive := reason == "session expired"
		err := s.locks.WithLock(ctx, store.UsersTable, keyed.Entry.UserID, func(ctx context.Context) error {
			if err := s.accessor.DeleteAuthEntry(ctx, key); err != nil {
				return err
			}
			if ownerAlive {
				return s.retireFederatedMethod(ctx, keyed.Entry.UserID, key)
			}
			return nil
		})
		if err != nil {
			// Contended rows wait for the next pass.
			s.logger.WithError(err).WithField("reason", reason).Warn("credential cleanup skipped")
			continue
		}
		s.logger.WithFields(logrus.Fields{"reason": reason, "userId": keyed.Entry.UserID}).Info("removed stale credential")
	}
	return nil
}

// retireFederatedMethod removes the user's auth method behind a dead
// federated credential, so the method list does not accumulate rotated-out
// tokens. Caller holds the user lock.
func (s *Sweeper) retireFederatedMethod(ctx context.Context, userID, credentialKey string) error {
	user, err := s.accessor.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}

	kept := make([]store.AuthMethod, 0, len(user.AuthMethods))
	changed := false
	for _, method := range user.AuthMethods {
		if key, keyErr := method.CredentialKey(); keyErr == nil && key == credentialKey {
			changed = true
			continue
		}
		kept = append(kept, method)
	}
	if !changed {
		return nil
	}
	return s.accessor.UpdateUser(ctx, userID, store.Item{store.FieldAuthMethods: kept})
}

func (s *Sweeper) sweepUniqueFields(ctx context.Context, users map[string]store.User) error {
	rows, err := s.accessor.ScanUniqueFields(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		ownerID, _ := row[store.KeyUserID].(string)
		keyName, keyValue, ok := indexedField(row)
		if !ok {
			s.logger.WithField("row", row).Warn("uniqueness row carries no known field")
			continue
		}

		owner, alive := users[ownerID]
		if alive && rowMatchesUser(keyName, keyValue, owner) {
			continue
		}

		// Same ordering as profile updates: user row first, then the
		// uniqueness row.
		keys := [][2]string{
			{store.UsersTable, ownerID},
			{store.UniqueFieldsTable, store.UniqueFieldKey(keyName, keyValue)},
		}
		err := s.locks.WithOrderedLocks(ctx, keys, func(ctx context.Context) error {
			return s.accessor.ReleaseUniqueField(ctx, keyName, keyValue)
		})
		if err != nil {
			s.logger.WithError(err).Warn("uniqueness row cleanup skipped")
			continue
		}
		s.logger.WithFields(logrus.Fields{"field": keyName, "userId": ownerID}).Info("removed stale uniqueness row")
	}
	return nil
}

// indexedField finds which uniqueness attribute a row indexes.
func indexedField(row store.Item) (keyName, keyValue string, ok bool) {
	for _, name := range []string{store.FieldUserEmail, store.FieldUserName, store.FieldAPIKey} {
		if value, found := row[name].(string); found && value != "" {
			return name, value, true
		}
	}
	return "", "", false
}

// rowMatchesUser reports whether the indexed value is still the user's
// current one. Rows left behind by an interrupted profile update fail this.
func rowMatchesUser(keyName, keyValue string, user store.User) bool {
	switch keyName {
	case store.FieldUserEmail:
		return strings.EqualFold(keyValue, user.UserEmail)
	case store.FieldUserName:
		return keyValue == user.UserName
	case store.FieldAPIKey:
		for _, method := range user.AuthMethods {
			if method.Method == store.MethodAPIKey && method.APIKey == keyValue {
				return true
			}
		}
		return false
	default:
		return false
	}
}
