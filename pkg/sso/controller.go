package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/scope"
	"github.com/modelvault/authcore/pkg/store"
	"github.com/modelvault/authcore/pkg/users"
)

// stateCreateAttempts bounds the nonce conditional-set retry loop.
const stateCreateAttempts = 5

// fallbackTokenLifetime is assumed when the provider omits expires_in.
const fallbackTokenLifetime = time.Hour

// Controller drives the federated login lifecycle: handshake nonces, user
// find-or-provision on first login, session registration, and refresh.
type Controller struct {
	cache      store.Cache
	accessor   *store.Accessor
	users      *users.Service
	rights     *rights.Engine
	providers  map[string]IdentityProvider
	superAdmin map[string]struct{}
	logger     *logrus.Logger
	now        func() time.Time
}

// NewController wires the login lifecycle. providers maps tenant name to its
// identity provider; superAdminEmails lists provider e-mail addresses that
// receive the all-paths grant on login.
func NewController(
	cache store.Cache,
	accessor *store.Accessor,
	userService *users.Service,
	engine *rights.Engine,
	providers map[string]IdentityProvider,
	superAdminEmails []string,
	logger *logrus.Logger,
) *Controller {
	superAdmin := make(map[string]struct{}, len(superAdminEmails))
	for _, email := range superAdminEmails {
		superAdmin[strings.ToLower(email)] = struct{}{}
	}
	return &Controller{
		cache:      cache,
		accessor:   accessor,
		users:      userService,
		rights:     engine,
		providers:  providers,
		superAdmin: superAdmin,
		logger:     logger,
		now:        time.Now,
	}
}

// BeginLogin creates a handshake nonce and returns the provider authorize
// URL the browser should be redirected to. The nonce is claimed with a
// conditional set so two logins can never share a state value.
func (c *Controller) BeginLogin(ctx context.Context, tenant, serversideRedirectURL string) (string, error) {
	provider, ok := c.providers[tenant]
	if !ok {
		return "", fmt.Errorf("unknown tenant %q: %w", tenant, errs.ErrBadInput)
	}

	raw, err := json.Marshal(StateRecord{
		ServersideRedirectURL: serversideRedirectURL,
		TenantName:            tenant,
		Status:                StatusAuthenticating,
	})
	if err != nil {
		return "", fmt.Errorf("login state: %v: %w", err, errs.ErrInternal)
	}

	for attempt := 0; attempt < stateCreateAttempts; attempt++ {
		state := uuid.NewString()
		claimed, err := c.cache.SetIfAbsent(ctx, StateCacheKey(state), string(raw), StateTTL)
		if err != nil {
			return "", err
		}
		if claimed {
			return provider.AuthCodeURL(state), nil
		}
	}
	return "", fmt.Errorf("could not claim a login state: %w", errs.ErrInternal)
}

// CallbackResult is a completed login: where to send the browser and the
// identity it now holds.
type CallbackResult struct {
	RedirectURL   string
	UserID        string
	TokenWithType string
}

// HandleCallback completes the handshake: validates the nonce against the
// tenant, advances it so a replayed callback cannot re-enter the exchange,
// trades the code for tokens, and registers the login.
func (c *Controller) HandleCallback(ctx context.Context, tenant, code, state string) (*CallbackResult, error) {
	record, err := c.loadState(ctx, state)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("unknown or expired login state: %w", errs.ErrUnauthorized)
		}
		return nil, err
	}
	if record.TenantName != tenant {
		return nil, fmt.Errorf("login state belongs to another tenant: %w", errs.ErrUnauthorized)
	}
	if record.Status != StatusAuthenticating {
		return nil, fmt.Errorf("login state already used: %w", errs.ErrUnauthorized)
	}

	record.Status = StatusAuthorizing
	if err := c.storeState(ctx, state, record); err != nil {
		return nil, err
	}

	provider, ok := c.providers[tenant]
	if !ok {
		return nil, fmt.Errorf("unknown tenant %q: %w", tenant, errs.ErrBadInput)
	}
	token, err := provider.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := c.cache.DeleteKey(ctx, StateCacheKey(state)); err != nil {
		c.logger.WithError(err).Warn("login state delete failed")
	}

	userID, tokenWithType, err := c.registerLogin(ctx, tenant, token)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{
		RedirectURL:   record.ServersideRedirectURL,
		UserID:        userID,
		TokenWithType: tokenWithType,
	}, nil
}

// registerLogin resolves the token's identity to a user, provisioning one
// on first login. It applies the super-admin grant where configured,
// attaches the token-bound credential as an auth method, and opens the
// session.
func (c *Controller) registerLogin(ctx context.Context, tenant string, token *TokenResponse) (string, string, error) {
	claims, err := ExtractClaims(token.AccessToken)
	if err != nil {
		return "", "", err
	}
	tokenWithType := WithTokenType(token.AccessToken)
	federatedEmail := claims.Email + EmailSuffix

	userID, err := c.users.FindUserIDByEmail(ctx, federatedEmail)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound):
		userID, err = c.provisionUser(ctx, claims, federatedEmail)
		if err != nil {
			return "", "", err
		}
	default:
		return "", "", err
	}

	if _, ok := c.superAdmin[claims.Email]; ok {
		if err := c.rights.GrantBaseRights(ctx, userID, rights.SuperAdminScopes()); err != nil {
			return "", "", err
		}
	}

	user, err := c.accessor.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}

	credentialKey := CredentialKeyFor(claims.Email, tokenWithType)
	if err := c.attachCredential(ctx, userID, claims.Email, tokenWithType); err != nil {
		return "", "", err
	}
	entry := store.NewAuthEntry(user, user.BaseAccessScope)
	if err := c.accessor.PutAuthEntry(ctx, credentialKey, entry); err != nil {
		c.detachCredential(ctx, userID, credentialKey)
		return "", "", err
	}

	if err := c.storeSession(ctx, tokenWithType, Session{
		UserID:       userID,
		TenantName:   tenant,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    c.tokenDeadline(token).Unix(),
	}); err != nil {
		c.detachCredential(ctx, userID, credentialKey)
		return "", "", err
	}
	return userID, tokenWithType, nil
}

// attachCredential registers the token-bound credential as an auth method on
// the user record, so base-scope trims and the user-delete cascade enumerate
// it like any other credential. The method's derived credential key equals
// CredentialKeyFor(email, tokenWithType). A token that is already attached
// is not an error.
func (c *Controller) attachCredential(ctx context.Context, userID, email, tokenWithType string) error {
	method := store.AuthMethod{
		Method:      store.MethodUserEmailPassword,
		UserEmail:   strings.ToLower(email) + EmailSuffix,
		PasswordMD5: store.MD5Hex(tokenWithType),
	}
	if _, err := c.users.CreateAccessMethod(ctx, userID, method, true); err != nil && !errors.Is(err, errs.ErrConflict) {
		return err
	}
	return nil
}

// detachCredential removes the auth method and entry behind a federated
// credential key. Best-effort: an already-detached credential is fine.
func (c *Controller) detachCredential(ctx context.Context, userID, credentialKey string) {
	if err := c.users.DeleteAccessMethod(ctx, userID, credentialKey, true); err != nil && !errors.Is(err, errs.ErrNotFound) {
		c.logger.WithError(err).Warn("federated credential detach failed")
	}
}

// provisionUser creates the federated user. The display name can collide
// with an existing user name, in which case the unique-by-construction
// federated e-mail doubles as the name.
func (c *Controller) provisionUser(ctx context.Context, claims Claims, federatedEmail string) (string, error) {
	name := claims.Name
	if name == "" {
		name = federatedEmail
	}
	userID, err := c.users.CreateUser(ctx, users.CreateUserRequest{UserName: name, UserEmail: federatedEmail}, true)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, errs.ErrConflict) || name == federatedEmail {
		return "", err
	}
	return c.users.CreateUser(ctx, users.CreateUserRequest{UserName: federatedEmail, UserEmail: federatedEmail}, true)
}

// CheckResult reports the outcome of a session check. When Status is
// CheckRefreshed, TokenWithType and CredentialKey name the replacement
// token; the presented one is dead.
type CheckResult struct {
	UserID        string
	CredentialKey string
	TokenWithType string
	Status        CheckStatus
}

// PerformCheckAndRefresh validates a presented federated token against its
// session. An unknown session fails closed; an expired token is silently
// refreshed and the replacement returned.
func (c *Controller) PerformCheckAndRefresh(ctx context.Context, tokenWithType string) (*CheckResult, error) {
	session, err := c.loadSession(ctx, tokenWithType)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("no session for token: %w", errs.ErrUnauthorized)
		}
		return nil, err
	}
	claims, err := ExtractClaims(StripTokenType(tokenWithType))
	if err != nil {
		return nil, err
	}

	if !session.Expired(c.now()) {
		return &CheckResult{
			UserID:        session.UserID,
			CredentialKey: CredentialKeyFor(claims.Email, tokenWithType),
			TokenWithType: tokenWithType,
			Status:        CheckAlreadyValid,
		}, nil
	}
	return c.refreshSession(ctx, tokenWithType, claims, session)
}

// ForceRefresh rotates a session's token regardless of remaining lifetime.
func (c *Controller) ForceRefresh(ctx context.Context, tokenWithType string) (*CheckResult, error) {
	session, err := c.loadSession(ctx, tokenWithType)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("no session for token: %w", errs.ErrUnauthorized)
		}
		return nil, err
	}
	claims, err := ExtractClaims(StripTokenType(tokenWithType))
	if err != nil {
		return nil, err
	}
	return c.refreshSession(ctx, tokenWithType, claims, session)
}

// refreshSession replays the session's refresh token and moves the
// credential and session under the new token. The new records are written
// before the old are removed, so a failed exchange or write leaves the
// previous session intact.
func (c *Controller) refreshSession(ctx context.Context, tokenWithType string, claims Claims, session Session) (*CheckResult, error) {
	provider, ok := c.providers[session.TenantName]
	if !ok {
		return nil, fmt.Errorf("session tenant %q has no provider: %w", session.TenantName, errs.ErrInternal)
	}

	token, err := provider.Refresh(ctx, session.RefreshToken)
	if err != nil {
		return nil, err
	}
	newClaims, err := ExtractClaims(token.AccessToken)
	if err != nil {
		return nil, err
	}
	newTokenWithType := WithTokenType(token.AccessToken)
	newCredentialKey := CredentialKeyFor(newClaims.Email, newTokenWithType)
	oldCredentialKey := CredentialKeyFor(claims.Email, tokenWithType)

	// Carry the old credential's finals so self-heal results survive the
	// rotation.
	var finals []scope.AccessScope
	entry, err := c.accessor.GetAuthEntry(ctx, oldCredentialKey)
	if err == nil {
		finals = entry.FinalAccessScope
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	user, err := c.accessor.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if err := c.attachCredential(ctx, session.UserID, newClaims.Email, newTokenWithType); err != nil {
		return nil, err
	}
	newEntry := store.NewAuthEntry(user, finals)
	if err := c.accessor.PutAuthEntry(ctx, newCredentialKey, newEntry); err != nil {
		c.detachCredential(ctx, session.UserID, newCredentialKey)
		return nil, err
	}
	if err := c.storeSession(ctx, newTokenWithType, Session{
		UserID:       session.UserID,
		TenantName:   session.TenantName,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    c.tokenDeadline(token).Unix(),
	}); err != nil {
		c.detachCredential(ctx, session.UserID, newCredentialKey)
		return nil, err
	}

	c.detachCredential(ctx, session.UserID, oldCredentialKey)
	if err := c.cache.DeleteKey(ctx, SessionCacheKey(tokenWithType)); err != nil {
		c.logger.WithError(err).Warn("stale session delete failed")
	}

	return &CheckResult{
		UserID:        session.UserID,
		CredentialKey: newCredentialKey,
		TokenWithType: newTokenWithType,
		Status:        CheckRefreshed,
	}, nil
}

// Logout tears down a session and its token-bound credential. Unknown
// sessions are a no-op.
func (c *Controller) Logout(ctx context.Context, tokenWithType string) error {
	session, err := c.loadSession(ctx, tokenWithType)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}

	if claims, err := ExtractClaims(StripTokenType(tokenWithType)); err == nil {
		c.detachCredential(ctx, session.UserID, CredentialKeyFor(claims.Email, tokenWithType))
	}
	return c.cache.DeleteKey(ctx, SessionCacheKey(tokenWithType))
}

// SessionExistsForCredential reports whether a federated credential key is
// backed by a live session. Keys that are not federated report false.
func (c *Controller) SessionExistsForCredential(ctx context.Context, credentialKey string) (bool, error) {
	hash := TokenHashFromCredentialKey(credentialKey)
	if hash == "" {
		return false, nil
	}
	_, err := c.cache.GetValue(ctx, SessionCacheKeyFromHash(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (c *Controller) tokenDeadline(token *TokenResponse) time.Time {
	lifetime := time.Duration(token.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = fallbackTokenLifetime
	}
	return c.now().Add(lifetime)
}

func (c *Controller) loadState(ctx context.Context, state string) (StateRecord, error) {
	raw, err := c.cache.GetValue(ctx, StateCacheKey(state))
	if err != nil {
		return StateRecord{}, err
	}
	var record StateRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return StateRecord{}, fmt.Errorf("corrupt login state: %v: %w", err, errs.ErrInternal)
	}
	return record, nil
}

func (c *Controller) storeState(ctx context.Context, state string, record StateRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("login state: %v: %w", err, errs.ErrInternal)
	}
	return c.cache.SetValue(ctx, StateCacheKey(state), string(raw), StateTTL)
}

// loadSession reads and validates the session behind a token. A record that
// does not parse or is missing a field cannot be checked or refreshed, so it
// is deleted and reported as missing; the caller sends the client back
// through full registration.
func (c *Controller) loadSession(ctx context.Context, tokenWithType string) (Session, error) {
	raw, err := c.cache.GetValue(ctx, SessionCacheKey(tokenWithType))
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		c.dropSession(ctx, tokenWithType)
		return Session{}, fmt.Errorf("corrupt session record: %v: %w", err, errs.ErrNotFound)
	}
	if session.UserID == "" || session.TenantName == "" || session.RefreshToken == "" {
		c.dropSession(ctx, tokenWithType)
		return Session{}, fmt.Errorf("incomplete session record: %w", errs.ErrNotFound)
	}
	return session, nil
}

func (c *Controller) dropSession(ctx context.Context, tokenWithType string) {
	if err := c.cache.DeleteKey(ctx, SessionCacheKey(tokenWithType)); err != nil {
		c.logger.WithError(err).Warn("partial session delete failed")
	}
}

func (c *Controller) storeSession(ctx context.Context, tokenWithType string, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session record: %v: %w", err, errs.ErrInternal)
	}
	return c.cache.SetValue(ctx, SessionCacheKey(tokenWithType), string(raw), SessionTTL)
}
