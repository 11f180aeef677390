// Package sso implements the federated login lifecycle: the browser
// handshake state machine, cache-backed login sessions keyed by token hash,
// and silent token refresh against the identity provider.
package sso

import (
	"strings"
	"time"

	"github.com/modelvault/authcore/pkg/store"
)

// EmailSuffix marks federated identities. A federated user's stored e-mail is
// the provider e-mail with this suffix appended, which keeps the uniqueness
// row separate from a password account on the same address.
const EmailSuffix = ".sso"

// Cache lifetimes. A session outlives its access token so the refresh token
// can be replayed; a handshake state is only valid for the redirect
// round-trip.
const (
	SessionTTL = 7 * 24 * time.Hour
	StateTTL   = 120 * time.Second
)

// Cache key prefixes.
const (
	sessionCachePrefix = "ssoSession"
	stateCachePrefix   = "ssoState"
)

// Handshake statuses. A state record is created as StatusAuthenticating and
// advanced exactly once, so a replayed callback cannot re-enter the code
// exchange.
const (
	StatusAuthenticating = "authenticating"
	StatusAuthorizing    = "authorizing"
)

// Session is the cache record behind one issued federated token, keyed by
// the MD5 of the full "Bearer ..." token.
type Session struct {
	UserID       string `json:"userId"`
	TenantName   string `json:"tenantName"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Expired reports whether the access token behind the session has passed its
// provider-issued lifetime. The session record itself may still be live.
func (s Session) Expired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAt
}

// StateRecord is the cache record behind one handshake nonce.
type StateRecord struct {
	ServersideRedirectURL string `json:"serversideRedirectUrl"`
	TenantName            string `json:"tenantName"`
	Status                string `json:"state"`
}

// TokenResponse is the provider token-endpoint response shape, shared by the
// code exchange and the refresh exchange.
type TokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// CheckStatus reports what a session check had to do to validate a token.
type CheckStatus int

const (
	// CheckAlreadyValid means the presented token is still within its
	// provider lifetime.
	CheckAlreadyValid CheckStatus = iota
	// CheckRefreshed means the token was expired and a replacement was
	// issued; callers must surface the new token to the client.
	CheckRefreshed
)

// SessionCacheKey derives the session cache key for a full "Bearer ..."
// token.
func SessionCacheKey(tokenWithType string) string {
	return sessionCachePrefix + store.MD5Hex(tokenWithType)
}

// StateCacheKey derives the cache key for a handshake nonce.
func StateCacheKey(state string) string {
	return stateCachePrefix + state
}

// CredentialKeyFor derives the auth-methods credential key of a federated
// token: provider e-mail, the federated suffix, then the token hash. The
// token hash ties the credential to one issued token so rotation on refresh
// invalidates the old key.
func CredentialKeyFor(email, tokenWithType string) string {
	return strings.ToLower(email) + EmailSuffix + store.MD5Hex(tokenWithType)
}

// TokenHashFromCredentialKey recovers the token hash segment of a federated
// credential key, or "" when the key is not a federated one. Used by cleanup
// to find the session backing a credential without knowing the token.
func TokenHashFromCredentialKey(credentialKey string) string {
	idx := strings.LastIndex(credentialKey, EmailSuffix)
	if idx < 0 {
		return ""
	}
	hash := credentialKey[idx+len(EmailSuffix):]
	if len(hash) != 32 {
		return ""
	}
	return hash
}

// EmailFromCredentialKey recovers the provider e-mail segment of a federated
// credential key, or "" when the key is not a federated one.
func EmailFromCredentialKey(credentialKey string) string {
	idx := strings.LastIndex(credentialKey, EmailSuffix)
	if idx < 0 {
		return ""
	}
	return credentialKey[:idx]
}

// SessionCacheKeyFromHash rebuilds a session cache key from a recovered
// token hash.
func SessionCacheKeyFromHash(tokenHash string) string {
	return sessionCachePrefix + tokenHash
}
