package store

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/scope"
)

// Logical table names.
const (
	UsersTable        = "users"
	AuthMethodsTable  = "auth-methods"
	UniqueFieldsTable = "unique-user-fields"
)

// Primary key attribute names.
const (
	KeyUserID     = "userId"
	KeyCredential = "credential"
)

// User record attribute names, shared with the JSON wire form.
const (
	FieldUserName         = "userName"
	FieldUserEmail        = "userEmail"
	FieldAPIKey           = "apiKey"
	FieldAuthMethods      = "authMethods"
	FieldBaseAccessScope  = "baseAccessScope"
	FieldUserModels       = "userModels"
	FieldUserSharedModels = "userSharedModels"
)

// Cache key prefixes. Credentials and base scopes are cached under separate
// namespaces because many credentials may share one user.
const (
	CredentialCachePrefix = "credential"
	BaseScopeCachePrefix  = "userIdForBaseAccessCache"
)

var emailPattern = regexp.MustCompile(`^[a-z0-9!#$%&'*+/=?^_` + "`" + `{|}~-]+(?:\.[a-z0-9!#$%&'*+/=?^_` + "`" + `{|}~-]+)*@(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)

// ValidEmail reports whether value is a syntactically valid e-mail address.
func ValidEmail(value string) bool {
	return emailPattern.MatchString(strings.ToLower(value))
}

// Auth method discriminants.
const (
	MethodAPIKey            = "apiKeyMethod"
	MethodUserEmailPassword = "userEmailPasswordMethod"
	MethodUserNamePassword  = "userNamePasswordMethod"
)

// AuthMethod is a tagged variant over the three supported credential kinds.
// Only the fields of the active variant are populated.
type AuthMethod struct {
	Method      string `json:"method"`
	APIKey      string `json:"apiKey,omitempty"`
	UserEmail   string `json:"userEmail,omitempty"`
	UserName    string `json:"userName,omitempty"`
	PasswordMD5 string `json:"passwordMd5,omitempty"`
}

// CredentialKey derives the deterministic lookup key for this method. The
// derivation must stay stable: it is the primary key of the auth-methods
// table and the credential cache.
func (m AuthMethod) CredentialKey() (string, error) {
	switch m.Method {
	case MethodAPIKey:
		if m.APIKey == "" {
			return "", fmt.Errorf("api key method without api key: %w", errs.ErrBadInput)
		}
		return m.APIKey, nil
	case MethodUserEmailPassword:
		if m.UserEmail == "" || m.PasswordMD5 == "" {
			return "", fmt.Errorf("email method missing fields: %w", errs.ErrBadInput)
		}
		return strings.ToLower(m.UserEmail) + strings.ToLower(m.PasswordMD5), nil
	case MethodUserNamePassword:
		if m.UserName == "" || m.PasswordMD5 == "" {
			return "", fmt.Errorf("user name method missing fields: %w", errs.ErrBadInput)
		}
		return m.UserName + strings.ToLower(m.PasswordMD5), nil
	default:
		return "", fmt.Errorf("unknown auth method %q: %w", m.Method, errs.ErrBadInput)
	}
}

// UniqueFieldKeyName returns the unique-user-fields key attribute this
// method's identifying value belongs under, with the value itself.
func (m AuthMethod) UniqueFieldKeyName() (keyName, keyValue string, ok bool) {
	switch m.Method {
	case MethodAPIKey:
		return FieldAPIKey, m.APIKey, true
	case MethodUserEmailPassword:
		return FieldUserEmail, strings.ToLower(m.UserEmail), true
	case MethodUserNamePassword:
		return FieldUserName, m.UserName, true
	default:
		return "", "", false
	}
}

// Equal compares identifying fields; password hashes are only compared when
// checkPassword is set.
func (m AuthMethod) Equal(other AuthMethod, checkPassword bool) bool {
	if m.Method != other.Method {
		return false
	}
	switch m.Method {
	case MethodAPIKey:
		return m.APIKey == other.APIKey
	case MethodUserEmailPassword:
		return strings.EqualFold(m.UserEmail, other.UserEmail) &&
			(!checkPassword || strings.EqualFold(m.PasswordMD5, other.PasswordMD5))
	case MethodUserNamePassword:
		return m.UserName == other.UserName &&
			(!checkPassword || strings.EqualFold(m.PasswordMD5, other.PasswordMD5))
	default:
		return false
	}
}

// User is the durable record of the users table, keyed by ID.
type User struct {
	ID               string              `json:"-"`
	UserName         string              `json:"userName"`
	UserEmail        string              `json:"userEmail"`
	AuthMethods      []AuthMethod        `json:"authMethods"`
	BaseAccessScope  []scope.AccessScope `json:"baseAccessScope"`
	UserModels       []string            `json:"userModels"`
	UserSharedModels []string            `json:"userSharedModels"`
}

// AuthEntry is the denormalized auth-methods record keyed by credential key.
type AuthEntry struct {
	UserID           string              `json:"userId"`
	UserName         string              `json:"userName"`
	UserEmail        string              `json:"userEmail"`
	FinalAccessScope []scope.AccessScope `json:"finalAccessScope"`
}

// NewAuthEntry denormalizes the owner's identity into a fresh entry.
func NewAuthEntry(user *User, finalScopes []scope.AccessScope) AuthEntry {
	return AuthEntry{
		UserID:           user.ID,
		UserName:         user.UserName,
		UserEmail:        user.UserEmail,
		FinalAccessScope: scope.Normalize(finalScopes),
	}
}

// UpdatableField enumerates the user profile fields a profile update may
// touch. Each carries its own validation; resolution is an exhaustive
// switch, not a runtime lookup table.
type UpdatableField string

const (
	UpdatableUserName  UpdatableField = FieldUserName
	UpdatableUserEmail UpdatableField = FieldUserEmail
)

// Validate checks value against the field's rules.
func (f UpdatableField) Validate(value string) error {
	switch f {
	case UpdatableUserName:
		if value == "" {
			return fmt.Errorf("userName must be non-empty: %w", errs.ErrBadInput)
		}
		return nil
	case UpdatableUserEmail:
		if !ValidEmail(value) {
			return fmt.Errorf("userEmail is not a valid e-mail address: %w", errs.ErrBadInput)
		}
		return nil
	default:
		return fmt.Errorf("field %q is not updatable: %w", string(f), errs.ErrBadInput)
	}
}

// MD5Hex returns the lowercase hex MD5 of value. MD5 is the wire contract
// for opaque handles (credential keys, token hashes), not a security
// primitive.
func MD5Hex(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}
