package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialKeyDerivation(t *testing.T) {
	tests := []struct {
		name    string
		method  AuthMethod
		want    string
		wantErr bool
	}{
		{
			name:   "api key",
			method: AuthMethod{Method: MethodAPIKey, APIKey: "k-123"},
			want:   "k-123",
		},
		{
			name:   "email plus password hash, both lowered",
			method: AuthMethod{Method: MethodUserEmailPassword, UserEmail: "A@X.Com", PasswordMD5: "ABCDEF"},
			want:   "a@x.comabcdef",
		},
		{
			name:   "user name keeps case, hash lowered",
			method: AuthMethod{Method: MethodUserNamePassword, UserName: "Alice", PasswordMD5: "ABCDEF"},
			want:   "Aliceabcdef",
		},
		{
			name:    "api key method without key",
			method:  AuthMethod{Method: MethodAPIKey},
			wantErr: true,
		},
		{
			name:    "unknown method",
			method:  AuthMethod{Method: "certificateMethod"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.method.CredentialKey()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCredentialKeyIsDeterministic(t *testing.T) {
	m := AuthMethod{Method: MethodUserEmailPassword, UserEmail: "a@x.com", PasswordMD5: "ff00"}
	k1, err := m.CredentialKey()
	require.NoError(t, err)
	k2, err := m.CredentialKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestAuthMethodEqual(t *testing.T) {
	a := AuthMethod{Method: MethodUserEmailPassword, UserEmail: "a@x.com", PasswordMD5: "ff"}
	b := AuthMethod{Method: MethodUserEmailPassword, UserEmail: "A@X.COM", PasswordMD5: "00"}

	assert.True(t, a.Equal(b, false))
	assert.False(t, a.Equal(b, true))
	assert.False(t, a.Equal(AuthMethod{Method: MethodAPIKey}, false))
}

func TestUniqueFieldKeyName(t *testing.T) {
	keyName, keyValue, ok := AuthMethod{Method: MethodUserEmailPassword, UserEmail: "A@X.com"}.UniqueFieldKeyName()
	require.True(t, ok)
	assert.Equal(t, FieldUserEmail, keyName)
	assert.Equal(t, "a@x.com", keyValue)

	_, _, ok = AuthMethod{Method: "bogus"}.UniqueFieldKeyName()
	assert.False(t, ok)
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("user@example.com"))
	assert.True(t, ValidEmail("User.Name+tag@sub.example.org"))
	assert.False(t, ValidEmail("not-an-email"))
	assert.False(t, ValidEmail("@example.com"))
	assert.False(t, ValidEmail(""))
}

func TestUpdatableFieldValidate(t *testing.T) {
	assert.NoError(t, UpdatableUserName.Validate("alice"))
	assert.Error(t, UpdatableUserName.Validate(""))
	assert.NoError(t, UpdatableUserEmail.Validate("a@x.com"))
	assert.Error(t, UpdatableUserEmail.Validate("nope"))
	assert.Error(t, UpdatableField("userModels").Validate("anything"))
}

func TestMD5Hex(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", MD5Hex(""))
	assert.Equal(t, "0cc175b9c0f1b6a831c399e269772661", MD5Hex("a"))
}
