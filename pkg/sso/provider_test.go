package sso

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func tokenEndpoint(t *testing.T, handler func(r *http.Request) map[string]interface{}) (*httptest.Server, oauth2.Endpoint) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(handler(r)))
	}))
	t.Cleanup(server.Close)
	return server, oauth2.Endpoint{
		AuthURL:  server.URL + "/authorize",
		TokenURL: server.URL + "/token",
	}
}

func TestOIDCProviderExchangePrefersIDToken(t *testing.T) {
	_, endpoint := tokenEndpoint(t, func(r *http.Request) map[string]interface{} {
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		return map[string]interface{}{
			"access_token":  "opaque-at",
			"id_token":      "the-id-token",
			"refresh_token": "the-rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		}
	})

	provider := NewOIDCProviderWithEndpoint(OIDCConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example.com/callback",
	}, endpoint)

	token, err := provider.Exchange(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "the-id-token", token.AccessToken)
	assert.Equal(t, "the-rt", token.RefreshToken)
	assert.Greater(t, token.ExpiresIn, int64(0))
}

func TestOIDCProviderRefreshCarriesRefreshTokenForward(t *testing.T) {
	_, endpoint := tokenEndpoint(t, func(r *http.Request) map[string]interface{} {
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-rt", r.Form.Get("refresh_token"))
		// Provider does not rotate the refresh token.
		return map[string]interface{}{
			"access_token": "new-at",
			"id_token":     "new-id-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
	})

	provider := NewOIDCProviderWithEndpoint(OIDCConfig{ClientID: "client"}, endpoint)
	token, err := provider.Refresh(context.Background(), "old-rt")
	require.NoError(t, err)
	assert.Equal(t, "new-id-token", token.AccessToken)
	assert.Equal(t, "old-rt", token.RefreshToken)
}

func TestOIDCProviderAuthCodeURLCarriesState(t *testing.T) {
	provider := NewOIDCProviderWithEndpoint(OIDCConfig{
		ClientID:    "client",
		RedirectURL: "https://app.example.com/callback",
	}, oauth2.Endpoint{AuthURL: "https://idp.example.com/authorize"})

	url := provider.AuthCodeURL("nonce-1")
	assert.Contains(t, url, "state=nonce-1")
	assert.Contains(t, url, "scope=openid+email+offline_access")
}
