package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/modelvault/authcore/pkg/errs"
)

// IdentityProvider is the slice of an OpenID Connect tenant the login
// lifecycle needs: building the authorize redirect, exchanging the callback
// code, and replaying a refresh token.
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// OIDCConfig configures one tenant's provider.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// DefaultScopes requests an ID token with an e-mail claim plus a refresh
// token.
func DefaultScopes() []string {
	return []string{oidc.ScopeOpenID, "email", "offline_access"}
}

// OIDCProvider implements IdentityProvider over an OAuth2 code flow against
// a discovered OpenID Connect issuer.
type OIDCProvider struct {
	oauth2Config *oauth2.Config
}

// NewOIDCProvider discovers the issuer's endpoints and builds a provider.
func NewOIDCProvider(ctx context.Context, config OIDCConfig) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC issuer %s: %v: %w", config.IssuerURL, err, errs.ErrUpstream)
	}
	return NewOIDCProviderWithEndpoint(config, provider.Endpoint()), nil
}

// NewOIDCProviderWithEndpoint builds a provider against known endpoints,
// skipping discovery.
func NewOIDCProviderWithEndpoint(config OIDCConfig, endpoint oauth2.Endpoint) *OIDCProvider {
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes()
	}
	return &OIDCProvider{
		oauth2Config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
		},
	}
}

// AuthCodeURL builds the authorize redirect for one handshake nonce.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// Exchange trades a callback code for tokens.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %v: %w", err, errs.ErrUpstream)
	}
	return fromOAuth2Token(token, "")
}

// Refresh replays a refresh token for a fresh token set. Providers may or
// may not rotate the refresh token; when they do not, the old one is carried
// forward.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	source := p.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh exchange failed: %v: %w", err, errs.ErrUpstream)
	}
	return fromOAuth2Token(token, refreshToken)
}

// fromOAuth2Token maps the oauth2 token to the wire shape. The ID token is
// the credential clients present, so it takes the access-token slot when
// present.
func fromOAuth2Token(token *oauth2.Token, previousRefreshToken string) (*TokenResponse, error) {
	accessToken := token.AccessToken
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		accessToken = idToken
	}
	if accessToken == "" {
		return nil, fmt.Errorf("provider returned no usable token: %w", errs.ErrUpstream)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}

	expiresIn := int64(0)
	if !token.Expiry.IsZero() {
		expiresIn = int64(time.Until(token.Expiry) / time.Second)
	}

	return &TokenResponse{
		TokenType:    TokenType,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}
