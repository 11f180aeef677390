package api

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/modelvault/authcore/pkg/httputil"
	"github.com/modelvault/authcore/pkg/sso"
)

// clientAuthorizationHeader carries the federated token on the refresh
// endpoint and the optional session short-circuit on login. The standard
// Authorization header is reserved for the gateway in front of this
// service, so clients relay their own token under a distinct name.
const clientAuthorizationHeader = "Client-Authorization"

// redirectWithError bounces the browser back to the caller with the failure
// in the query string.
func redirectWithError(w http.ResponseWriter, redirectURL string, status int, message string) {
	location := redirectURL + "?error_message=" + url.QueryEscape(fmt.Sprintf("Error %d: %s", status, message))
	w.Header().Set("Location", location)
	httputil.WriteJSON(w, http.StatusSeeOther, map[string]string{"result": "failure"})
}

// redirectWithLogin bounces the browser back to the caller carrying the
// completed login.
func redirectWithLogin(w http.ResponseWriter, redirectURL, userID, tokenWithType string) {
	location := redirectURL + "?user_id=" + url.QueryEscape(userID) + "&token=" + url.QueryEscape(tokenWithType)
	w.Header().Set("Location", location)
	httputil.WriteJSON(w, http.StatusSeeOther, map[string]string{"result": "success"})
}

// ssoConfigured writes the error response when federated login is not wired
// into this deployment.
func (s *Server) ssoConfigured(w http.ResponseWriter) bool {
	if s.deps.SSO == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "federated login is not configured")
		return false
	}
	return true
}

// clientToken returns the federated token the client relayed, either in the
// dedicated header or the existing_token query parameter.
func clientToken(r *http.Request) string {
	if token := r.Header.Get(clientAuthorizationHeader); token != "" {
		return token
	}
	return httputil.ParseQueryString(r, "existing_token", "")
}

func (s *Server) ssoBeginLogin(w http.ResponseWriter, r *http.Request) {
	if !s.ssoConfigured(w) {
		return
	}
	redirectURL := httputil.ParseQueryString(r, "redirect_url", "")
	tenant := httputil.ParseQueryString(r, "tenant", "")
	if !httputil.RequireNonEmpty(w, redirectURL, "redirect_url") || !httputil.RequireNonEmpty(w, tenant, "tenant") {
		return
	}

	// A still-valid session skips the provider round-trip entirely.
	if token := clientToken(r); token != "" {
		if result, err := s.deps.SSO.PerformCheckAndRefresh(r.Context(), token); err == nil {
			redirectWithLogin(w, redirectURL, result.UserID, result.TokenWithType)
			return
		}
	}

	authURL, err := s.deps.SSO.BeginLogin(r.Context(), tenant, redirectURL)
	if err != nil {
		s.deps.Logger.WithError(err).WithField("tenant", tenant).Warn("Federated login start failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	w.Header().Set("Location", authURL)
	httputil.WriteJSON(w, http.StatusSeeOther, map[string]string{"result": "success"})
}

func (s *Server) ssoCallback(w http.ResponseWriter, r *http.Request) {
	if !s.ssoConfigured(w) {
		return
	}

	// The provider posts the second leg; a browser arriving with GET never
	// holds a valid handshake.
	if r.Method == http.MethodGet {
		redirectURL := httputil.ParseQueryString(r, "redirect_url", "/")
		redirectWithError(w, redirectURL, http.StatusUnauthorized, "You do not have access to this service.")
		return
	}

	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "malformed callback form")
		return
	}
	tenant := httputil.ParseQueryString(r, "tenant", "")
	code := r.PostFormValue("code")
	state := r.PostFormValue("state")
	if providerError := r.PostFormValue("error"); providerError != "" {
		s.deps.Logger.WithFields(map[string]interface{}{
			"error":       providerError,
			"description": r.PostFormValue("error_description"),
		}).Warn("Identity provider reported a login failure")
		httputil.WriteUnauthorized(w, "identity provider rejected the login")
		return
	}
	if tenant == "" || code == "" || state == "" {
		httputil.WriteBadRequest(w, "request does not have required fields")
		return
	}

	result, err := s.deps.SSO.HandleCallback(r.Context(), tenant, code, state)
	if err != nil {
		s.deps.Logger.WithError(err).WithField("tenant", tenant).Warn("Federated login callback failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	redirectWithLogin(w, result.RedirectURL, result.UserID, result.TokenWithType)
}

// ssoRefreshResponse reports the session check outcome and the token the
// client must keep using, which changes when Status is "Refreshed".
type ssoRefreshResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func (s *Server) ssoTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.ssoConfigured(w) {
		return
	}
	token := clientToken(r)
	if token == "" {
		httputil.WriteBadRequest(w, "client-authorization header is required")
		return
	}

	result, err := s.deps.SSO.PerformCheckAndRefresh(r.Context(), token)
	if err != nil {
		httputil.WriteUnauthorized(w, "please re-login")
		return
	}
	status := "AlreadyValid"
	if result.Status == sso.CheckRefreshed {
		status = "Refreshed"
	}
	httputil.WriteSuccess(w, ssoRefreshResponse{
		Token:  result.TokenWithType,
		Status: status,
		UserID: result.UserID,
		Email:  sso.EmailFromCredentialKey(result.CredentialKey),
	})
}
