package api

import (
	"net/http"

	"github.com/modelvault/authcore/pkg/access"
	"github.com/modelvault/authcore/pkg/httputil"
	"github.com/modelvault/authcore/pkg/store"
)

// loginRequest carries one credential. Exactly one of the three method
// shapes must be filled: apiKey, or userEmail+passwordMd5, or
// userName+passwordMd5.
type loginRequest struct {
	APIKey      string `json:"apiKey"`
	UserName    string `json:"userName"`
	UserEmail   string `json:"userEmail"`
	PasswordMD5 string `json:"passwordMd5"`
}

// method maps the request onto the stored credential shape, or ok=false
// when no method shape is complete.
func (r loginRequest) method() (store.AuthMethod, bool) {
	switch {
	case r.APIKey != "":
		return store.AuthMethod{Method: store.MethodAPIKey, APIKey: r.APIKey}, true
	case r.UserEmail != "" && r.PasswordMD5 != "":
		return store.AuthMethod{
			Method:      store.MethodUserEmailPassword,
			UserEmail:   r.UserEmail,
			PasswordMD5: r.PasswordMD5,
		}, true
	case r.UserName != "" && r.PasswordMD5 != "":
		return store.AuthMethod{
			Method:      store.MethodUserNamePassword,
			UserName:    r.UserName,
			PasswordMD5: r.PasswordMD5,
		}, true
	default:
		return store.AuthMethod{}, false
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	method, ok := req.method()
	if !ok {
		httputil.WriteBadRequest(w, "request does not have required fields")
		return
	}

	token, userID, err := s.deps.Access.Login(r.Context(), method)
	if err != nil {
		s.deps.Logger.WithError(err).Warn("Login rejected")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"userId": userID,
		"token":  token,
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := httputil.AuthorizationHeader(r)
	if token == "" {
		httputil.WriteBadRequest(w, "authorization header is required")
		return
	}
	if err := s.deps.Access.Logout(r.Context(), token); err != nil {
		s.deps.Logger.WithError(err).Error("Logout failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

// accessCheckRequest is one access question from a peer service.
type accessCheckRequest struct {
	ForURLPath    string `json:"forUrlPath"`
	RequestMethod string `json:"requestMethod"`
	Authorization string `json:"authorization"`
}

// accessCheckResponse is the allow answer. When the presented federated
// token was silently refreshed the replacement rides along and the caller
// must forward it to the client.
type accessCheckResponse struct {
	Result            string `json:"result"`
	UserID            string `json:"userId"`
	UserName          string `json:"userName"`
	UserEmail         string `json:"userEmail"`
	AuthMethodKey     string `json:"authMethodKey"`
	SSOTokenRefreshed bool   `json:"ssoTokenRefreshed"`
	NewSSOToken       string `json:"newSSOTokenAfterRefresh,omitempty"`
}

func (s *Server) accessCheck(w http.ResponseWriter, r *http.Request) {
	var req accessCheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ForURLPath == "" || req.RequestMethod == "" || req.Authorization == "" {
		httputil.WriteBadRequest(w, "request does not have required fields")
		return
	}

	decision, err := s.deps.Access.Check(r.Context(), access.CheckRequest{
		Token: req.Authorization,
		Path:  req.ForURLPath,
		Right: req.RequestMethod,
	})
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	if !decision.Allowed {
		httputil.WriteForbidden(w, "you do not have sufficient rights to access the url")
		return
	}
	httputil.WriteSuccess(w, accessCheckResponse{
		Result:            "success",
		UserID:            decision.UserID,
		UserName:          decision.UserName,
		UserEmail:         decision.UserEmail,
		AuthMethodKey:     decision.AuthMethodKey,
		SSOTokenRefreshed: decision.TokenRefreshed,
		NewSSOToken:       decision.NewToken,
	})
}
