package api

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/access"
	"github.com/modelvault/authcore/pkg/events"
	"github.com/modelvault/authcore/pkg/httputil"
	"github.com/modelvault/authcore/pkg/maintenance"
	"github.com/modelvault/authcore/pkg/observability"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/sso"
	"github.com/modelvault/authcore/pkg/users"
)

// maxBodyBytes bounds request bodies; every payload on this surface is a
// small JSON document.
const maxBodyBytes = 1 << 20

// Deps carries the wired core services the server dispatches into.
// SSO, Reactor, and Sweeper may be nil when the deployment does not run
// federated login or the maintenance endpoints; their routes then answer
// with errors. Metrics may be nil.
type Deps struct {
	Access  *access.Service
	Users   *users.Service
	Rights  *rights.Engine
	SSO     *sso.Controller
	Reactor *events.Reactor
	Sweeper *maintenance.Sweeper

	// InternalCallSecret gates the /auth/internal/* endpoints. When empty
	// those endpoints refuse every call.
	InternalCallSecret string

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Server is the HTTP front of the service.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
	}

	// Wildcard paths and credential keys travel as URL-encoded path
	// segments, so match on the encoded path and unescape per handler.
	s.router.UseEncodedPath()

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes.
func (s *Server) setupRoutes() {
	// Login and decision routes
	s.router.HandleFunc("/auth/login", s.login).Methods("POST")
	s.router.HandleFunc("/auth/logout", s.logout).Methods("POST")
	s.router.HandleFunc("/auth/access_check", s.accessCheck).Methods("POST")

	// User routes
	s.router.HandleFunc("/auth/users", s.createUser).Methods("PUT")
	s.router.HandleFunc("/auth/users", s.listUsers).Methods("GET")
	s.router.HandleFunc("/auth/users/{userId}", s.getUser).Methods("GET")
	s.router.HandleFunc("/auth/users/{userId}", s.updateUser).Methods("POST")
	s.router.HandleFunc("/auth/users/{userId}", s.deleteUser).Methods("DELETE")

	// Credential routes
	s.router.HandleFunc("/auth/users/{userId}/access_methods", s.listAccessMethods).Methods("GET")
	s.router.HandleFunc("/auth/users/{userId}/access_methods", s.createAccessMethod).Methods("PUT")
	s.router.HandleFunc("/auth/users/{userId}/access_methods/{methodKey}", s.deleteAccessMethod).Methods("DELETE")

	// Base rights routes
	s.router.HandleFunc("/auth/users/{userId}/base_access_rights", s.listBaseRights).Methods("GET")
	s.router.HandleFunc("/auth/users/{userId}/base_access_rights", s.grantBaseRights).Methods("PUT")
	s.router.HandleFunc("/auth/users/{userId}/base_access_rights/{wildcard}", s.updateBaseRight).Methods("POST")
	s.router.HandleFunc("/auth/users/{userId}/base_access_rights/{wildcard}", s.revokeBaseRight).Methods("DELETE")

	// Per-credential rights routes
	s.router.HandleFunc("/auth/users/{userId}/access_methods/{methodKey}/access_rights", s.listFinalRights).Methods("GET")
	s.router.HandleFunc("/auth/users/{userId}/access_methods/{methodKey}/access_rights", s.grantFinalRights).Methods("PUT")
	s.router.HandleFunc("/auth/users/{userId}/access_methods/{methodKey}/access_rights/{wildcard}", s.updateFinalRight).Methods("POST")
	s.router.HandleFunc("/auth/users/{userId}/access_methods/{methodKey}/access_rights/{wildcard}", s.revokeFinalRight).Methods("DELETE")
	s.router.HandleFunc("/auth/users/{userId}/access_methods/{methodKey}/grant_base_access_rights", s.grantBaseToFinal).Methods("POST")

	// Directory routes
	s.router.HandleFunc("/auth/list_registered_email_addresses", s.listRegisteredEmails).Methods("GET")

	// Federated login routes. The provider posts the callback; a browser
	// arriving with GET is bounced back to the caller with an error.
	s.router.HandleFunc("/auth/login/sso", s.ssoBeginLogin).Methods("GET")
	s.router.HandleFunc("/auth/login/sso/callback", s.ssoCallback).Methods("GET", "POST")
	s.router.HandleFunc("/auth/login/sso/token_refresh", s.ssoTokenRefresh).Methods("POST")

	// Internal routes, gated by the shared secret
	internal := s.router.PathPrefix("/auth/internal").Subrouter()
	internal.Use(s.internalOnly)
	internal.HandleFunc("/pubsub", s.handleEvent).Methods("POST")
	internal.HandleFunc("/cleanup", s.triggerCleanup).Methods("POST")
	internal.HandleFunc("/fetch_user_ids_from_emails", s.fetchUserIDsFromEmails).Methods("POST")
}

// Router returns the fully wrapped handler: request id, logging, panic
// recovery, body limit, and metrics when configured.
func (s *Server) Router() http.Handler {
	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.deps.Logger),
		httputil.RecoveryMiddleware(s.deps.Logger),
		httputil.MaxBytesMiddleware(maxBodyBytes),
	}
	if s.deps.Metrics != nil {
		chain = append(chain, observability.HTTPMetricsMiddleware(s.deps.Metrics))
	}
	return httputil.Chain(chain...)(s.router)
}

// pathVar extracts and unescapes one mux path variable. The router matches
// on the encoded path, so the raw variable may still carry percent escapes.
// Returns false after writing the error response when the variable is
// missing or malformed.
func pathVar(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	raw, ok := httputil.ParsePathStringOrError(w, r, key)
	if !ok {
		return "", false
	}
	value, err := url.PathUnescape(raw)
	if err != nil {
		httputil.WriteBadRequest(w, "malformed path parameter: "+key)
		return "", false
	}
	return value, true
}
