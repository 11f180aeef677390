package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/modelvault/authcore/pkg/events"
	"github.com/modelvault/authcore/pkg/httputil"
)

// internalSecretHeader is how peer services authenticate to the internal
// endpoints. Callers that cannot set headers may pass the secret as the
// "secret" query parameter instead.
const internalSecretHeader = "Internal-Call-Secret"

// internalOnly rejects any internal call that does not carry the shared
// secret. An unconfigured secret closes the surface entirely.
func (s *Server) internalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get(internalSecretHeader)
		if secret == "" {
			secret = httputil.ParseQueryString(r, "secret", "")
		}
		if s.deps.InternalCallSecret == "" ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(s.deps.InternalCallSecret)) != 1 {
			httputil.WriteUnauthorized(w, "internal call secret is invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleEvent ingests one pushed domain event. Any handling failure answers
// non-2xx so the delivery layer redelivers; handlers are idempotent, so
// redelivery of a half-applied event converges.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reactor == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "event handling is not configured")
		return
	}
	var event events.Event
	if !httputil.ParseJSONOrError(w, r, &event) {
		return
	}
	if err := s.deps.Reactor.Handle(r.Context(), event); err != nil {
		s.deps.Logger.WithError(err).WithField("eventType", event.Type).Error("Event handling failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

// triggerCleanup runs one synchronous cleanup sweep outside the cron
// schedule.
func (s *Server) triggerCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "cleanup is not configured")
		return
	}
	if err := s.deps.Sweeper.Sweep(r.Context()); err != nil {
		s.deps.Logger.WithError(err).Error("Cleanup sweep failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

// fetchEmailsRequest asks for the user ids behind a set of e-mails.
type fetchEmailsRequest struct {
	EmailAddresses []string `json:"emailAddresses"`
}

func (s *Server) fetchUserIDsFromEmails(w http.ResponseWriter, r *http.Request) {
	var req fetchEmailsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	mapping, err := s.deps.Users.FetchUserIDsFromEmails(r.Context(), req.EmailAddresses)
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"map": mapping})
}
