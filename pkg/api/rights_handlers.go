package api

import (
	"net/http"

	"github.com/modelvault/authcore/pkg/httputil"
	"github.com/modelvault/authcore/pkg/scope"
)

// scopesPayload carries a scope list for both the base and the
// per-credential grant bodies.
type scopesPayload struct {
	AccessScopes []scope.AccessScope `json:"accessScopes"`
}

// rightsPayload carries a verb list for the single-wildcard update bodies.
type rightsPayload struct {
	AccessRights []string `json:"accessRights"`
}

func (s *Server) listBaseRights(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	scopes, err := s.deps.Rights.ListBaseRights(r.Context(), userID)
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"baseAccessScope": scopes})
}

func (s *Server) grantBaseRights(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	var req scopesPayload
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.AccessScopes) == 0 {
		httputil.WriteBadRequest(w, "accessScopes field must be a non-empty array")
		return
	}
	if err := s.deps.Rights.GrantBaseRights(r.Context(), userID, req.AccessScopes); err != nil {
		s.deps.Logger.WithError(err).WithField("userId", userID).Warn("Base rights grant failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

func (s *Server) updateBaseRight(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	wildcard, ok := pathVar(w, r, "wildcard")
	if !ok {
		return
	}
	var req rightsPayload
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.deps.Rights.UpdateBaseRight(r.Context(), userID, wildcard, req.AccessRights); err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

func (s *Server) revokeBaseRight(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	wildcard, ok := pathVar(w, r, "wildcard")
	if !ok {
		return
	}
	if err := s.deps.Rights.RevokeBaseRight(r.Context(), userID, wildcard); err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listFinalRights(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	methodKey, ok := pathVar(w, r, "methodKey")
	if !ok {
		return
	}
	scopes, err := s.deps.Rights.ListFinalRights(r.Context(), userID, methodKey)
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"finalAccessScope": scopes})
}

func (s *Server) grantFinalRights(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	methodKey, ok := pathVar(w, r, "methodKey")
	if !ok {
		return
	}
	var req scopesPayload
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.AccessScopes) == 0 {
		httputil.WriteBadRequest(w, "accessScopes field must be a non-empty array")
		return
	}
	if err := s.deps.Rights.GrantFinalRights(r.Context(), userID, methodKey, req.AccessScopes); err != nil {
		s.deps.Logger.WithError(err).WithField("userId", userID).Warn("Final rights grant failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

func (s *Server) updateFinalRight(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	methodKey, ok := pathVar(w, r, "methodKey")
	if !ok {
		return
	}
	wildcard, ok := pathVar(w, r, "wildcard")
	if !ok {
		return
	}
	var req rightsPayload
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.deps.Rights.UpdateFinalRight(r.Context(), userID, methodKey, wildcard, req.AccessRights); err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

func (s *Server) revokeFinalRight(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	methodKey, ok := pathVar(w, r, "methodKey")
	if !ok {
		return
	}
	wildcard, ok := pathVar(w, r, "wildcard")
	if !ok {
		return
	}
	if err := s.deps.Rights.RevokeFinalRight(r.Context(), userID, methodKey, wildcard); err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) grantBaseToFinal(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	methodKey, ok := pathVar(w, r, "methodKey")
	if !ok {
		return
	}
	if err := s.deps.Rights.GrantBaseToFinal(r.Context(), userID, methodKey); err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}
