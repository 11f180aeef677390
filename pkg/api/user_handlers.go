package api

import (
	"net/http"

	"github.com/modelvault/authcore/pkg/httputil"
	"github.com/modelvault/authcore/pkg/store"
	"github.com/modelvault/authcore/pkg/users"
)

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req users.CreateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	userID, err := s.deps.Users.CreateUser(r.Context(), req, false)
	if err != nil {
		s.deps.Logger.WithError(err).Warn("User creation failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{"userId": userID})
}

// userSummary is the listing shape; the store model keeps its id out of
// JSON, so it is surfaced explicitly here.
type userSummary struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Users.ListUsers(r.Context())
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	summaries := make([]userSummary, 0, len(list))
	for _, user := range list {
		summaries = append(summaries, userSummary{
			UserID:    user.ID,
			UserName:  user.UserName,
			UserEmail: user.UserEmail,
		})
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": summaries})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	user, err := s.deps.Users.GetUser(r.Context(), userID)
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"userId":           userID,
		"userName":         user.UserName,
		"userEmail":        user.UserEmail,
		"baseAccessScope":  user.BaseAccessScope,
		"userModels":       user.UserModels,
		"userSharedModels": user.UserSharedModels,
	})
}

// updateUserRequest carries the mutable profile fields; absent fields stay
// untouched.
type updateUserRequest struct {
	UserName  *string `json:"userName"`
	UserEmail *string `json:"userEmail"`
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	var req updateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	changes := map[store.UpdatableField]string{}
	if req.UserName != nil {
		changes[store.UpdatableUserName] = *req.UserName
	}
	if req.UserEmail != nil {
		changes[store.UpdatableUserEmail] = *req.UserEmail
	}
	if len(changes) == 0 {
		httputil.WriteBadRequest(w, "request does not have any updatable field")
		return
	}

	if err := s.deps.Users.UpdateProfile(r.Context(), userID, changes); err != nil {
		s.deps.Logger.WithError(err).WithField("userId", userID).Warn("Profile update failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"result": "success"})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	if err := s.deps.Users.DeleteUser(r.Context(), userID); err != nil {
		s.deps.Logger.WithError(err).WithField("userId", userID).Warn("User deletion failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listAccessMethods(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	methods, err := s.deps.Users.ListAccessMethods(r.Context(), userID)
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"authMethods": methods})
}

func (s *Server) createAccessMethod(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	var method store.AuthMethod
	if !httputil.ParseJSONOrError(w, r, &method) {
		return
	}
	created, err := s.deps.Users.CreateAccessMethod(r.Context(), userID, method, false)
	if err != nil {
		s.deps.Logger.WithError(err).WithField("userId", userID).Warn("Access method creation failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteCreated(w, created)
}

func (s *Server) deleteAccessMethod(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathVar(w, r, "userId")
	if !ok {
		return
	}
	methodKey, ok := pathVar(w, r, "methodKey")
	if !ok {
		return
	}
	if err := s.deps.Users.DeleteAccessMethod(r.Context(), userID, methodKey, false); err != nil {
		s.deps.Logger.WithError(err).WithField("userId", userID).Warn("Access method deletion failed")
		httputil.WriteTaxonomyError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listRegisteredEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := s.deps.Users.ListRegisteredEmails(r.Context())
	if err != nil {
		httputil.WriteTaxonomyError(w, err)
		return
	}
	addresses := make([]string, 0, len(emails))
	for _, entry := range emails {
		addresses = append(addresses, entry.UserEmail)
	}
	httputil.WriteSuccess(w, map[string]interface{}{"emailAddresses": addresses})
}
