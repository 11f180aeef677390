package api

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelvault/authcore/pkg/scope"
)

func TestBaseRightsEndpoints(t *testing.T) {
	f := newFixture(t)
	userID, _ := seedUserWithKey(t, f, "alice", "alice@x.com")
	base := "/auth/users/" + userID + "/base_access_rights"

	rec := f.do(t, http.MethodPut, base, scopesPayload{AccessScopes: []scope.AccessScope{
		{WildcardPath: "/models/*", AccessRights: []string{"get"}},
	}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed map[string][]scope.AccessScope
	rec = f.do(t, http.MethodGet, base, nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	found := false
	for _, s := range listed["baseAccessScope"] {
		if s.WildcardPath == "/models/*" {
			found = true
			assert.Equal(t, []string{"GET"}, s.AccessRights)
		}
	}
	assert.True(t, found)

	wildcard := base + "/" + url.PathEscape("/models/*")
	rec = f.do(t, http.MethodPost, wildcard, rightsPayload{AccessRights: []string{"get", "post"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, base, nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, s := range listed["baseAccessScope"] {
		if s.WildcardPath == "/models/*" {
			assert.Equal(t, []string{"GET", "POST"}, s.AccessRights)
		}
	}

	rec = f.do(t, http.MethodDelete, wildcard, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, base, nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, s := range listed["baseAccessScope"] {
		assert.NotEqual(t, "/models/*", s.WildcardPath)
	}

	rec = f.do(t, http.MethodPut, base, scopesPayload{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/"+url.PathEscape("/missing/*"), rightsPayload{AccessRights: []string{"get"}}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFinalRightsEndpoints(t *testing.T) {
	f := newFixture(t)
	userID, method := seedUserWithKey(t, f, "alice", "alice@x.com")
	credentials := "/auth/users/" + userID + "/access_methods/" + url.PathEscape(method.APIKey)

	rec := f.do(t, http.MethodPut, "/auth/users/"+userID+"/base_access_rights", scopesPayload{AccessScopes: []scope.AccessScope{
		{WildcardPath: "/models/*", AccessRights: []string{"get", "post"}},
	}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, credentials+"/access_rights", scopesPayload{AccessScopes: []scope.AccessScope{
		{WildcardPath: "/models/m1", AccessRights: []string{"get"}},
	}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed map[string][]scope.AccessScope
	rec = f.do(t, http.MethodGet, credentials+"/access_rights", nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, listed["finalAccessScope"], 1)
	assert.Equal(t, "/models/m1", listed["finalAccessScope"][0].WildcardPath)

	// Beyond the base scope
	rec = f.do(t, http.MethodPut, credentials+"/access_rights", scopesPayload{AccessScopes: []scope.AccessScope{
		{WildcardPath: "/admin/*", AccessRights: []string{"delete"}},
	}}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	wildcard := credentials + "/access_rights/" + url.PathEscape("/models/m1")
	rec = f.do(t, http.MethodPost, wildcard, rightsPayload{AccessRights: []string{"get", "post"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, wildcard, rightsPayload{AccessRights: []string{"delete"}}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, wildcard, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, wildcard, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrantBaseToFinalEndpoint(t *testing.T) {
	f := newFixture(t)
	userID, method := seedUserWithKey(t, f, "alice", "alice@x.com")
	credentials := "/auth/users/" + userID + "/access_methods/" + url.PathEscape(method.APIKey)

	rec := f.do(t, http.MethodPost, credentials+"/grant_base_access_rights", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed map[string][]scope.AccessScope
	rec = f.do(t, http.MethodGet, credentials+"/access_rights", nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, listed["finalAccessScope"])
}
