package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice"}`))

	var dest struct {
		Name string `json:"name"`
	}
	err := ParseJSON(r, &dest)

	require.NoError(t, err)
	assert.Equal(t, "alice", dest.Name)
}

func TestParseJSONInvalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{broken`))

	var dest map[string]string
	err := ParseJSON(r, &dest)

	assert.Error(t, err)
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))

	var dest map[string]string
	ok := ParseJSONOrError(w, r, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/users/u-123", nil)
	r = mux.SetURLVars(r, map[string]string{"userId": "u-123"})

	val, err := ParsePathString(r, "userId")

	require.NoError(t, err)
	assert.Equal(t, "u-123", val)
}

func TestParsePathStringMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/users", nil)

	_, err := ParsePathString(r, "userId")

	assert.Error(t, err)
}

func TestParseQueryString(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/login?state=abc", nil)

	assert.Equal(t, "abc", ParseQueryString(r, "state", ""))
	assert.Equal(t, "fallback", ParseQueryString(r, "missing", "fallback"))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"security prefix is not bearer", "Security d41d8cd9", ""},
		{"empty", "", ""},
		{"bare token", "abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(r))
		})
	}
}

func TestRequireNonEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(w, "value", "field"))

	w = httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(w, "", "field"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
