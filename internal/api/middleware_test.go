package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionMiddleware(t *testing.T) {
	a := newTestApp(t)

	sessionId, token := a.login(t, "alice@example.com")

	tcases := []struct {
		name  string
		path  string
		token string
		code  int
	}{
		{
			name:  "valid token",
			path:  "/api/sessions/" + sessionId,
			token: token,
			code:  http.StatusOK,
		},
		{
			name:  "missing token",
			path:  "/api/sessions/" + sessionId,
			token: "",
			code:  http.StatusUnauthorized,
		},
		{
			name:  "forged token",
			path:  "/api/sessions/" + sessionId,
			token: "a-completely-wrong-token",
			code:  http.StatusUnauthorized,
		},
		{
			name:  "unknown session",
			path:  "/api/sessions/does-not-exist",
			token: token,
			code:  http.StatusUnauthorized,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			resp := a.request(t, http.MethodGet, tc.path, tc.token, nil)
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestSessionMiddleware_CacheControl(t *testing.T) {
	a := newTestApp(t)

	sessionId, token := a.login(t, "alice@example.com")

	resp := a.request(t, http.MethodGet, "/api/sessions/"+sessionId, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", resp.Header.Get("Cache-Control"),
		"expected session responses to be uncacheable")
}

func TestErrorResponsesAreJson(t *testing.T) {
	a := newTestApp(t)

	resp := a.request(t, http.MethodGet, "/api/sessions/nope", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	apiErr := decodeBody[ApiError](t, resp)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Message)
}
