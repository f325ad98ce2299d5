package api_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/accesscore/internal/api"
	"github.com/charlesng35/accesscore/internal/handlers/testutil"
	"github.com/charlesng35/accesscore/internal/middleware"
)

func TestRouter_PublicAndProtectedRoutes(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = env.Request(http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	for _, path := range []string{"/api/auth/me", "/api/auth/sessions", "/api/organizations", "/api/auth/mfa"} {
		w = env.Request(http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w = env.Request(http.MethodPost, "/api/invitations/accept", map[string]string{"token": "x"}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/does-not-exist", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", testutil.ErrorCode(t, w))

	w = env.Request(http.MethodGet, "/api/auth/login", nil, "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Register("metrics@example.com", "")

	w := env.Request(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.True(t, strings.Contains(body, "accesscore_auth_attempts_total"))
	require.True(t, strings.Contains(body, "accesscore_api_latency_seconds"))
}

func TestRouter_SecurityHeaders(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := api.NewRouter(api.Dependencies{})
	require.Error(t, err)
}
