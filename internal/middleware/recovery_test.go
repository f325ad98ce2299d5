package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/accesscore/pkg/response"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var payload response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.False(t, payload.Success)
	require.NotNil(t, payload.Error)
	return payload
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.POST("/api/auth/login", func(c *gin.Context) {
		panic("password hash for alice@example.com")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
	payload := decodeEnvelope(t, w)
	require.Equal(t, "INTERNAL_SERVER_ERROR", payload.Error.Code)
	require.NotContains(t, w.Body.String(), "alice@example.com")
}

func TestNotFoundHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.NoRoute(NotFoundHandler)
	r.NoMethod(MethodNotAllowedHandler)
	r.GET("/api/organizations", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodGet, "/api/teams", http.StatusNotFound, "NOT_FOUND"},
		{http.MethodDelete, "/api/organizations", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))

		require.Equal(t, tc.status, w.Code, tc.path)
		payload := decodeEnvelope(t, w)
		require.Equal(t, tc.code, payload.Error.Code)
	}
}
