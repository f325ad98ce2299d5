package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/accesscore/internal/handlers/testutil"
)

func TestAuthHandler_RegisterLoginMe(t *testing.T) {
	env := testutil.NewEnv(t)

	registered := env.Register("ada@example.com", "Analytical Engines")
	require.Equal(t, "ada@example.com", registered.User.Email)
	require.False(t, registered.User.EmailVerified)
	require.NotNil(t, registered.Organization)
	require.Equal(t, "analytical-engines", registered.Organization.Slug)

	login := env.Login("ADA@example.com", testutil.DefaultPassword)
	require.Equal(t, registered.User.ID, login.User.ID)

	w := env.Request(http.MethodGet, "/api/auth/me", nil, login.Session.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var me testutil.UserPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &me)
	require.Equal(t, "ada@example.com", me.Email)

	w = env.Request(http.MethodGet, "/api/auth/me", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_RegisterValidation(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"email":    "not-an-email",
		"password": testutil.DefaultPassword,
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "VALIDATION_ERROR", testutil.ErrorCode(t, w))

	w = env.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"email":    "short@example.com",
		"password": "short",
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	env.Register("dup@example.com", "")
	w = env.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"email":    "DUP@example.com",
		"password": testutil.DefaultPassword,
	}, "")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "CONFLICT", testutil.ErrorCode(t, w))
}

func TestAuthHandler_LoginFailuresAreThrottled(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Register("grace@example.com", "")

	for i := 0; i < 5; i++ {
		w := env.Request(http.MethodPost, "/api/auth/login", map[string]string{
			"email":    "grace@example.com",
			"password": "wrong-password",
		}, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, "INVALID_CREDENTIALS", testutil.ErrorCode(t, w))
	}

	w := env.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "grace@example.com",
		"password": testutil.DefaultPassword,
	}, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAuthHandler_UnknownEmailLooksLikeWrongPassword(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "nobody@example.com",
		"password": testutil.DefaultPassword,
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "INVALID_CREDENTIALS", testutil.ErrorCode(t, w))
}

func TestAuthHandler_RefreshAndLogout(t *testing.T) {
	env := testutil.NewEnv(t)
	session := env.Register("linus@example.com", "").Session

	w := env.Request(http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": session.RefreshToken}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair testutil.SessionPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &pair)
	require.NotEmpty(t, pair.AccessToken)

	w = env.Request(http.MethodPost, "/api/auth/logout", nil, pair.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/auth/me", nil, session.AccessToken)
	require.Equal(t, http.StatusUnauthorized, w.Code, "logout revokes every token of the session")

	w = env.Request(http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": session.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_SessionsListAndRevoke(t *testing.T) {
	env := testutil.NewEnv(t)
	first := env.Register("ken@example.com", "").Session
	second := env.Login("ken@example.com", testutil.DefaultPassword).Session
	other := env.Register("dennis@example.com", "").Session

	w := env.Request(http.MethodGet, "/api/auth/sessions", nil, first.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sessions []struct {
		ID      string `json:"id"`
		Current bool   `json:"current"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &sessions)
	require.Len(t, sessions, 2)

	var otherID string
	for _, s := range sessions {
		if !s.Current {
			otherID = s.ID
		}
	}
	require.NotEmpty(t, otherID)

	var foreign []struct {
		ID string `json:"id"`
	}
	w = env.Request(http.MethodGet, "/api/auth/sessions", nil, other.AccessToken)
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &foreign)
	require.Len(t, foreign, 1)

	w = env.Request(http.MethodDelete, "/api/auth/sessions/"+foreign[0].ID, nil, first.AccessToken)
	require.Equal(t, http.StatusNotFound, w.Code, "sessions of other users are invisible")

	w = env.Request(http.MethodDelete, "/api/auth/sessions/"+otherID, nil, first.AccessToken)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.Request(http.MethodGet, "/api/auth/me", nil, second.AccessToken)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.Request(http.MethodGet, "/api/auth/me", nil, first.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.Request(http.MethodPost, "/api/auth/logout-all", nil, first.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.Request(http.MethodGet, "/api/auth/me", nil, first.AccessToken)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_PasswordResetFlow(t *testing.T) {
	env := testutil.NewEnv(t)
	session := env.Register("barbara@example.com", "").Session

	w := env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "barbara@example.com"}, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	w = env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "ghost@example.com"}, "")
	require.Equal(t, http.StatusAccepted, w.Code, "unknown emails are not disclosed")

	token := env.TokenFromMail("barbara@example.com", "/reset-password")

	w = env.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token":    token,
		"password": "a-brand-new-password",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/auth/me", nil, session.AccessToken)
	require.Equal(t, http.StatusUnauthorized, w.Code, "reset signs out existing sessions")

	env.Login("barbara@example.com", "a-brand-new-password")

	w = env.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token":    token,
		"password": "yet-another-password",
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code, "reset tokens are single use")
}

func TestAuthHandler_ChangePassword(t *testing.T) {
	env := testutil.NewEnv(t)
	session := env.Register("margaret@example.com", "").Session

	w := env.Request(http.MethodPost, "/api/auth/change-password", map[string]string{
		"current_password": "not-it",
		"new_password":     "apollo-guidance-computer",
	}, session.AccessToken)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.Request(http.MethodPost, "/api/auth/change-password", map[string]string{
		"current_password": testutil.DefaultPassword,
		"new_password":     "apollo-guidance-computer",
	}, session.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.Login("margaret@example.com", "apollo-guidance-computer")
}

func TestAuthHandler_VerifyEmail(t *testing.T) {
	env := testutil.NewEnv(t)
	session := env.Register("katherine@example.com", "").Session

	token := env.TokenFromMail("katherine@example.com", "/verify-email")

	w := env.Request(http.MethodPost, "/api/auth/verify-email", map[string]string{"token": "bogus"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.Request(http.MethodPost, "/api/auth/verify-email", map[string]string{"token": token}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/auth/me", nil, session.AccessToken)
	var me testutil.UserPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &me)
	require.True(t, me.EmailVerified)

	w = env.Request(http.MethodPost, "/api/auth/resend-verification", nil, session.AccessToken)
	require.Equal(t, http.StatusBadRequest, w.Code, "already verified")
}

func TestAuthHandler_PublicRoutesAreRateLimited(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithRateLimit(2))

	for i := 0; i < 2; i++ {
		w := env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "x@example.com"}, "")
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "x@example.com"}, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", testutil.ErrorCode(t, w))
}

func TestAuthHandler_SessionTokenHeader(t *testing.T) {
	env := testutil.NewEnv(t)
	session := env.Register("barbara@example.com", "").Session
	require.NotEmpty(t, session.SessionToken)

	withSecret := func(method, path string) *http.Request {
		req, err := http.NewRequest(method, path, nil)
		require.NoError(t, err)
		req.Header.Set("X-Session-Token", session.SessionToken)
		return req
	}

	w := testutil.Serve(env, withSecret(http.MethodGet, "/api/auth/me"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = testutil.Serve(env, withSecret(http.MethodPost, "/api/auth/logout"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = testutil.Serve(env, withSecret(http.MethodGet, "/api/auth/me"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.Request(http.MethodGet, "/api/auth/me", nil, session.AccessToken)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
