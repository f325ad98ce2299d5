package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/auth/providers"
	"github.com/charlesng35/accesscore/internal/handlers/testutil"
	"github.com/charlesng35/accesscore/internal/services"
)

type fakeGoogle struct {
	identities map[string]*providers.Identity
}

func (f *fakeGoogle) AuthCodeURL(state, nonce, challenge string) (string, error) {
	q := url.Values{}
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", challenge)
	return "https://accounts.example.test/o/oauth2/auth?" + q.Encode(), nil
}

func (f *fakeGoogle) Exchange(_ context.Context, code, verifier, nonce string) (*providers.Identity, error) {
	if verifier == "" || nonce == "" {
		return nil, errors.New("missing pkce verifier or nonce")
	}
	identity, ok := f.identities[code]
	if !ok {
		return nil, errors.New("invalid_grant")
	}
	return identity, nil
}

func newGoogleEnv(t *testing.T, identities map[string]*providers.Identity) *testutil.Env {
	t.Helper()
	codec, err := iauth.NewStateCodec([]byte("0123456789abcdef"), 10*time.Minute, nil)
	require.NoError(t, err)
	return testutil.NewEnv(t, testutil.WithOAuthOptions(
		services.WithGoogleProvider(&fakeGoogle{identities: identities}, codec),
	))
}

func beginGoogle(t *testing.T, env *testutil.Env, returnTo string) string {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, "/api/auth/google?return_to="+url.QueryEscape(returnTo), nil)
	require.NoError(t, err)
	w := testutil.Serve(env, req)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestGoogleHandler_SignUpAndLink(t *testing.T) {
	env := newGoogleEnv(t, map[string]*providers.Identity{
		"new-user":  {Subject: "g-1", Email: "grace@example.com", EmailVerified: true, Name: "Grace"},
		"link-user": {Subject: "g-2", Email: "ada@example.com", EmailVerified: true, Name: "Ada"},
	})

	state := beginGoogle(t, env, "/dashboard")
	w := env.Request(http.MethodGet, "/api/auth/google/callback?state="+url.QueryEscape(state)+"&code=new-user", nil, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		testutil.AuthPayload
		IsNewUser bool   `json:"is_new_user"`
		ReturnTo  string `json:"return_to"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &created)
	require.True(t, created.IsNewUser)
	require.Equal(t, "/dashboard", created.ReturnTo)
	require.True(t, created.User.EmailVerified)
	require.NotEmpty(t, created.Session.AccessToken)

	password := env.Register("ada@example.com", "")
	state = beginGoogle(t, env, "")
	w = env.Request(http.MethodGet, "/api/auth/google/callback?state="+url.QueryEscape(state)+"&code=link-user", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var linked struct {
		testutil.AuthPayload
		IsNewUser bool `json:"is_new_user"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &linked)
	require.False(t, linked.IsNewUser)
	require.Equal(t, password.User.ID, linked.User.ID)

	env.Login("ada@example.com", testutil.DefaultPassword)
}

func TestGoogleHandler_RejectsBadCallbacks(t *testing.T) {
	env := newGoogleEnv(t, map[string]*providers.Identity{
		"unverified": {Subject: "g-3", Email: "eve@example.com", EmailVerified: false},
	})

	w := env.Request(http.MethodGet, "/api/auth/google/callback?code=x", nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.Request(http.MethodGet, "/api/auth/google/callback?state=tampered&code=unverified", nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	state := beginGoogle(t, env, "")
	w = env.Request(http.MethodGet, "/api/auth/google/callback?state="+url.QueryEscape(state)+"&code=unverified", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.Request(http.MethodGet, "/api/auth/google/callback?error=access_denied", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGoogleHandler_DisabledWithoutProvider(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/auth/google", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGoogleHandler_BeginAsJSON(t *testing.T) {
	env := newGoogleEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, "/api/auth/google", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	w := testutil.Serve(env, req)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		AuthorizationURL string `json:"authorization_url"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &payload)
	require.Contains(t, payload.AuthorizationURL, "https://accounts.example.test/")
}
