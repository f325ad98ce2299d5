package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu          sync.Mutex
	claims      jwt.MapClaims
	gotVerifier string
}

func (f *fakeIssuer) setClaims(claims jwt.MapClaims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = claims
}

func (f *fakeIssuer) verifier() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotVerifier
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIssuer{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIssuer) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                f.server.URL,
			"authorization_endpoint":                f.server.URL + "/auth",
			"token_endpoint":                        f.server.URL + "/token",
			"jwks_uri":                              f.server.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	case "/jwks":
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{map[string]any{
			"kty": "RSA",
			"kid": "test-key",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(f.key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(f.key.E)).Bytes()),
		}}})
	case "/token":
		_ = r.ParseForm()
		f.mu.Lock()
		f.gotVerifier = r.PostForm.Get("code_verifier")
		claims := f.claims
		f.mu.Unlock()

		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "test-key"
		signed, err := token.SignedString(f.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	default:
		http.NotFound(w, r)
	}
}

func newTestGoogleProvider(t *testing.T, issuer *fakeIssuer) *GoogleProvider {
	t.Helper()
	provider, err := NewGoogleProvider(context.Background(), GoogleConfig{
		Issuer:       issuer.server.URL,
		ClientID:     "client-123",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example.com/api/auth/google/callback",
		HTTPClient:   issuer.server.Client(),
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	return provider
}

func TestNewGoogleProviderRequiresFields(t *testing.T) {
	cases := []struct {
		cfg  GoogleConfig
		want string
	}{
		{GoogleConfig{}, "client id is required"},
		{GoogleConfig{ClientID: "abc"}, "client secret is required"},
		{GoogleConfig{ClientID: "abc", ClientSecret: "s"}, "redirect url is required"},
	}
	for _, tc := range cases {
		_, err := NewGoogleProvider(context.Background(), tc.cfg)
		require.ErrorContains(t, err, tc.want)
	}
}

func TestAuthCodeURLCarriesNonceAndPKCE(t *testing.T) {
	provider := newTestGoogleProvider(t, newFakeIssuer(t))

	raw, err := provider.AuthCodeURL("state-1", "nonce-1", "challenge-1")
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	query := parsed.Query()
	require.Equal(t, "state-1", query.Get("state"))
	require.Equal(t, "nonce-1", query.Get("nonce"))
	require.Equal(t, "challenge-1", query.Get("code_challenge"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.Equal(t, "client-123", query.Get("client_id"))

	_, err = provider.AuthCodeURL("", "n", "c")
	require.Error(t, err)
}

func TestExchangeVerifiesIDToken(t *testing.T) {
	issuer := newFakeIssuer(t)
	provider := newTestGoogleProvider(t, issuer)

	now := time.Now()
	issuer.setClaims(jwt.MapClaims{
		"iss":            issuer.server.URL,
		"aud":            "client-123",
		"sub":            "google-sub-1",
		"email":          "Ada@Example.com",
		"email_verified": true,
		"name":           "Ada Lovelace",
		"picture":        "https://img.example.com/ada.png",
		"nonce":          "nonce-1",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	})

	identity, err := provider.Exchange(context.Background(), "code-1", "verifier-1", "nonce-1")
	require.NoError(t, err)
	require.Equal(t, "verifier-1", issuer.verifier())
	require.Equal(t, "google-sub-1", identity.Subject)
	require.Equal(t, "ada@example.com", identity.Email)
	require.True(t, identity.EmailVerified)
	require.Equal(t, "Ada Lovelace", identity.Name)
	require.Equal(t, "https://img.example.com/ada.png", identity.AvatarURL)
}

func TestExchangeRejectsNonceMismatch(t *testing.T) {
	issuer := newFakeIssuer(t)
	provider := newTestGoogleProvider(t, issuer)

	now := time.Now()
	issuer.setClaims(jwt.MapClaims{
		"iss":   issuer.server.URL,
		"aud":   "client-123",
		"sub":   "google-sub-1",
		"email": "ada@example.com",
		"nonce": "other",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})

	_, err := provider.Exchange(context.Background(), "code-1", "verifier-1", "nonce-1")
	require.ErrorIs(t, err, ErrNonceMismatch)
}

func TestExchangeRejectsWrongAudience(t *testing.T) {
	issuer := newFakeIssuer(t)
	provider := newTestGoogleProvider(t, issuer)

	now := time.Now()
	issuer.setClaims(jwt.MapClaims{
		"iss":   issuer.server.URL,
		"aud":   "someone-else",
		"sub":   "google-sub-1",
		"email": "ada@example.com",
		"nonce": "nonce-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})

	_, err := provider.Exchange(context.Background(), "code-1", "verifier-1", "nonce-1")
	require.Error(t, err)
	require.ErrorContains(t, err, "verify id token")
}
