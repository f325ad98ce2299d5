package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultGoogleIssuer is Google's OpenID Connect issuer.
const DefaultGoogleIssuer = "https://accounts.google.com"

var (
	ErrNonceMismatch  = errors.New("google provider: nonce mismatch")
	ErrEmailMissing   = errors.New("google provider: email claim missing")
	ErrIDTokenMissing = errors.New("google provider: id token missing")
)

// GoogleConfig configures the Google sign-in provider.
type GoogleConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Now          func() time.Time
}

// Identity represents the verified claims returned by Google.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
}

// GoogleProvider runs the OIDC authorization code flow with PKCE against Google.
type GoogleProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	timeout     time.Duration
}

// NewGoogleProvider performs OIDC discovery and returns a ready provider.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultGoogleIssuer
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("google provider: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("google provider: client secret is required")
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, errors.New("google provider: redirect url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	discoveryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider, err := oidc.NewProvider(discoveryCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("google provider: discovery failed: %w", err)
	}

	verifierCfg := &oidc.Config{ClientID: cfg.ClientID}
	if cfg.Now != nil {
		verifierCfg.Now = cfg.Now
	}

	return &GoogleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		verifier:   provider.Verifier(verifierCfg),
		httpClient: cfg.HTTPClient,
		timeout:    timeout,
	}, nil
}

// AuthCodeURL builds the consent screen URL for state, nonce and the S256 PKCE challenge.
func (p *GoogleProvider) AuthCodeURL(state, nonce, pkceChallenge string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", errors.New("google provider: state is required")
	}
	if strings.TrimSpace(nonce) == "" {
		return "", errors.New("google provider: nonce is required")
	}
	if strings.TrimSpace(pkceChallenge) == "" {
		return "", errors.New("google provider: pkce challenge is required")
	}

	return p.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	), nil
}

// Exchange trades the authorization code for tokens, verifies the ID token
// and returns the identity it asserts.
func (p *GoogleProvider) Exchange(ctx context.Context, code, pkceVerifier, expectedNonce string) (*Identity, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("google provider: authorization code missing")
	}
	if strings.TrimSpace(pkceVerifier) == "" {
		return nil, errors.New("google provider: pkce verifier is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.oauthConfig.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", pkceVerifier))
	if err != nil {
		return nil, fmt.Errorf("google provider: exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrIDTokenMissing
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("google provider: verify id token: %w", err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("google provider: decode claims: %w", err)
	}

	identity := &Identity{
		Subject:       idToken.Subject,
		Email:         strings.ToLower(strings.TrimSpace(stringValue(claims, "email"))),
		EmailVerified: boolValue(claims, "email_verified"),
		Name:          stringValue(claims, "name"),
		AvatarURL:     stringValue(claims, "picture"),
	}
	if identity.Email == "" {
		return nil, ErrEmailMissing
	}
	return identity, nil
}

func stringValue(claims map[string]any, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolValue(claims map[string]any, key string) bool {
	if v, ok := claims[key]; ok {
		switch val := v.(type) {
		case bool:
			return val
		case string:
			return strings.EqualFold(val, "true")
		}
	}
	return false
}
