package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/api"
	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/auth/mfa"
	"github.com/charlesng35/accesscore/internal/cache"
	sharedtestutil "github.com/charlesng35/accesscore/internal/database/testutil"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/crypto"
	"github.com/charlesng35/accesscore/pkg/mail"
	"github.com/charlesng35/accesscore/pkg/response"
)

// DefaultPassword satisfies the default password policy.
const DefaultPassword = "correct-horse-battery"

var mfaTestKey = []byte("0123456789abcdef0123456789abcdef")

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	JWT    *iauth.JWTService

	Sessions *iauth.SessionService
	Auth     *services.AuthService
	Orgs     *services.OrganizationService
	OAuth    *services.OAuthService
	MFA      *mfa.TOTPService
	Store    *cache.MemoryStore
	Mail     *mail.Recorder
	Mailer   *services.AsyncMailer
}

type envOptions struct {
	rateLimit     int
	freePlanSeats int
	oauthOptions  []services.OAuthOption
}

// EnvOption customises NewEnv.
type EnvOption func(*envOptions)

// WithRateLimit caps public auth requests per client and route per minute.
func WithRateLimit(limit int) EnvOption {
	return func(o *envOptions) { o.rateLimit = limit }
}

// WithFreePlanSeats sets the seeded free plan's member limit.
func WithFreePlanSeats(seats int) EnvOption {
	return func(o *envOptions) { o.freePlanSeats = seats }
}

// WithOAuthOptions forwards options to the OAuth service, e.g. a fake Google provider.
func WithOAuthOptions(opts ...services.OAuthOption) EnvOption {
	return func(o *envOptions) { o.oauthOptions = append(o.oauthOptions, opts...) }
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	options := envOptions{rateLimit: 1000}
	for _, opt := range opts {
		opt(&options)
	}

	dbOpts := []sharedtestutil.TestDBOption{sharedtestutil.WithSeedData()}
	if options.freePlanSeats > 0 {
		dbOpts = append(dbOpts, sharedtestutil.WithFreePlanSeats(options.freePlanSeats))
	}
	db := sharedtestutil.MustOpenTestDB(t, dbOpts...)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:          "test-suite-super-secret-key-32-bytes!!",
		Issuer:          "test-suite",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{SessionTTL: 24 * time.Hour})
	require.NoError(t, err)

	store := cache.NewMemoryStore(nil)
	limiter, err := iauth.NewLoginLimiter(store, iauth.LoginLimiterConfig{MaxAttempts: 5, Cooldown: 15 * time.Minute})
	require.NoError(t, err)

	recorder := mail.NewRecorder()
	dispatcher, err := services.NewMailDispatcher(recorder, services.MailDispatcherConfig{
		BaseURL:     "https://app.example.test",
		ProductName: "Accesscore",
		From:        "no-reply@example.test",
	})
	require.NoError(t, err)
	mailer := services.NewAsyncMailer(dispatcher, 5*time.Second)
	t.Cleanup(mailer.Wait)

	plans, err := services.NewPlanService(db)
	require.NoError(t, err)

	totp, err := mfa.NewTOTPService(db, mfaTestKey, mfa.WithIssuer("Accesscore Test"))
	require.NoError(t, err)

	hasher, err := crypto.NewPasswordHasher(crypto.Argon2Parameters{Time: 1, Memory: 64, Threads: 1, KeyLength: 32})
	require.NoError(t, err)

	authSvc, err := services.NewAuthService(db, sessions, limiter, plans, mailer, services.AuthServiceConfig{
		Hasher: hasher,
		MFA:    totp,
	})
	require.NoError(t, err)

	orgs, err := services.NewOrganizationService(db, plans, mailer)
	require.NoError(t, err)

	oauth, err := services.NewOAuthService(db, sessions, options.oauthOptions...)
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		DB:              db,
		JWT:             jwtSvc,
		Sessions:        sessions,
		Auth:            authSvc,
		OAuth:           oauth,
		Organizations:   orgs,
		MFA:             totp,
		RateLimitStore:  store,
		RateLimit:       options.rateLimit,
		RateLimitWindow: time.Minute,
	})
	require.NoError(t, err)

	return &Env{
		T:        t,
		DB:       db,
		Router:   router,
		JWT:      jwtSvc,
		Sessions: sessions,
		Auth:     authSvc,
		Orgs:     orgs,
		OAuth:    oauth,
		MFA:      totp,
		Store:    store,
		Mail:     recorder,
		Mailer:   mailer,
	}
}

// SessionPayload mirrors the issued session returned by sign-in endpoints.
type SessionPayload struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// UserPayload captures the subset of user fields returned from auth endpoints.
type UserPayload struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	AuthProvider  string `json:"auth_provider"`
	EmailVerified bool   `json:"email_verified"`
	MFAEnabled    bool   `json:"mfa_enabled"`
}

// OrganizationPayload captures the organization fields returned by the API.
type OrganizationPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
	Role string `json:"role"`
}

// AuthPayload bundles the JSON response of register and login.
type AuthPayload struct {
	User         UserPayload          `json:"user"`
	Organization *OrganizationPayload `json:"organization"`
	Session      SessionPayload       `json:"session"`
}

// Register signs up a new password account through the API.
func (e *Env) Register(email, organizationName string) AuthPayload {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"email":             email,
		"password":          DefaultPassword,
		"name":              "User " + email,
		"organization_name": organizationName,
	}, "")
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	var result AuthPayload
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &result)
	require.NotEmpty(e.T, result.Session.AccessToken)
	return result
}

// Login authenticates with a password and returns the issued session.
func (e *Env) Login(email, password string) AuthPayload {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	var result AuthPayload
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &result)
	require.NotEmpty(e.T, result.Session.AccessToken)
	require.NotEmpty(e.T, result.Session.RefreshToken)
	return result
}

// AddMember inserts a user with a membership directly, bypassing invitations,
// and returns the user with a signed-in access token.
func (e *Env) AddMember(orgID, email string, role models.Role) (*models.User, string) {
	e.T.Helper()

	e.Register(email, "")
	var user models.User
	require.NoError(e.T, e.DB.First(&user, "email = ?", email).Error)
	require.NoError(e.T, e.DB.Create(&models.OrgMembership{OrganizationID: orgID, UserID: user.ID, Role: role}).Error)
	return &user, e.Login(email, DefaultPassword).Session.AccessToken
}

var tokenPattern = regexp.MustCompile(`\?token=([A-Za-z0-9%_\-]+)`)

// TokenFromMail returns the token of the latest email to recipient whose body links to path.
func (e *Env) TokenFromMail(recipient, path string) string {
	e.T.Helper()

	e.Mailer.Wait()
	messages := e.Mail.SentTo(recipient)
	for i := len(messages) - 1; i >= 0; i-- {
		if !strings.Contains(messages[i].Body, path+"?token=") {
			continue
		}
		match := tokenPattern.FindStringSubmatch(messages[i].Body)
		require.Len(e.T, match, 2)
		token, err := url.QueryUnescape(match[1])
		require.NoError(e.T, err)
		return token
	}
	e.T.Fatalf("no %s email sent to %s", path, recipient)
	return ""
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// ErrorCode returns the error code of a failed response.
func ErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := DecodeResponse(t, w)
	require.False(t, resp.Success, w.Body.String())
	require.NotNil(t, resp.Error, w.Body.String())
	return resp.Error.Code
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "203.0.113.7:40000"

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// Serve runs a prebuilt request against the router.
func Serve(e *Env, req *http.Request) *httptest.ResponseRecorder {
	e.T.Helper()
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
