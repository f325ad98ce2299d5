package services

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/cache"
	"github.com/charlesng35/accesscore/internal/database/testutil"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/crypto"
	"github.com/charlesng35/accesscore/pkg/mail"
)

const testPassword = "correct-horse-battery"

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type stubMFA struct {
	mu    sync.Mutex
	valid string
	calls int
}

func (m *stubMFA) Verify(_ context.Context, _ string, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return code == m.valid, nil
}

type harness struct {
	db       *gorm.DB
	clock    *testClock
	store    *cache.MemoryStore
	recorder *mail.Recorder
	mailer   *AsyncMailer
	mfa      *stubMFA
	sessions *auth.SessionService
	limiter  *auth.LoginLimiter
	plans    *PlanService
	auth     *AuthService
	orgs     *OrganizationService
	oauth    *OAuthService
}

func newHarness(t *testing.T, dbOpts ...testutil.TestDBOption) *harness {
	t.Helper()

	if len(dbOpts) == 0 {
		dbOpts = []testutil.TestDBOption{testutil.WithSeedData()}
	}
	db := testutil.MustOpenTestDB(t, dbOpts...)
	clock := &testClock{current: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}

	jwtService, err := auth.NewJWTService(auth.JWTConfig{
		Secret:          "services-test-secret",
		Issuer:          "accesscore-test",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	sessions, err := auth.NewSessionService(db, jwtService, auth.SessionConfig{
		SessionTTL: 24 * time.Hour,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	store := cache.NewMemoryStore(clock.Now)
	limiter, err := auth.NewLoginLimiter(store, auth.LoginLimiterConfig{MaxAttempts: 5, Cooldown: 15 * time.Minute})
	require.NoError(t, err)

	recorder := mail.NewRecorder()
	dispatcher, err := NewMailDispatcher(recorder, MailDispatcherConfig{
		BaseURL:     "https://app.example.test/",
		ProductName: "Accesscore",
		From:        "no-reply@example.test",
	})
	require.NoError(t, err)
	mailer := NewAsyncMailer(dispatcher, 5*time.Second)
	t.Cleanup(mailer.Wait)

	plans, err := NewPlanService(db, WithPlanClock(clock.Now))
	require.NoError(t, err)

	hasher, err := crypto.NewPasswordHasher(crypto.Argon2Parameters{Time: 1, Memory: 64, Threads: 1, KeyLength: 32})
	require.NoError(t, err)

	mfa := &stubMFA{valid: "123456"}
	authService, err := NewAuthService(db, sessions, limiter, plans, mailer, AuthServiceConfig{
		Hasher: hasher,
		MFA:    mfa,
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	orgs, err := NewOrganizationService(db, plans, mailer, WithOrganizationClock(clock.Now))
	require.NoError(t, err)

	oauth, err := NewOAuthService(db, sessions, WithOAuthClock(clock.Now))
	require.NoError(t, err)

	return &harness{
		db:       db,
		clock:    clock,
		store:    store,
		recorder: recorder,
		mailer:   mailer,
		mfa:      mfa,
		sessions: sessions,
		limiter:  limiter,
		plans:    plans,
		auth:     authService,
		orgs:     orgs,
		oauth:    oauth,
	}
}

func (h *harness) register(t *testing.T, email, orgName string) *AuthResult {
	t.Helper()

	result, err := h.auth.Register(context.Background(), RegisterInput{
		Email:            email,
		Password:         testPassword,
		Name:             "User " + email,
		OrganizationName: orgName,
		IPAddress:        "203.0.113.10",
		UserAgent:        "go-test",
	})
	require.NoError(t, err)
	return result
}

// addMember inserts a user with a membership directly, bypassing invitations.
func (h *harness) addMember(t *testing.T, orgID, email string, role models.Role) *models.User {
	t.Helper()

	user := &models.User{Email: email, Name: email, AuthProvider: models.AuthProviderPassword}
	require.NoError(t, h.db.Create(user).Error)
	require.NoError(t, h.db.Create(&models.OrgMembership{OrganizationID: orgID, UserID: user.ID, Role: role}).Error)
	return user
}

// mailTo waits for in-flight emails and returns those addressed to recipient.
func (h *harness) mailTo(t *testing.T, recipient string) []mail.Message {
	t.Helper()
	h.mailer.Wait()
	return h.recorder.SentTo(recipient)
}

var tokenPattern = regexp.MustCompile(`\?token=([A-Za-z0-9%_\-]+)`)

func tokenFromBody(t *testing.T, body string) string {
	t.Helper()

	match := tokenPattern.FindStringSubmatch(body)
	require.Len(t, match, 2, "no token link in %q", body)
	token, err := url.QueryUnescape(match[1])
	require.NoError(t, err)
	return token
}

// tokenFromMail returns the token of the latest email to recipient whose body links to path.
func (h *harness) tokenFromMail(t *testing.T, recipient, path string) string {
	t.Helper()

	messages := h.mailTo(t, recipient)
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.Contains(messages[i].Body, path+"?token=") {
			return tokenFromBody(t, messages[i].Body)
		}
	}
	t.Fatalf("no %s email sent to %s", path, recipient)
	return ""
}
