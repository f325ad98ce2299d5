package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/auth/providers"
	"github.com/charlesng35/accesscore/internal/database"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/crypto"
	apperrors "github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/metrics"
)

const googleProviderName = "google"

// GoogleIdentityProvider is the part of providers.GoogleProvider the OAuth flow needs.
type GoogleIdentityProvider interface {
	AuthCodeURL(state, nonce, pkceChallenge string) (string, error)
	Exchange(ctx context.Context, code, pkceVerifier, expectedNonce string) (*providers.Identity, error)
}

// GoogleProfile is the verified identity asserted by Google.
type GoogleProfile struct {
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
}

// OAuthResult extends AuthResult with whether the account was just created.
type OAuthResult struct {
	*AuthResult
	IsNewUser bool   `json:"is_new_user"`
	ReturnTo  string `json:"return_to,omitempty"`
}

// OAuthOption customises OAuthService behaviour.
type OAuthOption func(*OAuthService)

// WithGoogleProvider enables the redirect flow through provider and codec.
func WithGoogleProvider(provider GoogleIdentityProvider, codec *auth.StateCodec) OAuthOption {
	return func(s *OAuthService) {
		s.google = provider
		s.states = codec
	}
}

// WithOAuthClock injects a custom clock primarily for testing.
func WithOAuthClock(clock func() time.Time) OAuthOption {
	return func(s *OAuthService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// OAuthService signs users in with Google and links Google identities to
// existing password accounts.
type OAuthService struct {
	db       *gorm.DB
	sessions *auth.SessionService
	google   GoogleIdentityProvider
	states   *auth.StateCodec
	now      func() time.Time
	log      *zap.Logger
}

// NewOAuthService constructs an OAuthService.
func NewOAuthService(db *gorm.DB, sessions *auth.SessionService, opts ...OAuthOption) (*OAuthService, error) {
	if db == nil {
		return nil, errors.New("oauth service: db is required")
	}
	if sessions == nil {
		return nil, errors.New("oauth service: session service is required")
	}
	service := &OAuthService{
		db:       db,
		sessions: sessions,
		now:      time.Now,
		log:      logger.WithModule("oauth"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// GoogleEnabled reports whether the redirect flow is configured.
func (s *OAuthService) GoogleEnabled() bool {
	return s.google != nil && s.states != nil
}

// BeginGoogle returns the Google consent URL. The PKCE verifier, nonce and
// returnTo travel inside the encrypted state parameter.
func (s *OAuthService) BeginGoogle(returnTo string) (string, error) {
	if !s.GoogleEnabled() {
		return "", apperrors.NewNotFound("Google sign-in is not configured")
	}

	pkce, err := auth.GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("oauth service: %w", err)
	}
	nonce, err := crypto.GenerateToken(24)
	if err != nil {
		return "", fmt.Errorf("oauth service: generate nonce: %w", err)
	}

	state, err := s.states.Encode(auth.OAuthState{
		Provider: googleProviderName,
		ReturnTo: sanitizeReturnTo(returnTo),
		Nonce:    nonce,
		Verifier: pkce.Verifier,
	})
	if err != nil {
		return "", fmt.Errorf("oauth service: encode state: %w", err)
	}

	url, err := s.google.AuthCodeURL(state, nonce, pkce.Challenge)
	if err != nil {
		return "", fmt.Errorf("oauth service: build consent url: %w", err)
	}
	return url, nil
}

// CompleteGoogle finishes the redirect flow started by BeginGoogle.
func (s *OAuthService) CompleteGoogle(ctx context.Context, stateToken, code string, meta auth.SessionMetadata) (*OAuthResult, error) {
	if !s.GoogleEnabled() {
		return nil, apperrors.NewNotFound("Google sign-in is not configured")
	}
	ctx = ensureContext(ctx)

	state, err := s.states.Decode(stateToken)
	if err != nil || state.Provider != googleProviderName {
		metrics.AuthAttempts.WithLabelValues("google", "failure").Inc()
		return nil, apperrors.NewValidation("Invalid or expired sign-in state")
	}

	identity, err := s.google.Exchange(ctx, code, state.Verifier, state.Nonce)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("google", "failure").Inc()
		s.log.Warn("google exchange failed", zap.Error(err))
		return nil, apperrors.NewUnauthorized("Google sign-in failed").WithInternal(err)
	}
	if !identity.EmailVerified {
		metrics.AuthAttempts.WithLabelValues("google", "failure").Inc()
		return nil, apperrors.NewUnauthorized("Google account email is not verified")
	}

	result, err := s.HandleGoogleAuth(ctx, GoogleProfile{
		ProviderID: identity.Subject,
		Email:      identity.Email,
		Name:       identity.Name,
		AvatarURL:  identity.AvatarURL,
	}, meta)
	if err != nil {
		return nil, err
	}
	result.ReturnTo = state.ReturnTo
	return result, nil
}

// HandleGoogleAuth signs in the account behind a verified Google profile,
// linking or creating it as needed.
func (s *OAuthService) HandleGoogleAuth(ctx context.Context, profile GoogleProfile, meta auth.SessionMetadata) (*OAuthResult, error) {
	ctx = ensureContext(ctx)

	providerID := strings.TrimSpace(profile.ProviderID)
	email := normalizeEmail(profile.Email)
	if providerID == "" || !validEmail(email) {
		return nil, apperrors.NewValidation("Google profile is missing a subject or email")
	}

	var (
		user  models.User
		isNew bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("provider_id = ?", providerID).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("oauth service: load user by provider: %w", err)
		}

		err = database.ForUpdate(tx).Where("email = ?", email).First(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			isNew = true
			return s.createGoogleUserTx(tx, &user, providerID, email, profile)
		case err != nil:
			return fmt.Errorf("oauth service: load user by email: %w", err)
		}
		return s.linkGoogleTx(tx, &user, providerID, profile)
	})
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("google", "failure").Inc()
		return nil, err
	}

	issued, err := s.sessions.CreateSession(ctx, &user, meta)
	if err != nil {
		return nil, fmt.Errorf("oauth service: create session: %w", err)
	}
	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Update("last_login_at", now).Error; err != nil {
		return nil, fmt.Errorf("oauth service: update last login: %w", err)
	}
	user.LastLoginAt = &now

	metrics.AuthAttempts.WithLabelValues("google", "success").Inc()
	s.log.Info("google sign-in", zap.String("user_id", user.ID), zap.Bool("new_user", isNew))

	return &OAuthResult{
		AuthResult: &AuthResult{User: &user, Session: issued},
		IsNewUser:  isNew,
	}, nil
}

func (s *OAuthService) createGoogleUserTx(tx *gorm.DB, user *models.User, providerID, email string, profile GoogleProfile) error {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = email[:strings.LastIndex(email, "@")]
	}
	*user = models.User{
		Email:         email,
		Name:          name,
		AvatarURL:     strings.TrimSpace(profile.AvatarURL),
		AuthProvider:  models.AuthProviderGoogle,
		ProviderID:    &providerID,
		EmailVerified: true,
	}
	if err := tx.Create(user).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.NewConflict(msgEmailTaken)
		}
		return fmt.Errorf("oauth service: create user: %w", err)
	}
	return nil
}

func (s *OAuthService) linkGoogleTx(tx *gorm.DB, user *models.User, providerID string, profile GoogleProfile) error {
	if user.ProviderID != nil && *user.ProviderID != providerID {
		return apperrors.NewConflict("Email is linked to a different Google account")
	}

	updates := map[string]any{
		"provider_id":        providerID,
		"email_verified":     true,
		"email_verify_token": nil,
	}
	avatar := strings.TrimSpace(profile.AvatarURL)
	if user.AvatarURL == "" && avatar != "" {
		updates["avatar_url"] = avatar
		user.AvatarURL = avatar
	}
	if err := tx.Model(user).Updates(updates).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.NewConflict("Google account is already linked to another user")
		}
		return fmt.Errorf("oauth service: link provider: %w", err)
	}
	user.ProviderID = &providerID
	user.EmailVerified = true
	user.EmailVerifyToken = nil
	return nil
}

// sanitizeReturnTo only allows same-origin relative paths.
func sanitizeReturnTo(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || !strings.HasPrefix(value, "/") || strings.HasPrefix(value, "//") || strings.Contains(value, "\\") {
		return "/"
	}
	return value
}
