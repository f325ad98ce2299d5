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
	"github.com/charlesng35/accesscore/internal/database"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/crypto"
	apperrors "github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/metrics"
)

const (
	DefaultMinPasswordLength = 8
	DefaultResetTokenTTL     = time.Hour

	defaultAuthTokenBytes = 32
	dummyPassword         = "accesscore-timing-equaliser"
)

// MFAVerifier checks a second factor for users with MFA enabled.
type MFAVerifier interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

// PasswordHasher hashes and verifies passwords. crypto.PasswordHasher is the
// production implementation.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encoded, password string) (bool, error)
}

// AuthServiceConfig tunes credential handling.
type AuthServiceConfig struct {
	Hasher            PasswordHasher
	MinPasswordLength int
	ResetTokenTTL     time.Duration
	TokenBytes        int
	MFA               MFAVerifier
	Clock             func() time.Time
}

// RegisterInput captures the fields accepted by Register.
type RegisterInput struct {
	Email            string
	Password         string
	Name             string
	OrganizationName string
	IPAddress        string
	UserAgent        string
}

// LoginInput captures the fields accepted by Login.
type LoginInput struct {
	Email     string
	Password  string
	MFACode   string
	IPAddress string
	UserAgent string
}

// AuthResult is returned by every flow that signs a user in.
type AuthResult struct {
	User         *models.User         `json:"user"`
	Organization *models.Organization `json:"organization,omitempty"`
	Session      *auth.IssuedSession  `json:"session"`
}

// AuthService implements password registration and login plus the account
// recovery flows around them.
type AuthService struct {
	db       *gorm.DB
	sessions *auth.SessionService
	limiter  *auth.LoginLimiter
	plans    *PlanService
	mailer   *AsyncMailer
	mfa      MFAVerifier

	hasher        PasswordHasher
	dummyHash     string
	minPassword   int
	resetTokenTTL time.Duration
	tokenBytes    int
	now           func() time.Time
	log           *zap.Logger
}

// NewAuthService constructs an AuthService.
func NewAuthService(db *gorm.DB, sessions *auth.SessionService, limiter *auth.LoginLimiter, plans *PlanService, mailer *AsyncMailer, cfg AuthServiceConfig) (*AuthService, error) {
	if db == nil {
		return nil, errors.New("auth service: db is required")
	}
	if sessions == nil {
		return nil, errors.New("auth service: session service is required")
	}
	if limiter == nil {
		return nil, errors.New("auth service: login limiter is required")
	}
	if plans == nil {
		return nil, errors.New("auth service: plan service is required")
	}

	var hasher PasswordHasher = crypto.DefaultPasswordHasher()
	if cfg.Hasher != nil {
		hasher = cfg.Hasher
	}
	dummyHash, err := hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("auth service: prepare dummy hash: %w", err)
	}

	minPassword := cfg.MinPasswordLength
	if minPassword <= 0 {
		minPassword = DefaultMinPasswordLength
	}
	resetTTL := cfg.ResetTokenTTL
	if resetTTL <= 0 {
		resetTTL = DefaultResetTokenTTL
	}
	tokenBytes := cfg.TokenBytes
	if tokenBytes <= 0 {
		tokenBytes = defaultAuthTokenBytes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &AuthService{
		db:            db,
		sessions:      sessions,
		limiter:       limiter,
		plans:         plans,
		mailer:        mailer,
		mfa:           cfg.MFA,
		hasher:        hasher,
		dummyHash:     dummyHash,
		minPassword:   minPassword,
		resetTokenTTL: resetTTL,
		tokenBytes:    tokenBytes,
		now:           clock,
		log:           logger.WithModule("auth"),
	}, nil
}

// Register creates a password account and, when an organization name is
// supplied, an organization owned by the new user.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	ctx = ensureContext(ctx)

	email := normalizeEmail(input.Email)
	if !validEmail(email) {
		return nil, apperrors.NewValidation("A valid email address is required")
	}
	if err := s.checkPasswordPolicy(input.Password); err != nil {
		return nil, err
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("auth service: check email: %w", err)
	}
	if existing > 0 {
		return nil, apperrors.NewConflict(msgEmailTaken)
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("auth service: hash password: %w", err)
	}
	verifyToken, err := crypto.GenerateToken(s.tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("auth service: generate verification token: %w", err)
	}

	user := &models.User{
		Email:            email,
		Name:             strings.TrimSpace(input.Name),
		PasswordHash:     hash,
		AuthProvider:     models.AuthProviderPassword,
		EmailVerifyToken: &verifyToken,
	}

	var org *models.Organization
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperrors.NewConflict(msgEmailTaken)
			}
			return fmt.Errorf("auth service: create user: %w", err)
		}

		if orgName := strings.TrimSpace(input.OrganizationName); orgName != "" {
			created, err := createOrganizationTx(tx, s.plans, user.ID, orgName, "")
			if err != nil {
				return err
			}
			org = created
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	issued, err := s.startSession(ctx, user, auth.SessionMetadata{IPAddress: input.IPAddress, UserAgent: input.UserAgent})
	if err != nil {
		return nil, err
	}

	s.mailer.Go(mailKindVerification, user.Email, func(ctx context.Context, d EmailDispatcher) error {
		return d.SendVerificationEmail(ctx, user.Email, user.Name, verifyToken)
	})

	metrics.AuthAttempts.WithLabelValues("register", "success").Inc()
	s.log.Info("user registered", zap.String("user_id", user.ID), zap.Bool("with_organization", org != nil))

	return &AuthResult{User: user, Organization: org, Session: issued}, nil
}

// Login authenticates an email/password pair. Unknown emails, OAuth-only
// accounts and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	ctx = ensureContext(ctx)
	email := normalizeEmail(input.Email)

	decision, err := s.limiter.Check(ctx, email, input.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("auth service: check login limit: %w", err)
	}
	if !decision.Allowed {
		metrics.LoginThrottled.Inc()
		metrics.AuthAttempts.WithLabelValues("password", "throttled").Inc()
		return nil, apperrors.NewRateLimit(decision.RetryAfter)
	}

	var user models.User
	err = s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("auth service: load user: %w", err)
	}

	found := err == nil && user.HasPassword()
	encoded := s.dummyHash
	if found {
		encoded = user.PasswordHash
	}
	matched, verr := s.hasher.Verify(encoded, input.Password)
	if verr != nil {
		s.log.Warn("stored password hash is unreadable", zap.String("user_id", user.ID), zap.Error(verr))
		matched = false
	}

	if !found || !matched {
		return nil, s.loginFailed(ctx, email, input.IPAddress)
	}

	if user.MFAEnabled {
		if err := s.verifySecondFactor(ctx, &user, email, input); err != nil {
			return nil, err
		}
	}

	if err := s.limiter.Clear(ctx, email, input.IPAddress); err != nil {
		return nil, fmt.Errorf("auth service: clear login limit: %w", err)
	}

	issued, err := s.startSession(ctx, &user, auth.SessionMetadata{IPAddress: input.IPAddress, UserAgent: input.UserAgent})
	if err != nil {
		return nil, err
	}

	metrics.AuthAttempts.WithLabelValues("password", "success").Inc()
	return &AuthResult{User: &user, Session: issued}, nil
}

func (s *AuthService) verifySecondFactor(ctx context.Context, user *models.User, email string, input LoginInput) error {
	code := strings.TrimSpace(input.MFACode)
	if code == "" {
		metrics.AuthAttempts.WithLabelValues("password", "mfa_required").Inc()
		return apperrors.ErrMFARequired
	}
	if s.mfa == nil {
		return errors.New("auth service: mfa is enabled for user but no verifier is configured")
	}

	ok, err := s.mfa.Verify(ctx, user.ID, code)
	if err != nil {
		return fmt.Errorf("auth service: verify mfa: %w", err)
	}
	if !ok {
		if err := s.limiter.RecordFailure(ctx, email, input.IPAddress); err != nil {
			return fmt.Errorf("auth service: record login failure: %w", err)
		}
		metrics.AuthAttempts.WithLabelValues("password", "mfa_invalid").Inc()
		return apperrors.ErrMFAInvalid
	}
	return nil
}

func (s *AuthService) loginFailed(ctx context.Context, email, ip string) error {
	if err := s.limiter.RecordFailure(ctx, email, ip); err != nil {
		return fmt.Errorf("auth service: record login failure: %w", err)
	}
	metrics.AuthAttempts.WithLabelValues("password", "failure").Inc()
	return apperrors.ErrInvalidCredentials
}

// startSession issues a session and stamps the user's last login.
func (s *AuthService) startSession(ctx context.Context, user *models.User, meta auth.SessionMetadata) (*auth.IssuedSession, error) {
	issued, err := s.sessions.CreateSession(ctx, user, meta)
	if err != nil {
		return nil, fmt.Errorf("auth service: create session: %w", err)
	}

	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Update("last_login_at", now).Error; err != nil {
		return nil, fmt.Errorf("auth service: update last login: %w", err)
	}
	user.LastLoginAt = &now
	return issued, nil
}

// Logout ends a single session. Unknown sessions are ignored.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Logout(ctx, sessionID)
}

// LogoutAll ends every session of userID.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	return s.sessions.LogoutAll(ctx, userID)
}

// RefreshToken exchanges a refresh token for a new access token.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	pair, err := s.sessions.RefreshAccessToken(ctx, refreshToken)
	switch {
	case err == nil:
		return pair, nil
	case errors.Is(err, auth.ErrSessionInvalidToken):
		return auth.TokenPair{}, apperrors.NewUnauthorized(msgRefreshInvalid)
	case errors.Is(err, auth.ErrSessionExpired), errors.Is(err, auth.ErrSessionNotFound):
		return auth.TokenPair{}, apperrors.NewUnauthorized(msgSessionExpired)
	default:
		return auth.TokenPair{}, err
	}
}

// ForgotPassword starts a reset for email. It reports success whether or not
// the account exists.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	ctx = ensureContext(ctx)
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("auth service: load user: %w", err)
	}

	token, err := crypto.GenerateToken(s.tokenBytes)
	if err != nil {
		return fmt.Errorf("auth service: generate reset token: %w", err)
	}
	hash := crypto.HashToken(token)
	expiresAt := s.now().UTC().Add(s.resetTokenTTL)

	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"password_reset_token_hash": hash,
		"password_reset_expires_at": expiresAt,
	}).Error; err != nil {
		return fmt.Errorf("auth service: store reset token: %w", err)
	}

	s.mailer.Go(mailKindPasswordReset, user.Email, func(ctx context.Context, d EmailDispatcher) error {
		return d.SendPasswordResetEmail(ctx, user.Email, user.Name, token)
	})
	return nil
}

// ResetPassword consumes a reset token, sets the new password and ends every
// session of the account.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx = ensureContext(ctx)
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.NewValidation(msgResetTokenInvalid)
	}
	if err := s.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}
	tokenHash := crypto.HashToken(token)

	var evicted []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := database.ForUpdate(tx).Where("password_reset_token_hash = ?", tokenHash).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NewValidation(msgResetTokenInvalid)
			}
			return fmt.Errorf("auth service: load reset token: %w", err)
		}
		if user.PasswordResetExpiresAt == nil || !s.now().Before(*user.PasswordResetExpiresAt) {
			return apperrors.NewValidation(msgResetTokenInvalid)
		}

		result := tx.Model(&models.User{}).
			Where("id = ? AND password_reset_token_hash = ?", user.ID, tokenHash).
			Updates(map[string]any{
				"password_hash":             hash,
				"password_reset_token_hash": nil,
				"password_reset_expires_at": nil,
			})
		if result.Error != nil {
			return fmt.Errorf("auth service: update password: %w", result.Error)
		}
		if result.RowsAffected != 1 {
			return apperrors.NewValidation(msgResetTokenInvalid)
		}

		ids, err := s.sessions.DeleteUserSessionsTx(tx, user.ID)
		if err != nil {
			return err
		}
		evicted = ids
		return nil
	})
	if err != nil {
		return err
	}

	s.sessions.Evict(ctx, evicted...)
	s.log.Info("password reset", zap.Int("sessions_revoked", len(evicted)))
	return nil
}

// ChangePassword replaces the password of a signed-in user. Existing
// sessions stay valid.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	ctx = ensureContext(ctx)

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.HasPassword() {
		return apperrors.NewUnauthorized(msgCurrentPassword)
	}
	ok, err := s.hasher.Verify(user.PasswordHash, currentPassword)
	if err != nil || !ok {
		return apperrors.NewUnauthorized(msgCurrentPassword)
	}
	if err := s.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hash).Error; err != nil {
		return fmt.Errorf("auth service: update password: %w", err)
	}
	return nil
}

// VerifyEmail consumes an email verification token.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	ctx = ensureContext(ctx)
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.NewValidation(msgVerifyTokenInvalid)
	}

	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email_verify_token = ?", token).
		Updates(map[string]any{
			"email_verified":     true,
			"email_verify_token": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("auth service: verify email: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewValidation(msgVerifyTokenInvalid)
	}
	return nil
}

// ResendVerification issues a fresh verification token for an unverified user.
func (s *AuthService) ResendVerification(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return apperrors.NewValidation("Email is already verified")
	}

	token, err := crypto.GenerateToken(s.tokenBytes)
	if err != nil {
		return fmt.Errorf("auth service: generate verification token: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Update("email_verify_token", token).Error; err != nil {
		return fmt.Errorf("auth service: store verification token: %w", err)
	}

	s.mailer.Go(mailKindVerification, user.Email, func(ctx context.Context, d EmailDispatcher) error {
		return d.SendVerificationEmail(ctx, user.Email, user.Name, token)
	})
	return nil
}

// Me returns the profile of userID.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.User, error) {
	return s.loadUser(ensureContext(ctx), userID)
}

func (s *AuthService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewNotFound(msgUserNotFound)
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound(msgUserNotFound)
		}
		return nil, fmt.Errorf("auth service: load user: %w", err)
	}
	return &user, nil
}

func (s *AuthService) checkPasswordPolicy(password string) error {
	if len([]rune(password)) < s.minPassword {
		return apperrors.NewValidation(fmt.Sprintf("Password must be at least %d characters", s.minPassword))
	}
	return nil
}
