package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/crypto"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/metrics"
)

const (
	// DefaultSessionTTL is the lifetime of a session and its refresh token.
	DefaultSessionTTL = 7 * 24 * time.Hour

	// minSessionTokenBytes is the floor for the opaque session secret.
	minSessionTokenBytes     = 16
	defaultSessionTokenBytes = 32

	// maxPrincipalCacheTTL bounds how long a cached session row is trusted.
	maxPrincipalCacheTTL = time.Minute
)

var (
	// ErrSessionNotFound indicates that no session matches the provided token or identifier.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionExpired signals that the session lifetime has elapsed.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionInvalidToken is returned when the supplied refresh token is malformed or forged.
	ErrSessionInvalidToken = errors.New("session: invalid token")
)

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	SessionTTL time.Duration
	TokenBytes int
	Clock      func() time.Time
	Cache      SessionCache
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// IssuedSession is returned once when a session is created. SessionToken is
// the raw opaque secret; only its hash is persisted.
type IssuedSession struct {
	Session      *models.Session `json:"-"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	SessionToken string          `json:"session_token"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Principal is the authenticated identity behind a valid session.
type Principal struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionService manages creation, validation and deletion of user sessions.
type SessionService struct {
	db         *gorm.DB
	jwt        *JWTService
	ttl        time.Duration
	tokenBytes int
	now        func() time.Time
	cache      SessionCache
	log        *zap.Logger
}

// NewSessionService constructs a session manager backed by the provided database and JWT service.
func NewSessionService(db *gorm.DB, jwtService *JWTService, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("session service: jwt service is required")
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	size := cfg.TokenBytes
	if size <= 0 {
		size = defaultSessionTokenBytes
	}
	if size < minSessionTokenBytes {
		size = minSessionTokenBytes
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:         db,
		jwt:        jwtService,
		ttl:        ttl,
		tokenBytes: size,
		now:        clock,
		cache:      cfg.Cache,
		log:        logger.WithModule("sessions"),
	}, nil
}

// TTL reports the configured session lifetime.
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}

// CreateSession persists a new session for user and issues its tokens.
func (s *SessionService) CreateSession(ctx context.Context, user *models.User, meta SessionMetadata) (*IssuedSession, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, errors.New("session service: user is required")
	}
	ctx = ensureContext(ctx)

	secret, err := crypto.GenerateToken(s.tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("session service: generate session token: %w", err)
	}

	now := s.now().UTC()
	session := &models.Session{
		UserID:     user.ID,
		TokenHash:  crypto.HashToken(secret),
		IPAddress:  strings.TrimSpace(meta.IPAddress),
		UserAgent:  truncate(strings.TrimSpace(meta.UserAgent), 512),
		ExpiresAt:  now.Add(s.ttl),
		LastUsedAt: now,
		CreatedAt:  now,
	}

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("session service: create session: %w", err)
	}
	metrics.ActiveSessions.Inc()

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    user.ID,
		Email:     user.Email,
		SessionID: session.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("session service: generate access token: %w", err)
	}
	refreshToken, err := s.jwt.GenerateRefreshToken(RefreshTokenInput{
		UserID:    user.ID,
		SessionID: session.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}

	s.cachePrincipal(ctx, &Principal{
		UserID:    user.ID,
		Email:     user.Email,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt,
	})

	return &IssuedSession{
		Session:      session,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionToken: secret,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// RefreshAccessToken mints a new access token for the session named by
// refreshToken. The refresh token itself is returned unchanged.
func (s *SessionService) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrSessionInvalidToken, err)
	}
	ctx = ensureContext(ctx)

	principal, err := s.loadPrincipal(ctx, "id = ?", claims.SessionID)
	if err != nil {
		return TokenPair{}, err
	}
	if principal == nil || principal.UserID != claims.UserID {
		return TokenPair{}, ErrSessionExpired
	}

	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", principal.SessionID).
		Update("last_used_at", now).Error; err != nil {
		return TokenPair{}, fmt.Errorf("session service: touch session: %w", err)
	}

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    principal.UserID,
		Email:     principal.Email,
		SessionID: principal.SessionID,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("session service: generate access token: %w", err)
	}

	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// ValidateSession returns the principal for sessionID, or nil when the
// session is missing, expired, or owned by a deleted user.
func (s *SessionService) ValidateSession(ctx context.Context, sessionID string) (*Principal, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}
	ctx = ensureContext(ctx)

	if s.cache != nil {
		principal, err := s.cache.Get(ctx, sessionID)
		switch {
		case err == nil && principal != nil:
			if !s.now().Before(principal.ExpiresAt) {
				s.Evict(ctx, sessionID)
				return nil, nil
			}
			live, err := s.ownerLive(ctx, principal.UserID)
			if err != nil {
				return nil, err
			}
			if !live {
				s.Evict(ctx, sessionID)
				return nil, nil
			}
			return principal, nil
		case err != nil && !errors.Is(err, errSessionCacheMiss):
			s.log.Warn("session cache read failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	principal, err := s.loadPrincipal(ctx, "id = ?", sessionID)
	if err != nil || principal == nil {
		return nil, err
	}
	s.cachePrincipal(ctx, principal)
	return principal, nil
}

// ownerLive reports whether userID still names a user that is not soft
// deleted. Cached principals are checked against it on every hit.
func (s *SessionService) ownerLive(ctx context.Context, userID string) (bool, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Limit(1).
		Pluck("id", &ids).Error; err != nil {
		return false, fmt.Errorf("session service: check session owner: %w", err)
	}
	return len(ids) == 1, nil
}

// ValidateSessionToken resolves a raw opaque session secret to its principal
// with the same contract as ValidateSession.
func (s *SessionService) ValidateSessionToken(ctx context.Context, rawToken string) (*Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, nil
	}
	return s.loadPrincipal(ensureContext(ctx), "token_hash = ?", crypto.HashToken(rawToken))
}

// loadPrincipal returns nil without error when the session does not resolve
// to a live session of an existing user.
func (s *SessionService) loadPrincipal(ctx context.Context, query string, arg any) (*Principal, error) {
	var session models.Session
	err := s.db.WithContext(ctx).Where(query, arg).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session: %w", err)
	}
	if !session.ActiveAt(s.now()) {
		return nil, nil
	}

	var user models.User
	err = s.db.WithContext(ctx).Select("id", "email").Take(&user, "id = ?", session.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session owner: %w", err)
	}

	return &Principal{
		UserID:    user.ID,
		Email:     user.Email,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Logout deletes a single session. Unknown ids are not an error.
func (s *SessionService) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).Where("id = ?", sessionID).Delete(&models.Session{})
	if result.Error != nil {
		return fmt.Errorf("session service: delete session: %w", result.Error)
	}
	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	s.Evict(ctx, sessionID)
	return nil
}

// LogoutAll deletes every session belonging to userID.
func (s *SessionService) LogoutAll(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ids, err = s.DeleteUserSessionsTx(tx, userID)
		return err
	})
	if err != nil {
		return err
	}
	s.Evict(ctx, ids...)
	return nil
}

// DeleteUserSessionsTx deletes all sessions of userID using tx and returns
// their ids. Callers evict the ids from the cache after the commit.
func (s *SessionService) DeleteUserSessionsTx(tx *gorm.DB, userID string) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("session service: user id is required")
	}

	var ids []string
	if err := tx.Model(&models.Session{}).Where("user_id = ?", userID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("session service: list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	result := tx.Where("user_id = ?", userID).Delete(&models.Session{})
	if result.Error != nil {
		return nil, fmt.Errorf("session service: delete user sessions: %w", result.Error)
	}
	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return ids, nil
}

// Evict drops cached principals for the given session ids.
func (s *SessionService) Evict(ctx context.Context, sessionIDs ...string) {
	if s.cache == nil || len(sessionIDs) == 0 {
		return
	}
	if err := s.cache.Delete(ensureContext(ctx), sessionIDs...); err != nil {
		s.log.Warn("session cache eviction failed", zap.Int("sessions", len(sessionIDs)), zap.Error(err))
	}
}

// ListUserSessions returns the live sessions of userID, newest first.
func (s *SessionService) ListUserSessions(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("user_id = ? AND expires_at > ?", userID, s.now().UTC()).
		Order("created_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpired removes expired sessions and updates active session metrics accordingly.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	now := s.now().UTC()

	var expired []string
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("expires_at <= ?", now).
		Pluck("id", &expired).Error; err != nil {
		return 0, fmt.Errorf("session service: find expired sessions: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Where("id IN ?", expired).Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup expired sessions: %w", result.Error)
	}
	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	s.Evict(ctx, expired...)

	return result.RowsAffected, nil
}

func (s *SessionService) cachePrincipal(ctx context.Context, principal *Principal) {
	if s.cache == nil || principal == nil {
		return
	}
	ttl := principal.ExpiresAt.Sub(s.now())
	if ttl > maxPrincipalCacheTTL {
		ttl = maxPrincipalCacheTTL
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, principal, ttl); err != nil {
		s.log.Warn("session cache write failed", zap.String("session_id", principal.SessionID), zap.Error(err))
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
