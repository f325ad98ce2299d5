package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/response"
)

const (
	CtxClaimsKey    = "authClaims"
	CtxPrincipalKey = "authPrincipal"
	CtxUserIDKey    = "userID"
	CtxSessionIDKey = "sessionID"
)

// SessionTokenHeader carries the raw session secret for clients that do not
// hold an access token.
const SessionTokenHeader = "X-Session-Token"

// SessionValidator resolves a session to its principal. A nil principal
// means the session is gone, expired, or owned by a deleted account.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string) (*iauth.Principal, error)
	ValidateSessionToken(ctx context.Context, rawToken string) (*iauth.Principal, error)
}

// Auth enforces authentication. A bearer access token must verify and the
// session it names must still be live, so logout takes effect immediately.
// Without a bearer token the X-Session-Token secret is looked up instead.
func Auth(jwt *iauth.JWTService, sessions SessionValidator) gin.HandlerFunc {
	log := logger.WithModule("http.auth")
	return func(c *gin.Context) {
		var (
			claims    *iauth.Claims
			principal *iauth.Principal
			err       error
		)

		if token, ok := bearerToken(c.GetHeader("Authorization")); ok {
			claims, err = jwt.ValidateAccessToken(token)
			if err != nil || claims.SessionID == "" {
				unauthorized(c)
				return
			}
			principal, err = sessions.ValidateSession(c.Request.Context(), claims.SessionID)
		} else if secret := strings.TrimSpace(c.GetHeader(SessionTokenHeader)); secret != "" {
			principal, err = sessions.ValidateSessionToken(c.Request.Context(), secret)
		} else {
			unauthorized(c)
			return
		}

		if err != nil {
			log.Error("session validation failed", zap.Error(err))
			response.Error(c, errors.ErrInternalServer)
			c.Abort()
			return
		}
		if principal == nil || (claims != nil && principal.UserID != claims.UserID) {
			unauthorized(c)
			return
		}

		if claims != nil {
			c.Set(CtxClaimsKey, claims)
		}
		c.Set(CtxPrincipalKey, principal)
		c.Set(CtxUserIDKey, principal.UserID)
		c.Set(CtxSessionIDKey, principal.SessionID)

		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Auth.
func PrincipalFrom(c *gin.Context) (*iauth.Principal, bool) {
	value, ok := c.Get(CtxPrincipalKey)
	if !ok {
		return nil, false
	}
	principal, ok := value.(*iauth.Principal)
	return principal, ok && principal != nil
}

func bearerToken(header string) (string, bool) {
	if len(header) < 8 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	response.Error(c, errors.ErrUnauthorized)
	c.Abort()
}
