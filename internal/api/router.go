package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/auth/mfa"
	"github.com/charlesng35/accesscore/internal/cache"
	"github.com/charlesng35/accesscore/internal/handlers"
	"github.com/charlesng35/accesscore/internal/middleware"
	"github.com/charlesng35/accesscore/internal/monitoring"
	"github.com/charlesng35/accesscore/internal/monitoring/checks"
	"github.com/charlesng35/accesscore/internal/services"
)

// Dependencies carries the services the HTTP surface is built from. MFA,
// Health and RateLimitStore are optional; without Health the readiness
// endpoint only pings the database.
type Dependencies struct {
	DB            *gorm.DB
	JWT           *iauth.JWTService
	Sessions      *iauth.SessionService
	Auth          *services.AuthService
	OAuth         *services.OAuthService
	Organizations *services.OrganizationService
	MFA           *mfa.TOTPService
	Health        *monitoring.HealthManager

	RateLimitStore  cache.Store
	RateLimit       int
	RateLimitWindow time.Duration
	CORSOrigins     []string
}

func (d Dependencies) validate() error {
	switch {
	case d.DB == nil:
		return fmt.Errorf("database handle must be provided")
	case d.JWT == nil:
		return fmt.Errorf("jwt service must be provided")
	case d.Sessions == nil:
		return fmt.Errorf("session service must be provided")
	case d.Auth == nil:
		return fmt.Errorf("auth service must be provided")
	case d.OAuth == nil:
		return fmt.Errorf("oauth service must be provided")
	case d.Organizations == nil:
		return fmt.Errorf("organization service must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(deps.CORSOrigins...))

	r.NoRoute(middleware.NotFoundHandler)
	r.NoMethod(middleware.MethodNotAllowedHandler)

	health := deps.Health
	if health == nil {
		health = monitoring.NewHealthManager(checks.Database(deps.DB, 0))
	}
	registerHealthRoutes(r, health)

	requireAuth := middleware.Auth(deps.JWT, deps.Sessions)
	api := r.Group("/api")

	registerAuthRoutes(r, api, authRouteDeps{
		AuthHandler:   handlers.NewAuthHandler(deps.Auth, deps.Sessions),
		GoogleHandler: handlers.NewGoogleHandler(deps.OAuth),
		MFAHandler:    mfaHandler(deps.MFA),
		RequireAuth:   requireAuth,
		Throttle:      throttle(deps),
	})

	registerOrganizationRoutes(api, organizationRouteDeps{
		OrganizationHandler: handlers.NewOrganizationHandler(deps.Organizations),
		InvitationHandler:   handlers.NewInvitationHandler(deps.Organizations),
		RequireAuth:         requireAuth,
	})

	return r, nil
}

func mfaHandler(totp *mfa.TOTPService) *handlers.MFAHandler {
	if totp == nil {
		return nil
	}
	return handlers.NewMFAHandler(totp)
}

// throttle limits unauthenticated credential endpoints per client IP and route.
func throttle(deps Dependencies) gin.HandlerFunc {
	if deps.RateLimitStore == nil || deps.RateLimit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	window := deps.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return middleware.RateLimit(deps.RateLimitStore, deps.RateLimit, window)
}
