package security

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/app"
	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/models"
)

// CheckStatus captures the outcome of a security audit check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

const maxRecommendedSessionTTL = 30 * 24 * time.Hour

// Check contains the result of a single audit verification.
type Check struct {
	ID          string      `json:"id"`
	Status      CheckStatus `json:"status"`
	Message     string      `json:"message"`
	Remediation string      `json:"remediation,omitempty"`
	Details     any         `json:"details,omitempty"`
}

// Result aggregates all checks with a simple status summary.
type Result struct {
	CheckedAt time.Time      `json:"checked_at"`
	Checks    []Check        `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// Failed reports whether any check failed.
func (r Result) Failed() bool {
	return r.Summary[string(StatusFail)] > 0
}

// AuditService evaluates signing secrets, key material and tenant ownership
// after startup.
type AuditService struct {
	db  *gorm.DB
	jwt *iauth.JWTService
	cfg *app.Config
	now func() time.Time
}

// NewAuditService constructs the audit service. Missing inputs degrade the
// checks that need them to warnings.
func NewAuditService(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config) *AuditService {
	return &AuditService{
		db:  db,
		jwt: jwt,
		cfg: cfg,
		now: time.Now,
	}
}

// WithClock overrides the clock used in results.
func (s *AuditService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Run executes all audit checks and returns their outcome.
func (s *AuditService) Run(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	checks := []Check{
		s.checkOrganizationOwners(ctx),
		s.checkJWTSecret(),
		s.checkMFAKey(),
		s.checkSessionTTL(),
		s.checkOutboundEmail(),
	}

	summary := map[string]int{
		string(StatusPass): 0,
		string(StatusWarn): 0,
		string(StatusFail): 0,
	}
	for _, check := range checks {
		summary[string(check.Status)]++
	}

	return Result{
		CheckedAt: s.now().UTC(),
		Checks:    checks,
		Summary:   summary,
	}
}

// checkOrganizationOwners flags live organizations that have no OWNER membership.
func (s *AuditService) checkOrganizationOwners(ctx context.Context) Check {
	const id = "organization_owner_present"
	if s.db == nil {
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     "Database unavailable, unable to verify organization ownership",
			Remediation: "Ensure database connectivity before running the audit.",
		}
	}

	owners := s.db.Model(&models.OrgMembership{}).
		Select("organization_id").
		Where("role = ?", models.RoleOwner)

	var orphaned []string
	if err := s.db.WithContext(ctx).
		Model(&models.Organization{}).
		Where("id NOT IN (?)", owners).
		Pluck("id", &orphaned).Error; err != nil {
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Could not verify organization owners: %v", err),
			Remediation: "Retry after resolving database errors.",
		}
	}

	if len(orphaned) > 0 {
		return Check{
			ID:          id,
			Status:      StatusFail,
			Message:     fmt.Sprintf("%d organization(s) have no owner.", len(orphaned)),
			Remediation: "Promote a member of each listed organization to OWNER.",
			Details:     map[string]any{"organization_ids": orphaned},
		}
	}

	return Check{
		ID:      id,
		Status:  StatusPass,
		Message: "Every organization has an owner.",
	}
}

func (s *AuditService) checkJWTSecret() Check {
	const id = "jwt_secret_strength"
	if s.jwt == nil {
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     "JWT service not initialised, unable to assess signing secret strength.",
			Remediation: "Initialise the JWT service with a strong secret.",
		}
	}

	length := s.jwt.SecretLength()
	switch {
	case length < 32:
		return Check{
			ID:          id,
			Status:      StatusFail,
			Message:     fmt.Sprintf("JWT signing secret is too short (%d bytes).", length),
			Remediation: "Use a randomly generated secret of at least 32 bytes.",
		}
	case length < 48:
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("JWT signing secret is %d bytes. Consider increasing to 48+ bytes.", length),
			Remediation: "Increase ACCESSCORE_AUTH_JWT_SECRET to at least 48 bytes.",
			Details:     map[string]any{"length": length},
		}
	default:
		return Check{
			ID:      id,
			Status:  StatusPass,
			Message: fmt.Sprintf("JWT signing secret length is %d bytes.", length),
			Details: map[string]any{"length": length},
		}
	}
}

func (s *AuditService) checkMFAKey() Check {
	const id = "mfa_encryption_key"
	if s.cfg == nil {
		return configMissing(id)
	}
	if !s.cfg.Auth.MFA.Enabled {
		return Check{ID: id, Status: StatusPass, Message: "MFA disabled."}
	}

	key, err := app.DecodeAESKey("auth.mfa.encryption_key", s.cfg.Auth.MFA.EncryptionKey)
	if err != nil {
		return Check{
			ID:          id,
			Status:      StatusFail,
			Message:     err.Error(),
			Remediation: "Set ACCESSCORE_AUTH_MFA_ENCRYPTION_KEY to a 32 byte random value.",
		}
	}
	if len(key) < 32 {
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("MFA encryption key is %d bytes; AES-256 needs 32.", len(key)),
			Remediation: "Rotate to a 32 byte key.",
		}
	}
	return Check{ID: id, Status: StatusPass, Message: "MFA encryption key configured."}
}

func (s *AuditService) checkSessionTTL() Check {
	const id = "session_ttl"
	if s.cfg == nil {
		return configMissing(id)
	}

	ttl := s.cfg.Auth.Session.TTL
	if ttl <= 0 {
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     "Session TTL is not configured; using default duration.",
			Remediation: "Set ACCESSCORE_AUTH_SESSION_TTL to control session lifetime.",
		}
	}
	if ttl > maxRecommendedSessionTTL {
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Session TTL (%s) exceeds recommended maximum (%s).", ttl, maxRecommendedSessionTTL),
			Remediation: "Reduce the session TTL to 30 days or lower.",
			Details:     map[string]any{"ttl": ttl.String()},
		}
	}
	return Check{
		ID:      id,
		Status:  StatusPass,
		Message: fmt.Sprintf("Session TTL is %s.", ttl),
		Details: map[string]any{"ttl": ttl.String()},
	}
}

func (s *AuditService) checkOutboundEmail() Check {
	const id = "outbound_email"
	if s.cfg == nil {
		return configMissing(id)
	}
	if !s.cfg.Email.SMTP.Enabled {
		return Check{
			ID:          id,
			Status:      StatusWarn,
			Message:     "SMTP disabled; verification, reset and invitation emails are not delivered.",
			Remediation: "Configure email.smtp for production deployments.",
		}
	}
	return Check{ID: id, Status: StatusPass, Message: "SMTP delivery configured."}
}

func configMissing(id string) Check {
	return Check{
		ID:          id,
		Status:      StatusWarn,
		Message:     "Configuration not loaded.",
		Remediation: "Load configuration before running the security audit.",
	}
}
