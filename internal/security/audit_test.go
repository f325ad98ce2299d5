package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/accesscore/internal/app"
	iauth "github.com/charlesng35/accesscore/internal/auth"
	testutil "github.com/charlesng35/accesscore/internal/database/testutil"
	"github.com/charlesng35/accesscore/internal/models"
)

func findCheck(t *testing.T, result Result, id string) Check {
	t.Helper()
	for _, check := range result.Checks {
		if check.ID == id {
			return check
		}
	}
	t.Fatalf("check %s not found", id)
	return Check{}
}

func TestAuditServiceRun(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	user := &models.User{Email: "owner@example.com", Name: "Owner", AuthProvider: models.AuthProviderPassword}
	require.NoError(t, db.Create(user).Error)
	org := &models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, db.Create(org).Error)
	require.NoError(t, db.Create(&models.OrgMembership{OrganizationID: org.ID, UserID: user.ID, Role: models.RoleOwner}).Error)

	jwtSecret := "0123456789abcdef0123456789abcdef0123456789abcdef"
	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: jwtSecret, Issuer: "test-suite"})
	require.NoError(t, err)

	cfg := &app.Config{}
	cfg.Auth.Session.TTL = 7 * 24 * time.Hour
	cfg.Auth.MFA.Enabled = true
	cfg.Auth.MFA.EncryptionKey = "0123456789abcdef0123456789abcdef"
	cfg.Email.SMTP.Enabled = true

	svc := NewAuditService(db, jwtSvc, cfg)
	fixed := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return fixed })

	result := svc.Run(context.Background())
	require.Equal(t, fixed, result.CheckedAt)
	require.Len(t, result.Checks, 5)
	require.Equal(t, 5, result.Summary[string(StatusPass)], result.Checks)
	require.False(t, result.Failed())
}

func TestAuditServiceDetectsOrphanedOrganization(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	user := &models.User{Email: "admin@example.com", Name: "Admin", AuthProvider: models.AuthProviderPassword}
	require.NoError(t, db.Create(user).Error)
	org := &models.Organization{Name: "Orphan", Slug: "orphan"}
	require.NoError(t, db.Create(org).Error)
	require.NoError(t, db.Create(&models.OrgMembership{OrganizationID: org.ID, UserID: user.ID, Role: models.RoleAdmin}).Error)

	result := NewAuditService(db, nil, &app.Config{}).Run(context.Background())

	owners := findCheck(t, result, "organization_owner_present")
	require.Equal(t, StatusFail, owners.Status)
	require.True(t, result.Failed())
	require.Equal(t, StatusWarn, findCheck(t, result, "jwt_secret_strength").Status)
	require.Equal(t, StatusPass, findCheck(t, result, "mfa_encryption_key").Status)
	require.Equal(t, StatusWarn, findCheck(t, result, "outbound_email").Status)
}

func TestAuditServiceRejectsWeakSecrets(t *testing.T) {
	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "short", Issuer: "test-suite"})
	require.NoError(t, err)

	cfg := &app.Config{}
	cfg.Auth.MFA.Enabled = true
	cfg.Auth.MFA.EncryptionKey = "not-a-key"
	cfg.Auth.Session.TTL = 90 * 24 * time.Hour

	result := NewAuditService(nil, jwtSvc, cfg).Run(context.Background())
	require.Equal(t, StatusFail, findCheck(t, result, "jwt_secret_strength").Status)
	require.Equal(t, StatusFail, findCheck(t, result, "mfa_encryption_key").Status)
	require.Equal(t, StatusWarn, findCheck(t, result, "session_ttl").Status)
	require.Equal(t, StatusWarn, findCheck(t, result, "organization_owner_present").Status)
}
