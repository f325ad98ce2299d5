package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/cache"
	testutil "github.com/charlesng35/accesscore/internal/database/testutil"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/internal/services"
)

type fixedClock struct {
	current time.Time
}

func (c fixedClock) Now() time.Time { return c.current }

func seedUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	user := &models.User{Email: email, Name: email, AuthProvider: models.AuthProviderPassword}
	require.NoError(t, db.Create(user).Error)
	return user
}

func strPtr(v string) *string { return &v }

func TestClearExpiredResetTokens(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	expired := seedUser(t, db, "expired@example.com")
	active := seedUser(t, db, "active@example.com")
	untouched := seedUser(t, db, "none@example.com")

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, db.Model(expired).Updates(map[string]any{
		"password_reset_token_hash": "hash-expired",
		"password_reset_expires_at": past,
	}).Error)
	require.NoError(t, db.Model(active).Updates(map[string]any{
		"password_reset_token_hash": "hash-active",
		"password_reset_expires_at": future,
	}).Error)

	cleared, err := ClearExpiredResetTokens(context.Background(), db, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, "id = ?", expired.ID).Error)
	require.Nil(t, reloaded.PasswordResetTokenHash)
	require.Nil(t, reloaded.PasswordResetExpiresAt)

	require.NoError(t, db.First(&reloaded, "id = ?", active.ID).Error)
	require.NotNil(t, reloaded.PasswordResetTokenHash)
	require.Equal(t, "hash-active", *reloaded.PasswordResetTokenHash)

	require.NoError(t, db.First(&reloaded, "id = ?", untouched.ID).Error)
	require.Nil(t, reloaded.PasswordResetTokenHash)

	_, err = ClearExpiredResetTokens(context.Background(), nil, now)
	require.Error(t, err)
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	clock := fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "cleanup-secret",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	sessionSvc, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{
		SessionTTL: time.Hour,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	plans, err := services.NewPlanService(db, services.WithPlanClock(clock.Now))
	require.NoError(t, err)
	orgs, err := services.NewOrganizationService(db, plans, nil, services.WithOrganizationClock(clock.Now))
	require.NoError(t, err)

	store := cache.NewDatabaseStore(db, cache.WithDatabaseClock(clock.Now))

	user := seedUser(t, db, "cleanup@example.com")

	expiredSession, err := sessionSvc.CreateSession(ctx, user, iauth.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", expiredSession.Session.ID).
		Update("expires_at", clock.Now().Add(-2*time.Hour)).Error)

	activeSession, err := sessionSvc.CreateSession(ctx, user, iauth.SessionMetadata{})
	require.NoError(t, err)

	org, err := orgs.Create(ctx, user.ID, services.CreateOrganizationInput{Name: "Cleanup Co"})
	require.NoError(t, err)

	staleInvite := models.PendingInvitation{
		OrganizationID: org.ID,
		Email:          "stale@example.com",
		Role:           models.RoleMember,
		TokenHash:      "stale-hash",
		InvitedBy:      user.ID,
		Status:         models.InvitationPending,
		ExpiresAt:      clock.Now().Add(-time.Hour),
	}
	liveInvite := staleInvite
	liveInvite.Email = "live@example.com"
	liveInvite.TokenHash = "live-hash"
	liveInvite.ExpiresAt = clock.Now().Add(time.Hour)
	require.NoError(t, db.Create(&staleInvite).Error)
	require.NoError(t, db.Create(&liveInvite).Error)

	require.NoError(t, db.Model(user).Updates(map[string]any{
		"password_reset_token_hash": "reset-hash",
		"password_reset_expires_at": clock.Now().Add(-time.Minute),
	}).Error)

	require.NoError(t, store.Set(ctx, "stale", []byte("x"), time.Nanosecond))
	require.NoError(t, store.Set(ctx, "fresh", []byte("y"), time.Hour))
	require.NoError(t, db.Model(&models.CacheEntry{}).Where(map[string]any{"key": "stale"}).
		Update("expires_at", clock.Now().Add(-time.Minute)).Error)

	c := NewCleaner(db,
		WithNow(clock.Now),
		WithSessions(sessionSvc),
		WithInvitations(orgs),
		WithCache(store),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	require.NoError(t, c.RunOnce(ctx))

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", expiredSession.Session.ID).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", activeSession.Session.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)

	var invitation models.PendingInvitation
	require.NoError(t, db.First(&invitation, "id = ?", staleInvite.ID).Error)
	require.Equal(t, models.InvitationExpired, invitation.Status)
	require.NoError(t, db.First(&invitation, "id = ?", liveInvite.ID).Error)
	require.Equal(t, models.InvitationPending, invitation.Status)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, "id = ?", user.ID).Error)
	require.Nil(t, reloaded.PasswordResetTokenHash)

	var keys []string
	require.NoError(t, db.Model(&models.CacheEntry{}).Pluck("key", &keys).Error)
	require.Equal(t, []string{"fresh"}, keys)
}

type failingPurger struct {
	err   error
	calls int
}

func (f *failingPurger) CleanupExpired(context.Context) (int64, error) {
	f.calls++
	return 0, f.err
}

func (f *failingPurger) PurgeExpired(context.Context) (int64, error) {
	f.calls++
	return 0, f.err
}

func TestCleanerRunOnceAggregatesFailures(t *testing.T) {
	sessions := &failingPurger{err: errors.New("sessions down")}
	store := &failingPurger{err: errors.New("cache down")}

	c := NewCleaner(nil, WithSessions(sessions), WithCache(store))
	err := c.RunOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "sessions down")
	require.ErrorContains(t, err, "cache down")
	require.Equal(t, 1, sessions.calls)
	require.Equal(t, 1, store.calls)

	require.Error(t, c.RunOnce(context.Background()))
	require.Equal(t, map[string]int{jobSessions: 2, jobCache: 2}, c.ConsecutiveFailures())

	sessions.err = nil
	require.Error(t, c.RunOnce(context.Background()))
	failures := c.ConsecutiveFailures()
	require.Equal(t, 0, failures[jobSessions])
	require.Equal(t, 3, failures[jobCache])
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	c := NewCleaner(nil,
		WithSessions(&failingPurger{}),
		WithSchedules(Schedules{Sessions: "not a schedule"}),
	)
	require.ErrorContains(t, c.Start(), "sessions")
}

func TestCleanerStartWithoutJobs(t *testing.T) {
	c := NewCleaner(nil)
	require.NoError(t, c.Start())
	<-c.Stop().Done()
}
