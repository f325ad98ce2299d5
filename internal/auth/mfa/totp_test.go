package mfa

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/database/testutil"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/crypto"
)

var testKey = []byte("12345678901234567890123456789012")

func TestSetupStoresEncryptedSecretAndHashedCodes(t *testing.T) {
	db, service, _ := setupService(t)
	user := createTestUser(t, db, "alice")

	enrollment, err := service.Setup(context.Background(), user.ID, user.Email)
	require.NoError(t, err)
	require.Len(t, enrollment.BackupCodes, defaultBackupCodeCount)
	require.Contains(t, enrollment.URL, "otpauth://totp/")

	_, err = png.Decode(bytes.NewReader(enrollment.QRCode))
	require.NoError(t, err)

	var stored models.MFASecret
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&stored).Error)
	require.NotEqual(t, enrollment.Secret, stored.Secret)
	require.Nil(t, stored.ConfirmedAt)

	decrypted, err := crypto.Decrypt(stored.Secret, testKey)
	require.NoError(t, err)
	require.Equal(t, enrollment.Secret, string(decrypted))

	var hashed []string
	require.NoError(t, json.Unmarshal(stored.BackupCodes, &hashed))
	require.Len(t, hashed, defaultBackupCodeCount)
	require.Equal(t, crypto.HashToken(enrollment.BackupCodes[0]), hashed[0])

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, "id = ?", user.ID).Error)
	require.False(t, reloaded.MFAEnabled, "setup alone must not enable mfa")
}

func TestConfirmEnablesMFA(t *testing.T) {
	db, service, clock := setupService(t)
	user := createTestUser(t, db, "bob")
	ctx := context.Background()

	enrollment, err := service.Setup(ctx, user.ID, user.Email)
	require.NoError(t, err)

	require.ErrorIs(t, service.Confirm(ctx, user.ID, "000000"), ErrInvalidCode)

	code := currentCode(t, enrollment.Secret, clock())
	require.NoError(t, service.Confirm(ctx, user.ID, code))

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, "id = ?", user.ID).Error)
	require.True(t, reloaded.MFAEnabled)

	_, err = service.Setup(ctx, user.ID, user.Email)
	require.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestVerifyRequiresConfirmation(t *testing.T) {
	db, service, clock := setupService(t)
	user := createTestUser(t, db, "carol")
	ctx := context.Background()

	_, err := service.Verify(ctx, user.ID, "123456")
	require.ErrorIs(t, err, ErrNotEnrolled)

	enrollment, err := service.Setup(ctx, user.ID, user.Email)
	require.NoError(t, err)

	_, err = service.Verify(ctx, user.ID, currentCode(t, enrollment.Secret, clock()))
	require.ErrorIs(t, err, ErrNotEnrolled)
}

func TestVerifyAcceptsTOTPAndConsumesBackupCodes(t *testing.T) {
	db, service, clock := setupService(t)
	user := createTestUser(t, db, "dave")
	ctx := context.Background()
	enrollment := enroll(t, service, user, clock())

	ok, err := service.Verify(ctx, user.ID, currentCode(t, enrollment.Secret, clock()))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = service.Verify(ctx, user.ID, "000000")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = service.Verify(ctx, user.ID, enrollment.BackupCodes[0])
	require.NoError(t, err)
	require.True(t, ok)

	remaining, err := service.RemainingBackupCodes(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, defaultBackupCodeCount-1, remaining)

	ok, err = service.Verify(ctx, user.ID, enrollment.BackupCodes[0])
	require.NoError(t, err)
	require.False(t, ok, "backup codes are single use")
}

func TestDisableRemovesSecret(t *testing.T) {
	db, service, clock := setupService(t)
	user := createTestUser(t, db, "erin")
	ctx := context.Background()
	enrollment := enroll(t, service, user, clock())

	require.ErrorIs(t, service.Disable(ctx, user.ID, "000000"), ErrInvalidCode)
	require.NoError(t, service.Disable(ctx, user.ID, enrollment.BackupCodes[1]))

	var count int64
	require.NoError(t, db.Model(&models.MFASecret{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.Zero(t, count)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, "id = ?", user.ID).Error)
	require.False(t, reloaded.MFAEnabled)
}

func TestStatusReportsEnrollmentState(t *testing.T) {
	db, service, clock := setupService(t)
	user := createTestUser(t, db, "frank")
	ctx := context.Background()

	enabled, remaining, err := service.Status(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, enabled)
	require.Zero(t, remaining)

	enrollment, err := service.Setup(ctx, user.ID, user.Email)
	require.NoError(t, err)
	enabled, remaining, err = service.Status(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, enabled)
	require.Equal(t, defaultBackupCodeCount, remaining)

	require.NoError(t, service.Confirm(ctx, user.ID, currentCode(t, enrollment.Secret, clock())))
	enabled, _, err = service.Status(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, enabled)
}

func TestNewTOTPServiceValidatesKey(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	_, err := NewTOTPService(db, []byte("short"))
	require.Error(t, err)
	_, err = NewTOTPService(nil, testKey)
	require.Error(t, err)
}

func setupService(t *testing.T) (*gorm.DB, *TOTPService, func() time.Time) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	service, err := NewTOTPService(db, testKey, WithIssuer("Accesscore Test"), WithClock(clock))
	require.NoError(t, err)
	return db, service, clock
}

func enroll(t *testing.T, service *TOTPService, user *models.User, now time.Time) *Enrollment {
	t.Helper()

	enrollment, err := service.Setup(context.Background(), user.ID, user.Email)
	require.NoError(t, err)
	require.NoError(t, service.Confirm(context.Background(), user.ID, currentCode(t, enrollment.Secret, now)))
	return enrollment
}

func currentCode(t *testing.T, secret string, now time.Time) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, now, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func createTestUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()

	user := &models.User{
		Email:        name + "@example.com",
		Name:         name,
		AuthProvider: models.AuthProviderPassword,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}
