package mfa

import (
	"context"
	cryptoRand "crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/crypto"
)

const (
	defaultIssuer          = "Accesscore"
	defaultBackupCodeCount = 10
	defaultQRCodeSize      = 256
)

var (
	ErrNotEnrolled    = errors.New("totp: user has no mfa secret")
	ErrAlreadyEnabled = errors.New("totp: mfa is already enabled")
	ErrInvalidCode    = errors.New("totp: invalid code")
)

// Option allows customising the TOTP service.
type Option func(*TOTPService)

// WithIssuer overrides the default issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *TOTPService) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithBackupCodeCount overrides the number of backup codes generated for users.
func WithBackupCodeCount(count int) Option {
	return func(s *TOTPService) {
		if count > 0 {
			s.backupCodes = count
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(s *TOTPService) {
		if size > 0 {
			s.qrCodeSize = size
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *TOTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Enrollment is returned once by Setup. BackupCodes are never retrievable again.
type Enrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"otpauth_url"`
	QRCode      []byte   `json:"qr_code_png"`
	BackupCodes []string `json:"backup_codes"`
}

// TOTPService manages user MFA secrets, backup codes, and QR provisioning.
type TOTPService struct {
	db            *gorm.DB
	encryptionKey []byte

	issuer      string
	backupCodes int
	qrCodeSize  int
	now         func() time.Time
}

// NewTOTPService constructs a TOTP service backed by the provided database.
func NewTOTPService(db *gorm.DB, encryptionKey []byte, opts ...Option) (*TOTPService, error) {
	if db == nil {
		return nil, errors.New("totp: db is required")
	}
	switch len(encryptionKey) {
	case 16, 24, 32:
	default:
		return nil, errors.New("totp: encryption key must be 16, 24, or 32 bytes")
	}

	service := &TOTPService{
		db:            db,
		encryptionKey: encryptionKey,
		issuer:        defaultIssuer,
		backupCodes:   defaultBackupCodeCount,
		qrCodeSize:    defaultQRCodeSize,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Setup provisions a fresh, unconfirmed secret for the user. Any previous
// unconfirmed enrollment is replaced.
func (s *TOTPService) Setup(ctx context.Context, userID, accountName string) (*Enrollment, error) {
	userID = strings.TrimSpace(userID)
	accountName = strings.TrimSpace(accountName)
	if userID == "" || accountName == "" {
		return nil, errors.New("totp: user id and account name are required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generate key: %w", err)
	}

	codes := make([]string, s.backupCodes)
	hashed := make([]string, s.backupCodes)
	for i := range codes {
		code, err := generateBackupCode()
		if err != nil {
			return nil, fmt.Errorf("totp: generate backup code: %w", err)
		}
		codes[i] = code
		hashed[i] = crypto.HashToken(code)
	}

	encryptedSecret, err := crypto.Encrypt([]byte(key.Secret()), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("totp: encrypt secret: %w", err)
	}
	codesJSON, err := json.Marshal(hashed)
	if err != nil {
		return nil, fmt.Errorf("totp: marshal backup codes: %w", err)
	}

	qr, err := qrcode.Encode(key.String(), qrcode.Medium, s.qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("totp: render qr code: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var secret models.MFASecret
		err := tx.Where("user_id = ?", userID).First(&secret).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			secret = models.MFASecret{
				UserID:      userID,
				Secret:      encryptedSecret,
				BackupCodes: datatypes.JSON(codesJSON),
			}
			return tx.Create(&secret).Error
		case err != nil:
			return err
		}

		if secret.ConfirmedAt != nil {
			return ErrAlreadyEnabled
		}
		return tx.Model(&secret).Updates(map[string]any{
			"secret":       encryptedSecret,
			"backup_codes": datatypes.JSON(codesJSON),
			"last_used_at": nil,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyEnabled) {
			return nil, err
		}
		return nil, fmt.Errorf("totp: store secret: %w", err)
	}

	return &Enrollment{
		Secret:      key.Secret(),
		URL:         key.String(),
		QRCode:      qr,
		BackupCodes: codes,
	}, nil
}

// Confirm validates a code against the pending secret and turns MFA on for the user.
func (s *TOTPService) Confirm(ctx context.Context, userID, code string) error {
	secret, err := s.loadSecret(ctx, userID)
	if err != nil {
		return err
	}
	if secret.ConfirmedAt != nil {
		return ErrAlreadyEnabled
	}

	ok, err := s.validateTOTP(secret, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}

	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(secret).Updates(map[string]any{
			"confirmed_at": now,
			"last_used_at": now,
		}).Error; err != nil {
			return fmt.Errorf("totp: confirm secret: %w", err)
		}
		if err := tx.Model(&models.User{}).Where("id = ?", secret.UserID).Update("mfa_enabled", true).Error; err != nil {
			return fmt.Errorf("totp: enable user mfa: %w", err)
		}
		return nil
	})
}

// Verify accepts either a current TOTP code or an unused backup code. Backup
// codes are consumed on success.
func (s *TOTPService) Verify(ctx context.Context, userID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}

	secret, err := s.loadSecret(ctx, userID)
	if err != nil {
		return false, err
	}
	if secret.ConfirmedAt == nil {
		return false, ErrNotEnrolled
	}

	ok, err := s.validateTOTP(secret, code)
	if err != nil {
		return false, err
	}
	if ok {
		now := s.now().UTC()
		if err := s.db.WithContext(ctx).Model(secret).Update("last_used_at", now).Error; err != nil {
			return false, fmt.Errorf("totp: update last used: %w", err)
		}
		return true, nil
	}

	return s.useBackupCode(ctx, secret, code)
}

// Disable removes the user's secret after checking a valid code and turns MFA off.
func (s *TOTPService) Disable(ctx context.Context, userID, code string) error {
	ok, err := s.Verify(ctx, userID, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.MFASecret{}).Error; err != nil {
			return fmt.Errorf("totp: delete secret: %w", err)
		}
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Update("mfa_enabled", false).Error; err != nil {
			return fmt.Errorf("totp: disable user mfa: %w", err)
		}
		return nil
	})
}

// RemainingBackupCodes returns the number of backup codes still available.
func (s *TOTPService) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	secret, err := s.loadSecret(ctx, userID)
	if err != nil {
		return 0, err
	}
	hashed, err := decodeBackupCodes(secret.BackupCodes)
	if err != nil {
		return 0, err
	}
	return len(hashed), nil
}

// Status reports whether the user's enrollment is confirmed and how many
// backup codes remain. Users without a secret report (false, 0, nil).
func (s *TOTPService) Status(ctx context.Context, userID string) (bool, int, error) {
	secret, err := s.loadSecret(ctx, userID)
	if errors.Is(err, ErrNotEnrolled) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	hashed, err := decodeBackupCodes(secret.BackupCodes)
	if err != nil {
		return false, 0, err
	}
	return secret.ConfirmedAt != nil, len(hashed), nil
}

func (s *TOTPService) validateTOTP(secret *models.MFASecret, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != int(otp.DigitsSix) {
		return false, nil
	}

	raw, err := crypto.Decrypt(secret.Secret, s.encryptionKey)
	if err != nil {
		return false, fmt.Errorf("totp: decrypt secret: %w", err)
	}

	ok, err := totp.ValidateCustom(code, string(raw), s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("totp: validate: %w", err)
	}
	return ok, nil
}

func (s *TOTPService) useBackupCode(ctx context.Context, secret *models.MFASecret, code string) (bool, error) {
	digest := crypto.HashToken(strings.ToUpper(code))
	consumed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.MFASecret
		if err := tx.Where("id = ?", secret.ID).First(&current).Error; err != nil {
			return err
		}
		hashed, err := decodeBackupCodes(current.BackupCodes)
		if err != nil {
			return err
		}

		for i, stored := range hashed {
			if subtle.ConstantTimeCompare([]byte(stored), []byte(digest)) == 1 {
				hashed = append(hashed[:i], hashed[i+1:]...)
				consumed = true
				break
			}
		}
		if !consumed {
			return nil
		}

		encoded, err := json.Marshal(hashed)
		if err != nil {
			return err
		}
		return tx.Model(&current).Updates(map[string]any{
			"backup_codes": datatypes.JSON(encoded),
			"last_used_at": s.now().UTC(),
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("totp: consume backup code: %w", err)
	}
	return consumed, nil
}

func (s *TOTPService) loadSecret(ctx context.Context, userID string) (*models.MFASecret, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("totp: user id is required")
	}

	var secret models.MFASecret
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("totp: load secret: %w", err)
	}

	return &secret, nil
}

func decodeBackupCodes(raw datatypes.JSON) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var hashed []string
	if err := json.Unmarshal(raw, &hashed); err != nil {
		return nil, fmt.Errorf("totp: unmarshal backup codes: %w", err)
	}
	return hashed, nil
}

func generateBackupCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", err
	}

	return base32.StdEncoding.EncodeToString(buf)[:8], nil
}
