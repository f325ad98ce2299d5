package models

import "time"

// AuthProviderKind records how an account was originally created.
type AuthProviderKind string

const (
	AuthProviderPassword AuthProviderKind = "PASSWORD"
	AuthProviderGoogle   AuthProviderKind = "GOOGLE"
)

// User is a global identity. Email is stored lower-cased and stays reserved
// while the row is soft-deleted.
type User struct {
	SoftDeleteModel

	Email        string           `gorm:"size:320;uniqueIndex;not null" json:"email"`
	Name         string           `gorm:"size:255" json:"name"`
	PasswordHash string           `gorm:"size:255" json:"-"`
	AvatarURL    string           `gorm:"size:1024" json:"avatar_url,omitempty"`
	AuthProvider AuthProviderKind `gorm:"size:32;not null" json:"auth_provider"`
	ProviderID   *string          `gorm:"size:255;uniqueIndex" json:"-"`

	EmailVerified    bool    `gorm:"not null;default:false" json:"email_verified"`
	EmailVerifyToken *string `gorm:"size:128;index" json:"-"`
	MFAEnabled       bool    `gorm:"not null;default:false" json:"mfa_enabled"`

	PasswordResetTokenHash *string    `gorm:"size:64;index" json:"-"`
	PasswordResetExpiresAt *time.Time `json:"-"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// HasPassword reports whether the account can sign in with a password.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != ""
}
