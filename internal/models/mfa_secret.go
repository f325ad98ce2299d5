package models

import (
	"time"

	"gorm.io/datatypes"
)

// MFASecret stores a user's encrypted TOTP seed and hashed backup codes.
// MFA is only enforced once ConfirmedAt is set.
type MFASecret struct {
	BaseModel

	UserID      string         `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Secret      string         `gorm:"not null" json:"-"`
	BackupCodes datatypes.JSON `json:"-"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
	LastUsedAt  *time.Time     `json:"last_used_at,omitempty"`
}
