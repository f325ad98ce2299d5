package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is a server-side login. Only the SHA-256 of the opaque session
// secret is stored. Rows are hard-deleted on logout.
type Session struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string    `gorm:"type:uuid;not null;index" json:"user_id"`
	TokenHash  string    `gorm:"size:64;uniqueIndex;not null" json:"-"`
	IPAddress  string    `gorm:"size:64" json:"ip_address"`
	UserAgent  string    `gorm:"size:512" json:"user_agent"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// ActiveAt reports whether the session is still within its lifetime at now.
func (s *Session) ActiveAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
