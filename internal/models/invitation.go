package models

import "time"

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationExpired  InvitationStatus = "EXPIRED"
	InvitationRevoked  InvitationStatus = "REVOKED"
)

// PendingInvitation invites an email address without an account to join an
// organization. The raw token only ever leaves the system in the invite email.
type PendingInvitation struct {
	BaseModel

	OrganizationID string           `gorm:"type:uuid;not null;index" json:"organization_id"`
	Email          string           `gorm:"size:320;not null;index" json:"email"`
	Role           Role             `gorm:"size:16;not null" json:"role"`
	TokenHash      string           `gorm:"size:64;uniqueIndex;not null" json:"-"`
	InvitedBy      string           `gorm:"type:uuid" json:"invited_by"`
	Status         InvitationStatus `gorm:"size:16;not null;index" json:"status"`
	ExpiresAt      time.Time        `gorm:"index" json:"expires_at"`
	AcceptedAt     *time.Time       `json:"accepted_at,omitempty"`
}

// ExpiredAt reports whether the invitation's lifetime has elapsed at now.
func (i *PendingInvitation) ExpiredAt(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
