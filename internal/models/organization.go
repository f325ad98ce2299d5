package models

import "gorm.io/datatypes"

// Organization is a tenant. Slugs stay reserved after a soft delete.
type Organization struct {
	SoftDeleteModel

	Name     string         `gorm:"size:255;not null" json:"name"`
	Slug     string         `gorm:"size:128;uniqueIndex;not null" json:"slug"`
	LogoURL  string         `gorm:"size:1024" json:"logo_url,omitempty"`
	Settings datatypes.JSON `json:"settings,omitempty"`
}

// OrgMembership links a user to an organization with exactly one role.
type OrgMembership struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;uniqueIndex:idx_org_memberships_org_user" json:"organization_id"`
	UserID         string `gorm:"type:uuid;not null;uniqueIndex:idx_org_memberships_org_user;index" json:"user_id"`
	Role           Role   `gorm:"size:16;not null" json:"role"`
}
