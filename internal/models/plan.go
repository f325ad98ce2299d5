package models

import "gorm.io/datatypes"

// FreePlanCode identifies the plan every new organization starts on.
const FreePlanCode = "free"

const SubscriptionActive = "ACTIVE"

type Plan struct {
	BaseModel

	Code       string         `gorm:"size:64;uniqueIndex;not null" json:"code"`
	Name       string         `gorm:"size:255;not null" json:"name"`
	MaxMembers int            `gorm:"not null;default:0" json:"max_members"`
	Features   datatypes.JSON `json:"features,omitempty"`
}

// Unlimited reports whether the plan places no cap on seats.
func (p *Plan) Unlimited() bool {
	return p.MaxMembers <= 0
}

type Subscription struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;uniqueIndex" json:"organization_id"`
	PlanID         string `gorm:"type:uuid;not null;index" json:"plan_id"`
	Status         string `gorm:"size:32;not null" json:"status"`
}
