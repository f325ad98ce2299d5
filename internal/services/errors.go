package services

import (
	"fmt"

	"github.com/charlesng35/accesscore/internal/models"
	apperrors "github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/metrics"
)

const (
	msgOrganizationNotFound = "Organization not found"
	msgUserNotFound         = "User not found"
	msgInvitationNotFound   = "Invitation not found"
	msgMemberNotFound       = "Member not found"
	msgEmailTaken           = "Email is already registered"
	msgSlugTaken            = "Slug is already taken"
	msgAlreadyMember        = "User is already a member of this organization"
	msgInvitationInvalid    = "Invitation is no longer valid"
	msgInvitationExpired    = "Invitation has expired"
	msgInvitationWrongEmail = "Invitation was sent to a different email address"
	msgRevokeNotPending     = "Only pending invitations can be revoked"
	msgLastOwnerRemove      = "Cannot remove the last owner; transfer ownership first"
	msgLastOwnerDemote      = "Cannot demote the last owner; transfer ownership first"
	msgResetTokenInvalid    = "Invalid or expired reset token"
	msgVerifyTokenInvalid   = "Invalid or expired verification token"
	msgCurrentPassword      = "Current password is incorrect"
	msgSessionExpired       = "Session expired"
	msgRefreshInvalid       = "Invalid refresh token"
)

func errOrganizationNotFound() error {
	return apperrors.NewNotFound(msgOrganizationNotFound)
}

func errRequiresRole(role models.Role) error {
	return apperrors.NewForbidden(fmt.Sprintf("Requires %s role or higher", role))
}

// requireRole enforces the role hierarchy for a loaded membership.
func requireRole(membership *models.OrgMembership, required models.Role) error {
	if membership == nil || !models.HasPermission(membership.Role, required) {
		metrics.RoleChecks.WithLabelValues(string(required), "denied").Inc()
		return errRequiresRole(required)
	}
	metrics.RoleChecks.WithLabelValues(string(required), "granted").Inc()
	return nil
}
