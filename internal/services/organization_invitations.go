package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/database"
	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/crypto"
	apperrors "github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/metrics"
)

const (
	InviteStatusPending = "pending"
	InviteStatusAdded   = "added"
)

// InviteMemberInput captures the invitee and the role they will receive.
type InviteMemberInput struct {
	Email string
	Role  models.Role
}

// InviteResult reports how an invite was fulfilled: a pending invitation for
// unknown emails, or a direct membership for existing users.
type InviteResult struct {
	Status     string                    `json:"status"`
	Invitation *models.PendingInvitation `json:"invitation,omitempty"`
	Member     *MemberInfo               `json:"member,omitempty"`
}

// InviteMember invites email to the organization. Requires ADMIN or higher,
// and OWNER to invite another owner.
func (s *OrganizationService) InviteMember(ctx context.Context, actorID, orgID string, input InviteMemberInput) (*InviteResult, error) {
	ctx = ensureContext(ctx)

	email := normalizeEmail(input.Email)
	if !validEmail(email) {
		return nil, apperrors.NewValidation("A valid email address is required")
	}
	if !input.Role.Valid() {
		return nil, apperrors.NewValidation("Invalid role")
	}

	db := s.db.WithContext(ctx)
	org, actor, err := s.membershipTx(db, orgID, actorID)
	if err != nil {
		return nil, err
	}
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	if models.HasPermission(input.Role, models.RoleOwner) {
		if err := requireRole(actor, models.RoleOwner); err != nil {
			return nil, err
		}
	}

	if err := s.seats.CheckUserLimit(ctx, org.ID); err != nil {
		return nil, err
	}

	var inviter models.User
	if err := db.First(&inviter, "id = ?", actorID).Error; err != nil {
		return nil, fmt.Errorf("organization service: load inviter: %w", err)
	}

	var invitee models.User
	err = db.Where("email = ?", email).First(&invitee).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.inviteByEmail(ctx, org, &inviter, email, input.Role)
	case err != nil:
		return nil, fmt.Errorf("organization service: load invitee: %w", err)
	default:
		return s.addExistingUser(ctx, org, &invitee, input.Role)
	}
}

func (s *OrganizationService) inviteByEmail(ctx context.Context, org *models.Organization, inviter *models.User, email string, role models.Role) (*InviteResult, error) {
	token, err := crypto.GenerateToken(s.tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("organization service: generate invitation token: %w", err)
	}
	now := s.now().UTC()

	invitation := &models.PendingInvitation{
		OrganizationID: org.ID,
		Email:          email,
		Role:           role,
		TokenHash:      crypto.HashToken(token),
		InvitedBy:      inviter.ID,
		Status:         models.InvitationPending,
		ExpiresAt:      now.Add(s.invitationTTL),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.PendingInvitation
		if err := database.ForUpdate(tx).
			Where("organization_id = ? AND email = ? AND status = ?", org.ID, email, models.InvitationPending).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("organization service: load pending invitations: %w", err)
		}
		for i := range existing {
			if !existing[i].ExpiredAt(now) {
				return apperrors.NewConflict("An invitation is already pending for this email")
			}
			if err := s.expireInvitationTx(tx, &existing[i]); err != nil {
				return err
			}
		}

		if err := tx.Create(invitation).Error; err != nil {
			return fmt.Errorf("organization service: create invitation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Invitations.WithLabelValues("created").Inc()
	s.log.Info("invitation created",
		zap.String("organization_id", org.ID),
		zap.String("invitation_id", invitation.ID),
		zap.String("role", string(role)))

	s.mailer.Go(mailKindInvitation, email, func(ctx context.Context, d EmailDispatcher) error {
		return d.SendInvitationEmail(ctx, InvitationEmail{
			To:               email,
			OrganizationName: org.Name,
			InviterName:      greetingName(inviter.Name, inviter.Email),
			Role:             role,
			Token:            token,
		})
	})

	return &InviteResult{Status: InviteStatusPending, Invitation: invitation}, nil
}

func (s *OrganizationService) addExistingUser(ctx context.Context, org *models.Organization, user *models.User, role models.Role) (*InviteResult, error) {
	membership := &models.OrgMembership{
		OrganizationID: org.ID,
		UserID:         user.ID,
		Role:           role,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.OrgMembership{}).
			Where("organization_id = ? AND user_id = ?", org.ID, user.ID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("organization service: check membership: %w", err)
		}
		if existing > 0 {
			return apperrors.NewConflict(msgAlreadyMember)
		}
		if err := tx.Create(membership).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperrors.NewConflict(msgAlreadyMember)
			}
			return fmt.Errorf("organization service: create membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Invitations.WithLabelValues("added").Inc()
	s.mailer.Go(mailKindMembership, user.Email, func(ctx context.Context, d EmailDispatcher) error {
		return d.SendMembershipNotice(ctx, user.Email, org.Name, role)
	})

	info := toMemberInfo(membership, user)
	return &InviteResult{Status: InviteStatusAdded, Member: &info}, nil
}

// ListInvitations returns the organization's live pending invitations.
// Requires ADMIN or higher.
func (s *OrganizationService) ListInvitations(ctx context.Context, actorID, orgID string) ([]models.PendingInvitation, error) {
	db := s.db.WithContext(ensureContext(ctx))

	_, actor, err := s.membershipTx(db, orgID, actorID)
	if err != nil {
		return nil, err
	}
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}

	pending := make([]models.PendingInvitation, 0)
	if err := db.Where("organization_id = ? AND status = ? AND expires_at > ?", orgID, models.InvitationPending, s.now().UTC()).
		Order("created_at ASC").
		Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("organization service: list invitations: %w", err)
	}
	return pending, nil
}

// AcceptInvitation turns an invitation into a membership for userID. The
// invitation is bound to the email it was sent to.
func (s *OrganizationService) AcceptInvitation(ctx context.Context, token, userID string) (*MemberInfo, error) {
	ctx = ensureContext(ctx)
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.NewNotFound(msgInvitationNotFound)
	}
	db := s.db.WithContext(ctx)

	var invitation models.PendingInvitation
	if err := db.Where("token_hash = ?", crypto.HashToken(token)).First(&invitation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound(msgInvitationNotFound)
		}
		return nil, fmt.Errorf("organization service: load invitation: %w", err)
	}
	if invitation.Status != models.InvitationPending {
		return nil, apperrors.NewForbidden(msgInvitationInvalid)
	}
	if invitation.ExpiredAt(s.now()) {
		if err := s.expireInvitationTx(db, &invitation); err != nil {
			return nil, err
		}
		return nil, apperrors.NewValidation(msgInvitationExpired)
	}

	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound(msgUserNotFound)
		}
		return nil, fmt.Errorf("organization service: load user: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(user.Email), strings.TrimSpace(invitation.Email)) {
		return nil, apperrors.NewForbidden(msgInvitationWrongEmail)
	}

	var org models.Organization
	if err := db.First(&org, "id = ?", invitation.OrganizationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errOrganizationNotFound()
		}
		return nil, fmt.Errorf("organization service: load organization: %w", err)
	}

	membership := &models.OrgMembership{
		OrganizationID: invitation.OrganizationID,
		UserID:         user.ID,
		Role:           invitation.Role,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.OrgMembership{}).
			Where("organization_id = ? AND user_id = ?", invitation.OrganizationID, user.ID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("organization service: check membership: %w", err)
		}
		if existing > 0 {
			return apperrors.NewConflict(msgAlreadyMember)
		}

		now := s.now().UTC()
		result := tx.Model(&models.PendingInvitation{}).
			Where("id = ? AND status = ?", invitation.ID, models.InvitationPending).
			Updates(map[string]any{
				"status":      models.InvitationAccepted,
				"accepted_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("organization service: accept invitation: %w", result.Error)
		}
		if result.RowsAffected != 1 {
			return apperrors.NewForbidden(msgInvitationInvalid)
		}

		if err := tx.Create(membership).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperrors.NewConflict(msgAlreadyMember)
			}
			return fmt.Errorf("organization service: create membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Invitations.WithLabelValues("accepted").Inc()
	s.log.Info("invitation accepted",
		zap.String("organization_id", org.ID),
		zap.String("invitation_id", invitation.ID),
		zap.String("user_id", user.ID))

	info := toMemberInfo(membership, &user)
	return &info, nil
}

// RevokeInvitation cancels a pending invitation. Requires ADMIN or higher.
func (s *OrganizationService) RevokeInvitation(ctx context.Context, actorID, orgID, invitationID string) error {
	ctx = ensureContext(ctx)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, actor, err := s.membershipTx(tx, orgID, actorID)
		if err != nil {
			return err
		}
		if err := requireRole(actor, models.RoleAdmin); err != nil {
			return err
		}

		var invitation models.PendingInvitation
		if err := database.ForUpdate(tx).
			Where("id = ? AND organization_id = ?", invitationID, orgID).
			First(&invitation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NewNotFound(msgInvitationNotFound)
			}
			return fmt.Errorf("organization service: load invitation: %w", err)
		}
		if invitation.Status != models.InvitationPending {
			return apperrors.NewValidation(msgRevokeNotPending)
		}

		result := tx.Model(&models.PendingInvitation{}).
			Where("id = ? AND status = ?", invitation.ID, models.InvitationPending).
			Update("status", models.InvitationRevoked)
		if result.Error != nil {
			return fmt.Errorf("organization service: revoke invitation: %w", result.Error)
		}
		if result.RowsAffected != 1 {
			return apperrors.NewValidation(msgRevokeNotPending)
		}

		metrics.Invitations.WithLabelValues("revoked").Inc()
		return nil
	})
}

// ExpireStaleInvitations flips every pending invitation past its expiry to
// EXPIRED and reports how many were changed.
func (s *OrganizationService) ExpireStaleInvitations(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ensureContext(ctx)).Model(&models.PendingInvitation{}).
		Where("status = ? AND expires_at <= ?", models.InvitationPending, s.now().UTC()).
		Update("status", models.InvitationExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("organization service: expire invitations: %w", result.Error)
	}
	metrics.Invitations.WithLabelValues("expired").Add(float64(result.RowsAffected))
	return result.RowsAffected, nil
}

func (s *OrganizationService) expireInvitationTx(tx *gorm.DB, invitation *models.PendingInvitation) error {
	result := tx.Model(&models.PendingInvitation{}).
		Where("id = ? AND status = ?", invitation.ID, models.InvitationPending).
		Update("status", models.InvitationExpired)
	if result.Error != nil {
		return fmt.Errorf("organization service: expire invitation: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.Invitations.WithLabelValues("expired").Inc()
	}
	invitation.Status = models.InvitationExpired
	return nil
}
