package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/database"
	"github.com/charlesng35/accesscore/internal/models"
	apperrors "github.com/charlesng35/accesscore/pkg/errors"
	"github.com/charlesng35/accesscore/pkg/logger"
)

// DefaultInvitationTTL is how long an emailed invitation stays acceptable.
const DefaultInvitationTTL = 7 * 24 * time.Hour

// CreateOrganizationInput captures the attributes required to register an organisation.
type CreateOrganizationInput struct {
	Name    string
	LogoURL string
}

// UpdateOrganizationInput represents mutable organisation fields. Nil fields are left untouched.
type UpdateOrganizationInput struct {
	Name     *string
	Slug     *string
	LogoURL  *string
	Settings map[string]any
}

// OrganizationSummary is an organization as seen by one of its members.
type OrganizationSummary struct {
	models.Organization
	Role models.Role `json:"role"`
}

// MemberInfo describes a member of an organization.
type MemberInfo struct {
	MembershipID string      `json:"membership_id"`
	UserID       string      `json:"user_id"`
	Email        string      `json:"email"`
	Name         string      `json:"name"`
	AvatarURL    string      `json:"avatar_url,omitempty"`
	Role         models.Role `json:"role"`
	JoinedAt     time.Time   `json:"joined_at"`
}

// OrganizationOption customises OrganizationService behaviour.
type OrganizationOption func(*OrganizationService)

// WithSeatChecker replaces the plan service as the seat limit authority.
func WithSeatChecker(checker SeatChecker) OrganizationOption {
	return func(s *OrganizationService) {
		if checker != nil {
			s.seats = checker
		}
	}
}

// WithInvitationTTL overrides the invitation lifetime.
func WithInvitationTTL(ttl time.Duration) OrganizationOption {
	return func(s *OrganizationService) {
		if ttl > 0 {
			s.invitationTTL = ttl
		}
	}
}

// WithOrganizationClock injects a custom clock primarily for testing.
func WithOrganizationClock(clock func() time.Time) OrganizationOption {
	return func(s *OrganizationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// OrganizationService manages organizations, their members and invitations.
// Non-members never learn whether an organization exists.
type OrganizationService struct {
	db            *gorm.DB
	plans         *PlanService
	seats         SeatChecker
	mailer        *AsyncMailer
	invitationTTL time.Duration
	tokenBytes    int
	now           func() time.Time
	log           *zap.Logger
}

// NewOrganizationService constructs an OrganizationService instance.
func NewOrganizationService(db *gorm.DB, plans *PlanService, mailer *AsyncMailer, opts ...OrganizationOption) (*OrganizationService, error) {
	if db == nil {
		return nil, errors.New("organization service: db is required")
	}
	if plans == nil {
		return nil, errors.New("organization service: plan service is required")
	}

	service := &OrganizationService{
		db:            db,
		plans:         plans,
		seats:         plans,
		mailer:        mailer,
		invitationTTL: DefaultInvitationTTL,
		tokenBytes:    defaultAuthTokenBytes,
		now:           time.Now,
		log:           logger.WithModule("organizations"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// createOrganizationTx creates an organization with a unique slug, makes
// ownerID its OWNER and attaches the free plan.
func createOrganizationTx(tx *gorm.DB, plans *PlanService, ownerID, name, logoURL string) (*models.Organization, error) {
	slug, err := uniqueSlugTx(tx, slugify(name))
	if err != nil {
		return nil, fmt.Errorf("organization service: %w", err)
	}

	org := &models.Organization{
		Name:    name,
		Slug:    slug,
		LogoURL: strings.TrimSpace(logoURL),
	}
	if err := tx.Create(org).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.NewConflict(msgSlugTaken)
		}
		return nil, fmt.Errorf("organization service: create organization: %w", err)
	}

	membership := &models.OrgMembership{
		OrganizationID: org.ID,
		UserID:         ownerID,
		Role:           models.RoleOwner,
	}
	if err := tx.Create(membership).Error; err != nil {
		return nil, fmt.Errorf("organization service: create owner membership: %w", err)
	}

	if err := plans.AttachFreePlanTx(tx, org.ID); err != nil {
		return nil, err
	}
	return org, nil
}

// Create registers a new organisation owned by actorID.
func (s *OrganizationService) Create(ctx context.Context, actorID string, input CreateOrganizationInput) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewValidation("Organization name is required")
	}

	var org *models.Organization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := createOrganizationTx(tx, s.plans, actorID, name, input.LogoURL)
		if err != nil {
			return err
		}
		org = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("organization created", zap.String("organization_id", org.ID), zap.String("owner_id", actorID))
	return org, nil
}

// Get returns an organization the actor belongs to, with the actor's role.
func (s *OrganizationService) Get(ctx context.Context, actorID, orgID string) (*OrganizationSummary, error) {
	ctx = ensureContext(ctx)

	org, membership, err := s.membershipTx(s.db.WithContext(ctx), orgID, actorID)
	if err != nil {
		return nil, err
	}
	return &OrganizationSummary{Organization: *org, Role: membership.Role}, nil
}

// ListForUser returns every live organization userID belongs to.
func (s *OrganizationService) ListForUser(ctx context.Context, userID string) ([]OrganizationSummary, error) {
	db := s.db.WithContext(ensureContext(ctx))

	var memberships []models.OrgMembership
	if err := db.Where("user_id = ?", userID).Order("created_at ASC").Find(&memberships).Error; err != nil {
		return nil, fmt.Errorf("organization service: list memberships: %w", err)
	}
	if len(memberships) == 0 {
		return []OrganizationSummary{}, nil
	}

	ids := make([]string, len(memberships))
	for i := range memberships {
		ids[i] = memberships[i].OrganizationID
	}
	var orgs []models.Organization
	if err := db.Where("id IN ?", ids).Find(&orgs).Error; err != nil {
		return nil, fmt.Errorf("organization service: list organizations: %w", err)
	}
	byID := make(map[string]models.Organization, len(orgs))
	for _, org := range orgs {
		byID[org.ID] = org
	}

	summaries := make([]OrganizationSummary, 0, len(orgs))
	for _, membership := range memberships {
		org, ok := byID[membership.OrganizationID]
		if !ok {
			continue
		}
		summaries = append(summaries, OrganizationSummary{Organization: org, Role: membership.Role})
	}
	return summaries, nil
}

// Update modifies organization metadata. Requires ADMIN or higher.
func (s *OrganizationService) Update(ctx context.Context, actorID, orgID string, input UpdateOrganizationInput) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	var org *models.Organization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, membership, err := s.membershipTx(tx, orgID, actorID)
		if err != nil {
			return err
		}
		if err := requireRole(membership, models.RoleAdmin); err != nil {
			return err
		}

		updates := map[string]any{}
		if input.Name != nil {
			name := strings.TrimSpace(*input.Name)
			if name == "" {
				return apperrors.NewValidation("Organization name is required")
			}
			updates["name"] = name
		}
		if input.LogoURL != nil {
			updates["logo_url"] = strings.TrimSpace(*input.LogoURL)
		}
		if input.Settings != nil {
			data, err := json.Marshal(input.Settings)
			if err != nil {
				return apperrors.NewValidation("Settings must be a JSON object")
			}
			updates["settings"] = datatypes.JSON(data)
		}
		if input.Slug != nil {
			slug := slugify(*input.Slug)
			if slug == "" {
				return apperrors.NewValidation("Slug must contain letters or digits")
			}
			if slug != current.Slug {
				var taken int64
				if err := tx.Unscoped().Model(&models.Organization{}).
					Where("slug = ? AND id <> ?", slug, current.ID).
					Count(&taken).Error; err != nil {
					return fmt.Errorf("organization service: check slug: %w", err)
				}
				if taken > 0 {
					return apperrors.NewConflict(msgSlugTaken)
				}
				updates["slug"] = slug
			}
		}

		if len(updates) > 0 {
			if err := tx.Model(current).Updates(updates).Error; err != nil {
				if database.IsUniqueViolation(err) {
					return apperrors.NewConflict(msgSlugTaken)
				}
				return fmt.Errorf("organization service: update organization: %w", err)
			}
		}

		var reloaded models.Organization
		if err := tx.First(&reloaded, "id = ?", current.ID).Error; err != nil {
			return fmt.Errorf("organization service: reload organization: %w", err)
		}
		org = &reloaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// Delete soft-deletes an organization. Only owners may do this.
func (s *OrganizationService) Delete(ctx context.Context, actorID, orgID string) error {
	ctx = ensureContext(ctx)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, membership, err := s.membershipTx(tx, orgID, actorID)
		if err != nil {
			return err
		}
		if err := requireRole(membership, models.RoleOwner); err != nil {
			return err
		}
		if err := tx.Delete(org).Error; err != nil {
			return fmt.Errorf("organization service: delete organization: %w", err)
		}
		s.log.Info("organization deleted", zap.String("organization_id", org.ID), zap.String("actor_id", actorID))
		return nil
	})
}

// GetMembers lists the members of an organization. Any member may call it.
func (s *OrganizationService) GetMembers(ctx context.Context, actorID, orgID string) ([]MemberInfo, error) {
	db := s.db.WithContext(ensureContext(ctx))

	if _, _, err := s.membershipTx(db, orgID, actorID); err != nil {
		return nil, err
	}

	var memberships []models.OrgMembership
	if err := db.Where("organization_id = ?", orgID).Order("created_at ASC").Find(&memberships).Error; err != nil {
		return nil, fmt.Errorf("organization service: list members: %w", err)
	}
	return s.memberInfos(db, memberships)
}

// Usage reports seat consumption for an organization the actor belongs to.
func (s *OrganizationService) Usage(ctx context.Context, actorID, orgID string) (*PlanUsage, error) {
	ctx = ensureContext(ctx)
	if _, _, err := s.membershipTx(s.db.WithContext(ctx), orgID, actorID); err != nil {
		return nil, err
	}
	return s.plans.Usage(ctx, orgID)
}

// UpdateMemberRole changes the role of memberID (a user id). Requires ADMIN
// or higher; any change touching OWNER requires the actor to be an OWNER.
func (s *OrganizationService) UpdateMemberRole(ctx context.Context, actorID, orgID, memberID string, role models.Role) (*MemberInfo, error) {
	ctx = ensureContext(ctx)
	if !role.Valid() {
		return nil, apperrors.NewValidation("Invalid role")
	}

	var updated models.OrgMembership
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, actor, err := s.membershipTx(tx, orgID, actorID)
		if err != nil {
			return err
		}
		if err := requireRole(actor, models.RoleAdmin); err != nil {
			return err
		}

		target, err := s.lockMember(tx, orgID, memberID)
		if err != nil {
			return err
		}
		targetOwner := models.HasPermission(target.Role, models.RoleOwner)
		grantsOwner := models.HasPermission(role, models.RoleOwner)
		if targetOwner || grantsOwner {
			if err := requireRole(actor, models.RoleOwner); err != nil {
				return err
			}
		}
		if targetOwner && !grantsOwner {
			owners, err := s.countOwnersTx(tx, orgID)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return apperrors.NewForbidden(msgLastOwnerDemote)
			}
		}

		if target.Role != role {
			if err := tx.Model(target).Update("role", role).Error; err != nil {
				return fmt.Errorf("organization service: update role: %w", err)
			}
		}
		updated = *target
		updated.Role = role
		return nil
	})
	if err != nil {
		return nil, err
	}

	infos, err := s.memberInfos(s.db.WithContext(ctx), []models.OrgMembership{updated})
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, apperrors.NewNotFound(msgMemberNotFound)
	}
	return &infos[0], nil
}

// RemoveMember removes memberID (a user id) from the organization. Members may
// always remove themselves; removing others requires ADMIN, and removing an
// owner requires OWNER. The last owner can never be removed.
func (s *OrganizationService) RemoveMember(ctx context.Context, actorID, orgID, memberID string) error {
	ctx = ensureContext(ctx)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, actor, err := s.membershipTx(tx, orgID, actorID)
		if err != nil {
			return err
		}

		target := actor
		if memberID != actorID {
			if err := requireRole(actor, models.RoleAdmin); err != nil {
				return err
			}
			if target, err = s.lockMember(tx, orgID, memberID); err != nil {
				return err
			}
			if models.HasPermission(target.Role, models.RoleOwner) {
				if err := requireRole(actor, models.RoleOwner); err != nil {
					return err
				}
			}
		}

		if models.HasPermission(target.Role, models.RoleOwner) {
			owners, err := s.countOwnersTx(tx, orgID)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return apperrors.NewForbidden(msgLastOwnerRemove)
			}
		}

		if err := tx.Delete(&models.OrgMembership{}, "id = ?", target.ID).Error; err != nil {
			return fmt.Errorf("organization service: remove member: %w", err)
		}
		s.log.Info("member removed",
			zap.String("organization_id", orgID),
			zap.String("user_id", target.UserID),
			zap.String("actor_id", actorID))
		return nil
	})
}

// membershipTx loads a live organization together with userID's membership.
// Missing organization and missing membership are both reported as not found.
func (s *OrganizationService) membershipTx(tx *gorm.DB, orgID, userID string) (*models.Organization, *models.OrgMembership, error) {
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" || userID == "" {
		return nil, nil, errOrganizationNotFound()
	}

	var org models.Organization
	if err := tx.First(&org, "id = ?", orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errOrganizationNotFound()
		}
		return nil, nil, fmt.Errorf("organization service: load organization: %w", err)
	}

	var membership models.OrgMembership
	if err := database.ForUpdate(tx).
		Where("organization_id = ? AND user_id = ?", org.ID, userID).
		First(&membership).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errOrganizationNotFound()
		}
		return nil, nil, fmt.Errorf("organization service: load membership: %w", err)
	}
	return &org, &membership, nil
}

func (s *OrganizationService) lockMember(tx *gorm.DB, orgID, userID string) (*models.OrgMembership, error) {
	var membership models.OrgMembership
	if err := database.ForUpdate(tx).
		Where("organization_id = ? AND user_id = ?", orgID, strings.TrimSpace(userID)).
		First(&membership).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound(msgMemberNotFound)
		}
		return nil, fmt.Errorf("organization service: load member: %w", err)
	}
	return &membership, nil
}

func (s *OrganizationService) countOwnersTx(tx *gorm.DB, orgID string) (int, error) {
	var owners []models.OrgMembership
	if err := database.ForUpdate(tx).
		Select("id").
		Where("organization_id = ? AND role = ?", orgID, models.RoleOwner).
		Find(&owners).Error; err != nil {
		return 0, fmt.Errorf("organization service: count owners: %w", err)
	}
	return len(owners), nil
}

func (s *OrganizationService) memberInfos(db *gorm.DB, memberships []models.OrgMembership) ([]MemberInfo, error) {
	if len(memberships) == 0 {
		return []MemberInfo{}, nil
	}

	ids := make([]string, len(memberships))
	for i := range memberships {
		ids[i] = memberships[i].UserID
	}
	var users []models.User
	if err := db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("organization service: load member users: %w", err)
	}
	byID := make(map[string]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	infos := make([]MemberInfo, 0, len(memberships))
	for _, membership := range memberships {
		user, ok := byID[membership.UserID]
		if !ok {
			continue
		}
		infos = append(infos, toMemberInfo(&membership, user))
	}
	return infos, nil
}

func toMemberInfo(membership *models.OrgMembership, user *models.User) MemberInfo {
	return MemberInfo{
		MembershipID: membership.ID,
		UserID:       user.ID,
		Email:        user.Email,
		Name:         user.Name,
		AvatarURL:    user.AvatarURL,
		Role:         membership.Role,
		JoinedAt:     membership.CreatedAt,
	}
}
