package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/models"
	apperrors "github.com/charlesng35/accesscore/pkg/errors"
)

// SeatChecker enforces per-organization member caps.
type SeatChecker interface {
	CheckUserLimit(ctx context.Context, orgID string) error
}

// PlanUsage summarises seat consumption against the organization's plan.
type PlanUsage struct {
	Plan       *models.Plan `json:"plan"`
	SeatsUsed  int64        `json:"seats_used"`
	MaxMembers int          `json:"max_members"`
}

// PlanOption customises PlanService behaviour.
type PlanOption func(*PlanService)

// WithPlanClock injects a custom clock primarily for testing.
func WithPlanClock(clock func() time.Time) PlanOption {
	return func(s *PlanService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// PlanService resolves subscriptions and enforces seat limits.
type PlanService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPlanService constructs a PlanService.
func NewPlanService(db *gorm.DB, opts ...PlanOption) (*PlanService, error) {
	if db == nil {
		return nil, errors.New("plan service: db is required")
	}
	service := &PlanService{db: db, now: time.Now}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// AttachFreePlanTx subscribes orgID to the free plan inside tx.
func (s *PlanService) AttachFreePlanTx(tx *gorm.DB, orgID string) error {
	var plan models.Plan
	if err := tx.Where("code = ?", models.FreePlanCode).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("plan service: free plan is not seeded")
		}
		return fmt.Errorf("plan service: load free plan: %w", err)
	}

	subscription := models.Subscription{
		OrganizationID: orgID,
		PlanID:         plan.ID,
		Status:         models.SubscriptionActive,
	}
	if err := tx.Create(&subscription).Error; err != nil {
		return fmt.Errorf("plan service: create subscription: %w", err)
	}
	return nil
}

// PlanFor returns the plan of orgID's active subscription, falling back to
// the free plan when none exists.
func (s *PlanService) PlanFor(ctx context.Context, orgID string) (*models.Plan, error) {
	db := s.db.WithContext(ensureContext(ctx))

	var subscription models.Subscription
	err := db.Where("organization_id = ? AND status = ?", orgID, models.SubscriptionActive).First(&subscription).Error
	switch {
	case err == nil:
		var plan models.Plan
		if err := db.First(&plan, "id = ?", subscription.PlanID).Error; err != nil {
			return nil, fmt.Errorf("plan service: load plan: %w", err)
		}
		return &plan, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("plan service: load subscription: %w", err)
	}

	var free models.Plan
	if err := db.Where("code = ?", models.FreePlanCode).First(&free).Error; err != nil {
		return nil, fmt.Errorf("plan service: load free plan: %w", err)
	}
	return &free, nil
}

// SeatsUsed counts memberships plus unexpired pending invitations.
func (s *PlanService) SeatsUsed(ctx context.Context, orgID string) (int64, error) {
	db := s.db.WithContext(ensureContext(ctx))

	var members int64
	if err := db.Model(&models.OrgMembership{}).Where("organization_id = ?", orgID).Count(&members).Error; err != nil {
		return 0, fmt.Errorf("plan service: count members: %w", err)
	}

	var pending int64
	if err := db.Model(&models.PendingInvitation{}).
		Where("organization_id = ? AND status = ? AND expires_at > ?", orgID, models.InvitationPending, s.now().UTC()).
		Count(&pending).Error; err != nil {
		return 0, fmt.Errorf("plan service: count pending invitations: %w", err)
	}
	return members + pending, nil
}

// Usage reports the plan and seat consumption for orgID.
func (s *PlanService) Usage(ctx context.Context, orgID string) (*PlanUsage, error) {
	plan, err := s.PlanFor(ctx, orgID)
	if err != nil {
		return nil, err
	}
	used, err := s.SeatsUsed(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &PlanUsage{Plan: plan, SeatsUsed: used, MaxMembers: plan.MaxMembers}, nil
}

// CheckUserLimit fails with a plan-limit error when adding one more seat
// would exceed the plan's cap.
func (s *PlanService) CheckUserLimit(ctx context.Context, orgID string) error {
	usage, err := s.Usage(ctx, orgID)
	if err != nil {
		return err
	}
	if usage.Plan.Unlimited() {
		return nil
	}
	if usage.SeatsUsed >= int64(usage.MaxMembers) {
		return apperrors.NewPlanLimit(fmt.Sprintf("The %s plan allows at most %d members", usage.Plan.Name, usage.MaxMembers))
	}
	return nil
}
