package database

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/models"
)

// SeedOptions tunes the rows inserted by SeedData.
type SeedOptions struct {
	// FreePlanMaxMembers caps seats on the free plan; zero means unlimited.
	FreePlanMaxMembers int
}

// DefaultSeedOptions mirrors the configuration defaults.
func DefaultSeedOptions() SeedOptions {
	return SeedOptions{FreePlanMaxMembers: 5}
}

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Organization{},
		&models.OrgMembership{},
		&models.PendingInvitation{},
		&models.Plan{},
		&models.Subscription{},
		&models.MFASecret{},
		&models.CacheEntry{},
	)
}

// SeedData inserts the free plan if it does not exist yet. Existing rows are
// left untouched so operators can edit limits in place.
func SeedData(db *gorm.DB, opts SeedOptions) error {
	free := models.Plan{
		Code:       models.FreePlanCode,
		Name:       "Free",
		MaxMembers: opts.FreePlanMaxMembers,
		Features:   datatypes.JSON(`{"sso":false,"mfa":true}`),
	}
	return db.Where(models.Plan{Code: free.Code}).Attrs(free).FirstOrCreate(&models.Plan{}).Error
}
