package checks

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/monitoring"
)

const defaultDatabaseTimeout = 2 * time.Second

// Database pings the primary database. Identity data lives there, so a
// failure marks the instance down.
func Database(db *gorm.DB, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("database", func(ctx context.Context) monitoring.CheckResult {
		start := time.Now()
		if db == nil {
			return monitoring.CheckResult{Status: monitoring.StatusDown, Details: "database not configured"}
		}

		sqlDB, err := db.DB()
		if err != nil {
			return monitoring.ResultFromError(err, time.Since(start))
		}

		pingCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultDatabaseTimeout))
		defer cancel()

		return monitoring.ResultFromError(sqlDB.PingContext(pingCtx), time.Since(start))
	})
}

func chooseTimeout(provided, fallback time.Duration) time.Duration {
	if provided <= 0 {
		return fallback
	}
	return provided
}
