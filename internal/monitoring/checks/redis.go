package checks

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/charlesng35/accesscore/internal/monitoring"
)

const defaultRedisTimeout = 2 * time.Second

// Redis pings the shared cache. When redis was requested but never
// connected the instance runs on the database cache, which is reported as
// degraded rather than down.
func Redis(client *redis.Client, enabled bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("redis", func(ctx context.Context) monitoring.CheckResult {
		start := time.Now()
		if !enabled {
			return monitoring.CheckResult{Status: monitoring.StatusUp, Details: "redis disabled"}
		}
		if client == nil {
			return monitoring.CheckResult{Status: monitoring.StatusDegraded, Details: "using database cache fallback"}
		}

		pingCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultRedisTimeout))
		defer cancel()

		result := monitoring.ResultFromError(client.Ping(pingCtx).Err(), time.Since(start))
		if result.Status == monitoring.StatusDown {
			// The cache only holds throttling counters and principal snapshots.
			result.Status = monitoring.StatusDegraded
		}
		return result
	})
}
