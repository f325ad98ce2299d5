package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charlesng35/accesscore/internal/monitoring"
)

// FailureReporter exposes consecutive failure counts per maintenance job.
type FailureReporter interface {
	ConsecutiveFailures() map[string]int
}

// Maintenance reports degraded while any cleanup job keeps failing. A nil
// reporter means maintenance is disabled.
func Maintenance(reporter FailureReporter) monitoring.Check {
	return monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.CheckResult {
		if reporter == nil {
			return monitoring.CheckResult{Status: monitoring.StatusUp, Details: "maintenance disabled"}
		}

		var failing []string
		for job, count := range reporter.ConsecutiveFailures() {
			if count > 0 {
				failing = append(failing, fmt.Sprintf("%s: %d consecutive failures", job, count))
			}
		}
		if len(failing) == 0 {
			return monitoring.CheckResult{Status: monitoring.StatusUp}
		}

		sort.Strings(failing)
		return monitoring.CheckResult{
			Status:  monitoring.StatusDegraded,
			Details: strings.Join(failing, "; "),
		}
	})
}
