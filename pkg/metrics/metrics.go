package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by method (password|google|refresh) and result.
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscore_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"method", "result"},
	)

	// LoginThrottled counts password logins rejected by the login rate limiter.
	LoginThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accesscore_login_throttled_total",
			Help: "Total number of login attempts rejected by the rate limiter",
		},
	)

	// ActiveSessions tracks sessions created minus sessions deleted by logout or cleanup.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accesscore_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// RoleChecks counts organization role evaluations (allow|deny).
	RoleChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscore_role_checks_total",
			Help: "Total number of organization role checks",
		},
		[]string{"required", "result"},
	)

	// Invitations counts invitation lifecycle events (created|added|accepted|revoked|expired).
	Invitations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscore_invitations_total",
			Help: "Organization invitation events",
		},
		[]string{"event"},
	)

	// EmailDispatch counts detached email sends by kind and result.
	EmailDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscore_email_dispatch_total",
			Help: "Transactional emails dispatched",
		},
		[]string{"kind", "result"},
	)

	// MaintenanceRuns counts maintenance job executions by job and result.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscore_maintenance_runs_total",
			Help: "Maintenance job executions",
		},
		[]string{"job", "result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accesscore_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Result maps an error to the "success"/"failure" label used across counters.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
