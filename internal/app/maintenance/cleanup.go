package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/metrics"
)

const (
	defaultSessionSpec    = "@hourly"
	defaultInvitationSpec = "@every 6h"
	defaultResetTokenSpec = "@hourly"
	defaultCacheSpec      = "@every 15m"

	jobSessions    = "sessions"
	jobInvitations = "invitations"
	jobResetTokens = "reset_tokens"
	jobCache       = "cache"
)

// SessionPurger deletes expired sessions.
type SessionPurger interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// InvitationExpirer flips stale pending invitations to EXPIRED.
type InvitationExpirer interface {
	ExpireStaleInvitations(ctx context.Context) (int64, error)
}

// CachePurger drops expired entries from a persistent cache.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Cleaner coordinates background maintenance tasks such as purging expired
// sessions, expiring stale invitations and clearing lapsed reset tokens.
type Cleaner struct {
	db          *gorm.DB
	sessions    SessionPurger
	invitations InvitationExpirer
	cache       CachePurger
	cron        *cron.Cron
	now         func() time.Time
	log         *zap.Logger

	mu       sync.Mutex
	failures map[string]int

	sessionSchedule    string
	invitationSchedule string
	resetTokenSchedule string
	cacheSchedule      string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSessions enables the expired session job.
func WithSessions(sessions SessionPurger) Option {
	return func(cleaner *Cleaner) { cleaner.sessions = sessions }
}

// WithInvitations enables the stale invitation job.
func WithInvitations(invitations InvitationExpirer) Option {
	return func(cleaner *Cleaner) { cleaner.invitations = invitations }
}

// WithCache enables the cache purge job.
func WithCache(cache CachePurger) Option {
	return func(cleaner *Cleaner) { cleaner.cache = cache }
}

// Schedules holds cron specifications per job. Empty entries keep the defaults.
type Schedules struct {
	Sessions    string
	Invitations string
	ResetTokens string
	Cache       string
}

// WithSchedules overrides the cron specifications.
func WithSchedules(s Schedules) Option {
	return func(cleaner *Cleaner) {
		if s.Sessions != "" {
			cleaner.sessionSchedule = s.Sessions
		}
		if s.Invitations != "" {
			cleaner.invitationSchedule = s.Invitations
		}
		if s.ResetTokens != "" {
			cleaner.resetTokenSchedule = s.ResetTokens
		}
		if s.Cache != "" {
			cleaner.cacheSchedule = s.Cache
		}
	}
}

// NewCleaner constructs a Cleaner. The reset token job runs whenever db is
// set; the other jobs run only when their dependency is supplied.
func NewCleaner(db *gorm.DB, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:                 db,
		now:                time.Now,
		sessionSchedule:    defaultSessionSpec,
		invitationSchedule: defaultInvitationSpec,
		resetTokenSchedule: defaultResetTokenSpec,
		cacheSchedule:      defaultCacheSpec,
		log:                logger.WithModule("maintenance"),
		failures:           make(map[string]int),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int64, error)
}

func (c *Cleaner) jobs() []job {
	var jobs []job
	if c.sessions != nil {
		jobs = append(jobs, job{jobSessions, c.sessionSchedule, c.sessions.CleanupExpired})
	}
	if c.invitations != nil {
		jobs = append(jobs, job{jobInvitations, c.invitationSchedule, c.invitations.ExpireStaleInvitations})
	}
	if c.db != nil {
		jobs = append(jobs, job{jobResetTokens, c.resetTokenSchedule, func(ctx context.Context) (int64, error) {
			return ClearExpiredResetTokens(ctx, c.db, c.now())
		}})
	}
	if c.cache != nil {
		jobs = append(jobs, job{jobCache, c.cacheSchedule, c.cache.PurgeExpired})
	}
	return jobs
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one job is enabled.
func (c *Cleaner) Start() error {
	jobs := c.jobs()
	if len(jobs) == 0 {
		return nil
	}

	for _, j := range jobs {
		j := j
		if _, err := c.cron.AddFunc(j.schedule, func() {
			_ = c.execute(context.Background(), j)
		}); err != nil {
			return fmt.Errorf("maintenance: schedule %s %q: %w", j.name, j.schedule, err)
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. A failing
// job does not prevent the others from running.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, j := range c.jobs() {
		errs = multierr.Append(errs, c.execute(ctx, j))
	}
	return errs
}

func (c *Cleaner) execute(ctx context.Context, j job) error {
	affected, err := j.run(ctx)
	metrics.MaintenanceRuns.WithLabelValues(j.name, metrics.Result(err)).Inc()

	c.mu.Lock()
	if err != nil {
		c.failures[j.name]++
	} else {
		c.failures[j.name] = 0
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("cleanup failed", zap.String("job", j.name), zap.Error(err))
		return fmt.Errorf("maintenance: %s: %w", j.name, err)
	}
	if affected > 0 {
		c.log.Info("cleanup finished", zap.String("job", j.name), zap.Int64("affected", affected))
	}
	return nil
}

// ConsecutiveFailures returns a snapshot of failing runs per job since its
// last success.
func (c *Cleaner) ConsecutiveFailures() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.failures))
	for name, count := range c.failures {
		out[name] = count
	}
	return out
}

// ClearExpiredResetTokens nulls password reset tokens whose expiry has passed.
func ClearExpiredResetTokens(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("clear reset tokens: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).Model(&models.User{}).
		Where("password_reset_token_hash IS NOT NULL").
		Where("password_reset_expires_at IS NULL OR password_reset_expires_at <= ?", now.UTC()).
		Updates(map[string]any{
			"password_reset_token_hash": nil,
			"password_reset_expires_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("clear reset tokens: update: %w", result.Error)
	}
	return result.RowsAffected, nil
}
