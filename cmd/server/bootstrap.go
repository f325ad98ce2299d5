package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/accesscore/internal/api"
	"github.com/charlesng35/accesscore/internal/app"
	"github.com/charlesng35/accesscore/internal/app/maintenance"
	iauth "github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/auth/mfa"
	"github.com/charlesng35/accesscore/internal/auth/providers"
	"github.com/charlesng35/accesscore/internal/cache"
	"github.com/charlesng35/accesscore/internal/database"
	"github.com/charlesng35/accesscore/internal/monitoring"
	"github.com/charlesng35/accesscore/internal/monitoring/checks"
	"github.com/charlesng35/accesscore/internal/security"
	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/mail"
)

const mailSendTimeout = 30 * time.Second

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB      *gorm.DB
	Redis   *redis.Client
	Store   cache.Store
	Mailer  *services.AsyncMailer
	Cleaner *maintenance.Cleaner
	Router  *gin.Engine
}

// bootstrapRuntime initialises databases, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)
	stack.Store = dbStore
	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(err))
		} else {
			stack.Store = cache.NewRedisStore(stack.Redis, cfg.Cache.Redis.KeyPrefix)
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionCfg := cfg.Auth.SessionServiceConfig()
	sessionCfg.Cache = iauth.NewSessionCache(stack.Store)
	sessionSvc, err := iauth.NewSessionService(stack.DB, jwtSvc, sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	limiter, err := iauth.NewLoginLimiter(stack.Store, cfg.Auth.LoginLimiterConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise login limiter: %w", err)
	}

	plans, err := services.NewPlanService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise plan service: %w", err)
	}

	if stack.Mailer, err = buildMailer(cfg, log); err != nil {
		return nil, err
	}

	authCfg, err := cfg.Auth.AuthServiceConfig()
	if err != nil {
		return nil, err
	}
	totp, err := buildTOTP(stack.DB, cfg.Auth.MFA)
	if err != nil {
		return nil, err
	}
	if totp != nil {
		authCfg.MFA = totp
	}

	authSvc, err := services.NewAuthService(stack.DB, sessionSvc, limiter, plans, stack.Mailer, authCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise auth service: %w", err)
	}

	orgSvc, err := services.NewOrganizationService(stack.DB, plans, stack.Mailer)
	if err != nil {
		return nil, fmt.Errorf("initialise organization service: %w", err)
	}

	oauthOpts, err := googleOptions(ctx, cfg.Auth.Google)
	if err != nil {
		return nil, err
	}
	oauthSvc, err := services.NewOAuthService(stack.DB, sessionSvc, oauthOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise oauth service: %w", err)
	}

	if cfg.Maintenance.Enabled {
		opts := []maintenance.Option{
			maintenance.WithSessions(sessionSvc),
			maintenance.WithInvitations(orgSvc),
			maintenance.WithSchedules(maintenance.Schedules{
				Sessions:    cfg.Maintenance.SessionSchedule,
				Invitations: cfg.Maintenance.InvitationSchedule,
				ResetTokens: cfg.Maintenance.ResetTokenSchedule,
				Cache:       cfg.Maintenance.CacheSchedule,
			}),
		}
		if stack.Redis == nil {
			opts = append(opts, maintenance.WithCache(dbStore))
		}
		stack.Cleaner = maintenance.NewCleaner(stack.DB, opts...)
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		DB:              stack.DB,
		JWT:             jwtSvc,
		Sessions:        sessionSvc,
		Auth:            authSvc,
		OAuth:           oauthSvc,
		Organizations:   orgSvc,
		MFA:             totp,
		Health:          buildHealth(stack, cfg),
		RateLimitStore:  stack.Store,
		RateLimit:       cfg.Server.RateLimit.Requests,
		RateLimitWindow: cfg.Server.RateLimit.Window,
		CORSOrigins:     cfg.Server.CORSOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	logAudit(ctx, security.NewAuditService(stack.DB, jwtSvc, cfg), log)

	success = true
	return stack, nil
}

func buildHealth(stack *runtimeStack, cfg *app.Config) *monitoring.HealthManager {
	manager := monitoring.NewHealthManager(
		checks.Database(stack.DB, 0),
		checks.Redis(stack.Redis, cfg.Cache.Redis.Enabled, cfg.Cache.Redis.Timeout),
	)
	if stack.Cleaner != nil {
		manager.Register(checks.Maintenance(stack.Cleaner))
	}
	return manager
}

// logAudit reports configuration and data problems at startup without
// refusing to serve.
func logAudit(ctx context.Context, audit *security.AuditService, log *zap.Logger) {
	result := audit.Run(ctx)
	for _, check := range result.Checks {
		fields := []zap.Field{zap.String("check", check.ID), zap.String("remediation", check.Remediation)}
		switch check.Status {
		case security.StatusFail:
			log.Error(check.Message, fields...)
		case security.StatusWarn:
			log.Warn(check.Message, fields...)
		}
	}
}

// buildMailer sends through SMTP when configured and otherwise records
// messages in memory so development setups keep working.
func buildMailer(cfg *app.Config, log *zap.Logger) (*services.AsyncMailer, error) {
	var transport mail.Mailer
	if cfg.Email.SMTP.Enabled {
		smtp, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if err != nil {
			return nil, fmt.Errorf("initialise smtp mailer: %w", err)
		}
		transport = smtp
	} else {
		log.Warn("smtp disabled; outbound email is recorded in memory only")
		transport = mail.NewRecorder()
	}

	dispatcher, err := services.NewMailDispatcher(transport, cfg.MailDispatcherConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise mail dispatcher: %w", err)
	}
	return services.NewAsyncMailer(dispatcher, mailSendTimeout), nil
}

// buildTOTP returns nil when MFA is disabled.
func buildTOTP(db *gorm.DB, settings app.MFASettings) (*mfa.TOTPService, error) {
	if !settings.Enabled {
		return nil, nil
	}
	key, err := app.DecodeAESKey("auth.mfa.encryption_key", settings.EncryptionKey)
	if err != nil {
		return nil, err
	}
	opts := []mfa.Option{mfa.WithIssuer(settings.Issuer)}
	if settings.BackupCodes > 0 {
		opts = append(opts, mfa.WithBackupCodeCount(settings.BackupCodes))
	}
	service, err := mfa.NewTOTPService(db, key, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise totp service: %w", err)
	}
	return service, nil
}

func googleOptions(ctx context.Context, settings app.GoogleSettings) ([]services.OAuthOption, error) {
	if !settings.Enabled {
		return nil, nil
	}
	key, err := app.DecodeAESKey("auth.google.state_key", settings.StateKey)
	if err != nil {
		return nil, err
	}
	codec, err := iauth.NewStateCodec(key, settings.StateTTL, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise oauth state codec: %w", err)
	}
	provider, err := providers.NewGoogleProvider(ctx, settings.GoogleProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise google provider: %w", err)
	}
	return []services.OAuthOption{services.WithGoogleProvider(provider, codec)}, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			<-stopCtx.Done()
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.Mailer != nil {
		s.Mailer.Wait()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db, database.SeedOptions{FreePlanMaxMembers: cfg.Plans.FreeMaxMembers}); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
