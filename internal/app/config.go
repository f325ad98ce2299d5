package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. ACCESSCORE_AUTH_JWT_SECRET.
const EnvPrefix = "ACCESSCORE"

// Config represents the runtime configuration for the accesscore server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Email       EmailConfig       `mapstructure:"email"`
	App         AppConfig         `mapstructure:"app"`
	Plans       PlansConfig       `mapstructure:"plans"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	LogLevel        string          `mapstructure:"log_level"`
	LogFormat       string          `mapstructure:"log_format"`
	CORSOrigins     []string        `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP and route on public auth endpoints.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	Postgres        DBAuthConfig  `mapstructure:"postgres"`
	MySQL           DBAuthConfig  `mapstructure:"mysql"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	Database string            `mapstructure:"database"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Options  map[string]string `mapstructure:"options"`
}

// CacheConfig describes cache backends. Without Redis, counters and cached
// sessions live in the SQL database.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TLS       bool          `mapstructure:"tls"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT        JWTSettings        `mapstructure:"jwt"`
	Session    SessionSettings    `mapstructure:"session"`
	LoginLimit LoginLimitSettings `mapstructure:"login_limit"`
	Password   PasswordSettings   `mapstructure:"password"`
	Google     GoogleSettings     `mapstructure:"google"`
	MFA        MFASettings        `mapstructure:"mfa"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// SessionSettings configures session and refresh token lifetimes.
type SessionSettings struct {
	TTL        time.Duration `mapstructure:"ttl"`
	TokenBytes int           `mapstructure:"token_bytes"`
}

// LoginLimitSettings tunes the failed-login counter.
type LoginLimitSettings struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// PasswordSettings configures the password policy, reset tokens and the KDF.
type PasswordSettings struct {
	MinLength     int           `mapstructure:"min_length"`
	ResetTokenTTL time.Duration `mapstructure:"reset_token_ttl"`
	Argon2        Argon2Config  `mapstructure:"argon2"`
}

// Argon2Config mirrors crypto.Argon2Parameters. Zero values use the defaults.
type Argon2Config struct {
	Time      uint32 `mapstructure:"time"`
	MemoryKiB uint32 `mapstructure:"memory_kib"`
	Threads   uint8  `mapstructure:"threads"`
	KeyLength uint32 `mapstructure:"key_length"`
}

// GoogleSettings configures Google sign-in.
type GoogleSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	StateKey     string        `mapstructure:"state_key"`
	StateTTL     time.Duration `mapstructure:"state_ttl"`
}

// MFASettings configures TOTP enrollment.
type MFASettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	Issuer        string `mapstructure:"issuer"`
	EncryptionKey string `mapstructure:"encryption_key"`
	BackupCodes   int    `mapstructure:"backup_codes"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AppConfig holds product settings used in outbound links and email copy.
type AppConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	ProductName string `mapstructure:"product_name"`
}

// PlansConfig tunes the seeded free plan.
type PlansConfig struct {
	FreeMaxMembers int `mapstructure:"free_max_members"`
}

// MaintenanceConfig schedules background cleanup using cron expressions.
type MaintenanceConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SessionSchedule    string `mapstructure:"session_schedule"`
	InvitationSchedule string `mapstructure:"invitation_schedule"`
	ResetTokenSchedule string `mapstructure:"reset_token_schedule"`
	CacheSchedule      string `mapstructure:"cache_schedule"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate reports configuration that cannot produce a working server.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
		return errors.New("config: auth.jwt.secret is required")
	}
	if c.Auth.Google.Enabled {
		if strings.TrimSpace(c.Auth.Google.ClientID) == "" || strings.TrimSpace(c.Auth.Google.RedirectURL) == "" {
			return errors.New("config: auth.google requires client_id and redirect_url")
		}
	}
	if c.Email.SMTP.Enabled && strings.TrimSpace(c.Email.SMTP.Host) == "" {
		return errors.New("config: email.smtp.host is required when smtp is enabled")
	}
	if c.Plans.FreeMaxMembers < 0 {
		return errors.New("config: plans.free_max_members must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit.requests", 30)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/accesscore.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.key_prefix", "accesscore:")

	// Empty defaults register the keys so env overrides reach Unmarshal.
	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "accesscore")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.session.ttl", "168h") // 7 days
	v.SetDefault("auth.session.token_bytes", 32)
	v.SetDefault("auth.login_limit.max_attempts", 5)
	v.SetDefault("auth.login_limit.cooldown", "15m")
	v.SetDefault("auth.password.min_length", 8)
	v.SetDefault("auth.password.reset_token_ttl", "1h")
	v.SetDefault("auth.google.enabled", false)
	v.SetDefault("auth.google.client_id", "")
	v.SetDefault("auth.google.client_secret", "")
	v.SetDefault("auth.google.redirect_url", "")
	v.SetDefault("auth.google.state_key", "")
	v.SetDefault("auth.google.state_ttl", "10m")
	v.SetDefault("auth.mfa.enabled", true)
	v.SetDefault("auth.mfa.issuer", "Accesscore")
	v.SetDefault("auth.mfa.encryption_key", "")
	v.SetDefault("auth.mfa.backup_codes", 10)

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.smtp.from", "")
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("app.base_url", "http://localhost:3000")
	v.SetDefault("app.product_name", "Accesscore")

	v.SetDefault("plans.free_max_members", 5)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.session_schedule", "@every 1h")
	v.SetDefault("maintenance.invitation_schedule", "@every 6h")
	v.SetDefault("maintenance.reset_token_schedule", "@every 1h")
	v.SetDefault("maintenance.cache_schedule", "@every 15m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
