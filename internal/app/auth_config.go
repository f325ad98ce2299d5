package app

import (
	"fmt"
	"time"

	"github.com/charlesng35/accesscore/internal/auth"
	"github.com/charlesng35/accesscore/internal/auth/providers"
	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/crypto"
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
// Refresh tokens live exactly as long as their session.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:          c.JWT.Secret,
		Issuer:          c.JWT.Issuer,
		AccessTokenTTL:  ttl,
		RefreshTokenTTL: c.sessionTTL(),
	}
}

// SessionServiceConfig converts AuthConfig into SessionService parameters.
// The principal cache is attached by the caller.
func (c AuthConfig) SessionServiceConfig() auth.SessionConfig {
	return auth.SessionConfig{
		SessionTTL: c.sessionTTL(),
		TokenBytes: c.Session.TokenBytes,
	}
}

func (c AuthConfig) sessionTTL() time.Duration {
	if c.Session.TTL <= 0 {
		return auth.DefaultSessionTTL
	}
	return c.Session.TTL
}

// LoginLimiterConfig converts AuthConfig into LoginLimiter parameters.
func (c AuthConfig) LoginLimiterConfig() auth.LoginLimiterConfig {
	attempts := c.LoginLimit.MaxAttempts
	if attempts <= 0 {
		attempts = auth.DefaultLoginMaxAttempts
	}
	cooldown := c.LoginLimit.Cooldown
	if cooldown <= 0 {
		cooldown = auth.DefaultLoginCooldown
	}
	return auth.LoginLimiterConfig{MaxAttempts: attempts, Cooldown: cooldown}
}

// Argon2Parameters overlays configured KDF settings on the defaults.
func (c PasswordSettings) Argon2Parameters() crypto.Argon2Parameters {
	params := crypto.DefaultArgon2Params()
	if c.Argon2.Time > 0 {
		params.Time = c.Argon2.Time
	}
	if c.Argon2.MemoryKiB > 0 {
		params.Memory = c.Argon2.MemoryKiB
	}
	if c.Argon2.Threads > 0 {
		params.Threads = c.Argon2.Threads
	}
	if c.Argon2.KeyLength > 0 {
		params.KeyLength = c.Argon2.KeyLength
	}
	return params
}

// AuthServiceConfig builds the credential service settings. The MFA verifier
// is attached by the caller when MFA is enabled.
func (c AuthConfig) AuthServiceConfig() (services.AuthServiceConfig, error) {
	hasher, err := crypto.NewPasswordHasher(c.Password.Argon2Parameters())
	if err != nil {
		return services.AuthServiceConfig{}, fmt.Errorf("auth.password.argon2: %w", err)
	}
	return services.AuthServiceConfig{
		Hasher:            hasher,
		MinPasswordLength: c.Password.MinLength,
		ResetTokenTTL:     c.Password.ResetTokenTTL,
	}, nil
}

// GoogleProviderConfig converts GoogleSettings into the provider representation.
func (c GoogleSettings) GoogleProviderConfig() providers.GoogleConfig {
	return providers.GoogleConfig{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
	}
}
