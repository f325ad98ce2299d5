package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/accesscore/internal/cache"
)

const (
	DefaultLoginMaxAttempts = 5
	DefaultLoginCooldown    = 15 * time.Minute

	loginLimiterKeyPrefix = "auth:login:"
)

// LoginLimiterConfig tunes the failed-login counter.
type LoginLimiterConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// RateDecision is the outcome of a limiter check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// LoginLimiter counts failed password logins per (email, ip) pair in a fixed
// window that starts at the first failure.
type LoginLimiter struct {
	store       cache.Store
	maxAttempts int
	cooldown    time.Duration
}

// NewLoginLimiter builds a limiter over store.
func NewLoginLimiter(store cache.Store, cfg LoginLimiterConfig) (*LoginLimiter, error) {
	if store == nil {
		return nil, errors.New("login limiter: store is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultLoginMaxAttempts
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultLoginCooldown
	}
	return &LoginLimiter{store: store, maxAttempts: maxAttempts, cooldown: cooldown}, nil
}

// Check reports whether another attempt is allowed for email from ip.
func (l *LoginLimiter) Check(ctx context.Context, email, ip string) (RateDecision, error) {
	count, ttl, err := l.store.Counter(ensureContext(ctx), limiterKey(email, ip))
	if err != nil {
		return RateDecision{}, fmt.Errorf("login limiter: read counter: %w", err)
	}
	if int(count) >= l.maxAttempts {
		if ttl <= 0 {
			ttl = time.Second
		}
		return RateDecision{Allowed: false, RetryAfter: ttl}, nil
	}
	return RateDecision{Allowed: true, Remaining: l.maxAttempts - int(count)}, nil
}

// RecordFailure increments the failure counter, starting the window on the first failure.
func (l *LoginLimiter) RecordFailure(ctx context.Context, email, ip string) error {
	if _, _, err := l.store.IncrementWithTTL(ensureContext(ctx), limiterKey(email, ip), l.cooldown); err != nil {
		return fmt.Errorf("login limiter: increment: %w", err)
	}
	return nil
}

// Clear resets the counter after a successful login.
func (l *LoginLimiter) Clear(ctx context.Context, email, ip string) error {
	if err := l.store.Delete(ensureContext(ctx), limiterKey(email, ip)); err != nil {
		return fmt.Errorf("login limiter: clear: %w", err)
	}
	return nil
}

// limiterKey hashes the pair so raw emails never land in the shared store.
func limiterKey(email, ip string) string {
	normalized := strings.ToLower(strings.TrimSpace(email)) + "|" + strings.TrimSpace(ip)
	sum := sha256.Sum256([]byte(normalized))
	return loginLimiterKeyPrefix + hex.EncodeToString(sum[:])
}
