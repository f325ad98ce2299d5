package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/accesscore/internal/cache"
)

const sessionCacheKeyPrefix = "auth:sessions:"

var errSessionCacheMiss = errors.New("session cache miss")

// SessionCache holds recently validated principals keyed by session id.
type SessionCache interface {
	Get(ctx context.Context, sessionID string) (*Principal, error)
	Set(ctx context.Context, principal *Principal, ttl time.Duration) error
	Delete(ctx context.Context, sessionIDs ...string) error
}

// NewSessionCache wraps a shared cache.Store (Redis, SQL or memory).
func NewSessionCache(store cache.Store) SessionCache {
	if store == nil {
		return nil
	}
	return &sessionStoreCache{store: store}
}

type sessionStoreCache struct {
	store cache.Store
}

func (c *sessionStoreCache) Get(ctx context.Context, sessionID string) (*Principal, error) {
	key := cacheKey(sessionID)
	if key == "" {
		return nil, errSessionCacheMiss
	}

	data, found, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errSessionCacheMiss
	}

	var principal Principal
	if err := json.Unmarshal(data, &principal); err != nil {
		return nil, fmt.Errorf("session cache: decode: %w", err)
	}
	return &principal, nil
}

func (c *sessionStoreCache) Set(ctx context.Context, principal *Principal, ttl time.Duration) error {
	if principal == nil {
		return errors.New("session cache: principal is nil")
	}
	key := cacheKey(principal.SessionID)
	if key == "" {
		return errors.New("session cache: session id missing")
	}

	payload, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("session cache: marshal: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	return c.store.Set(ctx, key, payload, ttl)
}

func (c *sessionStoreCache) Delete(ctx context.Context, sessionIDs ...string) error {
	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if key := cacheKey(id); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.store.Delete(ctx, keys...)
}

func cacheKey(sessionID string) string {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return ""
	}
	return sessionCacheKeyPrefix + id
}
