package cache

import (
	"context"
	"time"
)

// Store represents a shared cache interface used across the application.
//
// IncrementWithTTL implements a fixed window counter: the first increment
// starts the window and later increments never extend it.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Counter(ctx context.Context, key string) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
