package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/accesscore/internal/cache"
)

func newTestLimiter(t *testing.T) (*LoginLimiter, *testClock) {
	t.Helper()
	clock := &testClock{current: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}
	limiter, err := NewLoginLimiter(cache.NewMemoryStore(clock.Now), LoginLimiterConfig{MaxAttempts: 5, Cooldown: 15 * time.Minute})
	require.NoError(t, err)
	return limiter, clock
}

func TestLoginLimiterBlocksAfterMaxFailures(t *testing.T) {
	limiter, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := limiter.Check(ctx, "ada@example.com", "1.2.3.4")
		require.NoError(t, err)
		require.True(t, decision.Allowed, "attempt %d", i+1)
		require.NoError(t, limiter.RecordFailure(ctx, "ada@example.com", "1.2.3.4"))
		clock.Advance(time.Minute)
	}

	decision, err := limiter.Check(ctx, "ada@example.com", "1.2.3.4")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 10*time.Minute, decision.RetryAfter)

	clock.Advance(10 * time.Minute)
	decision, err = limiter.Check(ctx, "ada@example.com", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, 5, decision.Remaining)
}

func TestLoginLimiterKeysByEmailAndIP(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "Ada@Example.com ", "1.2.3.4"))
	}

	blocked, err := limiter.Check(ctx, "ada@example.com", "1.2.3.4")
	require.NoError(t, err)
	require.False(t, blocked.Allowed, "email is case-insensitive")

	otherIP, err := limiter.Check(ctx, "ada@example.com", "5.6.7.8")
	require.NoError(t, err)
	require.True(t, otherIP.Allowed)

	otherEmail, err := limiter.Check(ctx, "bob@example.com", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, otherEmail.Allowed)
}

func TestLoginLimiterClear(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.RecordFailure(ctx, "ada@example.com", "ip"))
	}
	require.NoError(t, limiter.Clear(ctx, "ada@example.com", "ip"))

	decision, err := limiter.Check(ctx, "ada@example.com", "ip")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestLimiterKeyDoesNotLeakEmail(t *testing.T) {
	key := limiterKey("ada@example.com", "1.2.3.4")
	require.NotContains(t, key, "ada")
	require.Equal(t, key, limiterKey(" ADA@example.com", "1.2.3.4"))
}
