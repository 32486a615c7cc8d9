package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyroute/polyroute/pkg/types"
)

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	l := New(Config{Burst: 3})
	id := types.Identity{SessionID: "s1"}

	for i := 0; i < 3; i++ {
		dec := l.Allow(context.Background(), id)
		require.True(t, dec.Allowed, "request %d should pass", i)
	}
}

func TestLimiter_DeniesAtBurstLimit(t *testing.T) {
	l := New(Config{PerMinute: 100, Burst: 2})
	id := types.Identity{SessionID: "s1"}

	require.True(t, l.Allow(context.Background(), id).Allowed)
	require.True(t, l.Allow(context.Background(), id).Allowed)

	dec := l.Allow(context.Background(), id)
	require.False(t, dec.Allowed)
	assert.Equal(t, "burst", dec.LimitType)
	assert.Equal(t, "session:s1", dec.Identity)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
}

func TestLimiter_WindowCheckOrder(t *testing.T) {
	// The hour quota is tighter than the minute quota here, so the third
	// request must be named an hour violation, not a minute one.
	l := New(Config{PerMinute: 10, PerHour: 2})
	id := types.Identity{SessionID: "s1"}

	require.True(t, l.Allow(context.Background(), id).Allowed)
	require.True(t, l.Allow(context.Background(), id).Allowed)

	dec := l.Allow(context.Background(), id)
	require.False(t, dec.Allowed)
	assert.Equal(t, "hour", dec.LimitType)
}

func TestLimiter_FirstViolationWinsAcrossIdentities(t *testing.T) {
	l := New(Config{Burst: 1})
	full := types.Identity{UserID: "alice", SessionID: "s1"}

	require.True(t, l.Allow(context.Background(), full).Allowed)

	dec := l.Allow(context.Background(), full)
	require.False(t, dec.Allowed)
	// The user identity is checked before the session identity.
	assert.Equal(t, "user:alice", dec.Identity)
	assert.Equal(t, "burst", dec.LimitType)
}

func TestLimiter_RetryAfterFromOldestStamp(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(Config{Burst: 1, Clock: func() time.Time { return now }})
	id := types.Identity{SessionID: "s1"}

	require.True(t, l.Allow(context.Background(), id).Allowed)

	now = now.Add(3 * time.Second)
	dec := l.Allow(context.Background(), id)
	require.False(t, dec.Allowed)
	// The stamp from t=0 ages out of the 10s burst window at t=10.
	assert.Equal(t, 7*time.Second, dec.RetryAfter)
}

func TestLimiter_DeniedRequestsRecordNothing(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(Config{Burst: 1, Clock: func() time.Time { return now }})
	id := types.Identity{SessionID: "s1"}

	require.True(t, l.Allow(context.Background(), id).Allowed)

	// Hammer the limiter while denied; none of these may extend the window.
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		require.False(t, l.Allow(context.Background(), id).Allowed)
	}

	// Only the first request counts, so its age-out frees a slot.
	now = time.Unix(1000, 0).Add(burstSpan + time.Millisecond)
	assert.True(t, l.Allow(context.Background(), id).Allowed)
}

func TestLimiter_WindowAgeOutExactBoundary(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(Config{Burst: 1, Clock: func() time.Time { return now }})
	id := types.Identity{SessionID: "s1"}

	require.True(t, l.Allow(context.Background(), id).Allowed)

	// Exactly at the boundary the stamp is dropped and a slot frees up.
	now = now.Add(burstSpan)
	assert.True(t, l.Allow(context.Background(), id).Allowed)
}

func TestLimiter_IdentitiesDoNotInterfere(t *testing.T) {
	l := New(Config{Burst: 1})

	require.True(t, l.Allow(context.Background(), types.Identity{SessionID: "s1"}).Allowed)
	require.True(t, l.Allow(context.Background(), types.Identity{SessionID: "s2"}).Allowed)
	require.False(t, l.Allow(context.Background(), types.Identity{SessionID: "s1"}).Allowed)
}

func TestLimiter_NoWindowsConfigured(t *testing.T) {
	l := New(Config{})
	dec := l.Allow(context.Background(), types.Identity{SessionID: "s1"})
	assert.True(t, dec.Allowed)
}

func TestLimiter_NoIdentity(t *testing.T) {
	l := New(Config{Burst: 1})
	dec := l.Allow(context.Background(), types.Identity{})
	assert.True(t, dec.Allowed)
}

func TestLimiter_SweepDropsDrainedBuckets(t *testing.T) {
	now := time.Unix(1000, 0)
	l := New(Config{Burst: 5, Clock: func() time.Time { return now }})

	l.Allow(context.Background(), types.Identity{SessionID: "s1"})
	l.Allow(context.Background(), types.Identity{SessionID: "s2"})
	require.Equal(t, 2, l.Len())

	// Still within the burst window: nothing to drop.
	l.sweepOnce()
	assert.Equal(t, 2, l.Len())

	now = now.Add(burstSpan + time.Second)
	l.sweepOnce()
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_ConcurrentAdmissionIsExact(t *testing.T) {
	const limit = 10
	l := New(Config{Burst: limit})
	id := types.Identity{UserID: "alice", SessionID: "s1"}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(context.Background(), id).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}
