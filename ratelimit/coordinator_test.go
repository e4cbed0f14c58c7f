package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitIfBlockedNotBlockedByDefault(t *testing.T) {
	c := New(100, time.Second)
	waited, err := c.WaitIfBlocked(context.Background())
	require.NoError(t, err)
	assert.False(t, waited)
}

func TestSetBlockedThenWaitIfBlockedWaits(t *testing.T) {
	c := New(100, time.Second)
	c.SetBlocked(20 * time.Millisecond)

	assert.True(t, c.IsBlocked())
	assert.Greater(t, c.RemainingWait(), time.Duration(0))

	start := time.Now()
	waited, err := c.WaitIfBlocked(context.Background())
	require.NoError(t, err)
	assert.True(t, waited)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.False(t, c.IsBlocked())
}

func TestSetBlockedNeverShortensCooldown(t *testing.T) {
	c := New(100, time.Second)
	c.SetBlocked(100 * time.Millisecond)
	first := c.RemainingWait()

	c.SetBlocked(10 * time.Millisecond)
	second := c.RemainingWait()

	assert.GreaterOrEqual(t, second, first-5*time.Millisecond)
}

func TestWaitIfBlockedRespectsContextCancellation(t *testing.T) {
	c := New(100, time.Second)
	c.SetBlocked(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.WaitIfBlocked(ctx)
	assert.Error(t, err)
}

func TestRegistryReturnsSameCoordinatorPerProvider(t *testing.T) {
	reg := NewRegistry()
	a := reg.Get("nim", 10, time.Second)
	b := reg.Get("nim", 999, time.Minute)
	c := reg.Get("openrouter", 10, time.Second)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestProactiveThrottlingLimitsBurst(t *testing.T) {
	c := New(2, 100*time.Millisecond)
	ctx := context.Background()

	_, err := c.WaitIfBlocked(ctx)
	require.NoError(t, err)
	_, err = c.WaitIfBlocked(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.WaitIfBlocked(ctx)
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), time.Duration(0))
}
