package services

import (
	"context"
	"testing"
	"time"

	"arp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowStartTruncatesToUTCHour(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	at := time.Date(2026, 3, 10, 13, 47, 12, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC), WindowStart(at))
}

func TestRateLimiterUnlimitedDoesNotCount(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := f.limiter.Acquire(ctx, models.RateScopeRunbook, "rb-1", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	usage, err := f.limiter.Usage(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage[models.RateScopeRunbook])
}

func TestRateLimiterPeekMatchesAcquire(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()

	ok, err := f.limiter.Acquire(ctx, models.RateScopeRunbook, "rb-1", 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.limiter.Peek(ctx, models.RateScopeRunbook, "rb-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.limiter.Acquire(ctx, models.RateScopeRunbook, "rb-1", 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.limiter.Peek(ctx, models.RateScopeRunbook, "rb-1", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	usage, err := f.limiter.Usage(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, 2, usage[models.RateScopeRunbook])
	assert.Equal(t, 0, usage[models.RateScopeGlobal])
}

func TestCooldownIgnoresCurrentExecution(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()

	started := f.clock.Now().Add(-time.Minute)
	exec := &models.RunbookExecution{RunbookID: "rb-1", Status: models.ExecutionStatusRunning, StartedAt: &started}
	require.NoError(t, f.store.CreateExecution(ctx, exec))

	cooling, err := f.limiter.InCooldown(ctx, "rb-1", exec.ID, 30)
	require.NoError(t, err)
	assert.False(t, cooling)

	cooling, err = f.limiter.InCooldown(ctx, "rb-1", "other", 30)
	require.NoError(t, err)
	assert.True(t, cooling)
}
