package services

import (
	"context"
	"testing"
	"time"

	"arp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThresholdAndHalfOpensLazily(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()
	scope := BreakerScope{Scope: models.BreakerScopeRunbook, ScopeID: "rb-1"}

	for i := 0; i < 2; i++ {
		require.NoError(t, f.breakers.RecordFailure(ctx, scope, "exec"))
	}
	check, err := f.breakers.Check(ctx, scope, "exec-x", true)
	require.NoError(t, err)
	assert.True(t, check.Admitted)

	require.NoError(t, f.breakers.RecordFailure(ctx, scope, "exec"))
	b, err := f.store.GetBreaker(ctx, scope.Scope, scope.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakerStateOpen, b.State)
	require.NotNil(t, b.ClosesAt)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *b.ClosesAt)

	check, err = f.breakers.Check(ctx, scope, "exec-a", true)
	require.NoError(t, err)
	assert.False(t, check.Admitted)

	// 到期后第一次检查转为半开并占用试探名额
	f.clock.Advance(15 * time.Minute)
	check, err = f.breakers.Check(ctx, scope, "exec-a", true)
	require.NoError(t, err)
	assert.True(t, check.Admitted)
	assert.True(t, check.Claimed)
	assert.Equal(t, models.BreakerStateHalfOpen, check.State)

	// 试探期间其他执行被拒绝，试探执行自身仍放行
	check, err = f.breakers.Check(ctx, scope, "exec-b", true)
	require.NoError(t, err)
	assert.False(t, check.Admitted)
	check, err = f.breakers.Check(ctx, scope, "exec-a", true)
	require.NoError(t, err)
	assert.True(t, check.Admitted)

	require.NoError(t, f.breakers.RecordSuccess(ctx, scope, "exec-a"))
	b, err = f.store.GetBreaker(ctx, scope.Scope, scope.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakerStateClosed, b.State)
	assert.Zero(t, b.FailureCount)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()
	scope := BreakerScope{Scope: models.BreakerScopeServer, ScopeID: "srv-1"}

	for i := 0; i < 3; i++ {
		require.NoError(t, f.breakers.RecordFailure(ctx, scope, "exec"))
	}
	f.clock.Advance(16 * time.Minute)
	check, err := f.breakers.Check(ctx, scope, "trial", true)
	require.NoError(t, err)
	require.True(t, check.Admitted)

	require.NoError(t, f.breakers.RecordFailure(ctx, scope, "trial"))
	b, err := f.store.GetBreaker(ctx, scope.Scope, scope.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakerStateOpen, b.State)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *b.ClosesAt)
}

func TestBreakerFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()
	scope := BreakerScope{Scope: models.BreakerScopeRunbook, ScopeID: "rb-1"}

	require.NoError(t, f.breakers.RecordFailure(ctx, scope, "e1"))
	require.NoError(t, f.breakers.RecordFailure(ctx, scope, "e2"))
	f.clock.Advance(31 * time.Minute)
	require.NoError(t, f.breakers.RecordFailure(ctx, scope, "e3"))

	b, err := f.store.GetBreaker(ctx, scope.Scope, scope.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, models.BreakerStateClosed, b.State)
	assert.Equal(t, 1, b.FailureCount)
}

func TestBreakerManualOverride(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()
	scope := BreakerScope{Scope: models.BreakerScopeGlobal, ScopeID: models.GlobalScopeID}

	b, err := f.breakers.ManualOpen(ctx, scope, "incident freeze", "alice")
	require.NoError(t, err)
	assert.True(t, b.ManuallyOpened)

	// 人工打开不受时间影响
	f.clock.Advance(24 * time.Hour)
	check, err := f.breakers.Check(ctx, scope, "e1", true)
	require.NoError(t, err)
	assert.False(t, check.Admitted)

	b, err = f.breakers.ManualClear(ctx, scope, "bob")
	require.NoError(t, err)
	assert.False(t, b.ManuallyOpened)
	assert.Equal(t, models.BreakerStateClosed, b.State)

	_, err = f.breakers.ManualClear(ctx, BreakerScope{Scope: models.BreakerScopeServer, ScopeID: "none"}, "bob")
	assert.Error(t, err)
	_, err = f.breakers.ManualOpen(ctx, BreakerScope{Scope: "cluster", ScopeID: "x"}, "", "bob")
	assert.Error(t, err)
}

func TestBreakerReleaseTrial(t *testing.T) {
	f := newGateFixture(t, 0)
	ctx := context.Background()
	scope := BreakerScope{Scope: models.BreakerScopeRunbook, ScopeID: "rb-1"}

	for i := 0; i < 3; i++ {
		require.NoError(t, f.breakers.RecordFailure(ctx, scope, "exec"))
	}
	f.clock.Advance(20 * time.Minute)
	check, err := f.breakers.Check(ctx, scope, "trial-1", true)
	require.NoError(t, err)
	require.True(t, check.Claimed)

	require.NoError(t, f.breakers.ReleaseTrial(ctx, scope, "trial-1"))
	check, err = f.breakers.Check(ctx, scope, "trial-2", true)
	require.NoError(t, err)
	assert.True(t, check.Admitted)
	assert.True(t, check.Claimed)
}
