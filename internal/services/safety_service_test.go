package services

import (
	"context"
	"testing"
	"time"

	"arp/internal/models"
	apperrors "arp/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicyService(g *gateFixture) *SafetyPolicyService {
	return NewSafetyPolicyService(g.store, g.store, NewCommandValidator(g.store), g.gate, g.limiter)
}

func TestSafetyEvaluateDoesNotConsumeQuota(t *testing.T) {
	g := newGateFixture(t, 0)
	svc := newTestPolicyService(g)
	ctx := context.Background()

	rb := &models.Runbook{Name: "restart", Enabled: true, MaxExecutionsPerHour: 1, Steps: []models.RunbookStep{commandStep(1, "uptime")}}
	require.NoError(t, g.store.CreateRunbook(ctx, rb))

	for i := 0; i < 3; i++ {
		res, err := svc.Evaluate(ctx, EvaluateRequest{RunbookID: rb.ID})
		require.NoError(t, err)
		assert.True(t, res.Admitted)
		assert.Equal(t, GatePhaseDispatch, res.Phase)
		assert.Equal(t, 0, res.Usage[models.RateScopeRunbook])
	}

	_, err := svc.CreatePattern(ctx, &models.CommandPattern{
		ListType:    models.PatternListBlock,
		PatternType: models.PatternTypeContains,
		Pattern:     "rm -rf /",
		Enabled:     true,
	})
	require.NoError(t, err)

	res, err := svc.Evaluate(ctx, EvaluateRequest{RunbookID: rb.ID, Command: "rm -rf / --no-preserve-root"})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, GatePhaseStep, res.Phase)
	assert.Equal(t, "command", res.Check)

	_, err = svc.Evaluate(ctx, EvaluateRequest{RunbookID: "missing"})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestSafetyEvaluateReportsBlackout(t *testing.T) {
	g := newGateFixture(t, 0)
	svc := newTestPolicyService(g)
	ctx := context.Background()

	rb := &models.Runbook{Name: "restart", Enabled: true, Steps: []models.RunbookStep{commandStep(1, "uptime")}}
	require.NoError(t, g.store.CreateRunbook(ctx, rb))
	_, err := svc.CreateBlackoutWindow(ctx, &models.BlackoutWindow{
		Name:           "nightly",
		WindowType:     models.BlackoutRecurring,
		DailyStartTime: "02:00",
		DailyEndTime:   "04:00",
		Timezone:       "UTC",
		Enabled:        true,
	}, "alice")
	require.NoError(t, err)

	g.clock.Set(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	res, err := svc.Evaluate(ctx, EvaluateRequest{RunbookID: rb.ID})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, "blackout", res.Check)
}

func TestSafetyPolicyValidation(t *testing.T) {
	g := newGateFixture(t, 0)
	svc := newTestPolicyService(g)
	ctx := context.Background()

	_, err := svc.CreatePattern(ctx, &models.CommandPattern{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, Pattern: "("})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput))

	_, err = svc.CreateBlackoutWindow(ctx, &models.BlackoutWindow{Name: "bad", WindowType: models.BlackoutRecurring, DailyStartTime: "25:00", DailyEndTime: "04:00"}, "alice")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput))

	p, err := svc.CreatePattern(ctx, &models.CommandPattern{ListType: models.PatternListAllow, PatternType: models.PatternTypeRegex, Pattern: `^systemctl (status|restart) \w+$`, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, models.OSAny, p.OSType)

	verdict, err := svc.ValidateCommand(ctx, "systemctl restart nginx", "")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	verdict, err = svc.ValidateCommand(ctx, "reboot", models.OSLinux)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, ReasonNotAllowlisted, verdict.Reason)
}
