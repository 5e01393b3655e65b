package services

import (
	"context"
	"testing"
	"time"

	"arp/internal/models"
	apperrors "arp/pkg/errors"
	"arp/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverReconcilesLeftoverExecutions(t *testing.T) {
	f := newExecFixture(t)
	sched := newTestScheduler(f)
	ctx := context.Background()
	rb := f.addRunbook(t, "rotate-logs", commandStep(1, "logrotate -f /etc/logrotate.conf"))

	serverScope := BreakerScope{Scope: models.BreakerScopeServer, ScopeID: f.server.ID}
	runbookScope := BreakerScope{Scope: models.BreakerScopeRunbook, ScopeID: rb.ID}
	for _, scope := range []BreakerScope{serverScope, runbookScope} {
		for i := 0; i < 3; i++ {
			require.NoError(t, f.breakers.RecordFailure(ctx, scope, "old"))
		}
	}
	f.clock.Advance(15 * time.Minute)

	job, err := sched.CreateJob(ctx, &models.ScheduledJob{
		Name:            "rotate",
		RunbookID:       rb.ID,
		ScheduleType:    models.ScheduleTypeInterval,
		IntervalSeconds: 60,
		TargetServerID:  f.server.ID,
		MaxInstances:    1,
		Enabled:         true,
	}, "alice")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	sched.Tick(ctx)
	execs := f.jobExecutions(t, job.ID)
	require.Len(t, execs, 1)
	stuck := execs[0]

	// 进程在执行中途退出：执行停在 running，服务器熔断器的试探名额仍被占用
	check, err := f.breakers.Check(ctx, serverScope, stuck.ID, true)
	require.NoError(t, err)
	require.True(t, check.Claimed)
	check, err = f.breakers.Check(ctx, runbookScope, "vanished-exec", true)
	require.NoError(t, err)
	require.True(t, check.Claimed)
	_, err = f.store.TransitionExecution(ctx, stuck.ID, []string{models.ExecutionStatusPending}, func(e *models.RunbookExecution) {
		now := f.clock.Now()
		e.Status = models.ExecutionStatusRunning
		e.StartedAt = &now
	})
	require.NoError(t, err)
	waiting := f.create(t, rb)

	// 重启后内存队列为空
	restarted := queue.NewMemoryQueue(16)
	f.svc.queue = restarted
	f.clock.Advance(48 * time.Hour)

	result, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{Interrupted: 1, Requeued: 1, TrialsReleased: 1}, result)

	got, err := f.svc.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Equal(t, string(apperrors.KindStepFailure), got.ErrorKind)
	assert.Equal(t, InterruptedMessage, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	for _, scope := range []BreakerScope{serverScope, runbookScope} {
		b, err := f.store.GetBreaker(ctx, scope.Scope, scope.ScopeID)
		require.NoError(t, err)
		assert.Empty(t, b.TrialExecutionID, scope.String())
	}

	active, err := f.store.CountActiveByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, active)
	gotJob, err := sched.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, gotJob.LastRunStatus)
	assert.Equal(t, int64(1), gotJob.FailureCount)

	msg, err := restarted.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, waiting.ID, msg.ExecutionID)

	// 重新入队的执行可以正常运行，重复消息不会再次执行
	done := f.run(t, waiting.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	require.NoError(t, f.svc.Run(ctx, waiting.ID))
	assert.Len(t, f.runner.Commands(), 1)

	sched.Tick(ctx)
	assert.Len(t, f.jobExecutions(t, job.ID), 2)
}

func TestRecoverWithNothingToDo(t *testing.T) {
	f := newExecFixture(t)
	rb := f.addRunbook(t, "noop", commandStep(1, "uptime"))
	f.run(t, f.create(t, rb).ID)

	result, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &RecoveryResult{}, result)
}
