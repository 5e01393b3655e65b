package services

import (
	"context"
	"testing"
	"time"

	"arp/internal/models"
	"arp/internal/repository"
	apperrors "arp/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(f *execFixture) *SchedulerService {
	s := NewSchedulerService(f.store, f.svc, time.Second)
	s.now = f.clock.Now
	return s
}

func (f *execFixture) jobExecutions(t *testing.T, jobID string) []models.RunbookExecution {
	t.Helper()
	items, _, err := f.store.ListExecutions(context.Background(), repository.ExecutionFilter{ScheduledJobID: jobID}, nil)
	require.NoError(t, err)
	return items
}

func TestSchedulerMisfireFiresOnce(t *testing.T) {
	f := newExecFixture(t)
	sched := newTestScheduler(f)
	ctx := context.Background()
	rb := f.addRunbook(t, "rotate-logs", commandStep(1, "logrotate -f /etc/logrotate.conf"))

	job, err := sched.CreateJob(ctx, &models.ScheduledJob{
		Name:            "rotate",
		RunbookID:       rb.ID,
		ScheduleType:    models.ScheduleTypeInterval,
		IntervalSeconds: 60,
		TargetServerID:  f.server.ID,
		Enabled:         true,
	}, "alice")
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(f.clock.Now().Add(time.Minute)))
	assert.Equal(t, 300, job.MisfireGraceSeconds)

	// 停机一小时，错过了约 60 次触发
	f.clock.Advance(time.Hour)
	sched.Tick(ctx)
	sched.Tick(ctx)

	execs := f.jobExecutions(t, job.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionModeScheduled, execs[0].ExecutionMode)
	assert.Equal(t, f.server.ID, execs[0].ServerID)

	got, err := sched.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.True(t, got.NextRunAt.Equal(f.clock.Now().Add(time.Minute)), "next=%v", got.NextRunAt)
}

func TestSchedulerMaxInstancesSkips(t *testing.T) {
	f := newExecFixture(t)
	sched := newTestScheduler(f)
	ctx := context.Background()
	rb := f.addRunbook(t, "check-disk", commandStep(1, "df -h"))

	job, err := sched.CreateJob(ctx, &models.ScheduledJob{
		Name:            "disk",
		RunbookID:       rb.ID,
		ScheduleType:    models.ScheduleTypeInterval,
		IntervalSeconds: 60,
		TargetServerID:  f.server.ID,
		Enabled:         true,
	}, "alice")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	sched.Tick(ctx)
	execs := f.jobExecutions(t, job.ID)
	require.Len(t, execs, 1)

	// 上一次尚未运行完，本次跳过
	f.clock.Advance(time.Minute)
	sched.Tick(ctx)
	assert.Len(t, f.jobExecutions(t, job.ID), 1)
	got, _ := sched.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobRunStatusSkipped, got.LastRunStatus)
	assert.Equal(t, int64(1), got.RunCount)

	done := f.run(t, execs[0].ID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	got, _ = sched.GetJob(ctx, job.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, got.LastRunStatus)

	f.clock.Advance(time.Minute)
	sched.Tick(ctx)
	assert.Len(t, f.jobExecutions(t, job.ID), 2)
	got, _ = sched.GetJob(ctx, job.ID)
	assert.Equal(t, int64(2), got.RunCount)
	assert.Equal(t, int64(0), got.FailureCount)
}

func TestSchedulerDateJobFiresOnce(t *testing.T) {
	f := newExecFixture(t)
	sched := newTestScheduler(f)
	ctx := context.Background()
	rb := f.addRunbook(t, "one-off", commandStep(1, "uptime"))

	runAt := f.clock.Now().Add(10 * time.Minute)
	job, err := sched.CreateJob(ctx, &models.ScheduledJob{
		Name:           "once",
		RunbookID:      rb.ID,
		ScheduleType:   models.ScheduleTypeDate,
		RunAt:          &runAt,
		TargetServerID: f.server.ID,
		Enabled:        true,
	}, "alice")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	sched.Tick(ctx)
	f.clock.Advance(time.Hour)
	sched.Tick(ctx)

	assert.Len(t, f.jobExecutions(t, job.ID), 1)
	got, _ := sched.GetJob(ctx, job.ID)
	assert.Nil(t, got.NextRunAt)
}

func TestSchedulerCronUsesTimezone(t *testing.T) {
	f := newExecFixture(t)
	sched := newTestScheduler(f)
	rb := f.addRunbook(t, "morning", commandStep(1, "uptime"))

	// 时钟为 UTC 05:00，即上海 13:00
	job, err := sched.CreateJob(context.Background(), &models.ScheduledJob{
		Name:           "morning",
		RunbookID:      rb.ID,
		ScheduleType:   models.ScheduleTypeCron,
		CronExpression: "0 9 * * *",
		Timezone:       "Asia/Shanghai",
		TargetServerID: f.server.ID,
		Enabled:        true,
	}, "alice")
	require.NoError(t, err)
	assert.True(t, job.NextRunAt.Equal(time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)), "next=%v", job.NextRunAt)
}

func TestSchedulerRejectsInvalidDefinitions(t *testing.T) {
	f := newExecFixture(t)
	sched := newTestScheduler(f)
	rb := f.addRunbook(t, "noop", commandStep(1, "true"))
	past := f.clock.Now().Add(-time.Minute)

	cases := map[string]models.ScheduledJob{
		"bad cron":      {ScheduleType: models.ScheduleTypeCron, CronExpression: "61 * * * *"},
		"zero interval": {ScheduleType: models.ScheduleTypeInterval},
		"past date":     {ScheduleType: models.ScheduleTypeDate, RunAt: &past},
		"missing date":  {ScheduleType: models.ScheduleTypeDate},
		"bad timezone":  {ScheduleType: models.ScheduleTypeInterval, IntervalSeconds: 60, Timezone: "Mars/Olympus"},
		"unknown type":  {ScheduleType: "weekly"},
	}
	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			job.Name = name
			job.RunbookID = rb.ID
			job.Enabled = true
			_, err := sched.CreateJob(context.Background(), &job, "alice")
			assert.True(t, apperrors.Is(err, apperrors.KindSchedulingError), "%v", err)
		})
	}
}
