package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // 精简镜像中没有系统时区库

	"arp/internal/metrics"
	"arp/internal/models"
	"arp/internal/repository"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"
	"arp/pkg/pagination"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultMisfireGraceSeconds = 300
	defaultJobTimezone         = "UTC"
)

// SchedulerService 定时任务调度
//
// 任务的下次运行时间保存在存储中，调度器按固定间隔轮询到期任务，
// 通过 ClaimJobRun 比较并交换 next_run_at，多实例部署时同一次触发只会被一个实例抢到。
// 同一个轮询周期里顺带清理超时的审批。
type SchedulerService struct {
	store      repository.Store
	executions *ExecutionService
	parser     cron.Parser
	tick       time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	running bool

	now func() time.Time
	log *logrus.Logger
}

// NewSchedulerService 创建调度服务
func NewSchedulerService(store repository.Store, executions *ExecutionService, tick time.Duration) *SchedulerService {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &SchedulerService{
		store:      store,
		executions: executions,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:       tick,
		now:        time.Now,
		log:        logger.GetLogger(),
	}
}

// Start 启动轮询
func (s *SchedulerService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("调度器已经在运行")
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc("@every "+s.tick.String(), func() {
		s.Tick(context.Background())
	}); err != nil {
		return fmt.Errorf("注册调度轮询失败: %v", err)
	}
	s.cron.Start()
	s.running = true

	s.log.WithField("tick", s.tick.String()).Info("定时任务调度器已启动")
	return nil
}

// Stop 停止轮询并等待正在进行的一轮结束
func (s *SchedulerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("定时任务调度器已停止")
}

// Tick 执行一轮调度：先清理超时审批，再触发到期任务
func (s *SchedulerService) Tick(ctx context.Context) {
	now := s.now()

	if n, err := s.executions.ExpireApprovals(ctx); err != nil {
		s.log.Errorf("清理超时审批失败: %v", err)
	} else if n > 0 {
		s.log.WithField("count", n).Info("已自动拒绝超时审批")
	}

	jobs, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		s.log.Errorf("查询到期定时任务失败: %v", err)
		return
	}
	for i := range jobs {
		s.fire(ctx, &jobs[i], now)
	}
}

// fire 抢占并触发一次任务
func (s *SchedulerService) fire(ctx context.Context, job *models.ScheduledJob, now time.Time) {
	log := s.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_name": job.Name,
	})
	scheduled := *job.NextRunAt

	grace := job.MisfireGraceSeconds
	if grace <= 0 {
		grace = defaultMisfireGraceSeconds
	}
	// 错过宽限期只补触发一次，下次时间从当前时刻重新计算
	misfired := now.Sub(scheduled) > time.Duration(grace)*time.Second
	base := scheduled
	if misfired {
		base = now
	}
	next, err := s.nextRun(job, base)
	if err != nil {
		log.Errorf("计算下次运行时间失败，任务停止调度: %v", err)
		next = nil
	}
	if next != nil && !next.After(now) {
		if next, err = s.nextRun(job, now); err != nil {
			next = nil
		}
	}

	claimed, err := s.store.ClaimJobRun(ctx, job.ID, scheduled, next)
	if err != nil {
		metrics.ScheduledFiresTotal.WithLabelValues("error").Inc()
		log.Errorf("抢占定时任务失败: %v", err)
		return
	}
	if !claimed {
		// 其他实例已经处理
		return
	}
	if misfired {
		metrics.ScheduledFiresTotal.WithLabelValues("misfire").Inc()
		log.WithField("scheduled_at", scheduled.Format(time.RFC3339)).Warn("定时任务错过触发时间，补触发一次")
	}

	if job.MaxInstances > 0 {
		active, err := s.store.CountActiveByJob(ctx, job.ID)
		if err != nil {
			metrics.ScheduledFiresTotal.WithLabelValues("error").Inc()
			log.Errorf("统计运行中实例失败: %v", err)
			return
		}
		if active >= int64(job.MaxInstances) {
			metrics.ScheduledFiresTotal.WithLabelValues("skipped").Inc()
			log.WithField("active", active).Warn("运行中实例已达上限，跳过本次触发")
			if err := s.store.SetJobRunStatus(ctx, job.ID, models.JobRunStatusSkipped, false); err != nil {
				log.Warnf("更新定时任务状态失败: %v", err)
			}
			return
		}
	}

	vars := make(map[string]interface{}, len(job.Variables))
	for k, v := range job.Variables {
		vars[k] = v
	}
	exec, err := s.executions.CreateExecution(ctx, ExecutionRequest{
		RunbookID:      job.RunbookID,
		ServerID:       job.TargetServerID,
		Variables:      vars,
		Mode:           models.ExecutionModeScheduled,
		RequestedBy:    "scheduler:" + job.Name,
		ScheduledJobID: job.ID,
	})
	if err != nil {
		metrics.ScheduledFiresTotal.WithLabelValues("error").Inc()
		log.Errorf("定时任务创建执行失败: %v", err)
		if err := s.store.SetJobRunStatus(ctx, job.ID, models.ExecutionStatusFailed, true); err != nil {
			log.Warnf("更新定时任务状态失败: %v", err)
		}
		return
	}
	metrics.ScheduledFiresTotal.WithLabelValues("fired").Inc()
	log.WithField("execution_id", exec.ID).Info("定时任务已触发")
}

// nextRun 计算 after 之后的下一次运行时间；一次性任务触发后返回 nil
func (s *SchedulerService) nextRun(job *models.ScheduledJob, after time.Time) (*time.Time, error) {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return nil, apperrors.SchedulingError("时区无效", err)
	}

	switch job.ScheduleType {
	case models.ScheduleTypeCron:
		sched, err := s.parser.Parse(job.CronExpression)
		if err != nil {
			return nil, apperrors.SchedulingError("cron 表达式无效", err)
		}
		next := sched.Next(after.In(loc))
		if next.IsZero() {
			return nil, apperrors.SchedulingError("cron 表达式没有后续触发时间", nil)
		}
		next = next.UTC()
		return &next, nil
	case models.ScheduleTypeInterval:
		if job.IntervalSeconds <= 0 {
			return nil, apperrors.SchedulingError("interval_seconds 必须大于 0", nil)
		}
		next := after.Add(time.Duration(job.IntervalSeconds) * time.Second).UTC()
		return &next, nil
	case models.ScheduleTypeDate:
		if job.RunAt == nil {
			return nil, apperrors.SchedulingError("一次性任务必须指定 run_at", nil)
		}
		if job.RunAt.After(after) {
			t := job.RunAt.UTC()
			return &t, nil
		}
		return nil, nil
	default:
		return nil, apperrors.SchedulingError(fmt.Sprintf("不支持的调度类型 %q", job.ScheduleType), nil)
	}
}

// prepareJob 填充默认值、校验调度定义并计算首次运行时间
func (s *SchedulerService) prepareJob(ctx context.Context, job *models.ScheduledJob) error {
	if job.Name == "" {
		return apperrors.InvalidInput("任务名称不能为空")
	}
	if job.Timezone == "" {
		job.Timezone = defaultJobTimezone
	}
	if job.MaxInstances <= 0 {
		job.MaxInstances = 1
	}
	if job.MisfireGraceSeconds <= 0 {
		job.MisfireGraceSeconds = defaultMisfireGraceSeconds
	}

	if _, err := s.store.GetRunbook(ctx, job.RunbookID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.InvalidInput("运维手册不存在")
		}
		return fmt.Errorf("查询运维手册失败: %v", err)
	}
	if job.TargetServerID != "" {
		if _, err := s.store.GetServer(ctx, job.TargetServerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return apperrors.InvalidInput("目标服务器不存在")
			}
			return fmt.Errorf("查询服务器失败: %v", err)
		}
	}

	now := s.now()
	next, err := s.nextRun(job, now)
	if err != nil {
		return err
	}
	if job.ScheduleType == models.ScheduleTypeDate && next == nil {
		return apperrors.SchedulingError("run_at 已经过去", nil)
	}
	if !job.Enabled {
		next = nil
	}
	job.NextRunAt = next
	return nil
}

// CreateJob 创建定时任务，调度定义非法时返回 scheduling_error
func (s *SchedulerService) CreateJob(ctx context.Context, job *models.ScheduledJob, actor string) (*models.ScheduledJob, error) {
	if err := s.prepareJob(ctx, job); err != nil {
		return nil, err
	}
	job.ID = uuid.New().String()
	job.CreatedBy = actor
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("创建定时任务失败: %v", err)
	}

	s.log.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"type":        job.ScheduleType,
		"next_run_at": job.NextRunAt,
	}).Info("创建定时任务")
	return job, nil
}

// UpdateJob 更新调度定义并重新计算下次运行时间，运行统计保持不变
func (s *SchedulerService) UpdateJob(ctx context.Context, id string, job *models.ScheduledJob) (*models.ScheduledJob, error) {
	existing, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.prepareJob(ctx, job); err != nil {
		return nil, err
	}

	job.BaseModel = existing.BaseModel
	job.CreatedBy = existing.CreatedBy
	job.LastRunAt = existing.LastRunAt
	job.LastRunStatus = existing.LastRunStatus
	job.LastExecutionID = existing.LastExecutionID
	job.RunCount = existing.RunCount
	job.FailureCount = existing.FailureCount
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("更新定时任务失败: %v", err)
	}
	return job, nil
}

// GetJob 获取定时任务
func (s *SchedulerService) GetJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("定时任务不存在")
		}
		return nil, fmt.Errorf("查询定时任务失败: %v", err)
	}
	return job, nil
}

// ListJobs 分页列出定时任务
func (s *SchedulerService) ListJobs(ctx context.Context, page *pagination.PageParams) ([]models.ScheduledJob, int64, error) {
	return s.store.ListJobs(ctx, page)
}

// DeleteJob 删除定时任务，已创建的执行不受影响
func (s *SchedulerService) DeleteJob(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("定时任务不存在")
		}
		return fmt.Errorf("删除定时任务失败: %v", err)
	}
	return nil
}
