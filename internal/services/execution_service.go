package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"arp/internal/metrics"
	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/connector"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"
	"arp/pkg/pagination"
	"arp/pkg/queue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TargetResolver 将服务器解析为可连接的目标
type TargetResolver interface {
	Resolve(server *models.Server) (connector.Target, error)
}

// ExecutionRequest 创建执行的参数
type ExecutionRequest struct {
	RunbookID      string                 `json:"-"`
	ServerID       string                 `json:"server_id"`
	Variables      map[string]interface{} `json:"variables"`
	DryRun         bool                   `json:"dry_run"`
	Mode           string                 `json:"-"`
	RequestedBy    string                 `json:"-"`
	Alert          *models.Alert          `json:"-"`
	TriggerID      string                 `json:"-"`
	ScheduledJobID string                 `json:"-"`
}

// AlertResult 告警处理结果；Execution 为空表示没有匹配的触发器
type AlertResult struct {
	Matched   bool                     `json:"matched"`
	RunbookID string                   `json:"runbook_id,omitempty"`
	TriggerID string                   `json:"trigger_id,omitempty"`
	Execution *models.RunbookExecution `json:"execution,omitempty"`
}

// ExecutionService 执行编排：创建、审批、取消以及按状态机运行
type ExecutionService struct {
	store       repository.Store
	gate        *SafetyGate
	breakers    *CircuitBreakerService
	executor    *StepExecutor
	targets     TargetResolver
	matcher     *TriggerMatcher
	queue       queue.ExecutionQueue
	events      EventSink
	stepTimeout int
	// 审批超时默认值（分钟），运维手册未配置时使用
	approvalTimeout int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *logrus.Logger
}

// ExecutionServiceOptions 编排服务依赖
type ExecutionServiceOptions struct {
	Store                  repository.Store
	Gate                   *SafetyGate
	Breakers               *CircuitBreakerService
	Executor               *StepExecutor
	Targets                TargetResolver
	Matcher                *TriggerMatcher
	Queue                  queue.ExecutionQueue
	Events                 EventSink
	DefaultApprovalTimeout int
	DefaultStepTimeout     int
}

// NewExecutionService 创建执行编排服务
func NewExecutionService(opts ExecutionServiceOptions) *ExecutionService {
	events := opts.Events
	if events == nil {
		events = NewLogSink()
	}
	approvalTimeout := opts.DefaultApprovalTimeout
	if approvalTimeout <= 0 {
		approvalTimeout = 30
	}
	return &ExecutionService{
		store:           opts.Store,
		gate:            opts.Gate,
		breakers:        opts.Breakers,
		executor:        opts.Executor,
		targets:         opts.Targets,
		matcher:         opts.Matcher,
		queue:           opts.Queue,
		events:          events,
		stepTimeout:     opts.DefaultStepTimeout,
		approvalTimeout: approvalTimeout,
		now:             time.Now,
		sleep:           sleepContext,
		log:             logger.GetLogger(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newApprovalToken URL 安全的随机审批令牌
func newApprovalToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成审批令牌失败: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateExecution 快照运维手册并创建执行；需要审批时进入 pending_approval，否则入队
func (s *ExecutionService) CreateExecution(ctx context.Context, req ExecutionRequest) (*models.RunbookExecution, error) {
	rb, err := s.store.GetRunbook(ctx, req.RunbookID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("运维手册不存在")
		}
		return nil, fmt.Errorf("查询运维手册失败: %v", err)
	}
	if !rb.Enabled {
		return nil, apperrors.InvalidState("运维手册已禁用")
	}
	if req.Mode == "" {
		req.Mode = models.ExecutionModeManual
	}
	if req.ServerID == "" && req.Alert != nil {
		req.ServerID = req.Alert.ServerID
	}

	var server *models.Server
	if req.ServerID != "" {
		server, err = s.store.GetServer(ctx, req.ServerID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apperrors.InvalidInput("目标服务器不存在")
			}
			return nil, fmt.Errorf("查询服务器失败: %v", err)
		}
		if !server.Enabled {
			return nil, apperrors.InvalidState("目标服务器已禁用")
		}
		if rb.TargetOSFilter != "" && rb.TargetOSFilter != models.OSAny && rb.TargetOSFilter != server.OSType {
			return nil, apperrors.InvalidInput(fmt.Sprintf("运维手册仅适用于 %s，目标服务器为 %s", rb.TargetOSFilter, server.OSType))
		}
	} else {
		for _, step := range rb.Steps {
			if step.StepType == models.StepTypeCommand {
				return nil, apperrors.InvalidInput("包含命令步骤的运维手册必须指定 server_id")
			}
		}
	}

	snapshot, err := models.NewRunbookSnapshot(rb)
	if err != nil {
		return nil, err
	}

	now := s.now()
	exec := &models.RunbookExecution{
		BaseModel:       models.BaseModel{ID: uuid.New().String()},
		RunbookID:       rb.ID,
		RunbookName:     rb.Name,
		RunbookVersion:  rb.Version,
		RunbookSnapshot: snapshot,
		ServerID:        req.ServerID,
		TriggerID:       req.TriggerID,
		ScheduledJobID:  req.ScheduledJobID,
		ExecutionMode:   req.Mode,
		RequestedBy:     req.RequestedBy,
		Status:          models.ExecutionStatusPending,
		DryRun:          req.DryRun,
		QueuedAt:        now,
		StepsTotal:      len(rb.Steps),
	}
	if req.Alert != nil {
		exec.AlertID = req.Alert.ID
	}
	exec.Variables = initialVariables(exec, server, req)

	// 人工发起之外，未开启自动执行的告警触发同样需要审批
	needsApproval := rb.ApprovalRequired || (req.Mode == models.ExecutionModeAutomatic && !rb.AutoExecute)
	var token string
	if needsApproval {
		token, err = newApprovalToken()
		if err != nil {
			return nil, err
		}
		timeout := rb.ApprovalTimeoutMinutes
		if timeout <= 0 {
			timeout = s.approvalTimeout
		}
		expires := now.Add(time.Duration(timeout) * time.Minute)
		exec.Status = models.ExecutionStatusPendingApproval
		exec.ApprovalToken = &token
		exec.ApprovalRequestedAt = &now
		exec.ApprovalExpiresAt = &expires
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("创建执行记录失败: %v", err)
	}
	s.log.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"runbook_id":   rb.ID,
		"mode":         exec.ExecutionMode,
		"status":       exec.Status,
		"dry_run":      exec.DryRun,
	}).Info("创建执行")
	s.publish(ctx, exec, EventQueued, "")
	if exec.ScheduledJobID != "" {
		// 先于入队写入，保证 worker 回写的最终状态不会被覆盖
		if err := s.store.MarkJobFired(ctx, exec.ScheduledJobID, now, exec.ID, exec.Status); err != nil {
			s.log.WithField("job_id", exec.ScheduledJobID).Warnf("更新定时任务触发记录失败: %v", err)
		}
	}

	if needsApproval {
		metrics.ApprovalsTotal.WithLabelValues("requested").Inc()
		evt := s.event(exec, EventApprovalRequested, fmt.Sprintf("审批将于 %s 过期", exec.ApprovalExpiresAt.Format(time.RFC3339)))
		evt.ApprovalToken = token
		s.events.Publish(ctx, evt)
		return exec, nil
	}
	if err := s.enqueue(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// initialVariables 执行的初始变量：告警、服务器、执行信息以及调用方传入的变量
func initialVariables(exec *models.RunbookExecution, server *models.Server, req ExecutionRequest) map[string]interface{} {
	vars := map[string]interface{}{
		"execution": map[string]interface{}{
			"id":   exec.ID,
			"mode": exec.ExecutionMode,
		},
		"runbook": map[string]interface{}{
			"id":      exec.RunbookID,
			"name":    exec.RunbookName,
			"version": exec.RunbookVersion,
		},
	}
	if req.Alert != nil {
		vars["alert"] = req.Alert.TemplateContext()
	}
	if server != nil {
		vars["server"] = map[string]interface{}{
			"id":          server.ID,
			"name":        server.Name,
			"hostname":    server.Hostname,
			"port":        server.Port,
			"os_type":     server.OSType,
			"environment": server.Environment,
		}
	}
	for k, v := range req.Variables {
		vars[k] = v
	}
	return vars
}

func (s *ExecutionService) enqueue(ctx context.Context, exec *models.RunbookExecution) error {
	msg := queue.ExecutionMessage{
		ExecutionID: exec.ID,
		RunbookID:   exec.RunbookID,
		Mode:        exec.ExecutionMode,
		Created:     s.now().Unix(),
	}
	if err := s.queue.Push(ctx, msg); err != nil {
		// 入队失败直接结束，避免执行永久停留在 pending
		s.failBeforeStart(ctx, exec, string(apperrors.KindQueueError), fmt.Sprintf("queue_error: %v", err))
		return fmt.Errorf("执行入队失败: %v", err)
	}
	if n, err := s.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	return nil
}

// HandleAlert 匹配触发器并以 automatic 模式创建执行
func (s *ExecutionService) HandleAlert(ctx context.Context, alert *models.Alert) (*AlertResult, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	candidate, err := s.matcher.Match(ctx, alert)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		s.log.WithField("alert", alert.Name).Debug("告警未匹配任何触发器")
		return &AlertResult{Matched: false}, nil
	}

	exec, err := s.CreateExecution(ctx, ExecutionRequest{
		RunbookID:   candidate.Runbook.ID,
		ServerID:    alert.ServerID,
		Mode:        models.ExecutionModeAutomatic,
		RequestedBy: "alert:" + alert.Name,
		Alert:       alert,
		TriggerID:   candidate.Trigger.ID,
	})
	if err != nil {
		return nil, err
	}
	return &AlertResult{
		Matched:   true,
		RunbookID: candidate.Runbook.ID,
		TriggerID: candidate.Trigger.ID,
		Execution: exec,
	}, nil
}

// Approve 校验令牌、有效期和审批角色后放行并入队。令牌只能使用一次
func (s *ExecutionService) Approve(ctx context.Context, token, actor string, roles []string) (*models.RunbookExecution, error) {
	exec, err := s.pendingByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	rb, err := exec.Snapshot()
	if err != nil {
		return nil, err
	}
	if len(rb.ApprovalRoles) > 0 && !intersects(rb.ApprovalRoles, roles) {
		return nil, apperrors.Forbidden("当前角色无权审批该运维手册")
	}

	approved, err := s.store.TransitionExecution(ctx, exec.ID, []string{models.ExecutionStatusPendingApproval}, func(e *models.RunbookExecution) {
		now := s.now()
		e.Status = models.ExecutionStatusApproved
		e.ApprovedBy = actor
		e.ApprovedAt = &now
		e.ApprovalToken = nil
	})
	if err != nil {
		return nil, s.transitionError(err, "审批")
	}
	metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
	s.log.WithFields(logrus.Fields{"execution_id": exec.ID, "actor": actor}).Info("执行已审批")
	s.publish(ctx, approved, EventApproved, "approved by "+actor)

	if err := s.enqueue(ctx, approved); err != nil {
		return nil, err
	}
	return approved, nil
}

// Reject 拒绝待审批的执行
func (s *ExecutionService) Reject(ctx context.Context, token, actor, reason string) (*models.RunbookExecution, error) {
	exec, err := s.pendingByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by " + actor
	}
	rejected, err := s.store.TransitionExecution(ctx, exec.ID, []string{models.ExecutionStatusPendingApproval}, func(e *models.RunbookExecution) {
		now := s.now()
		e.Status = models.ExecutionStatusRejected
		e.CompletedAt = &now
		e.RejectedBy = actor
		e.RejectionReason = reason
		e.ApprovalToken = nil
	})
	if err != nil {
		return nil, s.transitionError(err, "拒绝")
	}
	metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
	metrics.ExecutionsTotal.WithLabelValues(rejected.Status, rejected.ExecutionMode).Inc()
	s.publish(ctx, rejected, EventRejected, reason)
	s.finishJob(ctx, rejected)
	return rejected, nil
}

// pendingByToken 按令牌查找待审批执行；已过期的在此处直接按超时拒绝
func (s *ExecutionService) pendingByToken(ctx context.Context, token string) (*models.RunbookExecution, error) {
	if token == "" {
		return nil, apperrors.InvalidInput("缺少审批令牌")
	}
	exec, err := s.store.GetExecutionByApprovalToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("审批令牌无效或已使用")
		}
		return nil, fmt.Errorf("查询审批令牌失败: %v", err)
	}
	if exec.Status != models.ExecutionStatusPendingApproval {
		return nil, apperrors.InvalidState("执行不在待审批状态: " + exec.Status)
	}
	if exec.ApprovalExpiresAt != nil && !s.now().Before(*exec.ApprovalExpiresAt) {
		s.expire(ctx, exec)
		return nil, apperrors.InvalidState("审批已过期")
	}
	return exec, nil
}

// ExpireApprovals 将超过审批期限的执行置为 rejected，返回处理数量
func (s *ExecutionService) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredApprovals(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("查询过期审批失败: %v", err)
	}
	n := 0
	for i := range expired {
		if s.expire(ctx, &expired[i]) {
			n++
		}
	}
	return n, nil
}

func (s *ExecutionService) expire(ctx context.Context, exec *models.RunbookExecution) bool {
	rejected, err := s.store.TransitionExecution(ctx, exec.ID, []string{models.ExecutionStatusPendingApproval}, func(e *models.RunbookExecution) {
		now := s.now()
		e.Status = models.ExecutionStatusRejected
		e.CompletedAt = &now
		e.ErrorKind = string(apperrors.KindApprovalTimeout)
		e.ErrorMessage = string(apperrors.KindApprovalTimeout)
		e.RejectionReason = string(apperrors.KindApprovalTimeout)
		e.ApprovalToken = nil
	})
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			s.log.WithField("execution_id", exec.ID).Warnf("审批超时处理失败: %v", err)
		}
		return false
	}
	metrics.ApprovalsTotal.WithLabelValues("timeout").Inc()
	metrics.ExecutionsTotal.WithLabelValues(rejected.Status, rejected.ExecutionMode).Inc()
	s.log.WithField("execution_id", exec.ID).Warn("审批超时，执行已自动拒绝")
	s.publish(ctx, rejected, EventRejected, string(apperrors.KindApprovalTimeout))
	s.finishJob(ctx, rejected)
	return true
}

// Cancel 取消执行。运行中的执行只设置标记，由运行方在步骤之间处理
func (s *ExecutionService) Cancel(ctx context.Context, id, actor string) (*models.RunbookExecution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("执行不存在")
		}
		return nil, err
	}
	if models.IsTerminalStatus(exec.Status) {
		return nil, apperrors.InvalidState("执行已结束: " + exec.Status)
	}

	if exec.Status != models.ExecutionStatusRunning {
		cancelled, err := s.store.TransitionExecution(ctx, id, []string{
			models.ExecutionStatusPending,
			models.ExecutionStatusPendingApproval,
			models.ExecutionStatusApproved,
		}, func(e *models.RunbookExecution) {
			now := s.now()
			e.Status = models.ExecutionStatusCancelled
			e.CompletedAt = &now
			e.CancelRequested = true
			e.CancelledBy = actor
			e.ErrorKind = string(apperrors.KindCancelled)
			e.ErrorMessage = "cancelled: by " + actor
			e.ApprovalToken = nil
		})
		if err == nil {
			metrics.ExecutionsTotal.WithLabelValues(cancelled.Status, cancelled.ExecutionMode).Inc()
			s.publish(ctx, cancelled, EventCancelled, "cancelled by "+actor)
			s.finishJob(ctx, cancelled)
			return cancelled, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		// 状态已被并发迁移（通常是刚开始运行），按运行中处理
	}

	if err := s.store.RequestCancel(ctx, id, actor); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperrors.InvalidState("执行状态已变化，无法取消")
		}
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"execution_id": id, "actor": actor}).Info("已请求取消执行")
	return s.store.GetExecution(ctx, id)
}

// Get 执行详情，包含全部步骤尝试
func (s *ExecutionService) Get(ctx context.Context, id string) (*models.RunbookExecution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("执行不存在")
		}
		return nil, err
	}
	steps, err := s.store.ListStepExecutions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("查询步骤记录失败: %v", err)
	}
	exec.StepExecutions = steps
	return exec, nil
}

// List 分页查询执行记录
func (s *ExecutionService) List(ctx context.Context, filter repository.ExecutionFilter, page *pagination.PageParams) ([]models.RunbookExecution, int64, error) {
	return s.store.ListExecutions(ctx, filter, page)
}

func (s *ExecutionService) transitionError(err error, action string) error {
	if errors.Is(err, repository.ErrConflict) {
		return apperrors.InvalidState(action + "失败：执行状态已变化")
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound("执行不存在")
	}
	return fmt.Errorf("%s失败: %v", action, err)
}

// finishJob 定时任务触发的执行结束后回写任务统计
func (s *ExecutionService) finishJob(ctx context.Context, exec *models.RunbookExecution) {
	if exec.ScheduledJobID == "" {
		return
	}
	failed := exec.Status == models.ExecutionStatusFailed || exec.Status == models.ExecutionStatusRolledBack
	if err := s.store.SetJobRunStatus(ctx, exec.ScheduledJobID, exec.Status, failed); err != nil {
		s.log.WithField("job_id", exec.ScheduledJobID).Warnf("更新定时任务状态失败: %v", err)
	}
}

func (s *ExecutionService) event(exec *models.RunbookExecution, typ, msg string) ExecutionEvent {
	return ExecutionEvent{
		Type:        typ,
		ExecutionID: exec.ID,
		RunbookID:   exec.RunbookID,
		Status:      exec.Status,
		Message:     msg,
		Timestamp:   s.now(),
	}
}

func (s *ExecutionService) publish(ctx context.Context, exec *models.RunbookExecution, typ, msg string) {
	s.events.Publish(ctx, s.event(exec, typ, msg))
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
