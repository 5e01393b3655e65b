package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"arp/internal/metrics"
	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/connector"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// runState 一次运行过程中的可变状态
type runState struct {
	exec      *models.RunbookExecution
	runbook   *models.Runbook
	server    *models.Server
	target    *connector.Target
	targetErr error
	vars      map[string]interface{}
	succeeded []models.RunbookStep

	completed int
	failed    int
	skipped   int

	errorKind    string
	errorMessage string
	cancelled    bool
	cancelledBy  string
	rollbackRan  bool
}

// Run 运行一个已入队的执行：派发闸门、顺序执行步骤、失败回滚并记录结果
func (s *ExecutionService) Run(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("查询执行失败: %v", err)
	}
	log := s.log.WithFields(logrus.Fields{"execution_id": exec.ID, "runbook_id": exec.RunbookID})
	if exec.Status != models.ExecutionStatusPending && exec.Status != models.ExecutionStatusApproved {
		log.WithField("status", exec.Status).Info("执行不处于可运行状态，跳过")
		return nil
	}

	rb, err := exec.Snapshot()
	if err != nil {
		s.failBeforeStart(ctx, exec, "", err.Error())
		return err
	}
	st := &runState{exec: exec, runbook: rb, vars: copyVars(exec.Variables)}
	if exec.ServerID != "" {
		st.server, err = s.store.GetServer(ctx, exec.ServerID)
		if err != nil {
			s.failBeforeStart(ctx, exec, "", fmt.Sprintf("加载目标服务器失败: %v", err))
			return nil
		}
	}

	// 派发闸门
	gc := GateContext{
		ExecutionID:          exec.ID,
		RunbookID:            exec.RunbookID,
		ServerID:             exec.ServerID,
		ExecutionMode:        exec.ExecutionMode,
		Phase:                GatePhaseDispatch,
		MaxExecutionsPerHour: rb.MaxExecutionsPerHour,
		CooldownMinutes:      rb.CooldownMinutes,
	}
	decision, err := s.checkGate(ctx, exec, gc)
	if err != nil {
		s.failBeforeStart(ctx, exec, "", fmt.Sprintf("安全闸门检查失败: %v", err))
		return err
	}
	if !decision.Admitted {
		s.failBeforeStart(ctx, exec, string(apperrors.KindGateDenied), apperrors.GateDenied(decision.Reason).Message())
		return nil
	}

	running, err := s.store.TransitionExecution(ctx, exec.ID, []string{models.ExecutionStatusPending, models.ExecutionStatusApproved}, func(e *models.RunbookExecution) {
		now := s.now()
		e.Status = models.ExecutionStatusRunning
		e.StartedAt = &now
		e.StepsTotal = len(rb.Steps)
	})
	if err != nil {
		// 期间被取消
		s.releaseTrials(ctx, exec)
		if errors.Is(err, repository.ErrConflict) {
			log.Info("执行状态已变化，放弃运行")
			return nil
		}
		return fmt.Errorf("更新执行状态失败: %v", err)
	}
	st.exec = running
	log.WithField("dry_run", running.DryRun).Info("开始执行运维手册")
	s.publish(ctx, running, EventStarted, "")

	if st.server != nil && s.targets != nil && !running.DryRun {
		target, err := s.targets.Resolve(st.server)
		if err != nil {
			st.targetErr = err
		} else {
			st.target = &target
		}
	}

	steps := append([]models.RunbookStep(nil), rb.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

	for i := range steps {
		step := &steps[i]
		if s.cancelRequested(ctx, st) {
			break
		}
		if !s.runStep(ctx, st, step) {
			break
		}
	}

	if (st.errorKind != "" || st.cancelled) && len(st.succeeded) > 0 {
		s.rollback(ctx, st)
	}
	return s.finish(ctx, st)
}

// checkGate 演练模式只做只读评估
func (s *ExecutionService) checkGate(ctx context.Context, exec *models.RunbookExecution, gc GateContext) (Decision, error) {
	if exec.DryRun {
		return s.gate.Evaluate(ctx, gc)
	}
	return s.gate.Admit(ctx, gc)
}

// cancelRequested 只读取持久化的取消标记，worker 的上下文不随关闭而取消
func (s *ExecutionService) cancelRequested(ctx context.Context, st *runState) bool {
	cur, err := s.store.GetExecution(ctx, st.exec.ID)
	if err != nil {
		logger.ForExecution(st.exec.ID).Warnf("读取取消标记失败: %v", err)
		return false
	}
	if cur.CancelRequested {
		st.cancelled = true
		st.cancelledBy = cur.CancelledBy
		return true
	}
	return false
}

// runStep 执行一个步骤，返回 false 表示中止后续步骤
func (s *ExecutionService) runStep(ctx context.Context, st *runState, step *models.RunbookStep) bool {
	serverOS := ""
	if st.server != nil {
		serverOS = st.server.OSType
	}

	if step.RunIfVariable != "" {
		v, ok := s.executor.jsonPath.Lookup(step.RunIfVariable, st.vars)
		if !ok || toString(v) != step.RunIfValue {
			s.skipStep(ctx, st, step, fmt.Sprintf("条件 %s=%s 不满足", step.RunIfVariable, step.RunIfValue))
			return true
		}
	}
	if !AppliesToOS(step, serverOS) {
		s.skipStep(ctx, st, step, fmt.Sprintf("步骤仅适用于 %s", step.Command.TargetOS))
		return true
	}

	prepared, err := s.executor.Prepare(step, models.StepPhaseForward, serverOS, st.vars)
	if err != nil {
		// 模板错误不重试，直接中止
		res, kind := TemplateFailure(err), apperrors.KindTemplateError
		if !apperrors.Is(err, apperrors.KindTemplateError) {
			res, kind = failed(FailureValidation, false, err.Error()), apperrors.KindStepFailure
		}
		s.recordAttempt(ctx, st, step, nil, res, 0, s.now())
		st.failed++
		s.publishStep(ctx, st, step, EventStepFailed, res.Message)
		st.errorKind = string(kind)
		st.errorMessage = fmt.Sprintf("%s: 步骤 %d(%s): %s", kind, step.StepOrder, step.Name, stripKind(err))
		return false
	}

	// 每个步骤前重新检查闸门
	decision, err := s.checkGate(ctx, st.exec, GateContext{
		ExecutionID:   st.exec.ID,
		RunbookID:     st.exec.RunbookID,
		ServerID:      st.exec.ServerID,
		ExecutionMode: st.exec.ExecutionMode,
		Phase:         GatePhaseStep,
		Command:       prepared.Command,
		OSType:        prepared.OSType,
	})
	if err == nil && !decision.Admitted {
		err = apperrors.GateDenied(decision.Reason)
	}
	if err != nil {
		res := failed("", false, err.Error())
		s.recordAttempt(ctx, st, step, prepared, res, 0, s.now())
		st.failed++
		s.publishStep(ctx, st, step, EventStepFailed, res.Message)
		st.errorKind = string(apperrors.KindGateDenied)
		if !apperrors.Is(err, apperrors.KindGateDenied) {
			st.errorKind = string(apperrors.KindStepFailure)
		}
		st.errorMessage = err.Error()
		return false
	}

	attempts := step.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}
	var res *StepResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Duration(step.RetryDelaySeconds)*time.Second); err != nil {
				break
			}
		}
		started := s.now()
		res = s.attempt(ctx, st, step, prepared)
		s.recordAttempt(ctx, st, step, prepared, res, attempt, started)
		if res.Succeeded() || !res.Retryable {
			break
		}
	}

	if res.Succeeded() {
		st.completed++
		st.succeeded = append(st.succeeded, *step)
		if step.OutputVariable != "" {
			st.vars[step.OutputVariable] = res.Output
		}
		for k, v := range res.Extracted {
			st.vars[k] = v
		}
		s.publishStep(ctx, st, step, EventStepCompleted, "")
		s.saveProgress(ctx, st)
		return true
	}

	st.failed++
	s.publishStep(ctx, st, step, EventStepFailed, res.Message)
	if step.ContinueOnFail {
		s.saveProgress(ctx, st)
		return true
	}
	st.errorKind = string(apperrors.KindStepFailure)
	st.errorMessage = fmt.Sprintf("%s: 步骤 %d(%s) %s: %s", apperrors.KindStepFailure, step.StepOrder, step.Name, res.FailureKind, res.Message)
	return false
}

func (s *ExecutionService) attempt(ctx context.Context, st *runState, step *models.RunbookStep, p *PreparedStep) *StepResult {
	if step.StepType == models.StepTypeCommand && st.targetErr != nil {
		return failed(FailureTransport, false, fmt.Sprintf("解析服务器凭证失败: %v", st.targetErr))
	}
	if step.TimeoutSeconds <= 0 && s.stepTimeout > 0 {
		cp := *step
		cp.TimeoutSeconds = s.stepTimeout
		step = &cp
	}
	return s.executor.Execute(ctx, step, p, st.target, st.exec.DryRun)
}

func (s *ExecutionService) skipStep(ctx context.Context, st *runState, step *models.RunbookStep, reason string) {
	now := s.now()
	row := &models.StepExecution{
		ExecutionID:  st.exec.ID,
		StepOrder:    step.StepOrder,
		StepName:     step.Name,
		StepType:     step.StepType,
		Phase:        models.StepPhaseForward,
		Status:       models.StepStatusSkipped,
		ErrorMessage: reason,
		StartedAt:    now,
		CompletedAt:  now,
	}
	if err := s.store.AppendStepExecution(ctx, row); err != nil {
		logger.ForExecution(st.exec.ID).Warnf("记录跳过步骤失败: %v", err)
	}
	st.skipped++
	s.publishStep(ctx, st, step, EventStepSkipped, reason)
	s.saveProgress(ctx, st)
}

// rollback 按步骤逆序回滚已成功的步骤，尽力而为，每步只尝试一次
func (s *ExecutionService) rollback(ctx context.Context, st *runState) {
	serverOS := ""
	if st.server != nil {
		serverOS = st.server.OSType
	}
	// 回滚不受外部取消影响
	rctx := context.WithoutCancel(ctx)

	for i := len(st.succeeded) - 1; i >= 0; i-- {
		step := &st.succeeded[i]
		if !step.HasRollback(StepOS(step, serverOS)) {
			continue
		}
		st.rollbackRan = true
		started := s.now()
		prepared, err := s.executor.Prepare(step, models.StepPhaseRollback, serverOS, st.vars)
		if err != nil {
			s.recordRollback(rctx, st, step, nil, TemplateFailure(err), started)
			continue
		}
		res := s.attempt(rctx, st, step, prepared)
		s.recordRollback(rctx, st, step, prepared, res, started)
	}
}

func (s *ExecutionService) recordRollback(ctx context.Context, st *runState, step *models.RunbookStep, p *PreparedStep, res *StepResult, started time.Time) {
	row := s.stepRow(st, step, p, res, 0, started)
	row.Phase = models.StepPhaseRollback
	if err := s.store.AppendStepExecution(ctx, row); err != nil {
		logger.ForExecution(st.exec.ID).Warnf("记录回滚步骤失败: %v", err)
	}
	if !res.Succeeded() {
		s.log.WithFields(logrus.Fields{
			"execution_id": st.exec.ID,
			"step_order":   step.StepOrder,
		}).Warnf("回滚步骤失败: %s", res.Message)
	}
}

func (s *ExecutionService) recordAttempt(ctx context.Context, st *runState, step *models.RunbookStep, p *PreparedStep, res *StepResult, attempt int, started time.Time) {
	row := s.stepRow(st, step, p, res, attempt, started)
	if err := s.store.AppendStepExecution(ctx, row); err != nil {
		logger.ForExecution(st.exec.ID).Warnf("记录步骤执行失败: %v", err)
	}
	metrics.StepDuration.WithLabelValues(step.StepType, res.Status).Observe(res.Duration.Seconds())
}

func (s *ExecutionService) stepRow(st *runState, step *models.RunbookStep, p *PreparedStep, res *StepResult, attempt int, started time.Time) *models.StepExecution {
	row := &models.StepExecution{
		BaseModel:      models.BaseModel{ID: uuid.New().String()},
		ExecutionID:    st.exec.ID,
		StepOrder:      step.StepOrder,
		StepName:       step.Name,
		StepType:       step.StepType,
		Phase:          models.StepPhaseForward,
		RetryAttempt:   attempt,
		Status:         res.Status,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		ExitCode:       res.ExitCode,
		HTTPStatusCode: res.HTTPStatus,
		ResponseBody:   res.ResponseBody,
		FailureKind:    res.FailureKind,
		StartedAt:      started,
		DurationMs:     res.Duration.Milliseconds(),
	}
	if p != nil {
		row.Phase = p.Phase
		row.ResolvedCommand = p.Command
		if p.Request != nil {
			row.RequestMethod = p.Request.Method
			row.RequestURL = p.Request.URL
			row.RequestBody = p.Request.Body
		}
	}
	if !res.Succeeded() {
		row.ErrorMessage = res.Message
	}
	if len(res.Extracted) > 0 {
		row.ExtractedVars = res.Extracted
	}
	row.CompletedAt = started.Add(res.Duration)
	return row
}

func (s *ExecutionService) saveProgress(ctx context.Context, st *runState) {
	st.exec.StepsCompleted = st.completed
	st.exec.StepsFailed = st.failed
	st.exec.StepsSkipped = st.skipped
	st.exec.Variables = st.vars
	if err := s.store.SaveProgress(ctx, st.exec); err != nil {
		logger.ForExecution(st.exec.ID).Warnf("保存执行进度失败: %v", err)
	}
}

// finish 写入终态，并把结果反馈给熔断器和定时任务
func (s *ExecutionService) finish(ctx context.Context, st *runState) error {
	status := models.ExecutionStatusCompleted
	switch {
	case st.cancelled:
		status = models.ExecutionStatusCancelled
		st.errorKind = string(apperrors.KindCancelled)
		st.errorMessage = "cancelled: by " + st.cancelledBy
	case st.errorKind != "" && st.rollbackRan:
		status = models.ExecutionStatusRolledBack
	case st.errorKind != "":
		status = models.ExecutionStatusFailed
	}

	// 结束状态的写入不受外部取消影响
	ctx = context.WithoutCancel(ctx)
	final, err := s.store.TransitionExecution(ctx, st.exec.ID, []string{models.ExecutionStatusRunning}, func(e *models.RunbookExecution) {
		now := s.now()
		e.Status = status
		e.CompletedAt = &now
		e.StepsCompleted = st.completed
		e.StepsFailed = st.failed
		e.StepsSkipped = st.skipped
		e.RollbackExecuted = st.rollbackRan
		e.ErrorKind = st.errorKind
		e.ErrorMessage = st.errorMessage
		e.Variables = st.vars
	})
	if err != nil {
		return fmt.Errorf("写入执行结果失败: %v", err)
	}

	s.recordOutcome(ctx, final, st)
	metrics.ExecutionsTotal.WithLabelValues(final.Status, final.ExecutionMode).Inc()
	s.log.WithFields(logrus.Fields{
		"execution_id":    final.ID,
		"status":          final.Status,
		"steps_completed": final.StepsCompleted,
		"steps_failed":    final.StepsFailed,
		"rollback":        final.RollbackExecuted,
	}).Info("执行结束")

	evt := EventCompleted
	switch final.Status {
	case models.ExecutionStatusFailed:
		evt = EventFailed
	case models.ExecutionStatusRolledBack:
		evt = EventRolledBack
	case models.ExecutionStatusCancelled:
		evt = EventCancelled
	}
	s.publish(ctx, final, evt, final.ErrorMessage)
	s.finishJob(ctx, final)
	return nil
}

// recordOutcome 成功与步骤失败计入熔断器；闸门拒绝、取消和演练不计入
func (s *ExecutionService) recordOutcome(ctx context.Context, exec *models.RunbookExecution, st *runState) {
	if exec.DryRun {
		return
	}
	var record func(context.Context, BreakerScope, string) error
	switch {
	case exec.Status == models.ExecutionStatusCompleted:
		record = s.breakers.RecordSuccess
	case st.errorKind == string(apperrors.KindStepFailure) || st.errorKind == string(apperrors.KindTemplateError):
		record = s.breakers.RecordFailure
	default:
		s.releaseTrials(ctx, exec)
		return
	}
	for _, scope := range ExecutionScopes(exec.RunbookID, exec.ServerID) {
		if err := record(ctx, scope, exec.ID); err != nil {
			s.log.WithField("scope", scope.String()).Warnf("更新熔断器失败: %v", err)
		}
	}
}

func (s *ExecutionService) releaseTrials(ctx context.Context, exec *models.RunbookExecution) {
	for _, scope := range ExecutionScopes(exec.RunbookID, exec.ServerID) {
		if err := s.breakers.ReleaseTrial(ctx, scope, exec.ID); err != nil {
			s.log.WithField("scope", scope.String()).Warnf("归还半开试探名额失败: %v", err)
		}
	}
}

// failBeforeStart 派发阶段失败：未进入 running，直接结束
func (s *ExecutionService) failBeforeStart(ctx context.Context, exec *models.RunbookExecution, kind, msg string) {
	final, err := s.store.TransitionExecution(ctx, exec.ID, []string{models.ExecutionStatusPending, models.ExecutionStatusApproved}, func(e *models.RunbookExecution) {
		now := s.now()
		e.Status = models.ExecutionStatusFailed
		e.CompletedAt = &now
		e.ErrorKind = kind
		e.ErrorMessage = msg
	})
	if err != nil {
		logger.ForExecution(exec.ID).Warnf("更新执行状态失败: %v", err)
		return
	}
	s.log.WithFields(logrus.Fields{"execution_id": exec.ID, "reason": msg}).Warn("执行未能开始")
	metrics.ExecutionsTotal.WithLabelValues(final.Status, final.ExecutionMode).Inc()
	s.publish(ctx, final, EventFailed, msg)
	s.finishJob(ctx, final)
}

func (s *ExecutionService) publishStep(ctx context.Context, st *runState, step *models.RunbookStep, typ, msg string) {
	evt := s.event(st.exec, typ, msg)
	evt.StepOrder = step.StepOrder
	evt.StepName = step.Name
	s.events.Publish(ctx, evt)
}

func copyVars(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// stripKind 去掉引擎错误自带的类别前缀，避免持久化消息重复
func stripKind(err error) string {
	var ee *apperrors.EngineError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			return fmt.Sprintf("%s: %v", ee.Reason, ee.Err)
		}
		return ee.Reason
	}
	return err.Error()
}
