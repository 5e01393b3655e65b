package services

import (
	"context"
	"errors"
	"fmt"

	"arp/internal/metrics"
	"arp/internal/models"
	"arp/internal/repository"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"

	"github.com/sirupsen/logrus"
)

// InterruptedMessage 进程退出时仍在运行的执行的错误信息
const InterruptedMessage = "interrupted"

// RecoveryResult 启动回收结果
type RecoveryResult struct {
	Interrupted    int `json:"interrupted"`
	Requeued       int `json:"requeued"`
	TrialsReleased int `json:"trials_released"`
}

// Recover 回收上次进程遗留的执行，需在 worker 启动前调用。
// 仍在 running 的执行无法续跑，直接置为失败；pending/approved 重新入队；
// 被已结束或不存在的执行占用的半开试探名额归还
func (s *ExecutionService) Recover(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	running, err := s.store.ListExecutionsByStatus(ctx, []string{models.ExecutionStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("查询运行中的执行失败: %v", err)
	}
	for i := range running {
		if s.interrupt(ctx, &running[i]) {
			result.Interrupted++
		}
	}

	// 队列中可能已有同一执行的消息，重复消息在 Run 的状态检查处被忽略
	queued, err := s.store.ListExecutionsByStatus(ctx, []string{models.ExecutionStatusPending, models.ExecutionStatusApproved})
	if err != nil {
		return nil, fmt.Errorf("查询待运行的执行失败: %v", err)
	}
	for i := range queued {
		exec := &queued[i]
		if err := s.enqueue(ctx, exec); err != nil {
			logger.ForExecution(exec.ID).Warnf("重新入队失败: %v", err)
			continue
		}
		result.Requeued++
	}

	released, err := s.releaseOrphanTrials(ctx)
	if err != nil {
		return nil, err
	}
	result.TrialsReleased = released

	s.log.WithFields(logrus.Fields{
		"interrupted":     result.Interrupted,
		"requeued":        result.Requeued,
		"trials_released": result.TrialsReleased,
	}).Info("执行回收完成")
	return result, nil
}

// interrupt 将遗留的 running 执行置为失败。结果未知，不计入熔断统计
func (s *ExecutionService) interrupt(ctx context.Context, exec *models.RunbookExecution) bool {
	final, err := s.store.TransitionExecution(ctx, exec.ID, []string{models.ExecutionStatusRunning}, func(e *models.RunbookExecution) {
		now := s.now()
		e.Status = models.ExecutionStatusFailed
		e.CompletedAt = &now
		e.ErrorKind = string(apperrors.KindStepFailure)
		e.ErrorMessage = InterruptedMessage
	})
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			logger.ForExecution(exec.ID).Warnf("标记中断执行失败: %v", err)
		}
		return false
	}
	s.releaseTrials(ctx, final)
	metrics.ExecutionsTotal.WithLabelValues(final.Status, final.ExecutionMode).Inc()
	logger.ForExecution(final.ID).Warn("执行在上次进程退出时中断，已置为失败")
	s.publish(ctx, final, EventFailed, InterruptedMessage)
	s.finishJob(ctx, final)
	return true
}

func (s *ExecutionService) releaseOrphanTrials(ctx context.Context) (int, error) {
	breakers, err := s.breakers.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询熔断器失败: %v", err)
	}
	n := 0
	for _, b := range breakers {
		if b.State != models.BreakerStateHalfOpen || b.TrialExecutionID == "" {
			continue
		}
		owner, err := s.store.GetExecution(ctx, b.TrialExecutionID)
		if err == nil && !models.IsTerminalStatus(owner.Status) {
			continue
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.WithField("execution_id", b.TrialExecutionID).Warnf("查询试探执行失败: %v", err)
			continue
		}
		scope := BreakerScope{Scope: b.Scope, ScopeID: b.ScopeID}
		if err := s.breakers.ReleaseTrial(ctx, scope, b.TrialExecutionID); err != nil {
			s.log.WithField("scope", scope.String()).Warnf("归还半开试探名额失败: %v", err)
			continue
		}
		n++
	}
	return n, nil
}
