package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arp/internal/metrics"
	"arp/internal/models"
	"arp/internal/repository"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"

	"github.com/sirupsen/logrus"
)

// 乐观锁冲突最大重试次数
const maxCASRetries = 8

// BreakerScope 熔断器作用域键
type BreakerScope struct {
	Scope   string `json:"scope"`
	ScopeID string `json:"scope_id"`
}

func (s BreakerScope) String() string {
	return s.Scope + ":" + s.ScopeID
}

// BreakerSettings 熔断阈值
type BreakerSettings struct {
	FailureThreshold     int
	FailureWindowMinutes int
	OpenDurationMinutes  int
}

// BreakerCheck 熔断检查结果
type BreakerCheck struct {
	Admitted bool
	State    string
	// Claimed 本次检查占用了半开试探名额
	Claimed bool
}

// CircuitBreakerService 熔断器状态机
type CircuitBreakerService struct {
	repo     repository.SafetyRepository
	defaults BreakerSettings
	now      func() time.Time
	log      *logrus.Logger
}

// NewCircuitBreakerService 创建熔断器服务
func NewCircuitBreakerService(repo repository.SafetyRepository, defaults BreakerSettings) *CircuitBreakerService {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 3
	}
	if defaults.FailureWindowMinutes <= 0 {
		defaults.FailureWindowMinutes = 30
	}
	if defaults.OpenDurationMinutes <= 0 {
		defaults.OpenDurationMinutes = 15
	}
	return &CircuitBreakerService{
		repo:     repo,
		defaults: defaults,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// ExecutionScopes 一次执行涉及的熔断器，按 global、runbook、server 顺序
func ExecutionScopes(runbookID, serverID string) []BreakerScope {
	scopes := []BreakerScope{
		{Scope: models.BreakerScopeGlobal, ScopeID: models.GlobalScopeID},
		{Scope: models.BreakerScopeRunbook, ScopeID: runbookID},
	}
	if serverID != "" {
		scopes = append(scopes, BreakerScope{Scope: models.BreakerScopeServer, ScopeID: serverID})
	}
	return scopes
}

// Check 判断作用域是否放行。claim 为 false 时不修改任何状态
func (s *CircuitBreakerService) Check(ctx context.Context, scope BreakerScope, executionID string, claim bool) (BreakerCheck, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		b, err := s.repo.GetBreaker(ctx, scope.Scope, scope.ScopeID)
		if errors.Is(err, repository.ErrNotFound) {
			return BreakerCheck{Admitted: true, State: models.BreakerStateClosed}, nil
		}
		if err != nil {
			return BreakerCheck{}, fmt.Errorf("读取熔断器失败: %v", err)
		}

		if b.ManuallyOpened {
			return BreakerCheck{Admitted: false, State: models.BreakerStateOpen}, nil
		}

		switch b.State {
		case models.BreakerStateOpen:
			if b.ClosesAt == nil || s.now().Before(*b.ClosesAt) {
				return BreakerCheck{Admitted: false, State: models.BreakerStateOpen}, nil
			}
			// 到期后在读取时转为半开
			if !claim {
				return BreakerCheck{Admitted: true, State: models.BreakerStateHalfOpen}, nil
			}
			b.State = models.BreakerStateHalfOpen
			b.TrialExecutionID = executionID
			if err := s.repo.UpdateBreaker(ctx, b); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					continue
				}
				return BreakerCheck{}, fmt.Errorf("更新熔断器失败: %v", err)
			}
			metrics.BreakerTransitionsTotal.WithLabelValues(b.Scope, models.BreakerStateHalfOpen).Inc()
			s.log.WithFields(logrus.Fields{
				"scope":        scope.String(),
				"execution_id": executionID,
			}).Info("熔断器进入半开状态，放行试探执行")
			return BreakerCheck{Admitted: true, State: models.BreakerStateHalfOpen, Claimed: true}, nil

		case models.BreakerStateHalfOpen:
			if b.TrialExecutionID == executionID && executionID != "" {
				return BreakerCheck{Admitted: true, State: models.BreakerStateHalfOpen}, nil
			}
			if b.TrialExecutionID != "" {
				return BreakerCheck{Admitted: false, State: models.BreakerStateHalfOpen}, nil
			}
			if !claim {
				return BreakerCheck{Admitted: true, State: models.BreakerStateHalfOpen}, nil
			}
			b.TrialExecutionID = executionID
			if err := s.repo.UpdateBreaker(ctx, b); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					continue
				}
				return BreakerCheck{}, fmt.Errorf("更新熔断器失败: %v", err)
			}
			return BreakerCheck{Admitted: true, State: models.BreakerStateHalfOpen, Claimed: true}, nil

		default:
			return BreakerCheck{Admitted: true, State: models.BreakerStateClosed}, nil
		}
	}
	return BreakerCheck{}, fmt.Errorf("熔断器 %s 并发冲突次数过多", scope)
}

// RecordSuccess 记录成功结果；半开状态下试探执行成功则关闭
func (s *CircuitBreakerService) RecordSuccess(ctx context.Context, scope BreakerScope, executionID string) error {
	return s.mutate(ctx, scope, func(b *models.CircuitBreaker, now time.Time) {
		b.SuccessCount++
		b.LastSuccessAt = &now
		if b.State == models.BreakerStateHalfOpen && (b.TrialExecutionID == "" || b.TrialExecutionID == executionID) {
			s.close(b)
		}
	})
}

// RecordFailure 记录失败结果；窗口内失败数达到阈值或半开试探失败时打开
func (s *CircuitBreakerService) RecordFailure(ctx context.Context, scope BreakerScope, executionID string) error {
	return s.mutate(ctx, scope, func(b *models.CircuitBreaker, now time.Time) {
		window := time.Duration(b.FailureWindowMinutes) * time.Minute
		if b.WindowStartedAt == nil || now.Sub(*b.WindowStartedAt) >= window {
			b.FailureCount = 0
			b.SuccessCount = 0
			b.WindowStartedAt = &now
		}
		b.FailureCount++
		b.LastFailureAt = &now

		switch b.State {
		case models.BreakerStateHalfOpen:
			if b.TrialExecutionID == "" || b.TrialExecutionID == executionID {
				s.open(b, now)
			}
		case models.BreakerStateClosed:
			if b.FailureCount >= b.FailureThreshold {
				s.open(b, now)
			}
		}
	})
}

// ReleaseTrial 试探执行未产生结果（取消、被其他闸门拒绝）时归还名额
func (s *CircuitBreakerService) ReleaseTrial(ctx context.Context, scope BreakerScope, executionID string) error {
	b, err := s.repo.GetBreaker(ctx, scope.Scope, scope.ScopeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.State != models.BreakerStateHalfOpen || b.TrialExecutionID != executionID {
		return nil
	}
	return s.mutate(ctx, scope, func(b *models.CircuitBreaker, now time.Time) {
		if b.State == models.BreakerStateHalfOpen && b.TrialExecutionID == executionID {
			b.TrialExecutionID = ""
		}
	})
}

// ManualOpen 人工强制打开
func (s *CircuitBreakerService) ManualOpen(ctx context.Context, scope BreakerScope, reason, actor string) (*models.CircuitBreaker, error) {
	if err := validateBreakerScope(scope); err != nil {
		return nil, err
	}
	err := s.mutate(ctx, scope, func(b *models.CircuitBreaker, now time.Time) {
		b.ManuallyOpened = true
		b.ManualReason = reason
		b.ManualActor = actor
		if b.State != models.BreakerStateOpen {
			metrics.BreakerTransitionsTotal.WithLabelValues(b.Scope, models.BreakerStateOpen).Inc()
		}
		b.State = models.BreakerStateOpen
		b.OpenedAt = &now
		b.ClosesAt = nil
		b.TrialExecutionID = ""
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"scope": scope.String(), "actor": actor}).Warnf("熔断器被人工打开: %s", reason)
	return s.repo.GetBreaker(ctx, scope.Scope, scope.ScopeID)
}

// ManualClear 清除人工打开并重置为关闭
func (s *CircuitBreakerService) ManualClear(ctx context.Context, scope BreakerScope, actor string) (*models.CircuitBreaker, error) {
	if _, err := s.repo.GetBreaker(ctx, scope.Scope, scope.ScopeID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("熔断器不存在: " + scope.String())
		}
		return nil, err
	}
	err := s.mutate(ctx, scope, func(b *models.CircuitBreaker, now time.Time) {
		b.ManuallyOpened = false
		b.ManualReason = ""
		b.ManualActor = actor
		b.SuccessCount = 0
		s.close(b)
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"scope": scope.String(), "actor": actor}).Info("熔断器已人工清除")
	return s.repo.GetBreaker(ctx, scope.Scope, scope.ScopeID)
}

// List 列出所有熔断器
func (s *CircuitBreakerService) List(ctx context.Context) ([]models.CircuitBreaker, error) {
	return s.repo.ListBreakers(ctx)
}

func (s *CircuitBreakerService) open(b *models.CircuitBreaker, now time.Time) {
	closes := now.Add(time.Duration(b.OpenDurationMinutes) * time.Minute)
	b.State = models.BreakerStateOpen
	b.OpenedAt = &now
	b.ClosesAt = &closes
	b.TrialExecutionID = ""
	metrics.BreakerTransitionsTotal.WithLabelValues(b.Scope, models.BreakerStateOpen).Inc()
	s.log.WithFields(logrus.Fields{
		"scope":         b.Scope + ":" + b.ScopeID,
		"failure_count": b.FailureCount,
		"closes_at":     closes,
	}).Warn("熔断器已打开")
}

func (s *CircuitBreakerService) close(b *models.CircuitBreaker) {
	if b.State != models.BreakerStateClosed {
		metrics.BreakerTransitionsTotal.WithLabelValues(b.Scope, models.BreakerStateClosed).Inc()
	}
	b.State = models.BreakerStateClosed
	b.FailureCount = 0
	b.WindowStartedAt = nil
	b.OpenedAt = nil
	b.ClosesAt = nil
	b.TrialExecutionID = ""
}

// mutate 读取或创建熔断器后按版本号比较并交换，冲突时重试
func (s *CircuitBreakerService) mutate(ctx context.Context, scope BreakerScope, fn func(b *models.CircuitBreaker, now time.Time)) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		now := s.now()
		b, err := s.repo.GetBreaker(ctx, scope.Scope, scope.ScopeID)
		if errors.Is(err, repository.ErrNotFound) {
			b = s.newBreaker(scope)
			fn(b, now)
			err = s.repo.CreateBreaker(ctx, b)
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("读取熔断器失败: %v", err)
		}
		s.applyDefaults(b)
		fn(b, now)
		err = s.repo.UpdateBreaker(ctx, b)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("熔断器 %s 并发冲突次数过多", scope)
}

func (s *CircuitBreakerService) newBreaker(scope BreakerScope) *models.CircuitBreaker {
	b := &models.CircuitBreaker{
		Scope:   scope.Scope,
		ScopeID: scope.ScopeID,
		State:   models.BreakerStateClosed,
	}
	s.applyDefaults(b)
	return b
}

func (s *CircuitBreakerService) applyDefaults(b *models.CircuitBreaker) {
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = s.defaults.FailureThreshold
	}
	if b.FailureWindowMinutes <= 0 {
		b.FailureWindowMinutes = s.defaults.FailureWindowMinutes
	}
	if b.OpenDurationMinutes <= 0 {
		b.OpenDurationMinutes = s.defaults.OpenDurationMinutes
	}
}

func validateBreakerScope(scope BreakerScope) error {
	switch scope.Scope {
	case models.BreakerScopeGlobal, models.BreakerScopeRunbook, models.BreakerScopeServer:
	default:
		return apperrors.InvalidInput("scope 无效: " + scope.Scope)
	}
	if scope.ScopeID == "" {
		return apperrors.InvalidInput("scope_id 不能为空")
	}
	return nil
}
