package services

import (
	"context"
	"errors"
	"fmt"

	"arp/internal/models"
	"arp/internal/repository"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"

	"github.com/sirupsen/logrus"
)

// SafetyPolicyService 命令名单和维护窗口的管理，以及闸门预演
type SafetyPolicyService struct {
	repo      repository.SafetyRepository
	runbooks  repository.RunbookRepository
	validator *CommandValidator
	gate      *SafetyGate
	limiter   *RateLimiter
	log       *logrus.Logger
}

// NewSafetyPolicyService 创建安全策略服务
func NewSafetyPolicyService(repo repository.SafetyRepository, runbooks repository.RunbookRepository, validator *CommandValidator, gate *SafetyGate, limiter *RateLimiter) *SafetyPolicyService {
	return &SafetyPolicyService{
		repo:      repo,
		runbooks:  runbooks,
		validator: validator,
		gate:      gate,
		limiter:   limiter,
		log:       logger.GetLogger(),
	}
}

// ========== 命令名单 ==========

// CreatePattern 创建名单条目
func (s *SafetyPolicyService) CreatePattern(ctx context.Context, p *models.CommandPattern) (*models.CommandPattern, error) {
	if p.OSType == "" {
		p.OSType = models.OSAny
	}
	if err := ValidatePattern(p); err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}
	if err := s.repo.CreateCommandPattern(ctx, p); err != nil {
		return nil, fmt.Errorf("创建命令名单失败: %v", err)
	}
	s.log.WithFields(logrus.Fields{
		"pattern_id": p.ID,
		"list_type":  p.ListType,
		"pattern":    p.Pattern,
	}).Info("创建命令名单条目")
	return p, nil
}

// UpdatePattern 更新名单条目
func (s *SafetyPolicyService) UpdatePattern(ctx context.Context, id string, p *models.CommandPattern) (*models.CommandPattern, error) {
	existing, err := s.GetPattern(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OSType == "" {
		p.OSType = models.OSAny
	}
	if err := ValidatePattern(p); err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}
	p.BaseModel = existing.BaseModel
	if err := s.repo.UpdateCommandPattern(ctx, p); err != nil {
		return nil, fmt.Errorf("更新命令名单失败: %v", err)
	}
	return p, nil
}

// GetPattern 获取名单条目
func (s *SafetyPolicyService) GetPattern(ctx context.Context, id string) (*models.CommandPattern, error) {
	p, err := s.repo.GetCommandPattern(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("命令名单条目不存在")
		}
		return nil, fmt.Errorf("查询命令名单失败: %v", err)
	}
	return p, nil
}

// ListPatterns 按名单类型和系统过滤
func (s *SafetyPolicyService) ListPatterns(ctx context.Context, filter repository.PatternFilter) ([]models.CommandPattern, error) {
	return s.repo.ListCommandPatterns(ctx, filter)
}

// DeletePattern 删除名单条目
func (s *SafetyPolicyService) DeletePattern(ctx context.Context, id string) error {
	if err := s.repo.DeleteCommandPattern(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("命令名单条目不存在")
		}
		return fmt.Errorf("删除命令名单失败: %v", err)
	}
	return nil
}

// ValidateCommand 用当前名单校验一条命令
func (s *SafetyPolicyService) ValidateCommand(ctx context.Context, command, osType string) (*CommandVerdict, error) {
	if command == "" {
		return nil, apperrors.InvalidInput("command 不能为空")
	}
	if osType == "" {
		osType = models.OSLinux
	}
	return s.validator.Validate(ctx, command, osType)
}

// ========== 维护窗口 ==========

// CreateBlackoutWindow 创建维护窗口
func (s *SafetyPolicyService) CreateBlackoutWindow(ctx context.Context, w *models.BlackoutWindow, actor string) (*models.BlackoutWindow, error) {
	if w.Name == "" {
		return nil, apperrors.InvalidInput("维护窗口名称不能为空")
	}
	if err := ValidateBlackoutWindow(w); err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}
	w.CreatedBy = actor
	if err := s.repo.CreateBlackoutWindow(ctx, w); err != nil {
		return nil, fmt.Errorf("创建维护窗口失败: %v", err)
	}
	s.log.WithFields(logrus.Fields{
		"window_id":  w.ID,
		"type":       w.WindowType,
		"applies_to": w.AppliesTo,
	}).Info("创建维护窗口")
	return w, nil
}

// UpdateBlackoutWindow 更新维护窗口
func (s *SafetyPolicyService) UpdateBlackoutWindow(ctx context.Context, id string, w *models.BlackoutWindow) (*models.BlackoutWindow, error) {
	existing, err := s.GetBlackoutWindow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateBlackoutWindow(w); err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}
	w.BaseModel = existing.BaseModel
	w.CreatedBy = existing.CreatedBy
	if err := s.repo.UpdateBlackoutWindow(ctx, w); err != nil {
		return nil, fmt.Errorf("更新维护窗口失败: %v", err)
	}
	return w, nil
}

// GetBlackoutWindow 获取维护窗口
func (s *SafetyPolicyService) GetBlackoutWindow(ctx context.Context, id string) (*models.BlackoutWindow, error) {
	w, err := s.repo.GetBlackoutWindow(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("维护窗口不存在")
		}
		return nil, fmt.Errorf("查询维护窗口失败: %v", err)
	}
	return w, nil
}

// ListBlackoutWindows 列出维护窗口
func (s *SafetyPolicyService) ListBlackoutWindows(ctx context.Context, enabledOnly bool) ([]models.BlackoutWindow, error) {
	return s.repo.ListBlackoutWindows(ctx, enabledOnly)
}

// DeleteBlackoutWindow 删除维护窗口
func (s *SafetyPolicyService) DeleteBlackoutWindow(ctx context.Context, id string) error {
	if err := s.repo.DeleteBlackoutWindow(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("维护窗口不存在")
		}
		return fmt.Errorf("删除维护窗口失败: %v", err)
	}
	return nil
}

// ========== 闸门预演 ==========

// EvaluateRequest 闸门预演参数
type EvaluateRequest struct {
	RunbookID     string `json:"runbook_id" binding:"required"`
	ServerID      string `json:"server_id"`
	ExecutionMode string `json:"execution_mode"`
	Command       string `json:"command"`
	OSType        string `json:"os_type"`
}

// EvaluateResult 预演结果及当前窗口的限流计数
type EvaluateResult struct {
	Decision
	Phase string         `json:"phase"`
	Usage map[string]int `json:"usage,omitempty"`
}

// Evaluate 只读地走一遍闸门：带 command 时按步骤阶段检查，否则按派发阶段
func (s *SafetyPolicyService) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResult, error) {
	rb, err := s.runbooks.GetRunbook(ctx, req.RunbookID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("运维手册不存在")
		}
		return nil, fmt.Errorf("查询运维手册失败: %v", err)
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = models.ExecutionModeManual
	}

	gc := GateContext{
		RunbookID:            rb.ID,
		ServerID:             req.ServerID,
		ExecutionMode:        req.ExecutionMode,
		Phase:                GatePhaseDispatch,
		MaxExecutionsPerHour: rb.MaxExecutionsPerHour,
		CooldownMinutes:      rb.CooldownMinutes,
	}
	if req.Command != "" {
		gc.Phase = GatePhaseStep
		gc.Command = req.Command
		gc.OSType = req.OSType
		if gc.OSType == "" {
			gc.OSType = models.OSLinux
		}
	}

	d, err := s.gate.Evaluate(ctx, gc)
	if err != nil {
		return nil, err
	}
	usage, err := s.limiter.Usage(ctx, rb.ID)
	if err != nil {
		s.log.Warnf("查询限流计数失败: %v", err)
	}
	return &EvaluateResult{Decision: d, Phase: gc.Phase, Usage: usage}, nil
}
