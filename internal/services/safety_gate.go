package services

import (
	"context"
	"time"

	"arp/internal/metrics"
	"arp/internal/models"
	"arp/pkg/logger"

	"github.com/sirupsen/logrus"
)

// 闸门检查阶段
const (
	GatePhaseDispatch = "dispatch"
	GatePhaseStep     = "step"
)

// GateContext 一次闸门检查的上下文
type GateContext struct {
	ExecutionID   string `json:"execution_id"`
	RunbookID     string `json:"runbook_id" binding:"required"`
	ServerID      string `json:"server_id"`
	ExecutionMode string `json:"execution_mode"`
	Phase         string `json:"phase"`

	// 步骤阶段：待执行的命令
	Command string `json:"command"`
	OSType  string `json:"os_type"`

	// 运维手册的限流参数
	MaxExecutionsPerHour int `json:"max_executions_per_hour"`
	CooldownMinutes      int `json:"cooldown_minutes"`
}

// Decision 闸门结果
type Decision struct {
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
	// Check 拒绝来自哪一项检查：command/blackout/circuit_breaker/rate_limit
	Check string `json:"check,omitempty"`
}

func admit() Decision {
	return Decision{Admitted: true}
}

func deny(check, reason string) Decision {
	return Decision{Admitted: false, Check: check, Reason: reason}
}

// SafetyGate 按 命令校验、维护窗口、熔断、限流 的顺序检查，首个失败即拒绝
type SafetyGate struct {
	validator       *CommandValidator
	blackout        *BlackoutEvaluator
	breakers        *CircuitBreakerService
	limiter         *RateLimiter
	globalHourlyCap int
	now             func() time.Time
	log             *logrus.Logger
}

// NewSafetyGate 创建安全闸门
func NewSafetyGate(validator *CommandValidator, blackout *BlackoutEvaluator, breakers *CircuitBreakerService, limiter *RateLimiter, globalHourlyCap int) *SafetyGate {
	return &SafetyGate{
		validator:       validator,
		blackout:        blackout,
		breakers:        breakers,
		limiter:         limiter,
		globalHourlyCap: globalHourlyCap,
		now:             time.Now,
		log:             logger.GetLogger(),
	}
}

// Admit 执行前与每个步骤前调用；放行时派发阶段会消耗限流名额
func (g *SafetyGate) Admit(ctx context.Context, gc GateContext) (Decision, error) {
	d, err := g.evaluate(ctx, gc, true)
	if err != nil {
		return Decision{}, err
	}
	metrics.GateDecisionsTotal.WithLabelValues(gc.Phase, metrics.ReasonLabel(d.Reason)).Inc()
	if !d.Admitted {
		g.log.WithFields(logrus.Fields{
			"execution_id": gc.ExecutionID,
			"runbook_id":   gc.RunbookID,
			"server_id":    gc.ServerID,
			"phase":        gc.Phase,
			"reason":       d.Reason,
		}).Warn("安全闸门拒绝执行")
	}
	return d, nil
}

// Evaluate 只读预演，不修改任何状态，相同状态下结果一致
func (g *SafetyGate) Evaluate(ctx context.Context, gc GateContext) (Decision, error) {
	return g.evaluate(ctx, gc, false)
}

func (g *SafetyGate) evaluate(ctx context.Context, gc GateContext, mutate bool) (Decision, error) {
	// 1. 命令校验
	if gc.Command != "" {
		verdict, err := g.validator.Validate(ctx, gc.Command, gc.OSType)
		if err != nil {
			return Decision{}, err
		}
		if !verdict.Allowed {
			return deny("command", verdict.Reason), nil
		}
	}

	// 2. 维护窗口
	window, err := g.blackout.Active(ctx, gc.RunbookID, gc.ExecutionMode, g.now())
	if err != nil {
		return Decision{}, err
	}
	if window != nil {
		return deny("blackout", ReasonBlackoutActive), nil
	}

	// 3. 熔断器：global -> runbook -> server，任一打开即拒绝
	var claimed []BreakerScope
	release := func() {
		for _, scope := range claimed {
			if err := g.breakers.ReleaseTrial(ctx, scope, gc.ExecutionID); err != nil {
				g.log.WithField("scope", scope.String()).Warnf("归还半开试探名额失败: %v", err)
			}
		}
	}
	for _, scope := range ExecutionScopes(gc.RunbookID, gc.ServerID) {
		check, err := g.breakers.Check(ctx, scope, gc.ExecutionID, mutate)
		if err != nil {
			release()
			return Decision{}, err
		}
		if check.Claimed {
			claimed = append(claimed, scope)
		}
		if !check.Admitted {
			release()
			return deny("circuit_breaker", "circuit_open:"+scope.Scope), nil
		}
	}

	// 4. 限流只在派发时计数
	if gc.Phase != GatePhaseDispatch {
		return admit(), nil
	}
	d, err := g.checkRateLimits(ctx, gc, mutate)
	if err != nil || !d.Admitted {
		release()
	}
	return d, err
}

func (g *SafetyGate) checkRateLimits(ctx context.Context, gc GateContext, mutate bool) (Decision, error) {
	cooling, err := g.limiter.InCooldown(ctx, gc.RunbookID, gc.ExecutionID, gc.CooldownMinutes)
	if err != nil {
		return Decision{}, err
	}
	if cooling {
		return deny("rate_limit", ReasonCooldownActive), nil
	}

	limits := []struct {
		scope, scopeID string
		limit          int
	}{
		{models.RateScopeRunbook, gc.RunbookID, gc.MaxExecutionsPerHour},
		{models.RateScopeGlobal, models.GlobalScopeID, g.globalHourlyCap},
	}
	for _, l := range limits {
		var ok bool
		if mutate {
			ok, err = g.limiter.Acquire(ctx, l.scope, l.scopeID, l.limit)
		} else {
			ok, err = g.limiter.Peek(ctx, l.scope, l.scopeID, l.limit)
		}
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return deny("rate_limit", RateLimitReason(l.scope)), nil
		}
	}
	return admit(), nil
}
