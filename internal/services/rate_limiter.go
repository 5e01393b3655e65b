package services

import (
	"context"
	"fmt"
	"time"

	"arp/internal/models"
	"arp/internal/repository"
)

// 限流拒绝原因
const (
	ReasonCooldownActive = "cooldown_active"
)

// RateLimitReason 限流拒绝原因，带作用域
func RateLimitReason(scope string) string {
	return "rate_limited:" + scope
}

// RateLimiter 按小时固定窗口限流，以及运维手册冷却时间
type RateLimiter struct {
	store      repository.RateLimitStore
	executions repository.ExecutionRepository
	now        func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(store repository.RateLimitStore, executions repository.ExecutionRepository) *RateLimiter {
	return &RateLimiter{store: store, executions: executions, now: time.Now}
}

// WindowStart 当前小时窗口起点（UTC）
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Acquire 计数小于上限时原子加一并放行；limit<=0 表示不限制且不计数
func (r *RateLimiter) Acquire(ctx context.Context, scope, scopeID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	ok, _, err := r.store.IncrementIfBelow(ctx, scope, scopeID, WindowStart(r.now()), limit)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Peek 只读判断，不计数
func (r *RateLimiter) Peek(ctx context.Context, scope, scopeID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	n, err := r.store.Count(ctx, scope, scopeID, WindowStart(r.now()))
	if err != nil {
		return false, err
	}
	return n < limit, nil
}

// InCooldown 距离该运维手册上一次开始运行不足 cooldown 分钟
func (r *RateLimiter) InCooldown(ctx context.Context, runbookID, executionID string, cooldownMinutes int) (bool, error) {
	if cooldownMinutes <= 0 || r.executions == nil {
		return false, nil
	}
	last, err := r.executions.LastStartedAt(ctx, runbookID, executionID)
	if err != nil {
		return false, fmt.Errorf("查询上次执行时间失败: %v", err)
	}
	if last == nil {
		return false, nil
	}
	return r.now().Sub(*last) < time.Duration(cooldownMinutes)*time.Minute, nil
}

// Usage 当前窗口的计数，用于展示
func (r *RateLimiter) Usage(ctx context.Context, runbookID string) (map[string]int, error) {
	window := WindowStart(r.now())
	global, err := r.store.Count(ctx, models.RateScopeGlobal, models.GlobalScopeID, window)
	if err != nil {
		return nil, err
	}
	out := map[string]int{models.RateScopeGlobal: global}
	if runbookID != "" {
		n, err := r.store.Count(ctx, models.RateScopeRunbook, runbookID, window)
		if err != nil {
			return nil, err
		}
		out[models.RateScopeRunbook] = n
	}
	return out, nil
}
