package handlers

import (
	"arp/internal/models"
	"arp/internal/repository"
	"arp/internal/services"
	"arp/pkg/response"

	"github.com/gin-gonic/gin"
)

// SafetyHandler 熔断器、维护窗口、命令名单和闸门预演
type SafetyHandler struct {
	policyService *services.SafetyPolicyService
	breakers      *services.CircuitBreakerService
}

// NewSafetyHandler 创建安全策略处理器
func NewSafetyHandler(policyService *services.SafetyPolicyService, breakers *services.CircuitBreakerService) *SafetyHandler {
	return &SafetyHandler{
		policyService: policyService,
		breakers:      breakers,
	}
}

// ========== 熔断器 ==========

// ListBreakers 列出所有熔断器
func (h *SafetyHandler) ListBreakers(c *gin.Context) {
	items, err := h.breakers.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, items)
}

// OpenBreaker 人工打开熔断器，直到人工清除
func (h *SafetyHandler) OpenBreaker(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	scope := services.BreakerScope{Scope: c.Param("scope"), ScopeID: c.Param("scope_id")}
	b, err := h.breakers.ManualOpen(c.Request.Context(), scope, req.Reason, actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "熔断器已打开", b)
}

// ClearBreaker 人工关闭熔断器并清零计数
func (h *SafetyHandler) ClearBreaker(c *gin.Context) {
	scope := services.BreakerScope{Scope: c.Param("scope"), ScopeID: c.Param("scope_id")}
	b, err := h.breakers.ManualClear(c.Request.Context(), scope, actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "熔断器已关闭", b)
}

// ========== 维护窗口 ==========

// CreateBlackoutWindow 创建维护窗口
func (h *SafetyHandler) CreateBlackoutWindow(c *gin.Context) {
	var w models.BlackoutWindow
	if err := c.ShouldBindJSON(&w); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}
	created, err := h.policyService.CreateBlackoutWindow(c.Request.Context(), &w, actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", created)
}

// ListBlackoutWindows 列出维护窗口
func (h *SafetyHandler) ListBlackoutWindows(c *gin.Context) {
	items, err := h.policyService.ListBlackoutWindows(c.Request.Context(), c.Query("enabled") == "true")
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, items)
}

// GetBlackoutWindow 获取维护窗口
func (h *SafetyHandler) GetBlackoutWindow(c *gin.Context) {
	w, err := h.policyService.GetBlackoutWindow(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, w)
}

// UpdateBlackoutWindow 更新维护窗口
func (h *SafetyHandler) UpdateBlackoutWindow(c *gin.Context) {
	var w models.BlackoutWindow
	if err := c.ShouldBindJSON(&w); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}
	updated, err := h.policyService.UpdateBlackoutWindow(c.Request.Context(), c.Param("id"), &w)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", updated)
}

// DeleteBlackoutWindow 删除维护窗口
func (h *SafetyHandler) DeleteBlackoutWindow(c *gin.Context) {
	if err := h.policyService.DeleteBlackoutWindow(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}

// ========== 命令名单 ==========

// CreatePattern 创建命令名单条目
func (h *SafetyHandler) CreatePattern(c *gin.Context) {
	var p models.CommandPattern
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}
	created, err := h.policyService.CreatePattern(c.Request.Context(), &p)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", created)
}

// ListPatterns 列出命令名单
func (h *SafetyHandler) ListPatterns(c *gin.Context) {
	filter := repository.PatternFilter{
		ListType:    c.Query("list_type"),
		OSType:      c.Query("os_type"),
		EnabledOnly: c.Query("enabled") == "true",
	}
	items, err := h.policyService.ListPatterns(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, items)
}

// GetPattern 获取命令名单条目
func (h *SafetyHandler) GetPattern(c *gin.Context) {
	p, err := h.policyService.GetPattern(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, p)
}

// UpdatePattern 更新命令名单条目
func (h *SafetyHandler) UpdatePattern(c *gin.Context) {
	var p models.CommandPattern
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}
	updated, err := h.policyService.UpdatePattern(c.Request.Context(), c.Param("id"), &p)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", updated)
}

// DeletePattern 删除命令名单条目
func (h *SafetyHandler) DeletePattern(c *gin.Context) {
	if err := h.policyService.DeletePattern(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}

// ValidateCommand 用当前名单校验命令
func (h *SafetyHandler) ValidateCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
		OSType  string `json:"os_type" binding:"omitempty,oneof=linux windows"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}
	verdict, err := h.policyService.ValidateCommand(c.Request.Context(), req.Command, req.OSType)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, verdict)
}

// ========== 闸门预演 ==========

// Evaluate 只读预演安全闸门，不消耗限流名额也不占用半开试探
func (h *SafetyHandler) Evaluate(c *gin.Context) {
	var req services.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}
	result, err := h.policyService.Evaluate(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}
