package handlers

import (
	"errors"
	"io"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/internal/services"
	"arp/pkg/pagination"
	"arp/pkg/response"

	"github.com/gin-gonic/gin"
)

// ExecutionHandler 告警接入、执行查询、审批与取消
type ExecutionHandler struct {
	executionService *services.ExecutionService
}

// NewExecutionHandler 创建执行处理器
func NewExecutionHandler(executionService *services.ExecutionService) *ExecutionHandler {
	return &ExecutionHandler{executionService: executionService}
}

// ReceiveAlert 接收归一化告警并按触发器创建执行
func (h *ExecutionHandler) ReceiveAlert(c *gin.Context) {
	var alert models.Alert
	if err := c.ShouldBindJSON(&alert); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	result, err := h.executionService.HandleAlert(c.Request.Context(), &alert)
	if err != nil {
		fail(c, err)
		return
	}
	if !result.Matched {
		response.SuccessWithMessage(c, "没有匹配的触发器", result)
		return
	}
	response.Success(c, result)
}

// List 获取执行列表
func (h *ExecutionHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c)
	filter := repository.ExecutionFilter{
		RunbookID:      c.Query("runbook_id"),
		ServerID:       c.Query("server_id"),
		ScheduledJobID: c.Query("scheduled_job_id"),
		Status:         c.Query("status"),
		ExecutionMode:  c.Query("execution_mode"),
	}

	items, total, err := h.executionService.List(c.Request.Context(), filter, params)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithPage(c, items, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 获取执行详情，包含每个步骤的尝试记录
func (h *ExecutionHandler) Get(c *gin.Context) {
	exec, err := h.executionService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, exec)
}

// Cancel 取消执行
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	exec, err := h.executionService.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "已取消", exec)
}

// Approve 审批通过
func (h *ExecutionHandler) Approve(c *gin.Context) {
	exec, err := h.executionService.Approve(c.Request.Context(), c.Param("token"), actorFrom(c), rolesFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "审批通过", exec)
}

// Reject 审批拒绝
func (h *ExecutionHandler) Reject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, bindError(err))
		return
	}

	exec, err := h.executionService.Reject(c.Request.Context(), c.Param("token"), actorFrom(c), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "已拒绝", exec)
}
