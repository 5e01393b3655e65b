package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/internal/services"
	"arp/pkg/pagination"
	"arp/pkg/response"

	"github.com/gin-gonic/gin"
)

// RunbookHandler 运维手册处理器
type RunbookHandler struct {
	runbookService   *services.RunbookService
	executionService *services.ExecutionService
}

// NewRunbookHandler 创建运维手册处理器
func NewRunbookHandler(runbookService *services.RunbookService, executionService *services.ExecutionService) *RunbookHandler {
	return &RunbookHandler{
		runbookService:   runbookService,
		executionService: executionService,
	}
}

// Create 创建运维手册
func (h *RunbookHandler) Create(c *gin.Context) {
	var rb models.Runbook
	if err := c.ShouldBindJSON(&rb); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	created, err := h.runbookService.Create(c.Request.Context(), &rb, actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", created)
}

// List 获取运维手册列表
func (h *RunbookHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c)

	filter := repository.RunbookFilter{
		Name:     c.Query("name"),
		Category: c.Query("category"),
	}
	switch c.Query("enabled") {
	case "true":
		enabled := true
		filter.Enabled = &enabled
	case "false":
		enabled := false
		filter.Enabled = &enabled
	}

	items, total, err := h.runbookService.List(c.Request.Context(), filter, params)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithPage(c, items, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 获取运维手册详情
func (h *RunbookHandler) Get(c *gin.Context) {
	rb, err := h.runbookService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, rb)
}

// Update 更新运维手册，步骤和触发器整体替换
func (h *RunbookHandler) Update(c *gin.Context) {
	var rb models.Runbook
	if err := c.ShouldBindJSON(&rb); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	updated, err := h.runbookService.Update(c.Request.Context(), c.Param("id"), &rb, actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", updated)
}

// Delete 删除运维手册
func (h *RunbookHandler) Delete(c *gin.Context) {
	if err := h.runbookService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}

// Import 导入 YAML 定义，同名运维手册按更新处理
func (h *RunbookHandler) Import(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		response.BadRequest(c, "请求体不能为空")
		return
	}

	rb, err := h.runbookService.Import(c.Request.Context(), data, actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "导入成功", rb)
}

// Export 导出 YAML 定义
func (h *RunbookHandler) Export(c *gin.Context) {
	data, err := h.runbookService.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", c.Param("id")+".yaml"))
	c.Data(http.StatusOK, "application/x-yaml", data)
}

// Execute 手动执行运维手册
func (h *RunbookHandler) Execute(c *gin.Context) {
	var req services.ExecutionRequest
	// 请求体可以为空
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, bindError(err))
		return
	}
	req.RunbookID = c.Param("id")
	req.Mode = models.ExecutionModeManual
	req.RequestedBy = actorFrom(c)

	exec, err := h.executionService.CreateExecution(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "已提交执行", exec)
}
