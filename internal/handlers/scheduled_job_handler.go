package handlers

import (
	"arp/internal/models"
	"arp/internal/services"
	"arp/pkg/pagination"
	"arp/pkg/response"

	"github.com/gin-gonic/gin"
)

// ScheduledJobHandler 定时任务处理器
type ScheduledJobHandler struct {
	schedulerService *services.SchedulerService
}

// NewScheduledJobHandler 创建定时任务处理器
func NewScheduledJobHandler(schedulerService *services.SchedulerService) *ScheduledJobHandler {
	return &ScheduledJobHandler{schedulerService: schedulerService}
}

// Create 创建定时任务
func (h *ScheduledJobHandler) Create(c *gin.Context) {
	var job models.ScheduledJob
	if err := c.ShouldBindJSON(&job); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	created, err := h.schedulerService.CreateJob(c.Request.Context(), &job, actorFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", created)
}

// List 获取定时任务列表
func (h *ScheduledJobHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c)
	items, total, err := h.schedulerService.ListJobs(c.Request.Context(), params)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithPage(c, items, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 获取定时任务详情，包含运行统计
func (h *ScheduledJobHandler) Get(c *gin.Context) {
	job, err := h.schedulerService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, job)
}

// Update 更新定时任务
func (h *ScheduledJobHandler) Update(c *gin.Context) {
	var job models.ScheduledJob
	if err := c.ShouldBindJSON(&job); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	updated, err := h.schedulerService.UpdateJob(c.Request.Context(), c.Param("id"), &job)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", updated)
}

// Delete 删除定时任务
func (h *ScheduledJobHandler) Delete(c *gin.Context) {
	if err := h.schedulerService.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}
