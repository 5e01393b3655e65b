package handlers

import (
	"arp/internal/models"
	"arp/internal/services"
	"arp/pkg/pagination"
	"arp/pkg/response"

	"github.com/gin-gonic/gin"
)

// ServerHandler 服务器清单处理器
type ServerHandler struct {
	serverService *services.ServerService
}

// NewServerHandler 创建服务器处理器实例
func NewServerHandler(serverService *services.ServerService) *ServerHandler {
	return &ServerHandler{serverService: serverService}
}

type serverRequest struct {
	Name          string   `json:"name" binding:"required,min=1,max=200"`
	Hostname      string   `json:"hostname" binding:"required,max=255"`
	Port          int      `json:"port" binding:"omitempty,min=1,max=65535"`
	OSType        string   `json:"os_type" binding:"required,oneof=linux windows"`
	Username      string   `json:"username" binding:"max=100"`
	CredentialRef string   `json:"credential_ref" binding:"max=100"`
	Environment   string   `json:"environment" binding:"max=50"`
	Tags          []string `json:"tags"`
	Enabled       *bool    `json:"enabled"`
}

func (r *serverRequest) toModel() *models.Server {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &models.Server{
		Name:          r.Name,
		Hostname:      r.Hostname,
		Port:          r.Port,
		OSType:        r.OSType,
		Username:      r.Username,
		CredentialRef: r.CredentialRef,
		Environment:   r.Environment,
		Tags:          r.Tags,
		Enabled:       enabled,
	}
}

// Create 登记服务器
func (h *ServerHandler) Create(c *gin.Context) {
	var req serverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	server, err := h.serverService.Create(c.Request.Context(), req.toModel())
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", server)
}

// List 获取服务器列表
func (h *ServerHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c)
	items, total, err := h.serverService.List(c.Request.Context(), params)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithPage(c, items, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 获取服务器详情
func (h *ServerHandler) Get(c *gin.Context) {
	server, err := h.serverService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, server)
}

// Update 更新服务器
func (h *ServerHandler) Update(c *gin.Context) {
	var req serverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, bindError(err))
		return
	}

	server, err := h.serverService.Update(c.Request.Context(), c.Param("id"), req.toModel())
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", server)
}

// Delete 删除服务器
func (h *ServerHandler) Delete(c *gin.Context) {
	if err := h.serverService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}

// TestConnection 测试服务器连通性
func (h *ServerHandler) TestConnection(c *gin.Context) {
	result, err := h.serverService.TestConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}
