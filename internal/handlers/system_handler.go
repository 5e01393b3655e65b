package handlers

import (
	"context"
	"net/http"
	"time"

	"arp/internal/services"
	"arp/pkg/queue"

	"github.com/gin-gonic/gin"
)

// HealthCheck 依赖探活，返回 nil 表示正常
type HealthCheck func(ctx context.Context) error

// SystemHandler 系统处理器
type SystemHandler struct {
	queue  queue.ExecutionQueue
	hub    *services.EventHub
	checks map[string]HealthCheck
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(q queue.ExecutionQueue, hub *services.EventHub, checks map[string]HealthCheck) *SystemHandler {
	return &SystemHandler{queue: q, hub: hub, checks: checks}
}

// Health 健康检查，任一依赖异常时返回 503
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := gin.H{
		"status":       status,
		"dependencies": deps,
		"time":         time.Now().UTC(),
	}
	if n, err := h.queue.Len(ctx); err == nil {
		body["queue_depth"] = n
	}
	if h.hub != nil {
		body["ws_subscribers"] = h.hub.Subscribers()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}
