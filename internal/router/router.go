package router

import (
	"arp/internal/handlers"
	"arp/internal/metrics"
	"arp/internal/middleware"
	"arp/pkg/config"

	"github.com/gin-gonic/gin"
)

// Handlers 路由用到的全部处理器
type Handlers struct {
	System       *handlers.SystemHandler
	Runbook      *handlers.RunbookHandler
	Execution    *handlers.ExecutionHandler
	Safety       *handlers.SafetyHandler
	ScheduledJob *handlers.ScheduledJobHandler
	Server       *handlers.ServerHandler
	WebSocket    *handlers.WebSocketHandler
}

// SetupRouter 设置路由
func SetupRouter(h *Handlers, cors config.CORSConfig) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(middleware.RequestLogger())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.SetupCORS(cors))
	router.Use(metrics.GinMiddleware())

	// 注册路由
	registerRoutes(router, h)
	return router
}

// 注册所有路由
func registerRoutes(router *gin.Engine, h *Handlers) {
	api := router.Group("/api/v1")
	{
		api.GET("/health", h.System.Health)
		api.GET("/metrics", gin.WrapH(metrics.Handler()))

		// 告警接入
		api.POST("/alerts", h.Execution.ReceiveAlert)

		// 运维手册
		runbooks := api.Group("/runbooks")
		{
			runbooks.POST("", h.Runbook.Create)
			runbooks.GET("", h.Runbook.List)
			runbooks.POST("/import", h.Runbook.Import)
			runbooks.GET("/:id", h.Runbook.Get)
			runbooks.PUT("/:id", h.Runbook.Update)
			runbooks.DELETE("/:id", h.Runbook.Delete)
			runbooks.GET("/:id/export", h.Runbook.Export)
			runbooks.POST("/:id/execute", h.Runbook.Execute)
		}

		// 执行记录
		executions := api.Group("/executions")
		{
			executions.GET("", h.Execution.List)
			executions.GET("/:id", h.Execution.Get)
			executions.POST("/:id/cancel", h.Execution.Cancel)
		}

		// 审批
		approvals := api.Group("/approvals")
		{
			approvals.POST("/:token/approve", h.Execution.Approve)
			approvals.POST("/:token/reject", h.Execution.Reject)
		}

		// 熔断器
		breakers := api.Group("/circuit-breakers")
		{
			breakers.GET("", h.Safety.ListBreakers)
			breakers.POST("/:scope/:scope_id/open", h.Safety.OpenBreaker)
			breakers.POST("/:scope/:scope_id/clear", h.Safety.ClearBreaker)
		}

		// 维护窗口
		windows := api.Group("/blackout-windows")
		{
			windows.POST("", h.Safety.CreateBlackoutWindow)
			windows.GET("", h.Safety.ListBlackoutWindows)
			windows.GET("/:id", h.Safety.GetBlackoutWindow)
			windows.PUT("/:id", h.Safety.UpdateBlackoutWindow)
			windows.DELETE("/:id", h.Safety.DeleteBlackoutWindow)
		}

		// 命令黑白名单
		patterns := api.Group("/command-patterns")
		{
			patterns.POST("", h.Safety.CreatePattern)
			patterns.GET("", h.Safety.ListPatterns)
			patterns.POST("/validate", h.Safety.ValidateCommand)
			patterns.GET("/:id", h.Safety.GetPattern)
			patterns.PUT("/:id", h.Safety.UpdatePattern)
			patterns.DELETE("/:id", h.Safety.DeletePattern)
		}

		api.POST("/safety/evaluate", h.Safety.Evaluate)

		// 定时任务
		jobs := api.Group("/scheduled-jobs")
		{
			jobs.POST("", h.ScheduledJob.Create)
			jobs.GET("", h.ScheduledJob.List)
			jobs.GET("/:id", h.ScheduledJob.Get)
			jobs.PUT("/:id", h.ScheduledJob.Update)
			jobs.DELETE("/:id", h.ScheduledJob.Delete)
		}

		// 服务器清单
		servers := api.Group("/servers")
		{
			servers.POST("", h.Server.Create)
			servers.GET("", h.Server.List)
			servers.GET("/:id", h.Server.Get)
			servers.PUT("/:id", h.Server.Update)
			servers.DELETE("/:id", h.Server.Delete)
			servers.POST("/:id/test", h.Server.TestConnection)
		}

		// 执行事件推送
		api.GET("/ws/events", h.WebSocket.Events)
	}
}
