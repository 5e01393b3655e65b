package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"arp/internal/database"
	"arp/internal/handlers"
	"arp/internal/repository"
	"arp/internal/router"
	"arp/internal/services"
	"arp/pkg/config"
	"arp/pkg/connector"
	"arp/pkg/logger"
	"arp/pkg/queue"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting runbook execution engine...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]handlers.HealthCheck)

	// 存储
	var store repository.Store
	switch cfg.Store.Driver {
	case "memory":
		appLogger.Warn("Using in-memory store, data will not survive restarts")
		store = repository.NewMemoryStore()
	default:
		if err := database.Initialize(cfg); err != nil {
			appLogger.Fatalf("Failed to initialize database: %v", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				appLogger.Error("Failed to close database:", err)
			}
		}()
		if err := database.Migrate(); err != nil {
			appLogger.Fatalf("Failed to migrate database: %v", err)
		}
		store = repository.NewGormStore(database.GetDB())
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := database.GetDB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}

	if err := seedData(ctx, store); err != nil {
		appLogger.Fatalf("Failed to initialize seed data: %v", err)
	}

	// 队列和事件
	hub := services.NewEventHub()
	var (
		execQueue  queue.ExecutionQueue
		redisQueue *queue.RedisQueue
		sink       services.EventSink
	)
	if cfg.Engine.QueueBackend == "redis" || cfg.Store.RateLimitBackend == "redis" {
		redisQueue = database.GetRedisQueue()
		defer func() {
			if err := database.CloseRedisQueue(); err != nil {
				appLogger.Error("Failed to close Redis:", err)
			}
		}()
		checks["redis"] = redisQueue.Ping
	}
	if cfg.Engine.QueueBackend == "redis" {
		execQueue = redisQueue
		// 多实例时事件经 Redis 频道回到各实例的事件中心
		sink = services.MultiSink{services.NewLogSink(), services.NewRedisEventSink(redisQueue)}
	} else {
		execQueue = queue.NewMemoryQueue(cfg.Engine.QueueSize)
		sink = services.MultiSink{services.NewLogSink(), hub}
	}

	var rateStore repository.RateLimitStore = store
	if cfg.Store.RateLimitBackend == "redis" {
		rateStore = repository.NewRedisRateLimitStore(database.GetRedisClient(), cfg.Redis.Prefix)
	}

	// 远程连接
	sshConnector, err := connector.NewSSHConnector(cfg.SSH.ConnectTimeout, cfg.SSH.KnownHostsFile)
	if err != nil {
		appLogger.Fatalf("Failed to initialize SSH connector: %v", err)
	}
	if cfg.SSH.KnownHostsFile == "" {
		appLogger.Warn("SSH_KNOWN_HOSTS not set, host keys will not be verified")
	}

	credentials := services.NewCredentialResolver(cfg.SSH)

	// 安全闸门
	breakers := services.NewCircuitBreakerService(store, services.BreakerSettings{
		FailureThreshold:     cfg.Safety.FailureThreshold,
		FailureWindowMinutes: cfg.Safety.FailureWindowMinutes,
		OpenDurationMinutes:  cfg.Safety.OpenDurationMinutes,
	})
	limiter := services.NewRateLimiter(rateStore, store)
	validator := services.NewCommandValidator(store)
	gate := services.NewSafetyGate(validator, services.NewBlackoutEvaluator(store), breakers, limiter, cfg.Safety.GlobalMaxExecutionsHour)

	// 执行引擎
	executionService := services.NewExecutionService(services.ExecutionServiceOptions{
		Store:                  store,
		Gate:                   gate,
		Breakers:               breakers,
		Executor:               services.NewStepExecutor(sshConnector, connector.NewHTTPConnector(nil)),
		Targets:                credentials,
		Matcher:                services.NewTriggerMatcher(store),
		Queue:                  execQueue,
		Events:                 sink,
		DefaultApprovalTimeout: cfg.Engine.DefaultApprovalTimeout,
		DefaultStepTimeout:     cfg.Engine.DefaultStepTimeout,
	})
	// 多实例共享存储时只应由一个实例开启
	if cfg.Engine.RecoverOnStart {
		if _, err := executionService.Recover(ctx); err != nil {
			appLogger.Fatalf("Failed to recover executions: %v", err)
		}
	}

	scheduler := services.NewSchedulerService(store, executionService, cfg.Engine.SchedulerTick)
	workers := services.NewWorkerPool(execQueue, executionService, cfg.Engine.Workers)

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	r := router.SetupRouter(&router.Handlers{
		System:       handlers.NewSystemHandler(execQueue, hub, checks),
		Runbook:      handlers.NewRunbookHandler(services.NewRunbookService(store, cfg.Engine.DefaultStepTimeout), executionService),
		Execution:    handlers.NewExecutionHandler(executionService),
		Safety:       handlers.NewSafetyHandler(services.NewSafetyPolicyService(store, store, validator, gate, limiter), breakers),
		ScheduledJob: handlers.NewScheduledJobHandler(scheduler),
		Server:       handlers.NewServerHandler(services.NewServerService(store, credentials, sshConnector)),
		WebSocket:    handlers.NewWebSocketHandler(hub, cfg.CORS.AllowOrigins),
	}, cfg.CORS)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Infof("Server started on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return workers.Run(gctx)
	})

	g.Go(func() error {
		if err := scheduler.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	if cfg.Engine.QueueBackend == "redis" {
		g.Go(func() error {
			return services.BridgeRedisEvents(gctx, redisQueue, hub)
		})
	}

	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Errorf("Server exited with error: %v", err)
		return
	}
	appLogger.Info("Server exited")
}
