package database

import (
	"arp/internal/models"
	"arp/pkg/logger"
)

// Migrate 执行数据库迁移
func Migrate() error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	err := DB.AutoMigrate(
		// 运维手册
		&models.Runbook{},
		&models.RunbookStep{},
		&models.RunbookTrigger{},
		&models.Server{},
		// 执行记录
		&models.RunbookExecution{},
		&models.StepExecution{},
		// 安全策略
		&models.CircuitBreaker{},
		&models.ExecutionRateLimit{},
		&models.BlackoutWindow{},
		&models.CommandPattern{},
		// 定时任务
		&models.ScheduledJob{},
	)

	if err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	appLogger.Info("Database migration completed successfully")
	return nil
}
