package models

import (
	"time"

	"gorm.io/datatypes"
)

// 调度类型
const (
	ScheduleTypeCron     = "cron"
	ScheduleTypeInterval = "interval"
	ScheduleTypeDate     = "date"
)

// 上次运行状态（其余取值与执行状态一致）
const (
	JobRunStatusSkipped = "skipped"
)

// ScheduledJob 定时执行运维手册
type ScheduledJob struct {
	BaseModel
	Name        string `gorm:"size:200;not null" json:"name"`
	Description string `gorm:"size:500" json:"description"`
	RunbookID   string `gorm:"size:36;not null;index" json:"runbook_id"`

	// 调度定义
	ScheduleType    string     `gorm:"size:20;not null" json:"schedule_type"`
	CronExpression  string     `gorm:"size:100" json:"cron_expression,omitempty"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	RunAt           *time.Time `json:"run_at,omitempty"`
	Timezone        string     `gorm:"size:64" json:"timezone"`

	// 执行参数
	TargetServerID      string            `gorm:"size:36" json:"target_server_id,omitempty"`
	Variables           datatypes.JSONMap `gorm:"type:jsonb" json:"variables,omitempty"`
	MaxInstances        int               `gorm:"default:1" json:"max_instances"`
	MisfireGraceSeconds int               `gorm:"default:300" json:"misfire_grace_time"`
	Enabled             bool              `gorm:"index" json:"enabled"`

	// 运行状态
	NextRunAt       *time.Time `gorm:"index" json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   string     `gorm:"size:30" json:"last_run_status,omitempty"`
	LastExecutionID string     `gorm:"size:36" json:"last_execution_id,omitempty"`
	RunCount        int64      `gorm:"default:0" json:"run_count"`
	FailureCount    int64      `gorm:"default:0" json:"failure_count"`

	CreatedBy string `gorm:"size:100" json:"created_by"`
}

// TableName 指定表名
func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}
