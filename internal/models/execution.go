package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// 执行模式
const (
	ExecutionModeManual    = "manual"
	ExecutionModeAutomatic = "automatic"
	ExecutionModeScheduled = "scheduled"
)

// 执行状态
const (
	ExecutionStatusPending         = "pending"
	ExecutionStatusPendingApproval = "pending_approval"
	ExecutionStatusApproved        = "approved"
	ExecutionStatusRejected        = "rejected"
	ExecutionStatusRunning         = "running"
	ExecutionStatusCompleted       = "completed"
	ExecutionStatusFailed          = "failed"
	ExecutionStatusRolledBack      = "rolled_back"
	ExecutionStatusCancelled       = "cancelled"
)

// ActiveExecutionStatuses 非终态
var ActiveExecutionStatuses = []string{
	ExecutionStatusPending,
	ExecutionStatusPendingApproval,
	ExecutionStatusApproved,
	ExecutionStatusRunning,
}

// IsTerminalStatus 是否终态
func IsTerminalStatus(status string) bool {
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRolledBack,
		ExecutionStatusCancelled, ExecutionStatusRejected:
		return true
	}
	return false
}

// RunbookExecution 运维手册执行记录
type RunbookExecution struct {
	BaseModel
	RunbookID       string         `gorm:"size:36;not null;index" json:"runbook_id"`
	RunbookName     string         `gorm:"size:200" json:"runbook_name"`
	RunbookVersion  int            `json:"runbook_version"`
	RunbookSnapshot datatypes.JSON `gorm:"type:jsonb" json:"runbook_snapshot"`

	// 来源
	AlertID        string `gorm:"size:100;index" json:"alert_id,omitempty"`
	ServerID       string `gorm:"size:36;index" json:"server_id,omitempty"`
	TriggerID      string `gorm:"size:36" json:"trigger_id,omitempty"`
	ScheduledJobID string `gorm:"size:36;index" json:"scheduled_job_id,omitempty"`
	ExecutionMode  string `gorm:"size:20;not null;index" json:"execution_mode"`
	RequestedBy    string `gorm:"size:100" json:"requested_by"`

	Status string `gorm:"size:30;not null;index" json:"status"`
	DryRun bool   `json:"dry_run"`

	// 审批
	ApprovalToken       *string    `gorm:"size:64;uniqueIndex" json:"-"`
	ApprovalRequestedAt *time.Time `json:"approval_requested_at,omitempty"`
	ApprovalExpiresAt   *time.Time `gorm:"index" json:"approval_expires_at,omitempty"`
	ApprovedBy          string     `gorm:"size:100" json:"approved_by,omitempty"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
	RejectedBy          string     `gorm:"size:100" json:"rejected_by,omitempty"`
	RejectionReason     string     `gorm:"size:500" json:"rejection_reason,omitempty"`

	// 时间
	QueuedAt    time.Time  `gorm:"not null" json:"queued_at"`
	StartedAt   *time.Time `gorm:"index" json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// 计数
	StepsTotal       int  `json:"steps_total"`
	StepsCompleted   int  `json:"steps_completed"`
	StepsFailed      int  `json:"steps_failed"`
	StepsSkipped     int  `json:"steps_skipped"`
	RollbackExecuted bool `json:"rollback_executed"`

	// 取消
	CancelRequested bool   `json:"cancel_requested"`
	CancelledBy     string `gorm:"size:100" json:"cancelled_by,omitempty"`

	// 结果
	ErrorKind    string            `gorm:"size:30" json:"error_kind,omitempty"`
	ErrorMessage string            `gorm:"type:text" json:"error_message,omitempty"`
	Variables    datatypes.JSONMap `gorm:"type:jsonb" json:"variables"`

	StepExecutions []StepExecution `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"step_executions,omitempty"`
}

// TableName 指定表名
func (RunbookExecution) TableName() string {
	return "runbook_executions"
}

// NewRunbookSnapshot 序列化运维手册快照
func NewRunbookSnapshot(rb *Runbook) (datatypes.JSON, error) {
	data, err := json.Marshal(rb)
	if err != nil {
		return nil, fmt.Errorf("序列化运维手册快照失败: %v", err)
	}
	return datatypes.JSON(data), nil
}

// Snapshot 还原执行时的运维手册
func (e *RunbookExecution) Snapshot() (*Runbook, error) {
	if len(e.RunbookSnapshot) == 0 {
		return nil, fmt.Errorf("执行 %s 缺少运维手册快照", e.ID)
	}
	var rb Runbook
	if err := json.Unmarshal(e.RunbookSnapshot, &rb); err != nil {
		return nil, fmt.Errorf("解析运维手册快照失败: %v", err)
	}
	return &rb, nil
}

// 步骤执行状态
const (
	StepStatusSuccess = "success"
	StepStatusFailed  = "failed"
	StepStatusSkipped = "skipped"
)

// 步骤阶段
const (
	StepPhaseForward  = "main"
	StepPhaseRollback = "rollback"
)

// StepExecution 单次步骤尝试，只追加不修改
type StepExecution struct {
	BaseModel
	ExecutionID  string `gorm:"size:36;not null;index" json:"execution_id"`
	StepOrder    int    `gorm:"not null" json:"step_order"`
	StepName     string `gorm:"size:200" json:"step_name"`
	StepType     string `gorm:"size:20" json:"step_type"`
	Phase        string `gorm:"size:20;not null" json:"phase"`
	RetryAttempt int    `gorm:"default:0" json:"retry_attempt"`
	Status       string `gorm:"size:20;not null" json:"status"`

	// 解析后的命令或请求
	ResolvedCommand string `gorm:"type:text" json:"resolved_command,omitempty"`
	RequestMethod   string `gorm:"size:10" json:"request_method,omitempty"`
	RequestURL      string `gorm:"type:text" json:"request_url,omitempty"`
	RequestBody     string `gorm:"type:text" json:"request_body,omitempty"`

	// 输出
	Stdout         string            `gorm:"type:text" json:"stdout,omitempty"`
	Stderr         string            `gorm:"type:text" json:"stderr,omitempty"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	HTTPStatusCode *int              `json:"http_status_code,omitempty"`
	ResponseBody   string            `gorm:"type:text" json:"response_body,omitempty"`
	ExtractedVars  datatypes.JSONMap `gorm:"type:jsonb" json:"extracted_values,omitempty"`

	FailureKind  string `gorm:"size:30" json:"failure_kind,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// TableName 指定表名
func (StepExecution) TableName() string {
	return "step_executions"
}
