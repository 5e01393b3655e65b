package models

import (
	"time"
)

// 熔断器作用域
const (
	BreakerScopeGlobal  = "global"
	BreakerScopeRunbook = "runbook"
	BreakerScopeServer  = "server"

	// GlobalScopeID 全局作用域的固定 ID
	GlobalScopeID = "global"
)

// 熔断器状态
const (
	BreakerStateClosed   = "closed"
	BreakerStateOpen     = "open"
	BreakerStateHalfOpen = "half_open"
)

// CircuitBreaker 熔断器，按 (scope, scope_id) 唯一
type CircuitBreaker struct {
	BaseModel
	Scope   string `gorm:"size:20;not null;uniqueIndex:idx_breaker_scope" json:"scope"`
	ScopeID string `gorm:"size:100;not null;uniqueIndex:idx_breaker_scope" json:"scope_id"`
	State   string `gorm:"size:20;not null" json:"state"`

	// 滚动窗口计数
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	WindowStartedAt *time.Time `json:"window_started_at,omitempty"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`

	// 阈值
	FailureThreshold     int `json:"failure_threshold"`
	FailureWindowMinutes int `json:"failure_window_minutes"`
	OpenDurationMinutes  int `json:"open_duration_minutes"`

	OpenedAt *time.Time `json:"opened_at,omitempty"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`

	// 半开状态下占用试探名额的执行
	TrialExecutionID string `gorm:"size:36" json:"trial_execution_id,omitempty"`

	// 人工干预
	ManuallyOpened bool   `json:"manually_opened"`
	ManualReason   string `gorm:"size:500" json:"manual_reason,omitempty"`
	ManualActor    string `gorm:"size:100" json:"manual_actor,omitempty"`

	// 乐观锁版本号
	Revision int64 `gorm:"not null;default:0" json:"revision"`
}

// TableName 指定表名
func (CircuitBreaker) TableName() string {
	return "circuit_breakers"
}

// 限流作用域
const (
	RateScopeGlobal  = "global"
	RateScopeRunbook = "runbook"
)

// ExecutionRateLimit 固定窗口执行计数
type ExecutionRateLimit struct {
	BaseModel
	Scope          string    `gorm:"size:20;not null;uniqueIndex:idx_rate_limit_window" json:"scope"`
	ScopeID        string    `gorm:"size:100;not null;uniqueIndex:idx_rate_limit_window" json:"scope_id"`
	WindowStart    time.Time `gorm:"not null;uniqueIndex:idx_rate_limit_window" json:"window_start"`
	ExecutionCount int       `gorm:"not null;default:0" json:"execution_count"`
}

// TableName 指定表名
func (ExecutionRateLimit) TableName() string {
	return "execution_rate_limits"
}

// 维护窗口类型
const (
	BlackoutOneOff    = "one_off"
	BlackoutRecurring = "recurring"
)

// 维护窗口适用范围
const (
	AppliesToAll              = "all"
	AppliesToAutoOnly         = "auto_only"
	AppliesToSpecificRunbooks = "specific_runbooks"
)

// BlackoutWindow 维护窗口，窗口内禁止执行
type BlackoutWindow struct {
	BaseModel
	Name        string `gorm:"size:200;not null" json:"name"`
	Description string `gorm:"size:1000" json:"description"`
	WindowType  string `gorm:"size:20;not null" json:"window_type"`

	// 一次性窗口
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// 周期窗口，HH:MM，结束早于开始表示跨零点
	DailyStartTime string `gorm:"size:5" json:"daily_start_time,omitempty"`
	DailyEndTime   string `gorm:"size:5" json:"daily_end_time,omitempty"`
	DaysOfWeek     []int  `gorm:"type:jsonb;serializer:json" json:"days_of_week,omitempty"`  // 0=周日
	DaysOfMonth    []int  `gorm:"type:jsonb;serializer:json" json:"days_of_month,omitempty"` // 1-31
	Timezone       string `gorm:"size:64" json:"timezone"`

	AppliesTo  string   `gorm:"size:30;not null" json:"applies_to"`
	RunbookIDs []string `gorm:"type:jsonb;serializer:json" json:"runbook_ids,omitempty"`
	Enabled    bool     `gorm:"index" json:"enabled"`
	CreatedBy  string   `gorm:"size:100" json:"created_by"`
}

// TableName 指定表名
func (BlackoutWindow) TableName() string {
	return "blackout_windows"
}

// 命令名单类型
const (
	PatternListAllow = "allowlist"
	PatternListBlock = "blocklist"
)

// 匹配方式
const (
	PatternTypeRegex    = "regex"
	PatternTypeContains = "contains"
)

// CommandPattern 命令白名单/黑名单条目
type CommandPattern struct {
	BaseModel
	ListType    string `gorm:"size:20;not null;index" json:"list_type"`
	Pattern     string `gorm:"size:1000;not null" json:"pattern"`
	PatternType string `gorm:"size:20;not null" json:"pattern_type"`
	OSType      string `gorm:"size:20;not null" json:"os_type"` // linux/windows/any
	Severity    string `gorm:"size:20" json:"severity,omitempty"`
	Description string `gorm:"size:500" json:"description"`
	Enabled     bool   `gorm:"index" json:"enabled"`
}

// TableName 指定表名
func (CommandPattern) TableName() string {
	return "command_patterns"
}

// Label 拒绝原因中展示的描述
func (p *CommandPattern) Label() string {
	if p.Description != "" {
		return p.Description
	}
	return p.Pattern
}
