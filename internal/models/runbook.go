package models

// Runbook 运维手册，按顺序执行的修复步骤集合
type Runbook struct {
	BaseModel

	// 基本信息
	Name        string   `gorm:"size:200;not null;uniqueIndex" json:"name"`
	Description string   `gorm:"size:1000" json:"description"`
	Category    string   `gorm:"size:100;index" json:"category"`
	Tags        []string `gorm:"type:jsonb;serializer:json" json:"tags"`
	Enabled     bool     `gorm:"index" json:"enabled"`

	// 执行控制
	AutoExecute            bool     `json:"auto_execute"`
	ApprovalRequired       bool     `json:"approval_required"`
	ApprovalRoles          []string `gorm:"type:jsonb;serializer:json" json:"approval_roles"`
	ApprovalTimeoutMinutes int      `gorm:"default:30" json:"approval_timeout_minutes"`
	MaxExecutionsPerHour   int      `gorm:"default:0" json:"max_executions_per_hour"` // 0 表示不限制
	CooldownMinutes        int      `gorm:"default:0" json:"cooldown_minutes"`
	TargetOSFilter         string   `gorm:"size:20" json:"target_os_filter"` // linux/windows/空表示不限

	// 版本
	Version  int    `gorm:"default:1" json:"version"`
	Checksum string `gorm:"size:64" json:"checksum"`

	// 审计
	CreatedBy string `gorm:"size:100" json:"created_by"`
	UpdatedBy string `gorm:"size:100" json:"updated_by"`

	// 关联
	Steps    []RunbookStep    `gorm:"foreignKey:RunbookID;constraint:OnDelete:CASCADE" json:"steps"`
	Triggers []RunbookTrigger `gorm:"foreignKey:RunbookID;constraint:OnDelete:CASCADE" json:"triggers"`
}

// TableName 指定表名
func (Runbook) TableName() string {
	return "runbooks"
}

// 步骤类型
const (
	StepTypeCommand = "command"
	StepTypeAPI     = "api"
)

// RunbookStep 运维手册步骤；Command 与 API 二选一，由 StepType 决定
type RunbookStep struct {
	BaseModel
	RunbookID string `gorm:"size:36;not null;uniqueIndex:idx_runbook_step_order" json:"runbook_id"`
	StepOrder int    `gorm:"not null;uniqueIndex:idx_runbook_step_order" json:"step_order"`
	Name      string `gorm:"size:200;not null" json:"name"`
	StepType  string `gorm:"size:20;not null" json:"step_type"`

	// 执行控制
	TimeoutSeconds    int  `gorm:"default:60" json:"timeout_seconds"`
	RetryCount        int  `gorm:"default:0" json:"retry_count"`
	RetryDelaySeconds int  `gorm:"default:0" json:"retry_delay_seconds"`
	ContinueOnFail    bool `json:"continue_on_fail"`

	// 变量传递
	OutputVariable string `gorm:"size:100" json:"output_variable"`
	RunIfVariable  string `gorm:"size:100" json:"run_if_variable"`
	RunIfValue     string `gorm:"size:500" json:"run_if_value"`

	Command *CommandAction `gorm:"type:jsonb;serializer:json" json:"command,omitempty"`
	API     *APIAction     `gorm:"type:jsonb;serializer:json" json:"api,omitempty"`
}

// TableName 指定表名
func (RunbookStep) TableName() string {
	return "runbook_steps"
}

// CommandAction 远程命令步骤
type CommandAction struct {
	Linux                 string `json:"linux,omitempty" yaml:"linux,omitempty"`
	Windows               string `json:"windows,omitempty" yaml:"windows,omitempty"`
	TargetOS              string `json:"target_os,omitempty" yaml:"target_os,omitempty"` // linux/windows/any
	ExpectedExitCode      int    `json:"expected_exit_code" yaml:"expected_exit_code"`
	ExpectedOutputPattern string `json:"expected_output_pattern,omitempty" yaml:"expected_output_pattern,omitempty"`
	RollbackLinux         string `json:"rollback_linux,omitempty" yaml:"rollback_linux,omitempty"`
	RollbackWindows       string `json:"rollback_windows,omitempty" yaml:"rollback_windows,omitempty"`
}

// CommandFor 按操作系统选择命令
func (c *CommandAction) CommandFor(osType string) string {
	if osType == OSWindows {
		return c.Windows
	}
	return c.Linux
}

// RollbackFor 按操作系统选择回滚命令
func (c *CommandAction) RollbackFor(osType string) string {
	if osType == OSWindows {
		return c.RollbackWindows
	}
	return c.RollbackLinux
}

// APIAction HTTP 调用步骤
type APIAction struct {
	Method              string            `json:"method" yaml:"method"`
	Endpoint            string            `json:"endpoint" yaml:"endpoint"`
	Headers             map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body                string            `json:"body,omitempty" yaml:"body,omitempty"`
	ExpectedStatusCodes []int             `json:"expected_status_codes,omitempty" yaml:"expected_status_codes,omitempty"`
	RetryOnStatusCodes  []int             `json:"retry_on_status_codes,omitempty" yaml:"retry_on_status_codes,omitempty"`
	Extract             []ExtractRule     `json:"extract,omitempty" yaml:"extract,omitempty"`
	Rollback            *APIRequest       `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// APIRequest 回滚请求
type APIRequest struct {
	Method   string            `json:"method" yaml:"method"`
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body     string            `json:"body,omitempty" yaml:"body,omitempty"`
}

// 提取规则类型
const (
	ExtractJSONPath = "jsonpath"
	ExtractRegex    = "regex"
	ExtractHeader   = "header"
)

// ExtractRule 响应提取规则
type ExtractRule struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`             // jsonpath/regex/header
	Expression string `json:"expression" yaml:"expression"` // regex 取第一个分组
}

// HasRollback 步骤是否定义了回滚动作
func (s *RunbookStep) HasRollback(osType string) bool {
	switch s.StepType {
	case StepTypeCommand:
		return s.Command != nil && s.Command.RollbackFor(osType) != ""
	case StepTypeAPI:
		return s.API != nil && s.API.Rollback != nil && s.API.Rollback.Endpoint != ""
	}
	return false
}

// RunbookTrigger 告警触发器
type RunbookTrigger struct {
	BaseModel
	RunbookID string `gorm:"size:36;not null;index" json:"runbook_id"`
	Name      string `gorm:"size:200" json:"name"`

	// 匹配模式：* 或空表示任意；否则精确、通配符或正则
	AlertNamePattern string `gorm:"size:500" json:"alert_name_pattern"`
	SeverityPattern  string `gorm:"size:100" json:"severity_pattern"`
	InstancePattern  string `gorm:"size:500" json:"instance_pattern"`
	JobPattern       string `gorm:"size:200" json:"job_pattern"`

	LabelMatchers      map[string]string `gorm:"type:jsonb;serializer:json" json:"label_matchers"`
	AnnotationMatchers map[string]string `gorm:"type:jsonb;serializer:json" json:"annotation_matchers"`

	MinDurationSeconds int  `gorm:"default:0" json:"min_duration_seconds"`
	MinOccurrences     int  `gorm:"default:0" json:"min_occurrences"`
	Priority           int  `gorm:"default:100;index" json:"priority"` // 数字越小优先级越高
	Enabled            bool `gorm:"index" json:"enabled"`
}

// TableName 指定表名
func (RunbookTrigger) TableName() string {
	return "runbook_triggers"
}
