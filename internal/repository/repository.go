package repository

import (
	"context"
	"errors"
	"time"

	"arp/internal/models"
	"arp/pkg/pagination"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 条件更新未命中（状态或版本已变化）
	ErrConflict = errors.New("conflicting update")
)

// RunbookFilter 运维手册查询条件
type RunbookFilter struct {
	Name     string
	Category string
	Enabled  *bool
}

// ExecutionFilter 执行记录查询条件
type ExecutionFilter struct {
	RunbookID      string
	ServerID       string
	ScheduledJobID string
	Status         string
	ExecutionMode  string
}

// PatternFilter 命令名单查询条件
type PatternFilter struct {
	ListType    string
	OSType      string
	EnabledOnly bool
}

// TriggerCandidate 触发器及其所属运维手册
type TriggerCandidate struct {
	Trigger models.RunbookTrigger
	Runbook models.Runbook
}

// RunbookRepository 运维手册存储
type RunbookRepository interface {
	CreateRunbook(ctx context.Context, rb *models.Runbook) error
	// UpdateRunbook 更新基本信息并整体替换步骤与触发器
	UpdateRunbook(ctx context.Context, rb *models.Runbook) error
	GetRunbook(ctx context.Context, id string) (*models.Runbook, error)
	GetRunbookByName(ctx context.Context, name string) (*models.Runbook, error)
	ListRunbooks(ctx context.Context, filter RunbookFilter, page *pagination.PageParams) ([]models.Runbook, int64, error)
	DeleteRunbook(ctx context.Context, id string) error
	// ListActiveTriggers 启用的运维手册下所有启用的触发器
	ListActiveTriggers(ctx context.Context) ([]TriggerCandidate, error)
}

// ExecutionRepository 执行记录存储
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exec *models.RunbookExecution) error
	GetExecution(ctx context.Context, id string) (*models.RunbookExecution, error)
	GetExecutionByApprovalToken(ctx context.Context, token string) (*models.RunbookExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter, page *pagination.PageParams) ([]models.RunbookExecution, int64, error)
	// TransitionExecution 当前状态属于 from 时应用 mutate 并写回，否则返回 ErrConflict
	TransitionExecution(ctx context.Context, id string, from []string, mutate func(*models.RunbookExecution)) (*models.RunbookExecution, error)
	// SaveProgress 只写步骤计数与变量
	SaveProgress(ctx context.Context, exec *models.RunbookExecution) error
	// RequestCancel 为运行中的执行设置取消标记
	RequestCancel(ctx context.Context, id, actor string) error
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]models.RunbookExecution, error)
	// ListExecutionsByStatus 按入队时间升序返回指定状态的执行
	ListExecutionsByStatus(ctx context.Context, statuses []string) ([]models.RunbookExecution, error)
	CountActiveByJob(ctx context.Context, jobID string) (int64, error)
	// LastStartedAt 该运维手册最近一次开始运行的时间，排除 excludeID 和演练
	LastStartedAt(ctx context.Context, runbookID, excludeID string) (*time.Time, error)

	AppendStepExecution(ctx context.Context, step *models.StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]models.StepExecution, error)
}

// SafetyRepository 安全策略存储
type SafetyRepository interface {
	CreateCommandPattern(ctx context.Context, p *models.CommandPattern) error
	UpdateCommandPattern(ctx context.Context, p *models.CommandPattern) error
	GetCommandPattern(ctx context.Context, id string) (*models.CommandPattern, error)
	ListCommandPatterns(ctx context.Context, filter PatternFilter) ([]models.CommandPattern, error)
	DeleteCommandPattern(ctx context.Context, id string) error

	CreateBlackoutWindow(ctx context.Context, w *models.BlackoutWindow) error
	UpdateBlackoutWindow(ctx context.Context, w *models.BlackoutWindow) error
	GetBlackoutWindow(ctx context.Context, id string) (*models.BlackoutWindow, error)
	ListBlackoutWindows(ctx context.Context, enabledOnly bool) ([]models.BlackoutWindow, error)
	DeleteBlackoutWindow(ctx context.Context, id string) error

	GetBreaker(ctx context.Context, scope, scopeID string) (*models.CircuitBreaker, error)
	ListBreakers(ctx context.Context) ([]models.CircuitBreaker, error)
	// CreateBreaker 已存在时返回 ErrConflict
	CreateBreaker(ctx context.Context, b *models.CircuitBreaker) error
	// UpdateBreaker 按 Revision 比较并交换，成功后 Revision 加一
	UpdateBreaker(ctx context.Context, b *models.CircuitBreaker) error
}

// RateLimitStore 固定窗口计数
type RateLimitStore interface {
	// IncrementIfBelow 计数小于 limit 时原子加一并返回 true
	IncrementIfBelow(ctx context.Context, scope, scopeID string, windowStart time.Time, limit int) (bool, int, error)
	Count(ctx context.Context, scope, scopeID string, windowStart time.Time) (int, error)
}

// ScheduleRepository 定时任务存储
type ScheduleRepository interface {
	CreateJob(ctx context.Context, job *models.ScheduledJob) error
	UpdateJob(ctx context.Context, job *models.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*models.ScheduledJob, error)
	ListJobs(ctx context.Context, page *pagination.PageParams) ([]models.ScheduledJob, int64, error)
	DeleteJob(ctx context.Context, id string) error
	ListDueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error)
	// ClaimJobRun next_run_at 仍等于 expected 时推进到 next，返回是否抢占成功
	ClaimJobRun(ctx context.Context, id string, expected time.Time, next *time.Time) (bool, error)
	MarkJobFired(ctx context.Context, id string, firedAt time.Time, executionID, status string) error
	SetJobRunStatus(ctx context.Context, id, status string, failed bool) error
}

// ServerRepository 服务器清单存储
type ServerRepository interface {
	CreateServer(ctx context.Context, s *models.Server) error
	UpdateServer(ctx context.Context, s *models.Server) error
	GetServer(ctx context.Context, id string) (*models.Server, error)
	ListServers(ctx context.Context, page *pagination.PageParams) ([]models.Server, int64, error)
	DeleteServer(ctx context.Context, id string) error
}

// Store 聚合全部存储
type Store interface {
	RunbookRepository
	ExecutionRepository
	SafetyRepository
	ScheduleRepository
	ServerRepository
}
