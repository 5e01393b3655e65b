package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arp/internal/models"
	"arp/pkg/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于 PostgreSQL 的存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建数据库存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)
var _ RateLimitStore = (*GormStore)(nil)

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

func (s *GormStore) withPage(q *gorm.DB, page *pagination.PageParams) *gorm.DB {
	if page == nil {
		return q
	}
	page.Normalize()
	return q.Offset(page.GetOffset()).Limit(page.GetLimit())
}

// ========== 运维手册 ==========

func (s *GormStore) CreateRunbook(ctx context.Context, rb *models.Runbook) error {
	return translate(s.db.WithContext(ctx).Create(rb).Error)
}

func (s *GormStore) UpdateRunbook(ctx context.Context, rb *models.Runbook) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Runbook{}).Where("id = ?", rb.ID).
			Select("*").Omit("id", "created_at", "Steps", "Triggers").Updates(rb)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		// 步骤与触发器整体替换
		if err := tx.Where("runbook_id = ?", rb.ID).Delete(&models.RunbookStep{}).Error; err != nil {
			return fmt.Errorf("删除旧步骤失败: %v", err)
		}
		if err := tx.Where("runbook_id = ?", rb.ID).Delete(&models.RunbookTrigger{}).Error; err != nil {
			return fmt.Errorf("删除旧触发器失败: %v", err)
		}
		for i := range rb.Steps {
			rb.Steps[i].ID = ""
			rb.Steps[i].RunbookID = rb.ID
		}
		for i := range rb.Triggers {
			rb.Triggers[i].ID = ""
			rb.Triggers[i].RunbookID = rb.ID
		}
		if len(rb.Steps) > 0 {
			if err := tx.Create(&rb.Steps).Error; err != nil {
				return fmt.Errorf("写入步骤失败: %v", err)
			}
		}
		if len(rb.Triggers) > 0 {
			if err := tx.Create(&rb.Triggers).Error; err != nil {
				return fmt.Errorf("写入触发器失败: %v", err)
			}
		}
		return nil
	}))
}

func (s *GormStore) preloadRunbook(q *gorm.DB) *gorm.DB {
	return q.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).Preload("Triggers", func(db *gorm.DB) *gorm.DB {
		return db.Order("priority ASC, created_at ASC")
	})
}

func (s *GormStore) GetRunbook(ctx context.Context, id string) (*models.Runbook, error) {
	var rb models.Runbook
	err := s.preloadRunbook(s.db.WithContext(ctx)).First(&rb, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rb, nil
}

func (s *GormStore) GetRunbookByName(ctx context.Context, name string) (*models.Runbook, error) {
	var rb models.Runbook
	err := s.preloadRunbook(s.db.WithContext(ctx)).First(&rb, "name = ?", name).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rb, nil
}

func (s *GormStore) ListRunbooks(ctx context.Context, filter RunbookFilter, page *pagination.PageParams) ([]models.Runbook, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Runbook{})
	if filter.Name != "" {
		q = q.Where("name LIKE ?", "%"+filter.Name+"%")
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Enabled != nil {
		q = q.Where("enabled = ?", *filter.Enabled)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []models.Runbook
	err := s.withPage(s.preloadRunbook(q), page).Order("created_at DESC").Find(&items).Error
	return items, total, err
}

func (s *GormStore) DeleteRunbook(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Runbook{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListActiveTriggers(ctx context.Context) ([]TriggerCandidate, error) {
	var runbooks []models.Runbook
	err := s.db.WithContext(ctx).
		Preload("Triggers", "enabled = ?", true).
		Where("enabled = ?", true).
		Find(&runbooks).Error
	if err != nil {
		return nil, err
	}
	var out []TriggerCandidate
	for _, rb := range runbooks {
		for _, t := range rb.Triggers {
			out = append(out, TriggerCandidate{Trigger: t, Runbook: rb})
		}
	}
	return out, nil
}

// ========== 执行记录 ==========

func (s *GormStore) CreateExecution(ctx context.Context, exec *models.RunbookExecution) error {
	return translate(s.db.WithContext(ctx).Omit("StepExecutions").Create(exec).Error)
}

func (s *GormStore) GetExecution(ctx context.Context, id string) (*models.RunbookExecution, error) {
	var e models.RunbookExecution
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) GetExecutionByApprovalToken(ctx context.Context, token string) (*models.RunbookExecution, error) {
	var e models.RunbookExecution
	if err := s.db.WithContext(ctx).First(&e, "approval_token = ?", token).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) ListExecutions(ctx context.Context, filter ExecutionFilter, page *pagination.PageParams) ([]models.RunbookExecution, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.RunbookExecution{})
	if filter.RunbookID != "" {
		q = q.Where("runbook_id = ?", filter.RunbookID)
	}
	if filter.ServerID != "" {
		q = q.Where("server_id = ?", filter.ServerID)
	}
	if filter.ScheduledJobID != "" {
		q = q.Where("scheduled_job_id = ?", filter.ScheduledJobID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ExecutionMode != "" {
		q = q.Where("execution_mode = ?", filter.ExecutionMode)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []models.RunbookExecution
	err := s.withPage(q, page).Omit("runbook_snapshot").Order("queued_at DESC").Find(&items).Error
	return items, total, err
}

func (s *GormStore) TransitionExecution(ctx context.Context, id string, from []string, mutate func(*models.RunbookExecution)) (*models.RunbookExecution, error) {
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !containsString(from, current.Status) {
		return nil, ErrConflict
	}
	mutate(current)
	// 以状态作为比较条件，未命中说明已被其他流程迁移
	res := s.db.WithContext(ctx).Model(&models.RunbookExecution{}).
		Where("id = ? AND status IN ?", id, from).
		Select("*").Omit("id", "created_at", "StepExecutions").
		Updates(current)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return current, nil
}

func (s *GormStore) SaveProgress(ctx context.Context, exec *models.RunbookExecution) error {
	return s.db.WithContext(ctx).Model(&models.RunbookExecution{}).
		Where("id = ?", exec.ID).
		Updates(map[string]interface{}{
			"steps_completed": exec.StepsCompleted,
			"steps_failed":    exec.StepsFailed,
			"steps_skipped":   exec.StepsSkipped,
			"variables":       exec.Variables,
			"updated_at":      time.Now(),
		}).Error
}

func (s *GormStore) RequestCancel(ctx context.Context, id, actor string) error {
	res := s.db.WithContext(ctx).Model(&models.RunbookExecution{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusRunning).
		Updates(map[string]interface{}{"cancel_requested": true, "cancelled_by": actor})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStore) ListExpiredApprovals(ctx context.Context, now time.Time) ([]models.RunbookExecution, error) {
	var out []models.RunbookExecution
	err := s.db.WithContext(ctx).
		Where("status = ? AND approval_expires_at <= ?", models.ExecutionStatusPendingApproval, now).
		Find(&out).Error
	return out, err
}

func (s *GormStore) ListExecutionsByStatus(ctx context.Context, statuses []string) ([]models.RunbookExecution, error) {
	var out []models.RunbookExecution
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("queued_at ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) CountActiveByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.RunbookExecution{}).
		Where("scheduled_job_id = ? AND status IN ?", jobID, models.ActiveExecutionStatuses).
		Count(&n).Error
	return n, err
}

func (s *GormStore) LastStartedAt(ctx context.Context, runbookID, excludeID string) (*time.Time, error) {
	var e models.RunbookExecution
	err := s.db.WithContext(ctx).Select("started_at").
		Where("runbook_id = ? AND id <> ? AND started_at IS NOT NULL AND dry_run = ?", runbookID, excludeID, false).
		Order("started_at DESC").First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.StartedAt, nil
}

func (s *GormStore) AppendStepExecution(ctx context.Context, step *models.StepExecution) error {
	return s.db.WithContext(ctx).Create(step).Error
}

func (s *GormStore) ListStepExecutions(ctx context.Context, executionID string) ([]models.StepExecution, error) {
	var out []models.StepExecution
	err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).
		Order("started_at ASC, created_at ASC").Find(&out).Error
	return out, err
}

// ========== 安全策略 ==========

func (s *GormStore) CreateCommandPattern(ctx context.Context, p *models.CommandPattern) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) UpdateCommandPattern(ctx context.Context, p *models.CommandPattern) error {
	res := s.db.WithContext(ctx).Model(p).Select("*").Omit("id", "created_at").Updates(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetCommandPattern(ctx context.Context, id string) (*models.CommandPattern, error) {
	var p models.CommandPattern
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStore) ListCommandPatterns(ctx context.Context, filter PatternFilter) ([]models.CommandPattern, error) {
	q := s.db.WithContext(ctx).Model(&models.CommandPattern{})
	if filter.ListType != "" {
		q = q.Where("list_type = ?", filter.ListType)
	}
	if filter.OSType != "" {
		q = q.Where("os_type = ?", filter.OSType)
	}
	if filter.EnabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []models.CommandPattern
	err := q.Order("created_at ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteCommandPattern(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.CommandPattern{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateBlackoutWindow(ctx context.Context, w *models.BlackoutWindow) error {
	return s.db.WithContext(ctx).Create(w).Error
}

func (s *GormStore) UpdateBlackoutWindow(ctx context.Context, w *models.BlackoutWindow) error {
	res := s.db.WithContext(ctx).Model(w).Select("*").Omit("id", "created_at").Updates(w)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetBlackoutWindow(ctx context.Context, id string) (*models.BlackoutWindow, error) {
	var w models.BlackoutWindow
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (s *GormStore) ListBlackoutWindows(ctx context.Context, enabledOnly bool) ([]models.BlackoutWindow, error) {
	q := s.db.WithContext(ctx).Model(&models.BlackoutWindow{})
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []models.BlackoutWindow
	err := q.Order("created_at ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteBlackoutWindow(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.BlackoutWindow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetBreaker(ctx context.Context, scope, scopeID string) (*models.CircuitBreaker, error) {
	var b models.CircuitBreaker
	err := s.db.WithContext(ctx).First(&b, "scope = ? AND scope_id = ?", scope, scopeID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (s *GormStore) ListBreakers(ctx context.Context) ([]models.CircuitBreaker, error) {
	var out []models.CircuitBreaker
	err := s.db.WithContext(ctx).Order("scope ASC, scope_id ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateBreaker(ctx context.Context, b *models.CircuitBreaker) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(b)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStore) UpdateBreaker(ctx context.Context, b *models.CircuitBreaker) error {
	expected := b.Revision
	b.Revision = expected + 1
	res := s.db.WithContext(ctx).Model(&models.CircuitBreaker{}).
		Where("id = ? AND revision = ?", b.ID, expected).
		Select("*").Omit("id", "created_at").
		Updates(b)
	if res.Error != nil {
		b.Revision = expected
		return res.Error
	}
	if res.RowsAffected == 0 {
		b.Revision = expected
		return ErrConflict
	}
	return nil
}

// ========== 限流计数 ==========

// IncrementIfBelow 使用 INSERT ... ON CONFLICT DO UPDATE ... WHERE 原子计数
func (s *GormStore) IncrementIfBelow(ctx context.Context, scope, scopeID string, windowStart time.Time, limit int) (bool, int, error) {
	if limit <= 0 {
		n, err := s.Count(ctx, scope, scopeID, windowStart)
		return false, n, err
	}
	row := &models.ExecutionRateLimit{
		Scope:          scope,
		ScopeID:        scopeID,
		WindowStart:    windowStart.UTC(),
		ExecutionCount: 1,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "scope"}, {Name: "scope_id"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"execution_count": gorm.Expr("execution_rate_limits.execution_count + 1"),
			"updated_at":      time.Now(),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("execution_rate_limits.execution_count < ?", limit),
		}},
	}).Create(row)
	if res.Error != nil {
		return false, 0, fmt.Errorf("更新限流计数失败: %v", res.Error)
	}
	n, err := s.Count(ctx, scope, scopeID, windowStart)
	if err != nil {
		return false, 0, err
	}
	return res.RowsAffected == 1, n, nil
}

func (s *GormStore) Count(ctx context.Context, scope, scopeID string, windowStart time.Time) (int, error) {
	var row models.ExecutionRateLimit
	err := s.db.WithContext(ctx).
		Where("scope = ? AND scope_id = ? AND window_start = ?", scope, scopeID, windowStart.UTC()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.ExecutionCount, nil
}

// ========== 定时任务 ==========

func (s *GormStore) CreateJob(ctx context.Context, job *models.ScheduledJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) UpdateJob(ctx context.Context, job *models.ScheduledJob) error {
	res := s.db.WithContext(ctx).Model(job).Select("*").Omit("id", "created_at").Updates(job)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	var j models.ScheduledJob
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &j, nil
}

func (s *GormStore) ListJobs(ctx context.Context, page *pagination.PageParams) ([]models.ScheduledJob, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.ScheduledJob{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []models.ScheduledJob
	err := s.withPage(q, page).Order("created_at DESC").Find(&items).Error
	return items, total, err
}

func (s *GormStore) DeleteJob(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.ScheduledJob{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListDueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	var out []models.ScheduledJob
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) ClaimJobRun(ctx context.Context, id string, expected time.Time, next *time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ScheduledJob{}).
		Where("id = ? AND next_run_at = ?", id, expected).
		Update("next_run_at", next)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) MarkJobFired(ctx context.Context, id string, firedAt time.Time, executionID, status string) error {
	return s.db.WithContext(ctx).Model(&models.ScheduledJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at":       firedAt,
			"last_execution_id": executionID,
			"last_run_status":   status,
			"run_count":         gorm.Expr("run_count + 1"),
		}).Error
}

func (s *GormStore) SetJobRunStatus(ctx context.Context, id, status string, failed bool) error {
	updates := map[string]interface{}{"last_run_status": status}
	if failed {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	return s.db.WithContext(ctx).Model(&models.ScheduledJob{}).Where("id = ?", id).Updates(updates).Error
}

// ========== 服务器 ==========

func (s *GormStore) CreateServer(ctx context.Context, srv *models.Server) error {
	return translate(s.db.WithContext(ctx).Create(srv).Error)
}

func (s *GormStore) UpdateServer(ctx context.Context, srv *models.Server) error {
	res := s.db.WithContext(ctx).Model(srv).Select("*").Omit("id", "created_at").Updates(srv)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetServer(ctx context.Context, id string) (*models.Server, error) {
	var srv models.Server
	if err := s.db.WithContext(ctx).First(&srv, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &srv, nil
}

func (s *GormStore) ListServers(ctx context.Context, page *pagination.PageParams) ([]models.Server, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Server{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []models.Server
	err := s.withPage(q, page).Order("name ASC").Find(&items).Error
	return items, total, err
}

func (s *GormStore) DeleteServer(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Server{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
