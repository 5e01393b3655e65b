package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"arp/internal/models"
	"arp/pkg/pagination"

	"gorm.io/datatypes"
)

// MemoryStore 进程内存储，用于单机部署和测试
type MemoryStore struct {
	mu         sync.RWMutex
	runbooks   map[string]*models.Runbook
	executions map[string]*models.RunbookExecution
	steps      map[string][]models.StepExecution
	patterns   map[string]*models.CommandPattern
	windows    map[string]*models.BlackoutWindow
	breakers   map[string]*models.CircuitBreaker
	rates      map[string]int
	jobs       map[string]*models.ScheduledJob
	servers    map[string]*models.Server
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runbooks:   make(map[string]*models.Runbook),
		executions: make(map[string]*models.RunbookExecution),
		steps:      make(map[string][]models.StepExecution),
		patterns:   make(map[string]*models.CommandPattern),
		windows:    make(map[string]*models.BlackoutWindow),
		breakers:   make(map[string]*models.CircuitBreaker),
		rates:      make(map[string]int),
		jobs:       make(map[string]*models.ScheduledJob),
		servers:    make(map[string]*models.Server),
	}
}

var _ Store = (*MemoryStore)(nil)
var _ RateLimitStore = (*MemoryStore)(nil)

func touch(b *models.BaseModel) {
	b.EnsureID()
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

func copyJSONMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRunbook(rb *models.Runbook) *models.Runbook {
	cp := *rb
	cp.Steps = append([]models.RunbookStep(nil), rb.Steps...)
	cp.Triggers = append([]models.RunbookTrigger(nil), rb.Triggers...)
	return &cp
}

func copyExecution(e *models.RunbookExecution) *models.RunbookExecution {
	cp := *e
	cp.Variables = copyJSONMap(e.Variables)
	cp.StepExecutions = nil
	return &cp
}

func paginate[T any](items []T, page *pagination.PageParams) []T {
	if page == nil {
		return items
	}
	page.Normalize()
	start := page.GetOffset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.GetLimit()
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// ========== 运维手册 ==========

func (m *MemoryStore) prepareRunbook(rb *models.Runbook) {
	touch(&rb.BaseModel)
	for i := range rb.Steps {
		rb.Steps[i].RunbookID = rb.ID
		touch(&rb.Steps[i].BaseModel)
	}
	for i := range rb.Triggers {
		rb.Triggers[i].RunbookID = rb.ID
		touch(&rb.Triggers[i].BaseModel)
	}
	sort.SliceStable(rb.Steps, func(i, j int) bool { return rb.Steps[i].StepOrder < rb.Steps[j].StepOrder })
}

func (m *MemoryStore) CreateRunbook(ctx context.Context, rb *models.Runbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runbooks {
		if existing.Name == rb.Name {
			return ErrConflict
		}
	}
	m.prepareRunbook(rb)
	m.runbooks[rb.ID] = copyRunbook(rb)
	return nil
}

func (m *MemoryStore) UpdateRunbook(ctx context.Context, rb *models.Runbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runbooks[rb.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.runbooks {
		if id != rb.ID && existing.Name == rb.Name {
			return ErrConflict
		}
	}
	m.prepareRunbook(rb)
	m.runbooks[rb.ID] = copyRunbook(rb)
	return nil
}

func (m *MemoryStore) GetRunbook(ctx context.Context, id string) (*models.Runbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rb, ok := m.runbooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRunbook(rb), nil
}

func (m *MemoryStore) GetRunbookByName(ctx context.Context, name string) (*models.Runbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rb := range m.runbooks {
		if rb.Name == name {
			return copyRunbook(rb), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListRunbooks(ctx context.Context, filter RunbookFilter, page *pagination.PageParams) ([]models.Runbook, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []models.Runbook
	for _, rb := range m.runbooks {
		if filter.Name != "" && !strings.Contains(rb.Name, filter.Name) {
			continue
		}
		if filter.Category != "" && rb.Category != filter.Category {
			continue
		}
		if filter.Enabled != nil && rb.Enabled != *filter.Enabled {
			continue
		}
		items = append(items, *copyRunbook(rb))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, page), int64(len(items)), nil
}

func (m *MemoryStore) DeleteRunbook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runbooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.runbooks, id)
	return nil
}

func (m *MemoryStore) ListActiveTriggers(ctx context.Context) ([]TriggerCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TriggerCandidate
	for _, rb := range m.runbooks {
		if !rb.Enabled {
			continue
		}
		for _, t := range rb.Triggers {
			if t.Enabled {
				out = append(out, TriggerCandidate{Trigger: t, Runbook: *copyRunbook(rb)})
			}
		}
	}
	return out, nil
}

// ========== 执行记录 ==========

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *models.RunbookExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&exec.BaseModel)
	if exec.ApprovalToken != nil {
		for _, e := range m.executions {
			if e.ApprovalToken != nil && *e.ApprovalToken == *exec.ApprovalToken {
				return ErrConflict
			}
		}
	}
	m.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*models.RunbookExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

func (m *MemoryStore) GetExecutionByApprovalToken(ctx context.Context, token string) (*models.RunbookExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.executions {
		if e.ApprovalToken != nil && *e.ApprovalToken == token {
			return copyExecution(e), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter, page *pagination.PageParams) ([]models.RunbookExecution, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []models.RunbookExecution
	for _, e := range m.executions {
		if filter.RunbookID != "" && e.RunbookID != filter.RunbookID {
			continue
		}
		if filter.ServerID != "" && e.ServerID != filter.ServerID {
			continue
		}
		if filter.ScheduledJobID != "" && e.ScheduledJobID != filter.ScheduledJobID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.ExecutionMode != "" && e.ExecutionMode != filter.ExecutionMode {
			continue
		}
		items = append(items, *copyExecution(e))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].QueuedAt.After(items[j].QueuedAt) })
	return paginate(items, page), int64(len(items)), nil
}

func (m *MemoryStore) TransitionExecution(ctx context.Context, id string, from []string, mutate func(*models.RunbookExecution)) (*models.RunbookExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsString(from, e.Status) {
		return nil, ErrConflict
	}
	next := copyExecution(e)
	mutate(next)
	next.UpdatedAt = time.Now()
	m.executions[id] = next
	return copyExecution(next), nil
}

func (m *MemoryStore) SaveProgress(ctx context.Context, exec *models.RunbookExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	e.StepsCompleted = exec.StepsCompleted
	e.StepsFailed = exec.StepsFailed
	e.StepsSkipped = exec.StepsSkipped
	e.Variables = copyJSONMap(exec.Variables)
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, id, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != models.ExecutionStatusRunning {
		return ErrConflict
	}
	e.CancelRequested = true
	e.CancelledBy = actor
	return nil
}

func (m *MemoryStore) ListExpiredApprovals(ctx context.Context, now time.Time) ([]models.RunbookExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RunbookExecution
	for _, e := range m.executions {
		if e.Status == models.ExecutionStatusPendingApproval && e.ApprovalExpiresAt != nil && !e.ApprovalExpiresAt.After(now) {
			out = append(out, *copyExecution(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExecutionsByStatus(ctx context.Context, statuses []string) ([]models.RunbookExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RunbookExecution
	for _, e := range m.executions {
		for _, status := range statuses {
			if e.Status == status {
				out = append(out, *copyExecution(e))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CountActiveByJob(ctx context.Context, jobID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, e := range m.executions {
		if e.ScheduledJobID == jobID && !models.IsTerminalStatus(e.Status) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LastStartedAt(ctx context.Context, runbookID, excludeID string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *time.Time
	for _, e := range m.executions {
		if e.RunbookID != runbookID || e.ID == excludeID || e.StartedAt == nil || e.DryRun {
			continue
		}
		if latest == nil || e.StartedAt.After(*latest) {
			t := *e.StartedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *MemoryStore) AppendStepExecution(ctx context.Context, step *models.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&step.BaseModel)
	cp := *step
	cp.ExtractedVars = copyJSONMap(step.ExtractedVars)
	m.steps[step.ExecutionID] = append(m.steps[step.ExecutionID], cp)
	return nil
}

func (m *MemoryStore) ListStepExecutions(ctx context.Context, executionID string) ([]models.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.StepExecution(nil), m.steps[executionID]...), nil
}

// ========== 安全策略 ==========

func (m *MemoryStore) CreateCommandPattern(ctx context.Context, p *models.CommandPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&p.BaseModel)
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateCommandPattern(ctx context.Context, p *models.CommandPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patterns[p.ID]; !ok {
		return ErrNotFound
	}
	touch(&p.BaseModel)
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCommandPattern(ctx context.Context, id string) (*models.CommandPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListCommandPatterns(ctx context.Context, filter PatternFilter) ([]models.CommandPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CommandPattern
	for _, p := range m.patterns {
		if filter.ListType != "" && p.ListType != filter.ListType {
			continue
		}
		if filter.OSType != "" && p.OSType != filter.OSType {
			continue
		}
		if filter.EnabledOnly && !p.Enabled {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteCommandPattern(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patterns[id]; !ok {
		return ErrNotFound
	}
	delete(m.patterns, id)
	return nil
}

func (m *MemoryStore) CreateBlackoutWindow(ctx context.Context, w *models.BlackoutWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&w.BaseModel)
	cp := *w
	m.windows[w.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateBlackoutWindow(ctx context.Context, w *models.BlackoutWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[w.ID]; !ok {
		return ErrNotFound
	}
	touch(&w.BaseModel)
	cp := *w
	m.windows[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBlackoutWindow(ctx context.Context, id string) (*models.BlackoutWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListBlackoutWindows(ctx context.Context, enabledOnly bool) ([]models.BlackoutWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BlackoutWindow
	for _, w := range m.windows {
		if enabledOnly && !w.Enabled {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteBlackoutWindow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[id]; !ok {
		return ErrNotFound
	}
	delete(m.windows, id)
	return nil
}

func breakerKey(scope, scopeID string) string {
	return scope + ":" + scopeID
}

func (m *MemoryStore) GetBreaker(ctx context.Context, scope, scopeID string) (*models.CircuitBreaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[breakerKey(scope, scopeID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBreakers(ctx context.Context) ([]models.CircuitBreaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CircuitBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return breakerKey(out[i].Scope, out[i].ScopeID) < breakerKey(out[j].Scope, out[j].ScopeID)
	})
	return out, nil
}

func (m *MemoryStore) CreateBreaker(ctx context.Context, b *models.CircuitBreaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := breakerKey(b.Scope, b.ScopeID)
	if _, ok := m.breakers[key]; ok {
		return ErrConflict
	}
	touch(&b.BaseModel)
	cp := *b
	m.breakers[key] = &cp
	return nil
}

func (m *MemoryStore) UpdateBreaker(ctx context.Context, b *models.CircuitBreaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := breakerKey(b.Scope, b.ScopeID)
	current, ok := m.breakers[key]
	if !ok {
		return ErrNotFound
	}
	if current.Revision != b.Revision {
		return ErrConflict
	}
	b.Revision++
	b.UpdatedAt = time.Now()
	cp := *b
	m.breakers[key] = &cp
	return nil
}

// ========== 限流计数 ==========

func rateKey(scope, scopeID string, windowStart time.Time) string {
	return scope + ":" + scopeID + ":" + windowStart.UTC().Format(time.RFC3339)
}

func (m *MemoryStore) IncrementIfBelow(ctx context.Context, scope, scopeID string, windowStart time.Time, limit int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rateKey(scope, scopeID, windowStart)
	count := m.rates[key]
	if count >= limit {
		return false, count, nil
	}
	m.rates[key] = count + 1
	return true, count + 1, nil
}

func (m *MemoryStore) Count(ctx context.Context, scope, scopeID string, windowStart time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rates[rateKey(scope, scopeID, windowStart)], nil
}

// ========== 定时任务 ==========

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&job.BaseModel)
	cp := *job
	cp.Variables = copyJSONMap(job.Variables)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	touch(&job.BaseModel)
	cp := *job
	cp.Variables = copyJSONMap(job.Variables)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	cp.Variables = copyJSONMap(j.Variables)
	return &cp, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, page *pagination.PageParams) ([]models.ScheduledJob, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]models.ScheduledJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		items = append(items, *j)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, page), int64(len(items)), nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) ListDueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ScheduledJob
	for _, j := range m.jobs {
		if j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			cp := *j
			cp.Variables = copyJSONMap(j.Variables)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt.Before(*out[k].NextRunAt) })
	return out, nil
}

func (m *MemoryStore) ClaimJobRun(ctx context.Context, id string, expected time.Time, next *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.NextRunAt == nil || !j.NextRunAt.Equal(expected) {
		return false, nil
	}
	if next != nil {
		t := *next
		j.NextRunAt = &t
	} else {
		j.NextRunAt = nil
	}
	return true, nil
}

func (m *MemoryStore) MarkJobFired(ctx context.Context, id string, firedAt time.Time, executionID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	t := firedAt
	j.LastRunAt = &t
	j.LastExecutionID = executionID
	j.LastRunStatus = status
	j.RunCount++
	return nil
}

func (m *MemoryStore) SetJobRunStatus(ctx context.Context, id, status string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.LastRunStatus = status
	if failed {
		j.FailureCount++
	}
	return nil
}

// ========== 服务器 ==========

func (m *MemoryStore) CreateServer(ctx context.Context, s *models.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.servers {
		if existing.Name == s.Name {
			return ErrConflict
		}
	}
	touch(&s.BaseModel)
	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateServer(ctx context.Context, s *models.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; !ok {
		return ErrNotFound
	}
	touch(&s.BaseModel)
	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetServer(ctx context.Context, id string) (*models.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListServers(ctx context.Context, page *pagination.PageParams) ([]models.Server, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]models.Server, 0, len(m.servers))
	for _, s := range m.servers {
		items = append(items, *s)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return paginate(items, page), int64(len(items)), nil
}

func (m *MemoryStore) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
