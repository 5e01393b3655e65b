package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"arp/internal/models"
	"arp/internal/repository"
	apperrors "arp/pkg/errors"
	"arp/pkg/logger"
	"arp/pkg/pagination"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RunbookService 运维手册管理
type RunbookService struct {
	repo        repository.RunbookRepository
	resolver    *VariableResolver
	stepTimeout int
	log         *logrus.Logger
}

// NewRunbookService 创建运维手册服务
func NewRunbookService(repo repository.RunbookRepository, defaultStepTimeout int) *RunbookService {
	if defaultStepTimeout <= 0 {
		defaultStepTimeout = 60
	}
	return &RunbookService{
		repo:        repo,
		resolver:    NewVariableResolver(),
		stepTimeout: defaultStepTimeout,
		log:         logger.GetLogger(),
	}
}

// Create 创建运维手册，版本从 1 开始
func (s *RunbookService) Create(ctx context.Context, rb *models.Runbook, actor string) (*models.Runbook, error) {
	rb.ID = ""
	s.applyDefaults(rb)
	if err := s.Validate(rb); err != nil {
		return nil, err
	}
	sum, err := Checksum(rb)
	if err != nil {
		return nil, err
	}
	rb.Version = 1
	rb.Checksum = sum
	rb.CreatedBy = actor
	rb.UpdatedBy = actor

	if err := s.repo.CreateRunbook(ctx, rb); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperrors.InvalidState("运维手册名称已存在: " + rb.Name)
		}
		return nil, fmt.Errorf("创建运维手册失败: %v", err)
	}
	s.log.WithFields(logrus.Fields{"runbook_id": rb.ID, "name": rb.Name, "actor": actor}).Info("创建运维手册")
	return rb, nil
}

// Update 整体替换运维手册定义；定义发生变化时版本号加一
func (s *RunbookService) Update(ctx context.Context, id string, rb *models.Runbook, actor string) (*models.Runbook, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.applyDefaults(rb)
	if err := s.Validate(rb); err != nil {
		return nil, err
	}
	sum, err := Checksum(rb)
	if err != nil {
		return nil, err
	}

	rb.ID = existing.ID
	rb.CreatedAt = existing.CreatedAt
	rb.CreatedBy = existing.CreatedBy
	rb.UpdatedBy = actor
	rb.Version = existing.Version
	if sum != existing.Checksum {
		rb.Version++
	}
	rb.Checksum = sum

	if err := s.repo.UpdateRunbook(ctx, rb); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperrors.InvalidState("运维手册名称已存在: " + rb.Name)
		}
		return nil, fmt.Errorf("更新运维手册失败: %v", err)
	}
	s.log.WithFields(logrus.Fields{"runbook_id": rb.ID, "version": rb.Version, "actor": actor}).Info("更新运维手册")
	return rb, nil
}

func (s *RunbookService) Get(ctx context.Context, id string) (*models.Runbook, error) {
	rb, err := s.repo.GetRunbook(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("运维手册不存在")
		}
		return nil, fmt.Errorf("查询运维手册失败: %v", err)
	}
	return rb, nil
}

func (s *RunbookService) List(ctx context.Context, filter repository.RunbookFilter, page *pagination.PageParams) ([]models.Runbook, int64, error) {
	return s.repo.ListRunbooks(ctx, filter, page)
}

// Delete 删除运维手册；已有执行记录保存了快照，不受影响
func (s *RunbookService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteRunbook(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("运维手册不存在")
		}
		return fmt.Errorf("删除运维手册失败: %v", err)
	}
	return nil
}

func (s *RunbookService) applyDefaults(rb *models.Runbook) {
	if rb.ApprovalTimeoutMinutes <= 0 {
		rb.ApprovalTimeoutMinutes = 30
	}
	sort.SliceStable(rb.Steps, func(i, j int) bool { return rb.Steps[i].StepOrder < rb.Steps[j].StepOrder })
	for i := range rb.Steps {
		if rb.Steps[i].TimeoutSeconds <= 0 {
			rb.Steps[i].TimeoutSeconds = s.stepTimeout
		}
		if rb.Steps[i].Name == "" {
			rb.Steps[i].Name = fmt.Sprintf("step-%d", rb.Steps[i].StepOrder)
		}
	}
	for i := range rb.Triggers {
		if rb.Triggers[i].Priority == 0 {
			rb.Triggers[i].Priority = 100
		}
	}
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

// Validate 校验运维手册定义
func (s *RunbookService) Validate(rb *models.Runbook) error {
	if strings.TrimSpace(rb.Name) == "" {
		return apperrors.InvalidInput("运维手册名称不能为空")
	}
	switch rb.TargetOSFilter {
	case "", models.OSAny, models.OSLinux, models.OSWindows:
	default:
		return apperrors.InvalidInput("target_os_filter 无效: " + rb.TargetOSFilter)
	}
	if rb.MaxExecutionsPerHour < 0 || rb.CooldownMinutes < 0 {
		return apperrors.InvalidInput("限流参数不能为负数")
	}
	if len(rb.Steps) == 0 {
		return apperrors.InvalidInput("运维手册至少需要一个步骤")
	}

	seen := make(map[int]bool, len(rb.Steps))
	for i := range rb.Steps {
		step := &rb.Steps[i]
		if step.StepOrder <= 0 {
			return apperrors.InvalidInput(fmt.Sprintf("步骤 %q 的 step_order 必须为正数", step.Name))
		}
		if seen[step.StepOrder] {
			return apperrors.InvalidInput(fmt.Sprintf("step_order %d 重复", step.StepOrder))
		}
		seen[step.StepOrder] = true
		if err := s.validateStep(rb, step); err != nil {
			return apperrors.InvalidInput(fmt.Sprintf("步骤 %d: %v", step.StepOrder, err))
		}
	}

	for i := range rb.Triggers {
		if err := ValidateTrigger(&rb.Triggers[i]); err != nil {
			return apperrors.InvalidInput(err.Error())
		}
	}
	return nil
}

func (s *RunbookService) validateStep(rb *models.Runbook, step *models.RunbookStep) error {
	if step.RetryCount < 0 || step.RetryDelaySeconds < 0 || step.TimeoutSeconds < 0 {
		return fmt.Errorf("超时与重试参数不能为负数")
	}
	if step.RunIfVariable == "" && step.RunIfValue != "" {
		return fmt.Errorf("run_if_value 需要配合 run_if_variable")
	}

	var templates []string
	switch step.StepType {
	case models.StepTypeCommand:
		if step.Command == nil || step.API != nil {
			return fmt.Errorf("command 步骤必须且只能设置 command")
		}
		c := step.Command
		switch c.TargetOS {
		case "", models.OSAny, models.OSLinux, models.OSWindows:
		default:
			return fmt.Errorf("target_os 无效: %s", c.TargetOS)
		}
		if rb.TargetOSFilter != "" && rb.TargetOSFilter != models.OSAny && c.TargetOS != "" && c.TargetOS != models.OSAny && c.TargetOS != rb.TargetOSFilter {
			return fmt.Errorf("target_os %s 与运维手册的 target_os_filter %s 冲突", c.TargetOS, rb.TargetOSFilter)
		}
		if c.Linux == "" && c.Windows == "" {
			return fmt.Errorf("至少需要一条 Linux 或 Windows 命令")
		}
		if c.ExpectedOutputPattern != "" {
			if _, err := regexp.Compile(c.ExpectedOutputPattern); err != nil {
				return fmt.Errorf("expected_output_pattern 无效: %v", err)
			}
		}
		templates = append(templates, c.Linux, c.Windows, c.RollbackLinux, c.RollbackWindows)

	case models.StepTypeAPI:
		if step.API == nil || step.Command != nil {
			return fmt.Errorf("api 步骤必须且只能设置 api")
		}
		a := step.API
		if a.Endpoint == "" {
			return fmt.Errorf("endpoint 不能为空")
		}
		if a.Method != "" && !validMethods[strings.ToUpper(a.Method)] {
			return fmt.Errorf("HTTP 方法无效: %s", a.Method)
		}
		for _, rule := range a.Extract {
			if rule.Name == "" || rule.Expression == "" {
				return fmt.Errorf("提取规则需要 name 和 expression")
			}
			switch rule.Type {
			case "", models.ExtractJSONPath, models.ExtractHeader:
			case models.ExtractRegex:
				if _, err := regexp.Compile(rule.Expression); err != nil {
					return fmt.Errorf("提取规则 %s 正则无效: %v", rule.Name, err)
				}
			default:
				return fmt.Errorf("提取规则类型无效: %s", rule.Type)
			}
		}
		templates = append(templates, a.Endpoint, a.Body)
		for _, v := range a.Headers {
			templates = append(templates, v)
		}
		if a.Rollback != nil {
			templates = append(templates, a.Rollback.Endpoint, a.Rollback.Body)
		}

	default:
		return fmt.Errorf("未知的步骤类型: %s", step.StepType)
	}

	// 只检查模板语法，变量是否定义要到执行时才知道
	for _, tmpl := range templates {
		if err := s.resolver.CheckSyntax(tmpl); err != nil {
			return err
		}
	}
	return nil
}

// Checksum 运维手册定义的 SHA-256，不含 ID、版本和审计字段
func Checksum(rb *models.Runbook) (string, error) {
	doc := ToDocument(rb)
	doc.Version = 0
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("计算校验和失败: %v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ========== YAML 导入导出 ==========

// RunbookDocument 运维手册的可移植表示
type RunbookDocument struct {
	Name                   string            `json:"name" yaml:"name"`
	Description            string            `json:"description,omitempty" yaml:"description,omitempty"`
	Category               string            `json:"category,omitempty" yaml:"category,omitempty"`
	Tags                   []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Version                int               `json:"version,omitempty" yaml:"version,omitempty"`
	Enabled                bool              `json:"enabled" yaml:"enabled"`
	AutoExecute            bool              `json:"auto_execute" yaml:"auto_execute"`
	ApprovalRequired       bool              `json:"approval_required" yaml:"approval_required"`
	ApprovalRoles          []string          `json:"approval_roles,omitempty" yaml:"approval_roles,omitempty"`
	ApprovalTimeoutMinutes int               `json:"approval_timeout_minutes" yaml:"approval_timeout_minutes"`
	MaxExecutionsPerHour   int               `json:"max_executions_per_hour" yaml:"max_executions_per_hour"`
	CooldownMinutes        int               `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	TargetOSFilter         string            `json:"target_os_filter,omitempty" yaml:"target_os_filter,omitempty"`
	Steps                  []StepDocument    `json:"steps" yaml:"steps"`
	Triggers               []TriggerDocument `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// StepDocument 步骤
type StepDocument struct {
	Order             int                   `json:"order" yaml:"order"`
	Name              string                `json:"name" yaml:"name"`
	Type              string                `json:"type" yaml:"type"`
	TimeoutSeconds    int                   `json:"timeout_seconds" yaml:"timeout_seconds"`
	RetryCount        int                   `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	RetryDelaySeconds int                   `json:"retry_delay_seconds,omitempty" yaml:"retry_delay_seconds,omitempty"`
	ContinueOnFail    bool                  `json:"continue_on_fail,omitempty" yaml:"continue_on_fail,omitempty"`
	OutputVariable    string                `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	RunIfVariable     string                `json:"run_if_variable,omitempty" yaml:"run_if_variable,omitempty"`
	RunIfValue        string                `json:"run_if_value,omitempty" yaml:"run_if_value,omitempty"`
	Command           *models.CommandAction `json:"command,omitempty" yaml:"command,omitempty"`
	API               *models.APIAction     `json:"api,omitempty" yaml:"api,omitempty"`
}

// TriggerDocument 触发器
type TriggerDocument struct {
	Name               string            `json:"name,omitempty" yaml:"name,omitempty"`
	AlertName          string            `json:"alert_name,omitempty" yaml:"alert_name,omitempty"`
	Severity           string            `json:"severity,omitempty" yaml:"severity,omitempty"`
	Instance           string            `json:"instance,omitempty" yaml:"instance,omitempty"`
	Job                string            `json:"job,omitempty" yaml:"job,omitempty"`
	Labels             map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations        map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	MinDurationSeconds int               `json:"min_duration_seconds,omitempty" yaml:"min_duration_seconds,omitempty"`
	MinOccurrences     int               `json:"min_occurrences,omitempty" yaml:"min_occurrences,omitempty"`
	Priority           int               `json:"priority" yaml:"priority"`
	Enabled            bool              `json:"enabled" yaml:"enabled"`
}

// ToDocument 转换为可移植表示
func ToDocument(rb *models.Runbook) *RunbookDocument {
	doc := &RunbookDocument{
		Name:                   rb.Name,
		Description:            rb.Description,
		Category:               rb.Category,
		Tags:                   rb.Tags,
		Version:                rb.Version,
		Enabled:                rb.Enabled,
		AutoExecute:            rb.AutoExecute,
		ApprovalRequired:       rb.ApprovalRequired,
		ApprovalRoles:          rb.ApprovalRoles,
		ApprovalTimeoutMinutes: rb.ApprovalTimeoutMinutes,
		MaxExecutionsPerHour:   rb.MaxExecutionsPerHour,
		CooldownMinutes:        rb.CooldownMinutes,
		TargetOSFilter:         rb.TargetOSFilter,
	}
	for _, st := range rb.Steps {
		doc.Steps = append(doc.Steps, StepDocument{
			Order:             st.StepOrder,
			Name:              st.Name,
			Type:              st.StepType,
			TimeoutSeconds:    st.TimeoutSeconds,
			RetryCount:        st.RetryCount,
			RetryDelaySeconds: st.RetryDelaySeconds,
			ContinueOnFail:    st.ContinueOnFail,
			OutputVariable:    st.OutputVariable,
			RunIfVariable:     st.RunIfVariable,
			RunIfValue:        st.RunIfValue,
			Command:           st.Command,
			API:               st.API,
		})
	}
	for _, t := range rb.Triggers {
		doc.Triggers = append(doc.Triggers, TriggerDocument{
			Name:               t.Name,
			AlertName:          t.AlertNamePattern,
			Severity:           t.SeverityPattern,
			Instance:           t.InstancePattern,
			Job:                t.JobPattern,
			Labels:             t.LabelMatchers,
			Annotations:        t.AnnotationMatchers,
			MinDurationSeconds: t.MinDurationSeconds,
			MinOccurrences:     t.MinOccurrences,
			Priority:           t.Priority,
			Enabled:            t.Enabled,
		})
	}
	return doc
}

// FromDocument 还原为模型，不含 ID
func FromDocument(doc *RunbookDocument) *models.Runbook {
	rb := &models.Runbook{
		Name:                   doc.Name,
		Description:            doc.Description,
		Category:               doc.Category,
		Tags:                   doc.Tags,
		Enabled:                doc.Enabled,
		AutoExecute:            doc.AutoExecute,
		ApprovalRequired:       doc.ApprovalRequired,
		ApprovalRoles:          doc.ApprovalRoles,
		ApprovalTimeoutMinutes: doc.ApprovalTimeoutMinutes,
		MaxExecutionsPerHour:   doc.MaxExecutionsPerHour,
		CooldownMinutes:        doc.CooldownMinutes,
		TargetOSFilter:         doc.TargetOSFilter,
	}
	for _, st := range doc.Steps {
		rb.Steps = append(rb.Steps, models.RunbookStep{
			StepOrder:         st.Order,
			Name:              st.Name,
			StepType:          st.Type,
			TimeoutSeconds:    st.TimeoutSeconds,
			RetryCount:        st.RetryCount,
			RetryDelaySeconds: st.RetryDelaySeconds,
			ContinueOnFail:    st.ContinueOnFail,
			OutputVariable:    st.OutputVariable,
			RunIfVariable:     st.RunIfVariable,
			RunIfValue:        st.RunIfValue,
			Command:           st.Command,
			API:               st.API,
		})
	}
	for _, t := range doc.Triggers {
		rb.Triggers = append(rb.Triggers, models.RunbookTrigger{
			Name:               t.Name,
			AlertNamePattern:   t.AlertName,
			SeverityPattern:    t.Severity,
			InstancePattern:    t.Instance,
			JobPattern:         t.Job,
			LabelMatchers:      t.Labels,
			AnnotationMatchers: t.Annotations,
			MinDurationSeconds: t.MinDurationSeconds,
			MinOccurrences:     t.MinOccurrences,
			Priority:           t.Priority,
			Enabled:            t.Enabled,
		})
	}
	return rb
}

// Export 导出为 YAML
func (s *RunbookService) Export(ctx context.Context, id string) ([]byte, error) {
	rb, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(ToDocument(rb))
	if err != nil {
		return nil, fmt.Errorf("导出运维手册失败: %v", err)
	}
	return data, nil
}

// Import 从 YAML 导入；同名运维手册存在时按更新处理
func (s *RunbookService) Import(ctx context.Context, data []byte, actor string) (*models.Runbook, error) {
	var doc RunbookDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.InvalidInput(fmt.Sprintf("YAML 解析失败: %v", err))
	}
	rb := FromDocument(&doc)

	existing, err := s.repo.GetRunbookByName(ctx, doc.Name)
	switch {
	case err == nil:
		return s.Update(ctx, existing.ID, rb, actor)
	case errors.Is(err, repository.ErrNotFound):
		return s.Create(ctx, rb, actor)
	default:
		return nil, fmt.Errorf("查询运维手册失败: %v", err)
	}
}
