package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/logger"

	"github.com/sirupsen/logrus"
)

// TriggerMatcher 将告警匹配到运维手册触发器
type TriggerMatcher struct {
	repo repository.RunbookRepository
	now  func() time.Time
	log  *logrus.Logger

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewTriggerMatcher 创建触发器匹配器
func NewTriggerMatcher(repo repository.RunbookRepository) *TriggerMatcher {
	return &TriggerMatcher{
		repo:  repo,
		now:   time.Now,
		log:   logger.GetLogger(),
		cache: make(map[string]*regexp.Regexp),
	}
}

// Match 返回最佳匹配；没有匹配时返回 nil，不是错误
func (m *TriggerMatcher) Match(ctx context.Context, alert *models.Alert) (*repository.TriggerCandidate, error) {
	candidates, err := m.Candidates(ctx, alert)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	best := candidates[0]
	return &best, nil
}

// Candidates 返回所有匹配的触发器，按 优先级、通配字段数、创建时间 排序
func (m *TriggerMatcher) Candidates(ctx context.Context, alert *models.Alert) ([]repository.TriggerCandidate, error) {
	all, err := m.repo.ListActiveTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载触发器失败: %v", err)
	}

	now := m.now()
	var matched []repository.TriggerCandidate
	for _, c := range all {
		if m.Matches(&c.Trigger, alert, now) {
			matched = append(matched, c)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := &matched[i].Trigger, &matched[j].Trigger
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if wa, wb := wildcardCount(a), wildcardCount(b); wa != wb {
			return wa < wb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return matched, nil
}

// Matches 判断单个触发器是否匹配告警
func (m *TriggerMatcher) Matches(t *models.RunbookTrigger, alert *models.Alert, now time.Time) bool {
	fields := []struct{ pattern, value string }{
		{t.AlertNamePattern, alert.Name},
		{t.SeverityPattern, alert.Severity},
		{t.InstancePattern, alert.Instance},
		{t.JobPattern, alert.Job},
	}
	for _, f := range fields {
		if !m.matchPattern(f.pattern, f.value) {
			return false
		}
	}

	if !subsetMatch(t.LabelMatchers, alert.Labels) || !subsetMatch(t.AnnotationMatchers, alert.Annotations) {
		return false
	}

	if t.MinDurationSeconds > 0 {
		if alert.FirstSeen.IsZero() || now.Sub(alert.FirstSeen) < time.Duration(t.MinDurationSeconds)*time.Second {
			return false
		}
	}
	if t.MinOccurrences > 0 && alert.OccurrenceCount < t.MinOccurrences {
		return false
	}
	return true
}

// matchPattern 依次尝试 通配、精确、glob、正则
func (m *TriggerMatcher) matchPattern(pattern, value string) bool {
	if isWildcard(pattern) || pattern == value {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		if re, err := m.compile("glob:"+pattern, globExpr(pattern)); err == nil && re.MatchString(value) {
			return true
		}
	}
	re, err := m.compile(pattern, pattern)
	if err != nil {
		m.log.WithField("pattern", pattern).Debugf("触发器模式不是合法正则: %v", err)
		return false
	}
	return re.MatchString(value)
}

func (m *TriggerMatcher) compile(key, expr string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[key] = re
	m.mu.Unlock()
	return re, nil
}

func isWildcard(pattern string) bool {
	p := strings.TrimSpace(pattern)
	return p == "" || p == "*"
}

// wildcardCount 通配字段数，越少越具体
func wildcardCount(t *models.RunbookTrigger) int {
	n := 0
	for _, p := range []string{t.AlertNamePattern, t.SeverityPattern, t.InstancePattern, t.JobPattern} {
		if isWildcard(p) {
			n++
		}
	}
	return n
}

func subsetMatch(want, have map[string]string) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// ValidateTrigger 校验触发器中的正则模式
func ValidateTrigger(t *models.RunbookTrigger) error {
	for _, p := range []string{t.AlertNamePattern, t.SeverityPattern, t.InstancePattern, t.JobPattern} {
		if isWildcard(p) {
			continue
		}
		if _, err := regexp.Compile("^(?:" + globExpr(p) + ")$"); err == nil {
			continue
		}
		if _, err := regexp.Compile("^(?:" + p + ")$"); err != nil {
			return fmt.Errorf("触发器模式 %q 无效: %v", p, err)
		}
	}
	if t.MinDurationSeconds < 0 || t.MinOccurrences < 0 {
		return fmt.Errorf("触发器阈值不能为负数")
	}
	return nil
}

// globExpr 将 glob 转为正则。告警字段按普通文本处理，* 和 ? 可以匹配 /
func globExpr(glob string) string {
	var b strings.Builder
	runes := []rune(glob)
	inClass := false
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inClass:
			if r == ']' {
				inClass = false
			}
			if r == '\\' {
				b.WriteString(`\\`)
				continue
			}
			b.WriteRune(r)
		case r == '*':
			b.WriteString(".*")
		case r == '?':
			b.WriteByte('.')
		case r == '[':
			inClass = true
			b.WriteByte('[')
			if i+1 < len(runes) && (runes[i+1] == '!' || runes[i+1] == '^') {
				b.WriteByte('^')
				i++
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}
