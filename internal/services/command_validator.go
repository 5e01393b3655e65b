package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/logger"

	"github.com/sirupsen/logrus"
)

// 命令校验结果原因
const (
	ReasonNotAllowlisted = "not_allowlisted"
)

// CommandVerdict 命令校验结果
type CommandVerdict struct {
	Allowed bool                   `json:"allowed"`
	Reason  string                 `json:"reason,omitempty"`
	Pattern *models.CommandPattern `json:"pattern,omitempty"`
}

// CommandValidator 命令黑白名单校验
type CommandValidator struct {
	repo repository.SafetyRepository

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewCommandValidator 创建命令校验器
func NewCommandValidator(repo repository.SafetyRepository) *CommandValidator {
	return &CommandValidator{
		repo:  repo,
		cache: make(map[string]*regexp.Regexp),
	}
}

// Validate 先查黑名单，再查该系统的白名单；白名单为空表示放行所有未被拦截的命令
func (v *CommandValidator) Validate(ctx context.Context, command, osType string) (*CommandVerdict, error) {
	patterns, err := v.repo.ListCommandPatterns(ctx, repository.PatternFilter{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("加载命令名单失败: %v", err)
	}

	var allowlist []models.CommandPattern
	for i := range patterns {
		p := &patterns[i]
		if !osApplies(p.OSType, osType) {
			continue
		}
		switch p.ListType {
		case models.PatternListBlock:
			if v.matches(p, command) {
				return &CommandVerdict{Allowed: false, Reason: "blocked: " + p.Label(), Pattern: p}, nil
			}
		case models.PatternListAllow:
			allowlist = append(allowlist, *p)
		}
	}

	if len(allowlist) == 0 {
		return &CommandVerdict{Allowed: true}, nil
	}
	for i := range allowlist {
		if v.matches(&allowlist[i], command) {
			return &CommandVerdict{Allowed: true, Pattern: &allowlist[i]}, nil
		}
	}
	return &CommandVerdict{Allowed: false, Reason: ReasonNotAllowlisted}, nil
}

// ValidatePattern 创建名单条目前检查正则
func ValidatePattern(p *models.CommandPattern) error {
	if strings.TrimSpace(p.Pattern) == "" {
		return fmt.Errorf("pattern 不能为空")
	}
	switch p.ListType {
	case models.PatternListAllow, models.PatternListBlock:
	default:
		return fmt.Errorf("list_type 无效: %s", p.ListType)
	}
	switch p.PatternType {
	case models.PatternTypeContains:
	case models.PatternTypeRegex:
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("正则表达式无效: %v", err)
		}
	default:
		return fmt.Errorf("pattern_type 无效: %s", p.PatternType)
	}
	switch p.OSType {
	case "", models.OSAny, models.OSLinux, models.OSWindows:
	default:
		return fmt.Errorf("os_type 无效: %s", p.OSType)
	}
	return nil
}

func (v *CommandValidator) matches(p *models.CommandPattern, command string) bool {
	if p.PatternType == models.PatternTypeContains {
		return strings.Contains(command, p.Pattern)
	}
	re, err := v.compile(p.Pattern)
	if err != nil {
		logger.GetLogger().WithFields(logrus.Fields{
			"pattern_id": p.ID,
			"pattern":    p.Pattern,
		}).Warnf("命令名单正则无效，已忽略: %v", err)
		return false
	}
	return re.MatchString(command)
}

func (v *CommandValidator) compile(pattern string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.cache[pattern]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cache[pattern] = re
	v.mu.Unlock()
	return re, nil
}

// osApplies 条目系统为空或 any 时适用于所有系统；命令系统未知时所有条目都适用
func osApplies(patternOS, commandOS string) bool {
	if patternOS == "" || patternOS == models.OSAny || commandOS == "" {
		return true
	}
	return patternOS == commandOS
}
