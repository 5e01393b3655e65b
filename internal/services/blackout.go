package services

import (
	"context"
	"fmt"
	"time"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/logger"

	"github.com/sirupsen/logrus"
)

// ReasonBlackoutActive 维护窗口内拒绝
const ReasonBlackoutActive = "blackout_active"

// BlackoutEvaluator 维护窗口判定
type BlackoutEvaluator struct {
	repo repository.SafetyRepository
}

// NewBlackoutEvaluator 创建维护窗口判定器
func NewBlackoutEvaluator(repo repository.SafetyRepository) *BlackoutEvaluator {
	return &BlackoutEvaluator{repo: repo}
}

// Active 返回 at 时刻对该运维手册生效的第一个维护窗口，没有则返回 nil
func (b *BlackoutEvaluator) Active(ctx context.Context, runbookID, mode string, at time.Time) (*models.BlackoutWindow, error) {
	windows, err := b.repo.ListBlackoutWindows(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("加载维护窗口失败: %v", err)
	}
	for i := range windows {
		w := &windows[i]
		if !windowApplies(w, runbookID, mode) {
			continue
		}
		inside, err := WindowContains(w, at)
		if err != nil {
			// 配置错误的窗口不阻断执行，只记录
			logger.GetLogger().WithFields(logrus.Fields{
				"window_id": w.ID,
				"window":    w.Name,
			}).Warnf("维护窗口配置无效: %v", err)
			continue
		}
		if inside {
			return w, nil
		}
	}
	return nil, nil
}

func windowApplies(w *models.BlackoutWindow, runbookID, mode string) bool {
	switch w.AppliesTo {
	case models.AppliesToAutoOnly:
		return mode == models.ExecutionModeAutomatic || mode == models.ExecutionModeScheduled
	case models.AppliesToSpecificRunbooks:
		for _, id := range w.RunbookIDs {
			if id == runbookID {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// WindowContains 判断 at 是否落在窗口内
func WindowContains(w *models.BlackoutWindow, at time.Time) (bool, error) {
	if w.WindowType == models.BlackoutOneOff {
		if w.StartTime == nil || w.EndTime == nil {
			return false, fmt.Errorf("一次性窗口缺少开始或结束时间")
		}
		return !at.Before(*w.StartTime) && at.Before(*w.EndTime), nil
	}

	loc, err := loadLocation(w.Timezone)
	if err != nil {
		return false, err
	}
	start, err := parseClock(w.DailyStartTime)
	if err != nil {
		return false, fmt.Errorf("daily_start_time 无效: %v", err)
	}
	end, err := parseClock(w.DailyEndTime)
	if err != nil {
		return false, fmt.Errorf("daily_end_time 无效: %v", err)
	}

	local := at.In(loc)
	minute := local.Hour()*60 + local.Minute()
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	// 窗口开始的那一天
	var startDay time.Time
	if start < end {
		if minute < start || minute >= end {
			return false, nil
		}
		startDay = day
	} else {
		// 跨零点，开始等于结束视为全天
		switch {
		case minute >= start:
			startDay = day
		case minute < end:
			startDay = day.AddDate(0, 0, -1)
		default:
			return false, nil
		}
	}
	return dayMatches(w, startDay), nil
}

func dayMatches(w *models.BlackoutWindow, day time.Time) bool {
	if len(w.DaysOfWeek) > 0 && !containsInt(w.DaysOfWeek, int(day.Weekday())) {
		return false
	}
	if len(w.DaysOfMonth) > 0 && !containsInt(w.DaysOfMonth, day.Day()) {
		return false
	}
	return true
}

// ValidateBlackoutWindow 保存前检查窗口定义
func ValidateBlackoutWindow(w *models.BlackoutWindow) error {
	switch w.AppliesTo {
	case "":
		w.AppliesTo = models.AppliesToAll
	case models.AppliesToAll, models.AppliesToAutoOnly:
	case models.AppliesToSpecificRunbooks:
		if len(w.RunbookIDs) == 0 {
			return fmt.Errorf("specific_runbooks 需要指定 runbook_ids")
		}
	default:
		return fmt.Errorf("applies_to 无效: %s", w.AppliesTo)
	}

	switch w.WindowType {
	case models.BlackoutOneOff:
		if w.StartTime == nil || w.EndTime == nil || !w.EndTime.After(*w.StartTime) {
			return fmt.Errorf("一次性窗口需要 start_time < end_time")
		}
	case models.BlackoutRecurring:
		if _, err := loadLocation(w.Timezone); err != nil {
			return err
		}
		if _, err := parseClock(w.DailyStartTime); err != nil {
			return fmt.Errorf("daily_start_time 无效: %v", err)
		}
		if _, err := parseClock(w.DailyEndTime); err != nil {
			return fmt.Errorf("daily_end_time 无效: %v", err)
		}
		for _, d := range w.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("days_of_week 取值范围 0-6: %d", d)
			}
		}
		for _, d := range w.DaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("days_of_month 取值范围 1-31: %d", d)
			}
		}
	default:
		return fmt.Errorf("window_type 无效: %s", w.WindowType)
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("时区无效 %s: %v", name, err)
	}
	return loc, nil
}

// parseClock 解析 HH:MM，返回当天的分钟数
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
