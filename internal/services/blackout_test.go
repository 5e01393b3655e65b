package services

import (
	"context"
	"testing"
	"time"

	"arp/internal/models"
	"arp/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recurring(start, end string) *models.BlackoutWindow {
	return &models.BlackoutWindow{
		Name:           "nightly",
		WindowType:     models.BlackoutRecurring,
		DailyStartTime: start,
		DailyEndTime:   end,
		Timezone:       "UTC",
		AppliesTo:      models.AppliesToAll,
		Enabled:        true,
	}
}

func TestWindowContainsDaily(t *testing.T) {
	w := recurring("02:00", "04:00")

	inside, err := WindowContains(w, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)

	inside, err = WindowContains(w, time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, inside)

	// 结束时刻不在窗口内
	inside, err = WindowContains(w, time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestWindowContainsMidnightCrossing(t *testing.T) {
	w := recurring("22:00", "02:00")
	// 2026-03-13 是周五
	w.DaysOfWeek = []int{int(time.Friday)}

	inside, err := WindowContains(w, time.Date(2026, 3, 13, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)

	// 周六凌晨属于周五开始的窗口
	inside, err = WindowContains(w, time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)

	// 周五凌晨属于周四开始的窗口
	inside, err = WindowContains(w, time.Date(2026, 3, 13, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestWindowContainsTimezone(t *testing.T) {
	w := recurring("02:00", "04:00")
	w.Timezone = "Asia/Shanghai"

	// 上海 03:00 = UTC 19:00（前一天）
	inside, err := WindowContains(w, time.Date(2026, 3, 9, 19, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)

	inside, err = WindowContains(w, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestWindowContainsOneOffAndDayOfMonth(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	oneOff := &models.BlackoutWindow{WindowType: models.BlackoutOneOff, StartTime: &start, EndTime: &end}

	inside, err := WindowContains(oneOff, start.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, inside)
	inside, err = WindowContains(oneOff, end)
	require.NoError(t, err)
	assert.False(t, inside)

	monthly := recurring("00:00", "06:00")
	monthly.DaysOfMonth = []int{1}
	inside, err = WindowContains(monthly, time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)
	inside, err = WindowContains(monthly, time.Date(2026, 4, 2, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestBlackoutAppliesTo(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

	auto := recurring("02:00", "04:00")
	auto.AppliesTo = models.AppliesToAutoOnly
	require.NoError(t, store.CreateBlackoutWindow(ctx, auto))

	specific := recurring("02:00", "04:00")
	specific.AppliesTo = models.AppliesToSpecificRunbooks
	specific.RunbookIDs = []string{"rb-special"}
	require.NoError(t, store.CreateBlackoutWindow(ctx, specific))

	b := NewBlackoutEvaluator(store)

	w, err := b.Active(ctx, "rb-1", models.ExecutionModeManual, at)
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = b.Active(ctx, "rb-1", models.ExecutionModeScheduled, at)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, auto.ID, w.ID)

	w, err = b.Active(ctx, "rb-special", models.ExecutionModeManual, at)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, specific.ID, w.ID)
}

func TestValidateBlackoutWindow(t *testing.T) {
	assert.NoError(t, ValidateBlackoutWindow(recurring("22:00", "02:00")))

	bad := recurring("25:00", "02:00")
	assert.Error(t, ValidateBlackoutWindow(bad))

	badTZ := recurring("01:00", "02:00")
	badTZ.Timezone = "Mars/Olympus"
	assert.Error(t, ValidateBlackoutWindow(badTZ))

	noRunbooks := recurring("01:00", "02:00")
	noRunbooks.AppliesTo = models.AppliesToSpecificRunbooks
	assert.Error(t, ValidateBlackoutWindow(noRunbooks))
}
