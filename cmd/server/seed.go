package main

import (
	"context"
	"fmt"

	"arp/internal/models"
	"arp/internal/repository"
	"arp/pkg/logger"
)

// defaultBlocklist 首次启动时写入的危险命令
var defaultBlocklist = []models.CommandPattern{
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, OSType: models.OSLinux, Severity: "critical",
		Pattern: `rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$|\*)`, Description: "删除根目录"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeContains, OSType: models.OSLinux, Severity: "critical",
		Pattern: "mkfs", Description: "格式化文件系统"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, OSType: models.OSLinux, Severity: "critical",
		Pattern: `dd\s+.*of=/dev/(sd|nvme|vd|hd|xvd)`, Description: "直接写块设备"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeContains, OSType: models.OSLinux, Severity: "critical",
		Pattern: ":(){ :|:& };:", Description: "fork 炸弹"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, OSType: models.OSLinux, Severity: "high",
		Pattern: `(^|[;&|]\s*)(shutdown|reboot|halt|poweroff)\b`, Description: "关机或重启"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, OSType: models.OSLinux, Severity: "high",
		Pattern: `chmod\s+-R\s+777\s+/(\s|$)`, Description: "全盘放开权限"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, OSType: models.OSWindows, Severity: "critical",
		Pattern: `(?i)format-volume`, Description: "格式化卷"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, OSType: models.OSWindows, Severity: "critical",
		Pattern: `(?i)remove-item\s+.*-recurse.*\s[a-z]:\\?\s*$`, Description: "递归删除整个磁盘"},
	{ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, OSType: models.OSWindows, Severity: "high",
		Pattern: `(?i)(stop-computer|restart-computer)`, Description: "关机或重启"},
}

// seedData 命令名单为空时写入默认黑名单
func seedData(ctx context.Context, repo repository.SafetyRepository) error {
	appLogger := logger.GetLogger()

	existing, err := repo.ListCommandPatterns(ctx, repository.PatternFilter{ListType: models.PatternListBlock})
	if err != nil {
		return fmt.Errorf("查询命令名单失败: %v", err)
	}
	if len(existing) > 0 {
		appLogger.Info("命令黑名单已存在，跳过初始化")
		return nil
	}

	for i := range defaultBlocklist {
		p := defaultBlocklist[i]
		p.Enabled = true
		if err := repo.CreateCommandPattern(ctx, &p); err != nil {
			return fmt.Errorf("写入默认黑名单失败: %v", err)
		}
	}
	appLogger.Infof("已写入 %d 条默认命令黑名单", len(defaultBlocklist))
	return nil
}
