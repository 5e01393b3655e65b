package services

import (
	"context"
	"testing"

	"arp/internal/models"
	"arp/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorEmptyAllowlistPermitsNonBlocked(t *testing.T) {
	store := repository.NewMemoryStore()
	addPattern(t, store, models.PatternListBlock, models.PatternTypeContains, "rm -rf /", models.OSAny)
	v := NewCommandValidator(store)

	verdict, err := v.Validate(context.Background(), "systemctl restart nginx", models.OSLinux)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestValidatorBlocklistDominatesAllowlist(t *testing.T) {
	store := repository.NewMemoryStore()
	block := addPattern(t, store, models.PatternListBlock, models.PatternTypeRegex, `\brm\s+-rf\s+/`, models.OSLinux)
	block.Description = "recursive delete of root"
	require.NoError(t, store.UpdateCommandPattern(context.Background(), block))
	addPattern(t, store, models.PatternListAllow, models.PatternTypeRegex, `.*`, models.OSLinux)
	v := NewCommandValidator(store)

	verdict, err := v.Validate(context.Background(), "rm -rf /var/lib", models.OSLinux)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "blocked: recursive delete of root", verdict.Reason)
}

func TestValidatorNonEmptyAllowlistRequiresMatch(t *testing.T) {
	store := repository.NewMemoryStore()
	addPattern(t, store, models.PatternListAllow, models.PatternTypeRegex, `^systemctl (restart|status) \w+$`, models.OSLinux)
	v := NewCommandValidator(store)

	verdict, err := v.Validate(context.Background(), "systemctl restart nginx", models.OSLinux)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	verdict, err = v.Validate(context.Background(), "curl http://evil", models.OSLinux)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, ReasonNotAllowlisted, verdict.Reason)
}

func TestValidatorFiltersByOS(t *testing.T) {
	store := repository.NewMemoryStore()
	addPattern(t, store, models.PatternListBlock, models.PatternTypeContains, "Format-Volume", models.OSWindows)
	addPattern(t, store, models.PatternListAllow, models.PatternTypeContains, "Restart-Service", models.OSWindows)
	v := NewCommandValidator(store)

	// Windows 名单不影响 Linux 命令
	verdict, err := v.Validate(context.Background(), "Format-Volume -DriveLetter D", models.OSLinux)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	verdict, err = v.Validate(context.Background(), "Format-Volume -DriveLetter D", models.OSWindows)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
}

func TestValidatorIgnoresDisabledPatterns(t *testing.T) {
	store := repository.NewMemoryStore()
	p := addPattern(t, store, models.PatternListBlock, models.PatternTypeContains, "reboot", models.OSAny)
	p.Enabled = false
	require.NoError(t, store.UpdateCommandPattern(context.Background(), p))

	verdict, err := NewCommandValidator(store).Validate(context.Background(), "reboot", models.OSLinux)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern(&models.CommandPattern{
		ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, Pattern: `^mkfs`, OSType: models.OSLinux,
	}))
	assert.Error(t, ValidatePattern(&models.CommandPattern{
		ListType: models.PatternListBlock, PatternType: models.PatternTypeRegex, Pattern: `([`, OSType: models.OSLinux,
	}))
	assert.Error(t, ValidatePattern(&models.CommandPattern{
		ListType: "greylist", PatternType: models.PatternTypeContains, Pattern: "x",
	}))
}
