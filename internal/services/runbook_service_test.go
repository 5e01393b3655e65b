package services

import (
	"context"
	"testing"

	"arp/internal/models"
	"arp/internal/repository"
	apperrors "arp/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRunbook() *models.Runbook {
	return &models.Runbook{
		Name:    "restart-nginx",
		Enabled: true,
		Steps: []models.RunbookStep{
			withRollback(commandStep(1, "systemctl stop {{service|default:nginx}}"), "systemctl start nginx"),
			{
				StepOrder: 2,
				Name:      "notify",
				StepType:  models.StepTypeAPI,
				API: &models.APIAction{
					Method:   "post",
					Endpoint: "https://hooks.internal/{{alert.name}}",
					Extract:  []models.ExtractRule{{Name: "id", Type: models.ExtractRegex, Expression: `id=(\d+)`}},
				},
			},
		},
		Triggers: []models.RunbookTrigger{{AlertNamePattern: "Nginx*", Enabled: true}},
	}
}

func TestRunbookCreateAndVersioning(t *testing.T) {
	svc := NewRunbookService(repository.NewMemoryStore(), 45)
	ctx := context.Background()

	rb, err := svc.Create(ctx, sampleRunbook(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rb.Version)
	assert.Len(t, rb.Checksum, 64)
	assert.Equal(t, 30, rb.ApprovalTimeoutMinutes)
	assert.Equal(t, 100, rb.Triggers[0].Priority)

	// 定义未变化时版本不变
	same := sampleRunbook()
	updated, err := svc.Update(ctx, rb.ID, same, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)
	assert.Equal(t, rb.Checksum, updated.Checksum)
	assert.Equal(t, "alice", updated.CreatedBy)
	assert.Equal(t, "bob", updated.UpdatedBy)

	changed := sampleRunbook()
	changed.Steps[0].RetryCount = 2
	updated, err = svc.Update(ctx, rb.ID, changed, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.NotEqual(t, rb.Checksum, updated.Checksum)

	_, err = svc.Create(ctx, sampleRunbook(), "alice")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidState))
}

func TestRunbookValidation(t *testing.T) {
	svc := NewRunbookService(repository.NewMemoryStore(), 60)

	cases := map[string]func(rb *models.Runbook){
		"no steps":        func(rb *models.Runbook) { rb.Steps = nil },
		"duplicate order": func(rb *models.Runbook) { rb.Steps[1].StepOrder = 1 },
		"both payloads":   func(rb *models.Runbook) { rb.Steps[0].API = &models.APIAction{Endpoint: "x"} },
		"bad template":    func(rb *models.Runbook) { rb.Steps[0].Command.Linux = "echo {{host" },
		"unknown filter":  func(rb *models.Runbook) { rb.Steps[0].Command.Linux = "echo {{host|shout}}" },
		"bad regex":       func(rb *models.Runbook) { rb.Steps[1].API.Extract[0].Expression = "(" },
		"bad method":      func(rb *models.Runbook) { rb.Steps[1].API.Method = "FETCH" },
		"bad trigger":     func(rb *models.Runbook) { rb.Triggers[0].AlertNamePattern = "[a-" },
		"os conflict": func(rb *models.Runbook) {
			rb.TargetOSFilter = models.OSWindows
			rb.Steps[0].Command.TargetOS = models.OSLinux
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rb := sampleRunbook()
			mutate(rb)
			_, err := svc.Create(context.Background(), rb, "alice")
			assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput), "%v", err)
		})
	}
}

func TestRunbookYAMLRoundTrip(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewRunbookService(store, 60)
	ctx := context.Background()

	rb, err := svc.Create(ctx, sampleRunbook(), "alice")
	require.NoError(t, err)

	data, err := svc.Export(ctx, rb.ID)
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: restart-nginx")
	assert.Contains(t, string(data), "alert_name: Nginx*")

	// 同名导入按更新处理，定义不变则版本不变
	imported, err := svc.Import(ctx, data, "bob")
	require.NoError(t, err)
	assert.Equal(t, rb.ID, imported.ID)
	assert.Equal(t, 1, imported.Version)
	assert.Equal(t, rb.Checksum, imported.Checksum)

	_, err = svc.Import(ctx, []byte("name: [unclosed"), "bob")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput))

	fresh := []byte(`
name: disk-cleanup
enabled: true
steps:
  - order: 1
    name: clean
    type: command
    timeout_seconds: 120
    command:
      linux: "journalctl --vacuum-size=500M"
`)
	created, err := svc.Import(ctx, fresh, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, 120, created.Steps[0].TimeoutSeconds)
	assert.Equal(t, "journalctl --vacuum-size=500M", created.Steps[0].Command.Linux)
}
