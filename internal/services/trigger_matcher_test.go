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

func addTriggeredRunbook(t *testing.T, store *repository.MemoryStore, name string, trig models.RunbookTrigger) *models.Runbook {
	t.Helper()
	trig.Enabled = true
	rb := &models.Runbook{
		Name:     name,
		Enabled:  true,
		Triggers: []models.RunbookTrigger{trig},
	}
	require.NoError(t, store.CreateRunbook(context.Background(), rb))
	return rb
}

func cpuAlert() *models.Alert {
	return &models.Alert{
		Name:            "HighCPU",
		Severity:        "critical",
		Instance:        "web-01:9100",
		Job:             "node",
		Labels:          map[string]string{"env": "prod", "team": "sre"},
		FirstSeen:       time.Date(2026, 3, 10, 4, 50, 0, 0, time.UTC),
		OccurrenceCount: 3,
	}
}

func newTestMatcher(store *repository.MemoryStore) *TriggerMatcher {
	m := NewTriggerMatcher(store)
	m.now = func() time.Time { return time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC) }
	return m
}

func TestMatcherSelectsLowestPriority(t *testing.T) {
	store := repository.NewMemoryStore()
	addTriggeredRunbook(t, store, "generic", models.RunbookTrigger{AlertNamePattern: "*", Priority: 50})
	want := addTriggeredRunbook(t, store, "cpu", models.RunbookTrigger{AlertNamePattern: "High*", Priority: 10})

	got, err := newTestMatcher(store).Match(context.Background(), cpuAlert())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.Runbook.ID)
}

func TestMatcherTieBreakBySpecificityThenAge(t *testing.T) {
	store := repository.NewMemoryStore()
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	wide := models.RunbookTrigger{AlertNamePattern: "HighCPU", Priority: 10}
	wide.CreatedAt = older
	addTriggeredRunbook(t, store, "wide", wide)

	specific := addTriggeredRunbook(t, store, "specific", models.RunbookTrigger{
		AlertNamePattern: "HighCPU", SeverityPattern: "critical", JobPattern: "node", Priority: 10,
	})

	got, err := newTestMatcher(store).Match(context.Background(), cpuAlert())
	require.NoError(t, err)
	assert.Equal(t, specific.ID, got.Runbook.ID)

	// 同样具体时，创建时间更早的胜出
	store2 := repository.NewMemoryStore()
	first := models.RunbookTrigger{AlertNamePattern: "HighCPU", Priority: 10}
	first.CreatedAt = older
	firstRb := addTriggeredRunbook(t, store2, "first", first)
	addTriggeredRunbook(t, store2, "second", models.RunbookTrigger{AlertNamePattern: "HighCPU", Priority: 10})

	got, err = newTestMatcher(store2).Match(context.Background(), cpuAlert())
	require.NoError(t, err)
	assert.Equal(t, firstRb.ID, got.Runbook.ID)
}

func TestMatcherPatternsAndMatchers(t *testing.T) {
	m := newTestMatcher(repository.NewMemoryStore())
	now := m.now()
	alert := cpuAlert()

	cases := []struct {
		name string
		trig models.RunbookTrigger
		want bool
	}{
		{"exact", models.RunbookTrigger{AlertNamePattern: "HighCPU"}, true},
		{"regex", models.RunbookTrigger{AlertNamePattern: "High(CPU|Memory)", InstancePattern: `web-\d+:9100`}, true},
		{"regex anchored", models.RunbookTrigger{AlertNamePattern: "CPU"}, false},
		{"severity mismatch", models.RunbookTrigger{SeverityPattern: "warning"}, false},
		{"label subset", models.RunbookTrigger{LabelMatchers: map[string]string{"env": "prod"}}, true},
		{"label mismatch", models.RunbookTrigger{LabelMatchers: map[string]string{"env": "staging"}}, false},
		{"annotation missing", models.RunbookTrigger{AnnotationMatchers: map[string]string{"runbook": "x"}}, false},
		{"duration satisfied", models.RunbookTrigger{MinDurationSeconds: 300}, true},
		{"duration not yet", models.RunbookTrigger{MinDurationSeconds: 900}, false},
		{"occurrences not yet", models.RunbookTrigger{MinOccurrences: 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, m.Matches(&tc.trig, alert, now))
		})
	}
}

func TestMatcherNoMatchIsNotError(t *testing.T) {
	store := repository.NewMemoryStore()
	addTriggeredRunbook(t, store, "disk", models.RunbookTrigger{AlertNamePattern: "DiskFull"})

	got, err := newTestMatcher(store).Match(context.Background(), cpuAlert())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMatcherSkipsDisabledRunbooks(t *testing.T) {
	store := repository.NewMemoryStore()
	rb := addTriggeredRunbook(t, store, "cpu", models.RunbookTrigger{AlertNamePattern: "HighCPU"})
	rb.Enabled = false
	require.NoError(t, store.UpdateRunbook(context.Background(), rb))

	got, err := newTestMatcher(store).Match(context.Background(), cpuAlert())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValidateTrigger(t *testing.T) {
	assert.NoError(t, ValidateTrigger(&models.RunbookTrigger{AlertNamePattern: "Disk*", JobPattern: "node|kubelet"}))
	assert.Error(t, ValidateTrigger(&models.RunbookTrigger{AlertNamePattern: "[a-"}))
	assert.Error(t, ValidateTrigger(&models.RunbookTrigger{MinOccurrences: -1}))
}

func TestMatcherGlobTreatsSlashesAsText(t *testing.T) {
	m := newTestMatcher(repository.NewMemoryStore())
	now := m.now()
	alert := cpuAlert()
	alert.Name = "disk/var/log"

	cases := []struct {
		pattern string
		want    bool
	}{
		{"disk*", true},
		{"*/var/*", true},
		{"disk?var?log", true},
		{"disk/[!v]*", false},
		{"disk/[uv]ar/log", true},
		{"mem*", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			trig := models.RunbookTrigger{AlertNamePattern: tc.pattern}
			assert.Equal(t, tc.want, m.Matches(&trig, alert, now))
		})
	}

	alert.Name = "High+CPU/x"
	assert.True(t, m.Matches(&models.RunbookTrigger{AlertNamePattern: "High+CPU*"}, alert, now))
}
