package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techo/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Checklist.Items, 10)
	assert.Equal(t, "ban-wc", cfg.Checklist.Items[2].Code)
}

func TestFromYAMLRejectsBrokenRules(t *testing.T) {
	cases := map[string]struct {
		from, to string
		want     string
	}{
		"bad yaml":         {"roles:", "roles: [", "invalid config yaml"},
		"unknown category": {"category: estructural}", "category: techo}", "unknown category"},
		"bad priority":     {"default_priority: media", "default_priority: urgente", "default_priority"},
		"workload order":   {"high_from: 10", "high_from: 3", "workload"},
		"no deadline":      {"alta: 2", "alta: 0", "response_days.alta"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			raw := strings.Replace(DefaultTemplate, tc.from, tc.to, 1)
			require.NotEqual(t, DefaultTemplate, raw)
			_, err := FromYAML([]byte(raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWebhookValidation(t *testing.T) {
	cfg := Default()
	cfg.Webhooks = []WebhookConfig{{Name: "ops", URL: "https://ops.example/hook", Events: []string{"status_change"}}}
	require.NoError(t, cfg.Validate())

	cfg.Webhooks = append(cfg.Webhooks, WebhookConfig{Name: "ops", URL: "https://other.example"})
	assert.ErrorContains(t, cfg.Validate(), "duplicated")

	cfg.Webhooks = []WebhookConfig{{Name: "ops", URL: "https://ops.example", Events: []string{"deleted"}}}
	assert.ErrorContains(t, cfg.Validate(), "unknown event")

	cfg.Webhooks = []WebhookConfig{{Name: "ops"}}
	assert.ErrorContains(t, cfg.Validate(), "requires name and url")
}

func TestPriorityAndCategoryDerivation(t *testing.T) {
	cfg := Default()
	mayor, menor := domain.SeverityMayor, domain.SeverityMenor
	assert.Equal(t, domain.PriorityAlta, cfg.PriorityForSeverity(&mayor))
	assert.Equal(t, domain.PriorityBaja, cfg.PriorityForSeverity(&menor))
	assert.Equal(t, domain.PriorityMedia, cfg.PriorityForSeverity(nil))

	assert.Equal(t, domain.CategoryElectrica, cfg.CategoryForItem("electrica", "Baño"))
	assert.Equal(t, domain.CategoryPlomeria, cfg.CategoryForItem("", " Baño "))
	assert.Equal(t, domain.CategoryOtra, cfg.CategoryForItem("", "Living"))
}

func TestWorkloadLevel(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "libre", cfg.WorkloadLevel(0))
	assert.Equal(t, "baja", cfg.WorkloadLevel(4))
	assert.Equal(t, "media", cfg.WorkloadLevel(5))
	assert.Equal(t, "alta", cfg.WorkloadLevel(12))
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "postventa-v1", cfg.Checklist.TemplateVersion)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte("checklist: {}\n"), 0o644))
	_, err = LoadOptional(dir)
	assert.Error(t, err)
}
