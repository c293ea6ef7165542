package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultThresholds(), cfg.Thresholds)
	assert.Equal(t, "persona_governor.db", cfg.Database.Path)
	assert.Equal(t, DefaultReviewRules(), cfg.Review.Rules)
	assert.Equal(t, 72*time.Hour, cfg.Memory.ClarificationTTL)
}

func TestLoadYAMLWithTwinOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/x.db
thresholds:
  absolute_floor: 0.25
  publish_delta: 0.05
twins:
  twin-a:
    judge_score: 0.9
review:
  rules:
    - reason: policy_violation
      priority: high
    - reason: escalation
      priority: medium
learning:
  interval: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.InDelta(t, 0.25, cfg.Thresholds.AbsoluteFloor, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.Learning.Interval)
	assert.Len(t, cfg.Review.Rules, 2)

	a := cfg.ThresholdsFor("twin-a")
	assert.InDelta(t, 0.9, a.JudgeScore, 1e-9)
	assert.InDelta(t, 0.25, a.AbsoluteFloor, 1e-9, "non-overridden fields inherit")

	b := cfg.ThresholdsFor("twin-b")
	assert.InDelta(t, DefaultThresholds().JudgeScore, b.JudgeScore, 1e-9)
}

func TestLoadKeepsExplicitZeroGates(t *testing.T) {
	path := writeConfig(t, `
thresholds:
  absolute_floor: 0
  max_repeat_failures: 0
learning:
  min_module_confidence: 0
  material_change: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Zero(t, cfg.Thresholds.AbsoluteFloor)
	assert.Zero(t, cfg.Thresholds.MaxRepeatFailures)
	assert.Zero(t, cfg.Learning.MinModuleConf)
	assert.Zero(t, cfg.Learning.MaterialChange)
	assert.InDelta(t, DefaultThresholds().WorkflowDefault, cfg.Thresholds.WorkflowDefault, 1e-9, "absent keys still default")
	assert.InDelta(t, 0.02, cfg.Learning.LearningRate, 1e-9)

	t.Setenv("PGOV_THRESHOLDS_ABSOLUTE_FLOOR", "0")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Zero(t, cfg.Thresholds.AbsoluteFloor)
}

func TestExplicitZeroPublishDeltaIsRejected(t *testing.T) {
	path := writeConfig(t, `
thresholds:
  publish_delta: 0
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PGOV_DATABASE_PATH", "/var/lib/pgov.db")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pgov.db", cfg.Database.Path)
}

func TestValidateRejectsBadPriority(t *testing.T) {
	path := writeConfig(t, `
review:
  rules:
    - reason: escalation
      priority: urgent
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsOutOfRangeOverride(t *testing.T) {
	path := writeConfig(t, `
twins:
  twin-a:
    absolute_floor: 1.5
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "thresholds.absolute_floor", envKey("PGOV_THRESHOLDS_ABSOLUTE_FLOOR"))
	assert.Equal(t, "database.path", envKey("PGOV_DATABASE_PATH"))
}
