package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 60, cfg.Cadence.GovernanceIntervalSec)
	assert.Equal(t, 8, cfg.Cadence.BatchMax)
	assert.Equal(t, 0.60, cfg.Thresholds.Advisory)
	assert.Equal(t, 0.85, cfg.Thresholds.Autonomous)
	assert.Equal(t, 0.95, cfg.Thresholds.Emergency)
	assert.Equal(t, 16, cfg.Executor.QueueMax)
	assert.Equal(t, 0.9, cfg.Improvement.AutoMergeThreshold)
	assert.Equal(t, 200, cfg.Improvement.SizeCapLines)
	assert.Equal(t, 5, cfg.Improvement.MaxDailyMerges)
	assert.Equal(t, 0.6, cfg.Health.WarnThreshold)
	assert.Equal(t, 0.3, cfg.Health.CritThreshold)
	assert.Equal(t, 600, cfg.Modes.PausedGraceSec)
	assert.Equal(t, 60, cfg.Modes.DrainDeadlineSec)
	assert.Equal(t, 1024, cfg.Bus.QueueDepth)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Cadence, cfg.Cadence)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
cadence:
  governance_interval_sec: 30
thresholds:
  autonomous: 0.9
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Cadence.GovernanceIntervalSec)
	assert.Equal(t, 0.9, cfg.Thresholds.Autonomous)
	// Untouched values keep their defaults.
	assert.Equal(t, 30, cfg.Cadence.HealthIntervalSec)
}

func TestUnknownKeyFailsStartup(t *testing.T) {
	path := writeConfig(t, `
cadence:
  governance_interval_secs: 30
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Contains(t, err.Error(), "governance_interval_secs")
}

func TestUnknownSectionFailsStartup(t *testing.T) {
	path := writeConfig(t, "telemetry:\n  enabled: true\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestMalformedYAMLFails(t *testing.T) {
	path := writeConfig(t, "cadence: [unbalanced")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("STEWARD_TEST_TOKEN", "tok-123")
	path := writeConfig(t, `
alerting:
  slack_token: ${STEWARD_TEST_TOKEN}
  slack_channel: "${STEWARD_TEST_CHANNEL:-#dao-ops}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Alerting.SlackToken)
	assert.Equal(t, "#dao-ops", cfg.Alerting.SlackChannel)
}

func TestValidationCollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Thresholds.Autonomous = 1.5
	cfg.Health.WarnThreshold = 0.2 // below crit
	cfg.Executor.QueueMax = 0

	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "autonomous")
	assert.Contains(t, err.Error(), "crit_threshold")
	assert.Contains(t, err.Error(), "queue_max")
}

func TestSpendingLimitValidation(t *testing.T) {
	cfg := Default()
	cfg.Spending.Limits = map[string]SpendingLimit{
		"alice":     {DailyCap: 10, TotalCap: 100}, // missing asset
		"bob/usd":   {DailyCap: -1, TotalCap: 100},
		"carol/usd": {DailyCap: 200, TotalCap: 100}, // daily above total
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor/asset")
	assert.Contains(t, err.Error(), "caps must be positive")
	assert.Contains(t, err.Error(), "daily_cap exceeds total_cap")
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "1m0s", cfg.Cadence.GovernanceInterval().String())
	assert.Equal(t, "2m0s", cfg.Cadence.TickBudget().String())
	assert.Equal(t, "15m0s", cfg.Improvement.RollbackWindow().String())
	assert.Equal(t, "10m0s", cfg.Modes.PausedGrace().String())
}
