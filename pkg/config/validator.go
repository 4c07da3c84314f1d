package config

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks every section for values the core cannot run with.
// All violations are collected so the operator fixes the file in one pass.
func Validate(cfg *Config) error {
	var errs []error

	checkPositive := func(section, field string, v int) {
		if v <= 0 {
			errs = append(errs, newValidationError(section, field, "must be positive"))
		}
	}
	checkUnit := func(section, field string, v float64) {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, newValidationError(section, field, "must be in [0,1]"))
		}
	}

	checkPositive("cadence", "governance_interval_sec", cfg.Cadence.GovernanceIntervalSec)
	checkPositive("cadence", "improvement_interval_sec", cfg.Cadence.ImprovementIntervalSec)
	checkPositive("cadence", "health_interval_sec", cfg.Cadence.HealthIntervalSec)
	checkPositive("cadence", "tick_budget_sec", cfg.Cadence.TickBudgetSec)
	checkPositive("cadence", "batch_max", cfg.Cadence.BatchMax)

	for levelName, weights := range cfg.Decision.Weights {
		switch levelName {
		case "advisory", "autonomous", "emergency":
		default:
			errs = append(errs, newValidationError("decision", levelName, "unknown level"))
		}
		for criterion, w := range weights {
			if math.IsNaN(w) || w < 0 || w > 1 {
				errs = append(errs, newValidationError("decision",
					levelName+"."+criterion, "weight must be in [0,1]"))
			}
		}
	}
	checkUnit("decision", "missing_penalty", cfg.Decision.MissingPenalty)
	checkUnit("decision", "variance_threshold", cfg.Decision.VarianceThreshold)
	checkUnit("decision", "variance_penalty", cfg.Decision.VariancePenalty)

	t := cfg.Thresholds
	for field, v := range map[string]float64{
		"advisory": t.Advisory, "autonomous": t.Autonomous, "emergency": t.Emergency,
	} {
		if math.IsNaN(v) || v < 0.5 || v > 0.99 {
			errs = append(errs, newValidationError("thresholds", field, "must be in [0.5, 0.99]"))
		}
	}
	checkUnit("thresholds", "adjustment_step", t.AdjustmentStep)
	checkUnit("thresholds", "max_delta_per_window", t.MaxDeltaPerWindow)
	checkUnit("thresholds", "target_high", t.TargetHigh)
	checkUnit("thresholds", "target_low", t.TargetLow)
	if t.TargetLow >= t.TargetHigh {
		errs = append(errs, newValidationError("thresholds", "target_low", "must be below target_high"))
	}
	checkPositive("thresholds", "history_window", t.HistoryWindow)
	checkPositive("thresholds", "min_history", t.MinHistory)
	checkPositive("thresholds", "adjust_window_sec", t.AdjustWindowSec)

	checkPositive("executor", "queue_max", cfg.Executor.QueueMax)
	checkPositive("executor", "timeout_sec", cfg.Executor.TimeoutSec)
	checkPositive("executor", "per_actor_min_interval_sec", cfg.Executor.PerActorMinIntervalSec)
	checkPositive("executor", "per_actor_daily_cap", cfg.Executor.PerActorDailyCap)

	for key, lim := range cfg.Spending.Limits {
		if !strings.Contains(key, "/") {
			errs = append(errs, newValidationError("spending", key, "key must be actor/asset"))
		}
		if lim.DailyCap <= 0 || lim.TotalCap <= 0 {
			errs = append(errs, newValidationError("spending", key, "caps must be positive"))
		}
		if lim.DailyCap > lim.TotalCap {
			errs = append(errs, newValidationError("spending", key, "daily_cap exceeds total_cap"))
		}
	}

	imp := cfg.Improvement
	checkUnit("improvement", "auto_merge_threshold", imp.AutoMergeThreshold)
	checkUnit("improvement", "min_score", imp.MinScore)
	checkUnit("improvement", "min_confidence", imp.MinConfidence)
	checkPositive("improvement", "size_cap_lines", imp.SizeCapLines)
	checkPositive("improvement", "max_concurrent", imp.MaxConcurrent)
	checkPositive("improvement", "max_daily_merges", imp.MaxDailyMerges)
	checkPositive("improvement", "rollback_window_sec", imp.RollbackWindowSec)
	checkPositive("improvement", "test_timeout_sec", imp.TestTimeoutSec)
	if strings.TrimSpace(imp.TestCommand) == "" {
		errs = append(errs, newValidationError("improvement", "test_command", "must not be empty"))
	}

	checkUnit("health", "warn_threshold", cfg.Health.WarnThreshold)
	checkUnit("health", "crit_threshold", cfg.Health.CritThreshold)
	if cfg.Health.CritThreshold >= cfg.Health.WarnThreshold {
		errs = append(errs, newValidationError("health", "crit_threshold", "must be below warn_threshold"))
	}
	checkPositive("health", "consecutive_failure_limit", cfg.Health.ConsecutiveFailureLimit)

	checkPositive("modes", "paused_grace_sec", cfg.Modes.PausedGraceSec)
	checkPositive("modes", "drain_deadline_sec", cfg.Modes.DrainDeadlineSec)

	checkPositive("bus", "queue_depth", cfg.Bus.QueueDepth)
	checkPositive("bus", "publish_timeout_sec", cfg.Bus.PublishTimeoutSec)

	checkPositive("memory", "short_term_ttl_sec", cfg.Memory.ShortTermTTLSec)
	checkPositive("memory", "short_term_max", cfg.Memory.ShortTermMax)
	checkPositive("memory", "compact_interval_sec", cfg.Memory.CompactIntervalSec)
	if strings.TrimSpace(cfg.Memory.Path) == "" {
		errs = append(errs, newValidationError("memory", "path", "must not be empty"))
	}

	checkPositive("adapters", "call_timeout_sec", cfg.Adapters.CallTimeoutSec)
	checkPositive("api", "port", cfg.API.Port)

	if len(errs) == 0 {
		return nil
	}

	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%w:\n  %s", ErrValidationFailed, strings.Join(msgs, "\n  "))
}
