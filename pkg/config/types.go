// Package config loads and validates the coordination core configuration.
//
// The configuration is a single YAML file with environment variable
// expansion. Unknown keys are a startup failure: the decoder runs in strict
// mode and loading surfaces the offending key in the error.
package config

import "time"

// Config is the umbrella configuration object covering every tunable of the
// core. It is loaded once at startup and treated as immutable afterwards.
type Config struct {
	Cadence     CadenceConfig     `yaml:"cadence"`
	Decision    DecisionConfig    `yaml:"decision"`
	Thresholds  ThresholdConfig   `yaml:"thresholds"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Spending    SpendingConfig    `yaml:"spending"`
	Improvement ImprovementConfig `yaml:"improvement"`
	Health      HealthConfig      `yaml:"health"`
	Modes       ModesConfig       `yaml:"modes"`
	Bus         BusConfig         `yaml:"bus"`
	Memory      MemoryConfig      `yaml:"memory"`
	Adapters    AdapterConfig     `yaml:"adapters"`
	API         APIConfig         `yaml:"api"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

// CadenceConfig controls the periodic loops.
type CadenceConfig struct {
	// GovernanceIntervalSec is the governance loop tick interval.
	GovernanceIntervalSec int `yaml:"governance_interval_sec"`

	// ImprovementIntervalSec is the improvement engine scan interval.
	ImprovementIntervalSec int `yaml:"improvement_interval_sec"`

	// HealthIntervalSec is the health snapshot interval.
	HealthIntervalSec int `yaml:"health_interval_sec"`

	// TickBudgetSec is the maximum duration of a single governance tick.
	// A tick exceeding it causes the next tick to be skipped.
	TickBudgetSec int `yaml:"tick_budget_sec"`

	// BatchMax is the maximum number of decision contexts built per tick.
	BatchMax int `yaml:"batch_max"`
}

// GovernanceInterval returns the governance tick interval as a duration.
func (c CadenceConfig) GovernanceInterval() time.Duration {
	return time.Duration(c.GovernanceIntervalSec) * time.Second
}

// ImprovementInterval returns the improvement scan interval as a duration.
func (c CadenceConfig) ImprovementInterval() time.Duration {
	return time.Duration(c.ImprovementIntervalSec) * time.Second
}

// HealthInterval returns the health snapshot interval as a duration.
func (c CadenceConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}

// TickBudget returns the tick budget as a duration.
func (c CadenceConfig) TickBudget() time.Duration {
	return time.Duration(c.TickBudgetSec) * time.Second
}

// DecisionConfig declares the evaluator's tables. Weight sums are validated
// by the evaluator at startup (1 ± 1e-6 per level).
type DecisionConfig struct {
	// Weights maps level name → criterion → weight.
	Weights map[string]map[string]float64 `yaml:"weights"`

	// Required maps level name → criteria that must be present; each
	// missing one costs MissingPenalty confidence.
	Required map[string][]string `yaml:"required"`

	// Categories maps criterion → category → normalized value in [0,1].
	Categories map[string]map[string]float64 `yaml:"categories"`

	MissingPenalty    float64 `yaml:"missing_penalty"`
	VarianceThreshold float64 `yaml:"variance_threshold"`
	VariancePenalty   float64 `yaml:"variance_penalty"`
}

// ThresholdConfig controls the per-level confidence thresholds and the
// outcome-driven adjustment rule.
type ThresholdConfig struct {
	Advisory   float64 `yaml:"advisory"`
	Autonomous float64 `yaml:"autonomous"`
	Emergency  float64 `yaml:"emergency"`

	// AdjustmentStep is applied per qualifying adjustment window.
	AdjustmentStep float64 `yaml:"adjustment_step"`

	// MaxDeltaPerWindow caps the cumulative adjustment within AdjustWindow.
	MaxDeltaPerWindow float64 `yaml:"max_delta_per_window"`

	// AdjustWindowSec is the rolling window for MaxDeltaPerWindow.
	AdjustWindowSec int `yaml:"adjust_window_sec"`

	// TargetHigh and TargetLow bound the recent-success-rate band within
	// which the threshold is left unchanged.
	TargetHigh float64 `yaml:"target_high"`
	TargetLow  float64 `yaml:"target_low"`

	// HistoryWindow is the number of recent outcomes considered (K).
	HistoryWindow int `yaml:"history_window"`

	// MinHistory is the minimum outcome count before adjustments apply.
	MinHistory int `yaml:"min_history"`
}

// AdjustWindow returns the rolling adjustment window as a duration.
func (c ThresholdConfig) AdjustWindow() time.Duration {
	return time.Duration(c.AdjustWindowSec) * time.Second
}

// ExecutorConfig controls action admission.
type ExecutorConfig struct {
	// QueueMax is the per-(actor,kind) pending queue depth.
	QueueMax int `yaml:"queue_max"`

	// TimeoutSec is the per-call deadline for downstream submission.
	TimeoutSec int `yaml:"timeout_sec"`

	// PerActorMinIntervalSec is the minimum gap between actions of one actor.
	PerActorMinIntervalSec int `yaml:"per_actor_min_interval_sec"`

	// PerActorDailyCap is the maximum actions per actor per UTC day.
	PerActorDailyCap int `yaml:"per_actor_daily_cap"`
}

// Timeout returns the submission deadline as a duration.
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PerActorMinInterval returns the per-actor cadence floor as a duration.
func (c ExecutorConfig) PerActorMinInterval() time.Duration {
	return time.Duration(c.PerActorMinIntervalSec) * time.Second
}

// SpendingConfig declares per-actor, per-asset spending caps.
type SpendingConfig struct {
	// Limits maps "actor/asset" to its caps. Counters live in the durable
	// limits store; this only declares the caps.
	Limits map[string]SpendingLimit `yaml:"limits"`
}

// SpendingLimit is the cap pair for one (actor, asset).
type SpendingLimit struct {
	DailyCap float64 `yaml:"daily_cap"`
	TotalCap float64 `yaml:"total_cap"`
}

// ImprovementConfig controls the autonomous code-change pipeline.
type ImprovementConfig struct {
	AutoMergeThreshold float64  `yaml:"auto_merge_threshold"`
	SizeCapLines       int      `yaml:"size_cap_lines"`
	MaxConcurrent      int      `yaml:"max_concurrent"`
	MaxDailyMerges     int      `yaml:"max_daily_merges"`
	ProtectedPaths     []string `yaml:"protected_paths"`

	// MinScore is the floor for each analysis score before a candidate is
	// actionable.
	MinScore float64 `yaml:"min_score"`

	// MinConfidence is the actionability confidence floor.
	MinConfidence float64 `yaml:"min_confidence"`

	// RollbackWindowSec is how long after a merge a health degradation
	// triggers a compensating revert.
	RollbackWindowSec int `yaml:"rollback_window_sec"`

	// TestCommand is the sandbox test runner invocation.
	TestCommand string `yaml:"test_command"`

	// TestTimeoutSec bounds a single sandbox test run.
	TestTimeoutSec int `yaml:"test_timeout_sec"`
}

// RollbackWindow returns the post-merge watch window as a duration.
func (c ImprovementConfig) RollbackWindow() time.Duration {
	return time.Duration(c.RollbackWindowSec) * time.Second
}

// TestTimeout returns the sandbox test deadline as a duration.
func (c ImprovementConfig) TestTimeout() time.Duration {
	return time.Duration(c.TestTimeoutSec) * time.Second
}

// HealthConfig controls health scoring and signal thresholds.
type HealthConfig struct {
	WarnThreshold           float64 `yaml:"warn_threshold"`
	CritThreshold           float64 `yaml:"crit_threshold"`
	ConsecutiveFailureLimit int     `yaml:"consecutive_failure_limit"`
}

// ModesConfig controls operating-mode transitions.
type ModesConfig struct {
	// PausedGraceSec is how long sustained Degraded escalates to Paused.
	PausedGraceSec int `yaml:"paused_grace_sec"`

	// DrainDeadlineSec bounds in-flight draining on Emergency.
	DrainDeadlineSec int `yaml:"drain_deadline_sec"`
}

// PausedGrace returns the Degraded-to-Paused grace as a duration.
func (c ModesConfig) PausedGrace() time.Duration {
	return time.Duration(c.PausedGraceSec) * time.Second
}

// DrainDeadline returns the emergency drain deadline as a duration.
func (c ModesConfig) DrainDeadline() time.Duration {
	return time.Duration(c.DrainDeadlineSec) * time.Second
}

// BusConfig controls the in-process event bus.
type BusConfig struct {
	// QueueDepth is the per-subscriber bounded queue length.
	QueueDepth int `yaml:"queue_depth"`

	// PublishTimeoutSec bounds how long a decision-stream publish may block
	// on a full subscriber queue before failing with Overloaded.
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`
}

// PublishTimeout returns the decision-stream publish bound as a duration.
func (c BusConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSec) * time.Second
}

// MemoryConfig controls the memory store layers.
type MemoryConfig struct {
	// Path is the durable store file location.
	Path string `yaml:"path"`

	// ShortTermTTLSec bounds short-term cache entries.
	ShortTermTTLSec int `yaml:"short_term_ttl_sec"`

	// ShortTermMax is the short-term cache size bound (LRU beyond it).
	ShortTermMax int `yaml:"short_term_max"`

	// CompactIntervalSec is the retention loop cadence for expired
	// short-term entries and transient events.
	CompactIntervalSec int `yaml:"compact_interval_sec"`
}

// ShortTermTTL returns the cache TTL as a duration.
func (c MemoryConfig) ShortTermTTL() time.Duration {
	return time.Duration(c.ShortTermTTLSec) * time.Second
}

// CompactInterval returns the retention cadence as a duration.
func (c MemoryConfig) CompactInterval() time.Duration {
	return time.Duration(c.CompactIntervalSec) * time.Second
}

// AdapterConfig holds endpoints and credentials for external collaborators.
// Credentials support ${ENV} expansion in the YAML.
type AdapterConfig struct {
	GovernanceURL string `yaml:"governance_url"`
	SinkURL       string `yaml:"sink_url"`
	RepoURL       string `yaml:"repo_url"`
	RepoToken     string `yaml:"repo_token"`
	RepoBranch    string `yaml:"repo_branch"`

	// CallTimeoutSec is the per-call deadline for every external call.
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// CallTimeout returns the external call deadline as a duration.
func (c AdapterConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// APIConfig controls the ops HTTP server.
type APIConfig struct {
	Port int `yaml:"port"`
}

// AlertingConfig controls Slack alert delivery.
type AlertingConfig struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}
