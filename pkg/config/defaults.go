package config

// Default returns the built-in configuration. Every tunable has a default so
// an empty file is a valid configuration.
func Default() *Config {
	return &Config{
		Cadence: CadenceConfig{
			GovernanceIntervalSec:  60,
			ImprovementIntervalSec: 300,
			HealthIntervalSec:      30,
			TickBudgetSec:          120,
			BatchMax:               8,
		},
		Decision: DecisionConfig{
			Weights: map[string]map[string]float64{
				"advisory": {
					"financial": 0.30, "security": 0.25, "sentiment": 0.25, "compliance": 0.20,
				},
				"autonomous": {
					"financial": 0.30, "security": 0.25, "sentiment": 0.25, "compliance": 0.20,
				},
				"emergency": {
					"financial": 0.20, "security": 0.40, "sentiment": 0.10, "compliance": 0.30,
				},
			},
			Required: map[string][]string{
				"autonomous": {"financial", "security", "sentiment", "compliance"},
				"emergency":  {"financial", "security", "compliance"},
			},
			Categories:        map[string]map[string]float64{},
			MissingPenalty:    0.1,
			VarianceThreshold: 0.25,
			VariancePenalty:   0.1,
		},
		Thresholds: ThresholdConfig{
			Advisory:          0.60,
			Autonomous:        0.85,
			Emergency:         0.95,
			AdjustmentStep:    0.01,
			MaxDeltaPerWindow: 0.05,
			AdjustWindowSec:   3600,
			TargetHigh:        0.95,
			TargetLow:         0.80,
			HistoryWindow:     50,
			MinHistory:        10,
		},
		Executor: ExecutorConfig{
			QueueMax:               16,
			TimeoutSec:             30,
			PerActorMinIntervalSec: 10,
			PerActorDailyCap:       100,
		},
		Spending: SpendingConfig{
			Limits: map[string]SpendingLimit{},
		},
		Improvement: ImprovementConfig{
			AutoMergeThreshold: 0.9,
			SizeCapLines:       200,
			MaxConcurrent:      2,
			MaxDailyMerges:     5,
			ProtectedPaths:     []string{},
			MinScore:           0.6,
			MinConfidence:      0.7,
			RollbackWindowSec:  900,
			TestCommand:        "go test ./...",
			TestTimeoutSec:     600,
		},
		Health: HealthConfig{
			WarnThreshold:           0.6,
			CritThreshold:           0.3,
			ConsecutiveFailureLimit: 3,
		},
		Modes: ModesConfig{
			PausedGraceSec:   600,
			DrainDeadlineSec: 60,
		},
		Bus: BusConfig{
			QueueDepth:        1024,
			PublishTimeoutSec: 5,
		},
		Memory: MemoryConfig{
			Path:               "./data/steward.db",
			ShortTermTTLSec:    3600,
			ShortTermMax:       4096,
			CompactIntervalSec: 300,
		},
		Adapters: AdapterConfig{
			RepoBranch:     "main",
			CallTimeoutSec: 30,
		},
		API: APIConfig{
			Port: 8080,
		},
		Alerting: AlertingConfig{},
	}
}
