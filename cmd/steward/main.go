// Steward coordination core — runs the governance, improvement, and health
// loops under the orchestrator's operating-mode regime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/quorumnet/steward/pkg/alerting"
	"github.com/quorumnet/steward/pkg/api"
	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/confidence"
	"github.com/quorumnet/steward/pkg/decision"
	"github.com/quorumnet/steward/pkg/executor"
	"github.com/quorumnet/steward/pkg/explain"
	"github.com/quorumnet/steward/pkg/governance"
	"github.com/quorumnet/steward/pkg/govsource"
	"github.com/quorumnet/steward/pkg/health"
	"github.com/quorumnet/steward/pkg/improve"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/mode"
	"github.com/quorumnet/steward/pkg/orchestrator"
	"github.com/quorumnet/steward/pkg/probe"
	"github.com/quorumnet/steward/pkg/repo"
	"github.com/quorumnet/steward/pkg/sandbox"
	"github.com/quorumnet/steward/pkg/sink"
	"github.com/quorumnet/steward/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("STEWARD_CONFIG", "./deploy/steward.yaml"),
		"Path to the configuration file")
	repoDir := flag.String("repo-dir",
		getEnv("STEWARD_REPO_DIR", "."),
		"Path to the local checkout used for sandboxing")
	flag.Parse()

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("No %s file, continuing with existing environment", envPath)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))

	slog.Info("Starting steward", "version", version.Full(), "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *repoDir); err != nil {
		log.Fatalf("steward failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, repoDir string) error {
	clk := clock.System()
	modes := &mode.State{}

	// Memory first: every other component reads or writes through it.
	if err := os.MkdirAll(filepath.Dir(cfg.Memory.Path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := memory.Open(cfg.Memory.Path, clk, memory.Options{
		ShortTermTTL: cfg.Memory.ShortTermTTL(),
		ShortTermMax: cfg.Memory.ShortTermMax,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Memory store close failed", "error", err)
		}
	}()
	slog.Info("Memory store open", "path", cfg.Memory.Path)

	eventBus := bus.New(clk, cfg.Bus.QueueDepth, cfg.Bus.PublishTimeout(),
		bus.WithJournal(store,
			bus.TopicDecisions, bus.TopicActions, bus.TopicImprovements, bus.TopicModes))

	// Derived tables: thresholds and evaluator.
	conf := confidence.NewManager(clk, cfg.Thresholds)
	if err := replayOutcomes(store, conf); err != nil {
		return err
	}

	evaluator, err := buildEvaluator(cfg.Decision)
	if err != nil {
		return err
	}
	builder := explain.NewBuilder()

	for key, lim := range cfg.Spending.Limits {
		actor, asset, ok := splitLimitKey(key)
		if !ok {
			return fmt.Errorf("spending limit key %q is not actor/asset", key)
		}
		if err := store.ConfigureLimit(actor, asset, lim.DailyCap, lim.TotalCap); err != nil {
			return err
		}
	}

	alerts := alerting.NewService(cfg.Alerting.SlackToken, cfg.Alerting.SlackChannel)
	metrics := health.NewMetrics()

	limiter := clock.NewLimiter(clk, modes, clock.Policy{
		MinInterval: cfg.Executor.PerActorMinInterval(),
		DailyCap:    cfg.Executor.PerActorDailyCap,
	})

	actionSink := sink.NewHTTPSink(cfg.Adapters.SinkURL, cfg.Adapters.CallTimeout())
	exec := executor.New(clk, modes, limiter, store, conf, eventBus, actionSink,
		cfg.Executor.QueueMax, cfg.Executor.Timeout())

	source := govsource.NewHTTPSource(cfg.Adapters.GovernanceURL, cfg.Adapters.CallTimeout())
	govLoop := governance.NewLoop(clk, modes, source, evaluator, conf, exec,
		store, builder, eventBus, cfg.Cadence, cfg.Adapters.CallTimeout())

	repoClient, err := repo.NewGitHubClient(cfg.Adapters.RepoURL, cfg.Adapters.RepoToken,
		cfg.Adapters.CallTimeout())
	if err != nil {
		return err
	}
	runner := sandbox.NewLocalRunner(repoDir, filepath.Join(os.TempDir(), "steward-sandbox"))
	improver := improve.NewEngine(clk, modes, repoClient, runner, store, eventBus,
		alerts, nil, cfg.Improvement, cfg.Cadence.ImprovementInterval())

	probes := probe.NewSystemProbe(filepath.Dir(cfg.Memory.Path))
	monitor := health.NewMonitor(clk, probes, eventBus, exec, conf, improver,
		cfg.Health, cfg.Cadence.HealthInterval(), metrics)

	compactor := memory.NewCompactor(store, cfg.Memory.CompactInterval())

	// Startup order: memory and bus are already up; then the evaluation
	// stack and monitoring, then the executor (constructed above, passive),
	// then the loops. The orchestrator stops them in reverse.
	orch := orchestrator.New(clk, modes, eventBus, alerts, monitor, exec,
		cfg.Modes, cfg.Health.WarnThreshold,
		compactor, monitor, govLoop, improver)
	orch.Start(ctx)
	defer orch.Stop()

	server := api.NewServer(orch, monitor, metrics, eventBus, store)
	server.Start(fmt.Sprintf(":%d", cfg.API.Port))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Ops API shutdown failed", "error", err)
		}
	}()

	slog.Info("Steward running", "mode", modes.Get().String())
	<-ctx.Done()
	slog.Info("Shutdown signal received")
	return nil
}

// replayOutcomes rebuilds the threshold table from the durable outcome log.
func replayOutcomes(store *memory.Store, conf *confidence.Manager) error {
	outcomes, err := store.Outcomes()
	if err != nil {
		return fmt.Errorf("replay outcomes: %w", err)
	}
	replayed := 0
	for _, out := range outcomes {
		rec, err := store.GetDecision(out.DecisionID)
		if err != nil {
			return fmt.Errorf("replay outcomes: %w", err)
		}
		if rec == nil {
			continue
		}
		conf.Record(rec.Context.Level, out)
		replayed++
	}
	if replayed > 0 {
		slog.Info("Threshold table rebuilt from outcome log", "outcomes", replayed)
	}
	return nil
}

// buildEvaluator converts the configuration tables into evaluator parameters.
func buildEvaluator(cfg config.DecisionConfig) (*decision.Evaluator, error) {
	weights := make(decision.WeightTable, len(cfg.Weights))
	for levelName, table := range cfg.Weights {
		level, err := decision.ParseLevel(levelName)
		if err != nil {
			return nil, err
		}
		w := make(decision.Weights, len(table))
		for criterion, weight := range table {
			w[criterion] = weight
		}
		weights[level] = w
	}

	required := make(map[decision.Level][]string, len(cfg.Required))
	for levelName, criteria := range cfg.Required {
		level, err := decision.ParseLevel(levelName)
		if err != nil {
			return nil, err
		}
		required[level] = criteria
	}

	categories := make(decision.CategoryTables, len(cfg.Categories))
	for criterion, table := range cfg.Categories {
		categories[criterion] = table
	}

	return decision.NewEvaluator(decision.EvaluatorParams{
		Weights:           weights,
		Categories:        categories,
		Required:          required,
		MissingPenalty:    cfg.MissingPenalty,
		VarianceThreshold: cfg.VarianceThreshold,
		VariancePenalty:   cfg.VariancePenalty,
	})
}

func splitLimitKey(key string) (actor, asset string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], key[:i] != "" && key[i+1:] != ""
		}
	}
	return "", "", false
}
