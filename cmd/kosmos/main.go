// kosmos is the research discovery orchestrator CLI.
//
// It drives autonomous research runs: an external planner proposes task
// batches, a bounded scheduler executes them (generated code runs inside a
// sandbox), results feed a versioned world model, and a convergence
// detector decides when the run is done.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kosmos/internal/artifact"
	"kosmos/internal/config"
	"kosmos/internal/logging"
	"kosmos/internal/planner"
	"kosmos/internal/research"
	"kosmos/internal/sandbox"
	"kosmos/internal/scheduler"
	"kosmos/internal/store"
	"kosmos/internal/workflow"
	"kosmos/internal/world"
)

var (
	verbose   bool
	workspace string

	logger *zap.Logger

	// exitCode carries the run's termination reason to the process exit.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "kosmos",
	Short: "kosmos - autonomous research discovery orchestrator",
	Long: `kosmos runs iterative research loops: plan a batch of tasks, execute
generated experiment code in a sandbox, ingest results into a versioned
world model, and stop when the research converges or the budget runs out.

Exit codes: 0 converged, 2 budget exhausted, 3 cancelled, 124 iteration timeout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	scriptPath    string
	maxIterations int
	maxCost       float64
	maxWall       time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [objective]",
	Short: "Run a research objective to completion",
	Long: `Starts a run for the given objective and steps it until it terminates.
The planner is driven by a YAML research script (--script); each script
iteration proposes one task batch.

Example:
  kosmos run "Does X correlate with Y" --script research.yaml --max-iterations 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runObjective,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show world model and provenance counts from the workspace store",
	RunE:  showStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request an emergency stop of any running kosmos process",
	Long: `Creates the stop flag file in the workspace control directory. A running
kosmos process watches for it and cancels all active runs with reason
"cancelled".`,
	RunE: requestCancel,
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the world model to a normalized snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  exportSnapshot,
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a snapshot into an empty workspace store",
	Args:  cobra.ExactArgs(1),
	RunE:  importSnapshot,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	runCmd.Flags().StringVar(&scriptPath, "script", "", "YAML research script driving the planner (required)")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration cap (overrides config)")
	runCmd.Flags().Float64Var(&maxCost, "max-cost", 0, "Cost budget (overrides config)")
	runCmd.Flags().DurationVar(&maxWall, "wall-clock", 0, "Wall-clock budget (overrides config)")
	_ = runCmd.MarkFlagRequired("script")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// components is the wired-up backend shared by the run/export/import paths.
type components struct {
	cfg   *config.Config
	store *store.Store
	world *world.Model
	blobs *artifact.Store
}

func buildComponents(rehydrate bool) (*components, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(workspace, cfg.Storage.DatabasePath))
	if err != nil {
		return nil, err
	}

	blobs, err := artifact.NewStore(filepath.Join(workspace, cfg.Storage.ArtifactDir))
	if err != nil {
		st.Close()
		return nil, err
	}

	w := world.NewModel()
	if rehydrate {
		entities, rels, err := st.Replay()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to replay store: %w", err)
		}
		if err := rehydrateWorld(w, entities, rels); err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("world model rehydrated",
			zap.Int("versions", len(entities)), zap.Int("relationships", len(rels)))
	}
	w.SetLog(st)

	return &components{cfg: cfg, store: st, world: w, blobs: blobs}, nil
}

// rehydrateWorld rebuilds in-memory state from the persisted version log.
func rehydrateWorld(w *world.Model, entities []research.Entity, rels []research.Relationship) error {
	snap := world.Snapshot{FormatVersion: world.SnapshotFormatVersion, Entities: entities, Relationships: rels}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return w.Import(data)
}

func runObjective(cmd *cobra.Command, args []string) error {
	objective := args[0]

	comps, err := buildComponents(true)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	plan, err := planner.LoadScript(scriptPath)
	if err != nil {
		return err
	}

	runnerCfg := sandbox.DefaultConfig()
	runnerCfg.ScratchRoot = filepath.Join(workspace, comps.cfg.Sandbox.ScratchDir)
	runnerCfg.InputDir = comps.cfg.Sandbox.InputDir
	if comps.cfg.Sandbox.Image != "" {
		runnerCfg.Image = comps.cfg.Sandbox.Image
	}
	if comps.cfg.Sandbox.MaxMemoryMB > 0 {
		runnerCfg.DefaultLimits.MaxMemoryBytes = comps.cfg.Sandbox.MaxMemoryMB << 20
	}
	if comps.cfg.Sandbox.MaxProcesses > 0 {
		runnerCfg.DefaultLimits.MaxProcesses = comps.cfg.Sandbox.MaxProcesses
	}
	if comps.cfg.Sandbox.MaxOutputBytes > 0 {
		runnerCfg.DefaultLimits.MaxOutputBytes = comps.cfg.Sandbox.MaxOutputBytes
	}
	runnerCfg.MaxTimeout = config.Duration(comps.cfg.Sandbox.Timeout, runnerCfg.MaxTimeout)

	runner, err := sandbox.NewRunner(sandbox.Mode(comps.cfg.Sandbox.Mode), runnerCfg)
	if err != nil {
		return err
	}

	budget := research.Budget{
		MaxIterations:    comps.cfg.Budget.MaxIterations,
		MaxParallelTasks: comps.cfg.Budget.MaxParallelTasks,
		MaxWallClock:     config.Duration(comps.cfg.Budget.MaxWallClock, research.DefaultBudget().MaxWallClock),
		MaxCost:          comps.cfg.Budget.MaxCost,
	}
	if maxIterations > 0 {
		budget.MaxIterations = maxIterations
	}
	if maxCost > 0 {
		budget.MaxCost = maxCost
	}
	if maxWall > 0 {
		budget.MaxWallClock = maxWall
	}

	sched := scheduler.New(scheduler.Config{
		Workers:        config.WorkerCount(budget.MaxParallelTasks),
		QueueCapacity:  comps.cfg.Scheduler.QueueCapacity,
		MaxAttempts:    comps.cfg.Scheduler.MaxAttempts,
		DefaultTimeout: config.Duration(comps.cfg.Scheduler.TaskTimeout, 5*time.Minute),
		RetryBackoff:   config.Duration(comps.cfg.Scheduler.RetryBackoff, 200*time.Millisecond),
		MaxRetryDelay:  config.Duration(comps.cfg.Scheduler.MaxRetryDelay, 5*time.Second),
	}, &workflow.TaskExecutor{
		Sandbox:   runner,
		Artifacts: comps.blobs,
		Agent:     workflow.ParamsAgent{},
	})
	defer sched.Stop()

	runID := "" // Filled once the run starts; provenance needs it.
	sched.SetResultCallback(func(res research.ExecutionResult) {
		if err := comps.store.RecordProvenance(runID, res); err != nil {
			logger.Warn("failed to record provenance", zap.Error(err))
		}
	})

	ctrl := workflow.NewController(workflow.Config{
		IterationTimeout:  config.Duration(comps.cfg.Scheduler.TaskTimeout, 5*time.Minute) * 6,
		CostPerTaskSecond: 0.01,
		Convergence:       workflow.DefaultConvergenceConfig(),
		Incidents:         comps.store,
	}, comps.world, sched, planner.NewRetryingPlanner(plan))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := workflow.NewEmergencyStop(controlDir(), func(reason string) {
		logger.Warn("emergency stop", zap.String("reason", reason))
		ctrl.CancelAll(reason)
		cancel()
	})
	if err := stop.Start(); err != nil {
		return err
	}
	defer stop.Close()

	handle, err := ctrl.StartRun(ctx, objective, budget)
	if err != nil {
		return err
	}
	runID = handle.ID
	logger.Info("run started", zap.String("run_id", handle.ID), zap.String("objective", objective))

	report, err := ctrl.RunToCompletion(ctx, handle)
	if err != nil && report == nil {
		return err
	}

	reason := handle.Reason()
	exitCode = reason.ExitCode()

	if report != nil {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	logger.Info("run finished",
		zap.String("run_id", handle.ID),
		zap.String("reason", string(reason)),
		zap.Int("exit_code", exitCode))
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents(true)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	kinds := []research.EntityKind{
		research.KindResearchQuestion,
		research.KindHypothesis,
		research.KindExperimentProtocol,
		research.KindExperimentResult,
	}
	fmt.Printf("workspace: %s\n", workspace)
	for _, kind := range kinds {
		fmt.Printf("  %-20s %d\n", kind, comps.world.Count(world.Filter{Kind: kind}))
	}
	return nil
}

func requestCancel(cmd *cobra.Command, args []string) error {
	dir := controlDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	flag := filepath.Join(dir, workflow.StopFileName)
	if err := os.WriteFile(flag, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write stop flag: %w", err)
	}
	fmt.Printf("stop requested: %s\n", flag)
	return nil
}

func exportSnapshot(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents(true)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	data, err := comps.world.Export()
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	logger.Info("snapshot exported", zap.String("file", args[0]), zap.Int("bytes", len(data)))
	return nil
}

func importSnapshot(cmd *cobra.Command, args []string) error {
	comps, err := buildComponents(false)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	// Import into a detached model first so a bad snapshot never reaches
	// the store.
	staging := world.NewModel()
	if err := staging.Import(data); err != nil {
		return err
	}

	var snap world.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for _, e := range snap.Entities {
		if err := comps.store.AppendVersion(e); err != nil {
			return err
		}
	}
	for _, r := range snap.Relationships {
		if err := comps.store.AppendRelationship(r); err != nil {
			return err
		}
	}
	logger.Info("snapshot imported",
		zap.Int("versions", len(snap.Entities)),
		zap.Int("relationships", len(snap.Relationships)))
	return nil
}

func controlDir() string {
	return filepath.Join(workspace, ".kosmos", "control")
}
