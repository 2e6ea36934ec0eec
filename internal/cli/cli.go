// ============================================================================
// psotune CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running simulations, serving the scheduler
//          over gRPC and inspecting decision journals
//
// Command Structure:
//   psotune                        # Root command
//   ├── simulate                   # Run a local population on synthetic training
//   │   ├── --scheduler pso|fifo
//   │   ├── --trials, --parallel, --iterations, --seed
//   │   └── --async                # Asynchronous perturbation
//   ├── serve                      # Expose the scheduler to remote executors
//   │   └── --port
//   ├── journal                    # Print or summarize a decision journal
//   │   ├── --file, -f
//   │   └── --stats
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level, --log-format
//   └── --version
//
// Configuration Management:
//   YAML file with sections:
//   - scheduler: PSO scheduler parameters and search-space bounds
//   - simulation: local executor and synthetic objective
//   - storage: decision journal and snapshot paths
//   - server: gRPC port
//   - metrics: Prometheus endpoint
//   Fields missing from the file keep their defaults. A missing file is
//   only an error when --config was given explicitly.
//
// Signal Handling:
//   simulate and serve stop on SIGINT / SIGTERM. serve drains in-flight
//   RPCs with GracefulStop before closing the journal.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/psotune/internal/controller"
	"github.com/ChuLiYu/psotune/internal/logging"
	"github.com/ChuLiYu/psotune/internal/metrics"
	"github.com/ChuLiYu/psotune/internal/runner"
	"github.com/ChuLiYu/psotune/internal/server"
	"github.com/ChuLiYu/psotune/internal/snapshot"
	"github.com/ChuLiYu/psotune/internal/storage/journal"
	"github.com/ChuLiYu/psotune/internal/worker"
	"github.com/ChuLiYu/psotune/pkg/types"
)

const defaultConfigPath = "configs/default.yaml"

// Config represents the complete configuration file
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Scheduler controller.Config `yaml:"scheduler"`

	Simulation struct {
		Trials        int                    `yaml:"trials"`
		Parallel      int                    `yaml:"parallel"`
		Iterations    int                    `yaml:"iterations"`
		StepDelay     time.Duration          `yaml:"step_delay"`
		StepTimeout   time.Duration          `yaml:"step_timeout"`
		Seed          int64                  `yaml:"seed"`
		Optimum       map[string]float64     `yaml:"optimum"` // default: center of each bound
		Width         float64                `yaml:"width"`
		Fixed         map[string]interface{} `yaml:"fixed"`
		SnapshotEvery int                    `yaml:"snapshot_every"`
	} `yaml:"simulation"`

	Storage struct {
		JournalPath      string        `yaml:"journal_path"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		SyncOnFlush      bool          `yaml:"sync_on_flush"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"` // serve only
	} `yaml:"storage"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Scheduler = controller.DefaultConfig()
	cfg.Scheduler.Metric = "score"
	cfg.Scheduler.Mode = controller.ModeMax
	cfg.Scheduler.StepSize = 0.2
	cfg.Scheduler.Bounds = map[string]types.Bounds{
		"lr":       {Low: 0.0001, High: 0.1},
		"momentum": {Low: 0, High: 0.99},
	}

	sim := runner.DefaultOptions()
	cfg.Simulation.Trials = sim.Trials
	cfg.Simulation.Parallel = sim.Parallel
	cfg.Simulation.Iterations = sim.MaxIterations
	cfg.Simulation.StepTimeout = sim.StepTimeout
	cfg.Simulation.Seed = sim.Seed
	cfg.Simulation.Width = 0.3

	cfg.Storage.SnapshotInterval = 30 * time.Second
	cfg.Server.Port = 50051
	cfg.Metrics.Port = 9090
	return cfg
}

var (
	configFile string
	logLevel   string
	logFormat  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "psotune",
		Short: "psotune: particle-swarm population scheduler for hyperparameter search",
		Long: `psotune schedules a population of training trials with a
particle-swarm variant of population based training:
- exploit: lower-quantile trials restore an upper-quantile checkpoint
- explore: every trial moves through the search space with PSO velocity
- synchronous barriers or asynchronous perturbation
- checksummed decision journal and snapshot recovery`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// simulate
// ============================================================================

type simulateFlags struct {
	scheduler  string
	trials     int
	parallel   int
	iterations int
	seed       int64
	async      bool
}

func buildSimulateCommand() *cobra.Command {
	var flags simulateFlags

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a local population on a synthetic objective",
		Long: `Admit a population of trials with random initial configs and train
them on an in-process worker pool. Each training step advances a synthetic
model whose progress depends on the distance to a hidden optimum.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			applySimulateFlags(cmd, cfg, flags)
			return runSimulation(cmd.Context(), cfg, flags.scheduler, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.scheduler, "scheduler", "pso", "scheduler: pso or fifo")
	cmd.Flags().IntVar(&flags.trials, "trials", 0, "number of trials (overrides config)")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 0, "concurrent training steps (overrides config)")
	cmd.Flags().IntVar(&flags.iterations, "iterations", 0, "training steps per trial (overrides config)")
	cmd.Flags().Int64Var(&flags.seed, "seed", 0, "seed for initial configs and perturbations (overrides config)")
	cmd.Flags().BoolVar(&flags.async, "async", false, "perturb asynchronously instead of at synchronization barriers")

	return cmd
}

func applySimulateFlags(cmd *cobra.Command, cfg *Config, flags simulateFlags) {
	if cmd.Flags().Changed("trials") {
		cfg.Simulation.Trials = flags.trials
	}
	if cmd.Flags().Changed("parallel") {
		cfg.Simulation.Parallel = flags.parallel
	}
	if cmd.Flags().Changed("iterations") {
		cfg.Simulation.Iterations = flags.iterations
	}
	if cmd.Flags().Changed("seed") {
		cfg.Simulation.Seed = flags.seed
		cfg.Scheduler.Seed = flags.seed
	}
	if flags.async {
		cfg.Scheduler.Synchronous = false
	}
}

func runSimulation(ctx context.Context, cfg *Config, schedulerName string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		shutdown := startMetricsServer(cfg.Metrics.Port, reg)
		defer shutdown()
	}

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer closeJournal(j)

	scheduler, err := newScheduler(schedulerName, cfg.Scheduler,
		controller.WithLogger(slog.Default()),
		controller.WithMetrics(collector),
		controller.WithJournal(j))
	if err != nil {
		return err
	}

	opts := runner.Options{
		Trials:        cfg.Simulation.Trials,
		Parallel:      cfg.Simulation.Parallel,
		MaxIterations: cfg.Simulation.Iterations,
		Space:         cfg.Scheduler.Bounds,
		Fixed:         cfg.Simulation.Fixed,
		TimeAttr:      cfg.Scheduler.TimeAttr,
		Metric:        cfg.Scheduler.Metric,
		Mode:          cfg.Scheduler.Mode,
		StepTimeout:   cfg.Simulation.StepTimeout,
		Seed:          cfg.Simulation.Seed,
		SnapshotEvery: cfg.Simulation.SnapshotEvery,
	}
	step := worker.Synthetic(optimum(cfg), cfg.Simulation.Width, cfg.Simulation.StepDelay)

	runOpts := []runner.Option{
		runner.WithJournal(j),
		runner.WithMetrics(collector),
		runner.WithLogger(slog.Default()),
	}
	if cfg.Storage.SnapshotPath != "" {
		m, err := newSnapshotManager(cfg.Storage.SnapshotPath)
		if err != nil {
			return err
		}
		runOpts = append(runOpts, runner.WithSnapshots(m))
	}

	r, err := runner.New(opts, scheduler, step, runOpts...)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	summary, err := r.Run(ctx)
	printSummary(out, summary)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, s runner.Summary) {
	fmt.Fprintln(w, "Scheduler:    ", s.Scheduler)
	fmt.Fprintf(w, "Trials:        %d (completed %d, failed %d)\n", s.Trials, s.Completed, s.Failed)
	fmt.Fprintf(w, "Steps:         %d\n", s.Steps)
	fmt.Fprintf(w, "Restores:      %d\n", s.Restores)
	fmt.Fprintf(w, "Duration:      %s\n", s.Duration.Round(time.Millisecond))
	if s.Best == "" {
		fmt.Fprintln(w, "Best trial:    none")
		return
	}
	fmt.Fprintf(w, "Best trial:    %s (score %.4f)\n", s.Best, s.BestScore)

	keys := make([]string, 0, len(s.BestConfig))
	for k := range s.BestConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %v\n", k, s.BestConfig[k])
	}
}

// optimum returns the synthetic objective's optimum, defaulting to the
// center of each search-space bound
func optimum(cfg *Config) map[string]float64 {
	if len(cfg.Simulation.Optimum) > 0 {
		return cfg.Simulation.Optimum
	}
	out := make(map[string]float64, len(cfg.Scheduler.Bounds))
	for dim, b := range cfg.Scheduler.Bounds {
		out[dim] = (b.Low + b.High) / 2
	}
	return out
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var port int
	var schedulerName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler gRPC service for remote executors",
		Long: `Serve psotune.v1.Scheduler and grpc.health.v1.Health. Remote executors
report trial lifecycle events and apply the returned instructions. The
scheduler state is snapshotted periodically and recovered on restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServer(cmd.Context(), cfg, schedulerName)
		},
	}

	cmd.Flags().IntVar(&port, "port", 50051, "gRPC port (overrides config)")
	cmd.Flags().StringVar(&schedulerName, "scheduler", "pso", "scheduler: pso or fifo")

	return cmd
}

func runServer(ctx context.Context, cfg *Config, schedulerName string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		shutdown := startMetricsServer(cfg.Metrics.Port, reg)
		defer shutdown()
	}

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer closeJournal(j)

	scheduler, err := newScheduler(schedulerName, cfg.Scheduler,
		controller.WithLogger(logger),
		controller.WithMetrics(collector),
		controller.WithJournal(j))
	if err != nil {
		return err
	}
	srv := server.NewServer(scheduler, server.WithJournal(j), server.WithLogger(logger))

	if cfg.Storage.SnapshotPath != "" {
		m, err := newSnapshotManager(cfg.Storage.SnapshotPath)
		if err != nil {
			return err
		}
		n, err := srv.Recover(m)
		switch {
		case errors.Is(err, snapshot.ErrSnapshotNotFound):
			logger.Info("No snapshot found, starting fresh", "path", m.GetPath())
		case err != nil:
			return fmt.Errorf("failed to recover from snapshot: %w", err)
		default:
			logger.Info("Scheduler recovered", "trials", n)
		}
		go srv.RunSnapshots(ctx, m, cfg.Storage.SnapshotInterval)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	gs := grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(logger)))
	health := srv.Register(gs)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gs.Serve(lis)
	}()
	logger.Info("gRPC server listening", "addr", lis.Addr().String(), "service", server.ServiceName)

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
		health.Shutdown()
		gs.GracefulStop()
		return nil
	case err := <-serveErr:
		return fmt.Errorf("gRPC server failed: %w", err)
	}
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var file string
	var stats bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print or summarize a decision journal",
		Long:  "Replay a decision journal, verifying every checksum, and print each event or summary statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("journal file is required (use --file or -f)")
			}
			return showJournal(cmd.OutOrStdout(), file, stats)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "decision journal file")
	cmd.Flags().BoolVar(&stats, "stats", false, "print statistics instead of events")
	cmd.MarkFlagRequired("file")

	return cmd
}

func showJournal(w io.Writer, path string, stats bool) error {
	if !stats {
		if err := journal.DumpJournal(path, w); err != nil {
			return fmt.Errorf("failed to dump journal: %w", err)
		}
		return nil
	}

	st, err := journal.GetStats(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	fmt.Fprintf(w, "Journal:   %s\n", path)
	fmt.Fprintf(w, "Events:    %d (seq %d..%d)\n", st.TotalEvents, st.FirstSeq, st.LastSeq)
	fmt.Fprintf(w, "Trials:    %d\n", st.Trials)
	fmt.Fprintf(w, "Max time:  %g\n", st.MaxTime)

	kinds := make([]string, 0, len(st.EventTypes))
	for kind := range st.EventTypes {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %-12s %d\n", kind, st.EventTypes[journal.EventType(kind)])
	}
	return nil
}

// ============================================================================
// Shared helpers
// ============================================================================

// resolveConfig loads the config file and sets up logging
func resolveConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = DefaultConfig()
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	logging.Setup(level, format)
	return cfg, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	// bounds in the file replace the default search space
	cfg.Scheduler.Bounds = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if cfg.Scheduler.Bounds == nil {
		cfg.Scheduler.Bounds = DefaultConfig().Scheduler.Bounds
	}
	return cfg, nil
}

func newScheduler(name string, cfg controller.Config, opts ...controller.Option) (controller.TrialScheduler, error) {
	switch strings.ToLower(name) {
	case "", "pso":
		s, err := controller.NewScheduler(cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
		return s, nil
	case "fifo":
		return controller.NewFIFOScheduler(), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q (want pso or fifo)", name)
	}
}

func openJournal(cfg *Config) (*journal.Journal, error) {
	path := cfg.Storage.JournalPath
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	j, err := journal.Open(path, cfg.Storage.SyncOnFlush)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func closeJournal(j *journal.Journal) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		slog.Error("Failed to close journal", "error", err)
	}
}

func newSnapshotManager(path string) (*snapshot.Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return snapshot.NewManager(path), nil
}

// startMetricsServer serves /metrics until the returned func is called
func startMetricsServer(port int, g prometheus.Gatherer) func() {
	srv := metrics.NewServer(port, g)
	go func() {
		slog.Info("Starting metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
