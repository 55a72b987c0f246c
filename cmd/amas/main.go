package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"amas/internal/config"
	"amas/internal/logging"
	"amas/internal/system"
	"amas/internal/types"
)

// Version is stamped by the build.
var Version = "1.0.0"

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "amas",
	Short: "AMAS - adaptive multi-dimensional agent-based scheduling core",
	Long: `AMAS is the decision core of an adaptive learning scheduler.

Per interaction event it updates the user's cognitive state, selects a
learning strategy through a contextual bandit, and schedules a delayed
reward correction. A leader instance additionally runs the delayed-reward
worker, metrics collection, and the alert engine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
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
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AMAS core until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Initialize(logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
			Dir:        cfg.Logging.Dir,
		}); err != nil {
			return err
		}
		defer logging.Shutdown()

		svc, err := system.NewService(cfg, system.ServiceOptions{})
		if err != nil {
			return err
		}

		logger.Info("amas starting",
			zap.String("version", cfg.Version),
			zap.Bool("leader", cfg.Leader),
			zap.String("db", cfg.Store.DatabasePath))

		sup := system.NewSupervisor(svc)
		if code := sup.RunUntilSignal(); code != 0 {
			return fmt.Errorf("supervisor exited with code %d", code)
		}
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process <user-id>",
	Short: "Process a single interaction event from stdin JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		svc, err := system.NewService(cfg, system.ServiceOptions{})
		if err != nil {
			return err
		}
		defer svc.Close()

		var event types.RawEvent
		if err := json.NewDecoder(os.Stdin).Decode(&event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		sessionID, _ := cmd.Flags().GetString("session")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := svc.ProcessEvent(ctx, args[0], &event, sessionID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print health, metrics, and active alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		svc, err := system.NewService(cfg, system.ServiceOptions{})
		if err != nil {
			return err
		}
		defer svc.Close()

		out := map[string]any{
			"health":  svc.Health(),
			"metrics": svc.Metrics(),
			"alerts":  svc.ActiveAlerts(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Prune finished reward tasks and old traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		svc, err := system.NewService(cfg, system.ServiceOptions{})
		if err != nil {
			return err
		}
		defer svc.Close()

		vacuum, _ := cmd.Flags().GetBool("vacuum")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		stats, err := svc.Maintenance(ctx, vacuum)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d reward tasks, %d traces (vacuumed=%v)\n",
			stats.RewardTasksPruned, stats.TracesPruned, stats.Vacuumed)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("amas %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	processCmd.Flags().String("session", "", "session id for feature persistence")
	maintainCmd.Flags().Bool("vacuum", false, "VACUUM after pruning")
	rootCmd.AddCommand(serveCmd, processCmd, statusCmd, maintainCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
