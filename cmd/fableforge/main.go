// fableforge is the narrative engine CLI: an interactive play loop plus
// inspection subcommands over the same orchestrator the service embeds.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	dataDir    string
	dbPath     string
	inMemory   bool
	verbose    bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fableforge",
	Short: "fableforge - narrative runtime for LLM-driven text adventures",
	Long: `fableforge runs the deterministic half of an LLM-driven text adventure:
dice-true combat, graph-backed NPC memory with spreading-activation recall,
a worldbook-driven map with an in-game clock, and a plot event machine.

Run without arguments to start an interactive session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlay()
	},
}

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Start an interactive session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlay()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Process a single player input and print the turn result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOnce,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tool surface",
	RunE:  listTools,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "worldbook data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "memory", false, "use an in-memory store (no persistence)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}
