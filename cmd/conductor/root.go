package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	projectDir     string
	quiet          bool
	debug          bool
	endPhaseFlag   string
	skipValidation bool
	noCommit       bool
	maxRetries     int
	hitl           bool
)

// rootCmd mirrors tim-coutinho-agentops/cli/cmd/ao/root.go's
// PersistentFlags-plus-grouped-subcommands shape, generalized from
// AgentOps's knowledge-pool vocabulary to the five-phase workflow
// vocabulary this module drives.
var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent workflow engine: planner + dual reviewers across five phases",
	Long: `conductor drives a planning/implementing agent and two independent
reviewer agents through five phases — Planning, Validation,
Implementation, Verification, Completion — against a project directory,
gated by budget, session continuity, and git checkpoints.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLogging()
	},
}

func configureLogging() {
	level := slog.LevelInfo
	switch {
	case debug:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	wd, _ := os.Getwd()
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", wd, "Project directory to run the workflow against")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress informational output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rollbackCmd)

	startCmd.Flags().StringVar(&endPhaseFlag, "phase", "", "Phase to stop after (planning, validation, implementation, verification, completion)")
	startCmd.Flags().StringVar(&endPhaseFlag, "end-phase", "", "Alias for --phase")
	startCmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Skip the validation phase")
	startCmd.Flags().BoolVar(&noCommit, "no-commit", false, "Disable auto-commit after each phase")
	startCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Override the global retry circuit breaker (0 = use config default)")
	startCmd.Flags().BoolVar(&hitl, "hitl", false, "Pause for human review when the retry budget is exhausted, instead of aborting (AFK is the default)")
}
