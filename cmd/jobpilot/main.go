package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	headless   bool
	noConsole  bool

	rootCmd = &cobra.Command{
		Use:   "jobpilot",
		Short: "Job-board automation with per-platform workers",
		Long: `jobpilot searches and applies to jobs on several boards at once.
Each board runs in its own browser context behind a rate limiter and a
circuit breaker; page elements are found through hint files and repaired
with an LLM when the markup changes.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./jobpilot.yaml)")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "run the browser headless (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noConsole, "no-console", false, "do not read answers and commands from stdin")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Search every enabled profile on all of its platforms",
			Args:  cobra.NoArgs,
			RunE:  runAll,
		},
		&cobra.Command{
			Use:   "profile ID",
			Short: "Search one profile on each of its platforms",
			Args:  cobra.ExactArgs(1),
			RunE:  runProfile,
		},
		&cobra.Command{
			Use:   "platform NAME [PROFILE_ID...]",
			Short: "Search on a single platform",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runPlatform,
		},
		&cobra.Command{
			Use:   "apply",
			Short: "Submit applications for every approved job",
			Args:  cobra.NoArgs,
			RunE:  runApply,
		},
		&cobra.Command{
			Use:   "schedule",
			Short: "Run configured cron entries until interrupted",
			Args:  cobra.NoArgs,
			RunE:  runSchedule,
		},
		newCacheCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
