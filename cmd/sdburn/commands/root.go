package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	statePath   string
	journalPath string
	policyDir   string
	reportDir   string
	traceFile   string
	metricsAddr string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdburn",
		Short: "sdburn - unattended OS image installer",
		Long: `sdburn writes a full OS image onto a target disk, unattended and
resumable.

Features:
  - Four-partition layout (EFI / boot / btrfs root / data)
  - Dry-run rehearsal that issues no destructive call
  - Typed confirmation phrases gate every destructive run
  - Resumable stage checkpoints, interrupted installs pick up mid-way
  - Rego guardrails evaluated before a run may be armed
  - Install journal and JSON run reports for audit`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "/var/lib/sdburn/state.json", "install state file path")
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "install journal database path (empty disables)")
	rootCmd.PersistentFlags().StringVar(&policyDir, "policy-dir", "", "directory of extra .rego guardrails")
	rootCmd.PersistentFlags().StringVar(&reportDir, "report-dir", "", "directory for JSON run reports (empty disables)")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace-file", "", "write OpenTelemetry spans to this file (empty disables)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during a run (empty disables)")

	// Add subcommands
	rootCmd.AddCommand(newFlashCommand(version))
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newProbeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
