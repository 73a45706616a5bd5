package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdburn/sdburn/pkg/flash"
	"github.com/sdburn/sdburn/pkg/hal"
	"github.com/sdburn/sdburn/pkg/workflow"
)

func newPlanCommand() *cobra.Command {
	var (
		image    string
		disk     string
		scheme   string
		uefiDir  string
		osFamily string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the stages a flash run would execute",
		Long: `Show the ordered stage list for the given configuration without
running anything. Stages already checkpointed as completed in the
state file are marked, which is how an interrupted install shows
where it will resume.`,
		Example: `  # Show the plan for a Fedora install
  sdburn plan --image fedora.raw.xz --disk sdb

  # Show resume position of an interrupted install
  sdburn plan --image fedora.raw.xz --disk sdb --state /var/lib/sdburn/state.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flash.DefaultConfig()
			cfg.Image = image
			cfg.Disk = disk
			cfg.UefiDir = uefiDir
			if osFamily != "" {
				cfg.OsFamily = osFamily
			}
			parsed, err := flash.ParseScheme(scheme)
			if err != nil {
				return err
			}
			cfg.Scheme = parsed

			store := workflow.NewFileStore(statePath)
			state, err := store.Load()
			if err != nil {
				return err
			}

			pipe := flash.NewPipeline(hal.NewLinux(), store, flash.NewChannelSink(1))
			plan := pipe.BuildPlan(cfg)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan for %s -> %s (%s):\n", cfg.Image, hal.NormalizeDisk(cfg.Disk), cfg.Scheme)
			for i, step := range plan.Steps {
				marker := " "
				if state != nil && state.IsCompleted(step.Name) {
					marker = "x"
				} else if state != nil && state.CurrentStage == step.Name {
					marker = ">"
				}
				fmt.Fprintf(out, "  [%s] %d. %-16s %s\n", marker, i+1, step.Name, step.Description)
			}
			if state != nil && state.CurrentStage != "" {
				fmt.Fprintf(out, "\nInterrupted during %q; the next run resumes there.\n", state.CurrentStage)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&image, "image", "i", "", "source OS image (.raw or .xz)")
	cmd.Flags().StringVarP(&disk, "disk", "d", "", "target disk (sdb or /dev/sdb)")
	cmd.Flags().StringVar(&scheme, "scheme", "gpt", "partition table type (gpt or mbr)")
	cmd.Flags().StringVar(&uefiDir, "uefi-dir", "", "UEFI firmware bundle directory or file")
	cmd.Flags().StringVar(&osFamily, "os-family", "", "image family (fedora, ubuntu, raspios, manjaro)")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("disk")

	return cmd
}
