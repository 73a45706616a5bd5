package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdburn/sdburn/pkg/hal"
)

func newProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <disk>",
		Short: "Inspect a target disk",
		Long: `Print the partition layout, mount state and capacity of a disk the
way the installer sees it. Read-only; safe to run against any device.`,
		Example: `  sdburn probe sdb
  sdburn probe /dev/nvme0n1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk := hal.NormalizeDisk(args[0])
			sys := hal.NewLinux()
			out := cmd.OutOrStdout()

			table, err := sys.LsblkTable(disk)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, table)

			if size := diskSizeBytes(disk); size > 0 {
				fmt.Fprintf(out, "Capacity: %.1f GiB\n", float64(size)/(1<<30))
			}

			mountpoints, err := sys.LsblkMountpoints(disk)
			if err != nil {
				return err
			}
			if len(mountpoints) == 0 {
				fmt.Fprintln(out, "No mounted partitions.")
				return nil
			}
			fmt.Fprintln(out, "Mounted partitions:")
			for _, mp := range mountpoints {
				fmt.Fprintf(out, "  %s\n", mp)
			}
			return nil
		},
	}
	return cmd
}
