package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdburn/sdburn/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		limit  int
		events string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded installer runs",
		Long: `List the runs recorded in the install journal, newest first. With
--events the event stream of one run is printed instead.`,
		Example: `  sdburn runs --journal /var/lib/sdburn/journal.db
  sdburn runs --journal /var/lib/sdburn/journal.db --events 4be71b1e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" {
				return fmt.Errorf("--journal is required for this command")
			}
			journal, err := openJournal(cmd, journalPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if events != "" {
				entries, err := journal.ListEvents(ctx, events, limit, 0)
				if err != nil {
					return err
				}
				for _, e := range entries {
					label := e.Stage
					if e.Phase != "" {
						label = e.Phase
					}
					fmt.Fprintf(out, "%s  %-7s %-20s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, label, e.Message)
				}
				return nil
			}

			runs, err := journal.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			for _, run := range runs {
				outcome := string(run.Status)
				if run.Status == stores.RunStatusFailed && run.Error != nil {
					outcome = fmt.Sprintf("failed: %s", *run.Error)
				}
				fmt.Fprintf(out, "%s  %-8s %-10s %s -> %s  %s\n",
					run.StartedAt.Format(time.RFC3339), run.Mode, run.OsFamily, run.Image, run.Disk, outcome)
				fmt.Fprintf(out, "    id %s\n", run.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to list")
	cmd.Flags().StringVar(&events, "events", "", "print the event stream of the given run id")
	return cmd
}
