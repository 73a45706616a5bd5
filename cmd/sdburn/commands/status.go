package commands

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/sdburn/sdburn/pkg/workflow"
)

func newStatusCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the install state",
		Long: `Show the checkpointed install state: the stage an interrupted run
was in, completed stages, and the devices touched so far.

With --follow the command watches the state file and reprints on
every checkpoint, which makes it a live progress view for a run
happening in another terminal (or under the resume unit).`,
		Example: `  sdburn status
  sdburn status --follow --state /var/lib/sdburn/state.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := workflow.NewFileStore(statePath)
			if err := printState(cmd.OutOrStdout(), store); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followState(cmd, store)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "watch the state file and reprint on change")
	return cmd
}

func printState(out io.Writer, store *workflow.FileStore) error {
	state, err := store.Load()
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Fprintln(out, "No install state recorded.")
		return nil
	}

	mode := "execute"
	if state.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(out, "Mode: %s\n", mode)
	if state.CurrentStage != "" {
		fmt.Fprintf(out, "In progress: %s\n", state.CurrentStage)
	}
	fmt.Fprintf(out, "Completed stages (%d):\n", len(state.CompletedStages))
	for _, name := range state.CompletedStages {
		fmt.Fprintf(out, "  - %s\n", name)
	}
	if state.SelectedOS != "" {
		fmt.Fprintf(out, "Selected OS: %s\n", state.SelectedOS)
	}
	for _, dev := range state.FormattedDevices {
		fmt.Fprintf(out, "Formatted: %s\n", dev)
	}
	for _, dev := range state.FlashedDevices {
		fmt.Fprintf(out, "Flashed: %s\n", dev)
	}
	return nil
}

// followState watches the directory rather than the file itself: the
// store writes via rename, which replaces the watched inode.
func followState(cmd *cobra.Command, store *workflow.FileStore) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(store.Path()) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			fmt.Fprintln(out, "---")
			if err := printState(out, store); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}
