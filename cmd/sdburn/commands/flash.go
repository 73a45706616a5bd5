package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sdburn/sdburn/pkg/flash"
	"github.com/sdburn/sdburn/pkg/hal"
	"github.com/sdburn/sdburn/pkg/policy"
	"github.com/sdburn/sdburn/pkg/safety"
	"github.com/sdburn/sdburn/pkg/stores"
	"github.com/sdburn/sdburn/pkg/telemetry"
	"github.com/sdburn/sdburn/pkg/workflow"
)

func newFlashCommand(version string) *cobra.Command {
	var (
		image       string
		disk        string
		scheme      string
		uefiDir     string
		osFamily    string
		efiSize     string
		bootSize    string
		rootEnd     string
		dryRun      bool
		autoUnmount bool
		yesIKnow    bool
		resume      bool
		stage       string
	)

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Write an OS image onto a disk",
		Long: `Write a full OS image onto the target disk.

A dry run walks every stage, validates the configuration and logs the
partition and copy plan without issuing a single destructive call.

An execute run must be armed first:
  - pass --yes-i-know to acknowledge the destructive intent
  - type the safe-mode disarm word when prompted
  - type the full confirmation phrase when prompted
All three are required; guardrail policies are evaluated before the
prompts and can veto the run outright.`,
		Example: `  # Rehearse the install without touching the disk
  sdburn flash --image fedora.raw.xz --disk sdb --uefi-dir /srv/uefi --dry-run

  # Execute for real (prompts for both confirmation phrases)
  sdburn flash --image fedora.raw.xz --disk sdb --uefi-dir /srv/uefi --yes-i-know

  # Re-run a single stage of an interrupted install
  sdburn flash --image fedora.raw.xz --disk sdb --uefi-dir /srv/uefi --yes-i-know --stage "Mount plan"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flash.DefaultConfig()
			cfg.Image = image
			cfg.Disk = disk
			cfg.UefiDir = uefiDir
			cfg.DryRun = dryRun
			cfg.AutoUnmount = autoUnmount
			if osFamily != "" {
				cfg.OsFamily = osFamily
			}
			if efiSize != "" {
				cfg.EfiSize = efiSize
			}
			if bootSize != "" {
				cfg.BootSize = bootSize
			}
			if rootEnd != "" {
				cfg.RootEnd = rootEnd
			}
			parsed, err := flash.ParseScheme(scheme)
			if err != nil {
				return err
			}
			cfg.Scheme = parsed

			validated, err := safety.NewUnvalidated(cfg).Validate()
			if err != nil {
				return err
			}

			if traceFile != "" {
				f, err := os.Create(traceFile)
				if err != nil {
					return fmt.Errorf("open trace file: %w", err)
				}
				defer f.Close()
				if err := telemetry.InitTracing(f, version); err != nil {
					return err
				}
				defer func() {
					_ = telemetry.ShutdownTracing(cmd.Context())
				}()
			}

			if metricsAddr != "" {
				stopMetrics := serveMetrics(metricsAddr)
				defer stopMetrics()
			}

			sys := hal.NewLinux()
			store := workflow.NewFileStore(statePath)
			sink := flash.NewChannelSink(64)
			printerDone := startProgressPrinter(cmd.OutOrStdout(), sink)
			defer func() {
				close(sink.C)
				<-printerDone
			}()

			pipe := flash.NewPipeline(sys, store, sink)
			if reportDir != "" {
				pipe.WithReportDir(reportDir)
			}
			if journalPath != "" {
				journal, err := openJournal(cmd, journalPath)
				if err != nil {
					return err
				}
				defer journal.Close()
				pipe.WithJournal(journal)
			}

			ctx := cmd.Context()
			if dryRun {
				_, err := pipe.Run(ctx, validated)
				return err
			}

			engine, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if policyDir != "" {
				if err := engine.LoadDir(policyDir); err != nil {
					return err
				}
			}
			result, err := engine.Evaluate(ctx, buildPolicyInput(sys, cfg))
			if err != nil {
				return err
			}
			for _, warn := range result.Warnings() {
				log.Warn().Str("rule", warn.Rule).Msg(warn.Message)
			}
			if !result.Allowed {
				for _, v := range result.Violations {
					if v.Severity == policy.SeverityError {
						log.Error().Str("rule", v.Rule).Msg(v.Message)
					}
				}
				return fmt.Errorf("guardrail policy refused the run")
			}

			acknowledged := yesIKnow
			var disarmed, confirmed bool
			if resume {
				// An unattended rerun (resume unit or operator) reuses
				// the consent recorded when the install was first
				// armed; without that record it must prompt again.
				prior, err := store.Load()
				if err != nil {
					return err
				}
				if prior != nil && prior.ArmedExecute && prior.TypedConfirmation {
					acknowledged = true
					disarmed = true
					confirmed = true
					log.Info().Msg("resuming with consent recorded in the install state")
				} else {
					return fmt.Errorf("no armed install recorded in %s; rerun without --resume", statePath)
				}
			} else {
				disarmed, confirmed, err = promptConsent(cmd, cfg)
				if err != nil {
					return err
				}
			}
			token, err := safety.NewExecuteArmToken(acknowledged, disarmed, confirmed)
			if err != nil {
				return err
			}
			armed, err := validated.ArmExecute(token)
			if err != nil {
				return err
			}

			if stage != "" {
				_, err = pipe.RunSingleStage(ctx, armed, stage)
				return err
			}
			_, err = pipe.RunExecute(ctx, armed)
			return err
		},
	}

	cmd.Flags().StringVarP(&image, "image", "i", "", "source OS image (.raw or .xz)")
	cmd.Flags().StringVarP(&disk, "disk", "d", "", "target disk (sdb or /dev/sdb)")
	cmd.Flags().StringVar(&scheme, "scheme", "gpt", "partition table type (gpt or mbr)")
	cmd.Flags().StringVar(&uefiDir, "uefi-dir", "", "UEFI firmware bundle directory or file")
	cmd.Flags().StringVar(&osFamily, "os-family", "", "image family (fedora, ubuntu, raspios, manjaro)")
	cmd.Flags().StringVar(&efiSize, "efi-size", "", "EFI partition size (parted size string)")
	cmd.Flags().StringVar(&bootSize, "boot-size", "", "boot partition size (parted size string)")
	cmd.Flags().StringVar(&rootEnd, "root-end", "", "root partition end (size string or percentage)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "rehearse without touching the disk")
	cmd.Flags().BoolVar(&autoUnmount, "auto-unmount", false, "unmount target partitions before flashing")
	cmd.Flags().BoolVar(&yesIKnow, "yes-i-know", false, "acknowledge that the target disk will be erased")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume an interrupted install using the consent recorded in the state file")
	cmd.Flags().StringVar(&stage, "stage", "", "run exactly one named stage")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("disk")
	_ = cmd.MarkFlagRequired("uefi-dir")

	return cmd
}

// promptConsent collects the two typed phrases. The raw lines are
// passed to the byte-exact matchers, only the line ending is stripped.
func promptConsent(cmd *cobra.Command, cfg flash.FlashConfig) (disarmed, confirmed bool, err error) {
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Safe mode is engaged. Type %s to disarm it: ", safety.SafeModeDisarmConfirmation)
	line, err := readLine(reader)
	if err != nil {
		return false, false, err
	}
	disarmed = safety.MatchesSafeModeDisarm(line)

	fmt.Fprintf(out, "All data on %s will be erased. Type the phrase exactly:\n  %s\n> ", hal.NormalizeDisk(cfg.Disk), safety.ExecuteConfirmation)
	line, err = readLine(reader)
	if err != nil {
		return false, false, err
	}
	confirmed = safety.MatchesExecuteConfirmation(line)

	return disarmed, confirmed, nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// buildPolicyInput assembles what the guardrails need to know about
// the target. Probe failures leave fields at their zero value rather
// than blocking the run here; the pipeline probes again with hard
// errors.
func buildPolicyInput(sys hal.System, cfg flash.FlashConfig) policy.Input {
	disk := hal.NormalizeDisk(cfg.Disk)
	input := policy.Input{
		Disk:        disk,
		AutoUnmount: cfg.AutoUnmount,
		OsFamily:    cfg.OsFamily,
		DataPolicy:  string(flash.DataPartitionPolicyFor(cfg.OsFamily)),
		Scheme:      string(cfg.Scheme),
		DryRun:      cfg.DryRun,
	}

	if mountpoints, err := sys.LsblkMountpoints(disk); err == nil {
		input.Mounted = len(mountpoints) > 0
		for _, mp := range mountpoints {
			if mp == "/" || mp == "/boot" || mp == "/boot/efi" {
				input.SystemDisk = true
			}
		}
	}
	input.DiskSizeBytes = diskSizeBytes(disk)

	return input
}

// diskSizeBytes reads the 512-byte sector count the kernel exposes
// under /sys/block. Zero means unknown.
func diskSizeBytes(disk string) uint64 {
	name := filepath.Base(disk)
	raw, err := os.ReadFile(filepath.Join("/sys/block", name, "size"))
	if err != nil {
		return 0
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return sectors * 512
}

// serveMetrics exposes the run's Prometheus registry for the duration
// of the command. Long installs are worth scraping; a failed listen is
// logged and the install proceeds without metrics.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Default().Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics endpoint unavailable")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// openJournal opens, initialises and migrates the install journal.
func openJournal(cmd *cobra.Command, path string) (*stores.SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	journal, err := stores.NewSQLiteJournal(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if err := journal.Init(ctx); err != nil {
		return nil, err
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return journal, nil
}

// startProgressPrinter drains the sink channel onto w until the
// channel closes. Copy progress is throttled to whole-percent steps.
func startProgressPrinter(w io.Writer, sink *flash.ChannelSink) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		lastPercent := -1
		for u := range sink.C {
			switch u.Kind {
			case flash.UpdatePhaseStarted:
				fmt.Fprintf(w, "[%d/%d] %s\n", u.Phase.Number(), flash.TotalPhases, u.Phase.Name())
				lastPercent = -1
			case flash.UpdatePhaseCompleted:
				fmt.Fprintf(w, "[%d/%d] %s done\n", u.Phase.Number(), flash.TotalPhases, u.Phase.Name())
			case flash.UpdatePhaseSkipped:
				fmt.Fprintf(w, "[%d/%d] %s skipped\n", u.Phase.Number(), flash.TotalPhases, u.Phase.Name())
			case flash.UpdateStatus:
				fmt.Fprintf(w, "    %s\n", u.Status)
			case flash.UpdateCopyProgress:
				percent := int(u.Percent)
				if percent != lastPercent {
					lastPercent = percent
					fmt.Fprintf(w, "    %3d%%  %.1f MB/s  (%d/%d files)\n", percent, u.SpeedMBps, u.FilesDone, u.FilesTotal)
				}
			case flash.UpdateComplete:
				fmt.Fprintln(w, "Flash complete.")
			case flash.UpdateError:
				fmt.Fprintf(w, "Error: %s\n", u.Status)
			}
		}
	}()
	return done
}
