package flash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sdburn/sdburn/pkg/hal"
	"github.com/sdburn/sdburn/pkg/safety"
	"github.com/sdburn/sdburn/pkg/stores"
	"github.com/sdburn/sdburn/pkg/workflow"
)

// PlanStep describes one pipeline stage for display.
type PlanStep struct {
	Name        string
	Description string
}

// Plan is the ordered stage list a pipeline run will execute.
type Plan struct {
	Steps []PlanStep
}

// Pipeline composes the flash runner with the resumable stage engine:
// the destructive work is broken into named stages whose completion is
// checkpointed, so a failed install resumes at the failed stage.
type Pipeline struct {
	sys   hal.System
	store workflow.Store
	sink  Sink

	// Preflight overrides the default environment checks when non-nil.
	// Zero-value fields disable the corresponding check.
	Preflight *PreflightConfig

	// UnitDir receives the resume systemd unit; empty skips the stage
	// body (the stage still runs and completes).
	UnitDir string

	reportDir string
	journal   stores.Journal
}

// NewPipeline creates a pipeline over the given capability
// implementation and state store.
func NewPipeline(sys hal.System, store workflow.Store, sink Sink) *Pipeline {
	return &Pipeline{
		sys:     sys,
		store:   store,
		sink:    sink,
		UnitDir: "/etc/systemd/system",
	}
}

// WithReportDir enables install report artifacts under dir.
func (p *Pipeline) WithReportDir(dir string) *Pipeline {
	p.reportDir = dir
	return p
}

// WithJournal records runs and stage events in the install journal.
func (p *Pipeline) WithJournal(j stores.Journal) *Pipeline {
	p.journal = j
	return p
}

// BuildPlan returns the stage list for cfg without running anything.
func (p *Pipeline) BuildPlan(cfg FlashConfig) Plan {
	dataPolicy := "with data partition"
	if DataPartitionPolicyFor(cfg.OsFamily) == DataPartitionForbidden {
		dataPolicy = "no data partition (fixed upstream layout)"
	}
	return Plan{Steps: []PlanStep{
		{Name: workflow.StagePreflight, Description: "check RAM, scratch space and required tools"},
		{Name: workflow.StageDownloadAssets, Description: "verify the source image and record its checksum"},
		{Name: workflow.StageDiskProbe, Description: "probe " + hal.NormalizeDisk(cfg.Disk) + " layout and mounts"},
		{Name: workflow.StageFormatPlan, Description: fmt.Sprintf("partition (%s) and format, %s", cfg.Scheme, dataPolicy)},
		{Name: workflow.StageMountPlan, Description: "attach image, mount, copy and configure boot"},
		{Name: workflow.StageResumeUnit, Description: "install the resume unit"},
	}}
}

// Run walks the pipeline in dry-run mode: every stage executes its
// read-only parts and logs what the execute run would do. No
// destructive capability call is issued.
func (p *Pipeline) Run(ctx context.Context, validated safety.Validated[FlashConfig]) (*workflow.InstallState, error) {
	if err := validated.RequireDryRun(); err != nil {
		return nil, err
	}
	cfg := validated.Config()
	runID, finishJournal := p.journalRun(ctx, cfg, ModeDryRun)
	// A rehearsal never touches the shared state file: a leftover
	// execute checkpoint must not make it skip stages, and its own
	// progress must not pollute a resumable install.
	runner := workflow.NewRunnerWithPersist(workflow.NewMemStore(), true, false)
	state, runErr := runner.Run(ctx, p.journaled(ctx, runID, p.stages(cfg, nil)))
	finishJournal(runErr)
	return state, runErr
}

// RunExecute walks the pipeline for real. Only an Armed config reaches
// the destructive stage bodies; state is checkpointed around each stage.
func (p *Pipeline) RunExecute(ctx context.Context, armed safety.Armed[FlashConfig]) (*workflow.InstallState, error) {
	executing := armed.IntoExecuting()
	cfg := executing.Config()

	var report *ReportWriter
	if p.reportDir != "" {
		report = NewReportWriter(p.reportDir, ModeExecute, true, true, cfg)
	}

	workDir, cleanupDir, err := makeWorkDir()
	if err != nil {
		return nil, err
	}
	defer cleanupDir()

	fc := newContext(ctx, p.sys, cfg, workDir, p.sink, report)
	flashRunner := NewRunner(p.sys, p.sink)

	runID, finishJournal := p.journalRun(ctx, cfg, ModeExecute)
	runner := workflow.NewRunner(p.store, false)
	state, runErr := runner.Run(ctx, p.journaled(ctx, runID, p.stages(cfg, func() (*Runner, *Context) {
		return flashRunner, fc
	})))
	flashRunner.cleanup(fc)
	flashRunner.finishReport(report, runErr)
	finishJournal(runErr)
	return state, runErr
}

// RunSingleStage executes exactly one named stage from the pipeline,
// for `--stage`. Completion checkpoints apply as in a full run.
func (p *Pipeline) RunSingleStage(ctx context.Context, armed safety.Armed[FlashConfig], name string) (*workflow.InstallState, error) {
	executing := armed.IntoExecuting()
	cfg := executing.Config()

	workDir, cleanupDir, err := makeWorkDir()
	if err != nil {
		return nil, err
	}
	defer cleanupDir()

	fc := newContext(ctx, p.sys, cfg, workDir, p.sink, nil)
	flashRunner := NewRunner(p.sys, p.sink)

	var selected []workflow.Stage
	for _, stage := range p.stages(cfg, func() (*Runner, *Context) { return flashRunner, fc }) {
		if stage.Name == name {
			selected = append(selected, stage)
		}
	}
	if len(selected) == 0 {
		return nil, hal.NewValidationError("unknown stage %q", name)
	}

	runID, finishJournal := p.journalRun(ctx, cfg, ModeExecute)
	runner := workflow.NewRunner(p.store, false)
	state, runErr := runner.Run(ctx, p.journaled(ctx, runID, selected))
	flashRunner.cleanup(fc)
	finishJournal(runErr)
	return state, runErr
}

// stages builds the stage list. execCtx is nil for dry runs; for
// execute runs it supplies the shared flash runner and context.
func (p *Pipeline) stages(cfg FlashConfig, execCtx func() (*Runner, *Context)) []workflow.Stage {
	return []workflow.Stage{
		{Name: workflow.StagePreflight, Run: func(ctx context.Context, state *workflow.InstallState, dryRun bool) error {
			if execCtx != nil {
				// Only armed configs reach the execute path, so the
				// consent on record is truthful. The resume unit
				// relies on it to rerun without reprompting.
				state.ArmedExecute = true
				state.TypedConfirmation = true
			}
			return RunPreflight(p.sys, p.preflightConfig(cfg))
		}},
		{Name: workflow.StageDownloadAssets, Run: func(ctx context.Context, state *workflow.InstallState, dryRun bool) error {
			digest, err := fileDigest(cfg.Image)
			if err != nil {
				return err
			}
			state.RecordChecksumVerified(digest)
			state.SelectedOS = cfg.OsFamily
			log.Info().Str("image", cfg.Image).Str("sha256", digest).Msg("image verified")
			return nil
		}},
		{Name: workflow.StageDiskProbe, Run: func(ctx context.Context, state *workflow.InstallState, dryRun bool) error {
			return p.probeDisk(cfg, dryRun)
		}},
		{Name: workflow.StageFormatPlan, Run: func(ctx context.Context, state *workflow.InstallState, dryRun bool) error {
			if dryRun || execCtx == nil {
				p.logFormatPlan(cfg)
				return nil
			}
			runner, fc := execCtx()
			if err := runner.partitionPhase(fc); err != nil {
				return err
			}
			if err := runner.formatPhase(fc); err != nil {
				return err
			}
			partitions := 4
			if DataPartitionPolicyFor(cfg.OsFamily) == DataPartitionForbidden {
				partitions = 3
			}
			for n := 1; n <= partitions; n++ {
				state.RecordFormattedDevice(fc.partitionPath(n))
			}
			return nil
		}},
		{Name: workflow.StageMountPlan, Run: func(ctx context.Context, state *workflow.InstallState, dryRun bool) error {
			if dryRun || execCtx == nil {
				log.Info().Msg("would attach image, mount partitions, copy trees and configure boot")
				return nil
			}
			runner, fc := execCtx()
			mounts := newMountPoints(fc.workDir)
			if err := mounts.createAll(); err != nil {
				return err
			}
			if err := runner.mountCopyConfigure(fc, mounts); err != nil {
				return err
			}
			state.RecordFlashedDevice(fc.disk)
			return nil
		}},
		{Name: workflow.StageResumeUnit, Run: func(ctx context.Context, state *workflow.InstallState, dryRun bool) error {
			if dryRun || p.UnitDir == "" {
				log.Info().Msg("would install the resume unit")
				return nil
			}
			statePath := ""
			if fileStore, ok := p.store.(*workflow.FileStore); ok {
				statePath = fileStore.Path()
			}
			return installResumeUnit(p.UnitDir, statePath, resumeCommand(cfg, statePath))
		}},
	}
}

func (p *Pipeline) preflightConfig(cfg FlashConfig) PreflightConfig {
	if p.Preflight != nil {
		return *p.Preflight
	}
	return DefaultPreflightConfig(hal.NormalizeDisk(cfg.Disk))
}

func (p *Pipeline) probeDisk(cfg FlashConfig, dryRun bool) error {
	disk := hal.NormalizeDisk(cfg.Disk)
	table, err := p.sys.LsblkTable(disk)
	if err != nil {
		return err
	}
	log.Info().Str("disk", disk).Msg("disk layout:\n" + table)

	mountpoints, err := p.sys.LsblkMountpoints(disk)
	if err != nil {
		return err
	}
	if len(mountpoints) > 0 && !cfg.AutoUnmount && !dryRun {
		return hal.NewDiskBusyError(fmt.Sprintf("partition mounted at %s; pass --auto-unmount or unmount manually", mountpoints[0]))
	}
	return nil
}

func (p *Pipeline) logFormatPlan(cfg FlashConfig) {
	log.Info().
		Str("disk", hal.NormalizeDisk(cfg.Disk)).
		Str("scheme", string(cfg.Scheme)).
		Str("efi", cfg.EfiSize).
		Str("boot", cfg.BootSize).
		Str("root_end", cfg.RootEnd).
		Str("data_policy", string(DataPartitionPolicyFor(cfg.OsFamily))).
		Msg("format plan")
}

// journalRun opens a journal run and returns its id plus a closure
// recording the outcome. Journal trouble never fails the install, it
// only loses the record.
func (p *Pipeline) journalRun(ctx context.Context, cfg FlashConfig, mode RunMode) (string, func(error)) {
	if p.journal == nil {
		return "", func(error) {}
	}
	run := &stores.Run{
		ID:       uuid.NewString(),
		Mode:     string(mode),
		Image:    cfg.Image,
		Disk:     hal.NormalizeDisk(cfg.Disk),
		OsFamily: cfg.OsFamily,
		Scheme:   string(cfg.Scheme),
	}
	if err := p.journal.BeginRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("install journal unavailable")
		return "", func(error) {}
	}
	return run.ID, func(runErr error) {
		status := stores.RunStatusCompleted
		var msg *string
		switch {
		case errors.Is(runErr, context.Canceled) || hal.KindOf(runErr) == hal.KindCancelled:
			status = stores.RunStatusCancelled
		case runErr != nil:
			status = stores.RunStatusFailed
		}
		if runErr != nil {
			s := runErr.Error()
			msg = &s
		}
		if err := p.journal.FinishRun(ctx, run.ID, status, msg); err != nil {
			log.Warn().Err(err).Msg("failed to finish journal run")
		}
	}
}

// journaled wraps each stage so its start and outcome land in the
// event stream.
func (p *Pipeline) journaled(ctx context.Context, runID string, stages []workflow.Stage) []workflow.Stage {
	if runID == "" {
		return stages
	}
	wrapped := make([]workflow.Stage, len(stages))
	for i, stage := range stages {
		run := stage.Run
		name := stage.Name
		wrapped[i] = workflow.Stage{Name: name, Run: func(sctx context.Context, state *workflow.InstallState, dryRun bool) error {
			p.appendEvent(ctx, &stores.Event{RunID: runID, Stage: name, Message: "stage started"})
			err := run(sctx, state, dryRun)
			if err != nil {
				detail := err.Error()
				p.appendEvent(ctx, &stores.Event{RunID: runID, Stage: name, Level: stores.EventLevelError, Message: "stage failed", Details: &detail})
			} else {
				p.appendEvent(ctx, &stores.Event{RunID: runID, Stage: name, Message: "stage completed"})
			}
			return err
		}}
	}
	return wrapped
}

func (p *Pipeline) appendEvent(ctx context.Context, event *stores.Event) {
	if err := p.journal.AppendEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("stage", event.Stage).Msg("failed to append journal event")
	}
}

// resumeCommand reconstructs the flash invocation for the resume unit.
// --resume makes the rerun reuse the consent recorded in the state
// file instead of prompting.
func resumeCommand(cfg FlashConfig, statePath string) string {
	parts := []string{
		"/usr/local/bin/sdburn", "flash", "--resume",
		"--image", cfg.Image,
		"--disk", hal.NormalizeDisk(cfg.Disk),
		"--uefi-dir", cfg.UefiDir,
		"--scheme", string(cfg.Scheme),
		"--os-family", cfg.OsFamily,
	}
	if statePath != "" {
		parts = append(parts, "--state", statePath)
	}
	if cfg.AutoUnmount {
		parts = append(parts, "--auto-unmount")
	}
	return strings.Join(parts, " ")
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", hal.NewIoError("open image", err)
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", hal.NewIoError("hash image", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
