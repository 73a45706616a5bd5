package flash

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/sdburn/sdburn/pkg/hal"
)

// Context carries the long-lived values of one flash run. It is created
// per invocation and never persisted; the workflow state file is the
// only durable artifact.
type Context struct {
	ctx context.Context
	sys hal.System

	image    string
	disk     string
	scheme   PartitionScheme
	uefiDir  string
	osFamily string

	dryRun      bool
	autoUnmount bool

	efiSize  string
	bootSize string
	rootEnd  string

	workDir    string
	loopDevice string

	sink   Sink
	report *ReportWriter
}

// newContext derives a run context from a config. workDir must already
// exist and be private to this run.
func newContext(ctx context.Context, sys hal.System, cfg FlashConfig, workDir string, sink Sink, report *ReportWriter) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{
		ctx:         ctx,
		sys:         sys,
		image:       cfg.Image,
		disk:        hal.NormalizeDisk(cfg.Disk),
		scheme:      cfg.Scheme,
		uefiDir:     cfg.UefiDir,
		osFamily:    cfg.OsFamily,
		dryRun:      cfg.DryRun,
		autoUnmount: cfg.AutoUnmount,
		efiSize:     cfg.EfiSize,
		bootSize:    cfg.BootSize,
		rootEnd:     cfg.RootEnd,
		workDir:     workDir,
		sink:        sink,
		report:      report,
	}
}

// checkCancel fails fast with a cancelled error when the run context is
// done. Called at every phase boundary and inside copy loops.
func (c *Context) checkCancel() error {
	if err := c.ctx.Err(); err != nil {
		return hal.NewCancelledError("flash run cancelled")
	}
	return nil
}

// partitionPath names partition num on the target disk.
func (c *Context) partitionPath(num int) string {
	return hal.PartitionPath(c.disk, num)
}

func (c *Context) sendProgress(u Update) {
	if c.report != nil {
		c.report.RecordUpdate(u)
	}
	if c.sink != nil {
		c.sink.Send(u)
	}
}

func (c *Context) startPhase(p Phase) {
	log.Info().Int("phase", p.Number()).Str("name", p.Name()).Msg("starting phase")
	c.sendProgress(Update{Kind: UpdatePhaseStarted, Phase: p})
}

func (c *Context) completePhase(p Phase) {
	log.Info().Int("phase", p.Number()).Str("name", p.Name()).Msg("completed phase")
	c.sendProgress(Update{Kind: UpdatePhaseCompleted, Phase: p})
}

func (c *Context) status(msg string) {
	log.Info().Msg(msg)
	c.sendProgress(Update{Kind: UpdateStatus, Status: msg})
}

// mountPoints lays out the per-run mount point tree under the work dir.
type mountPoints struct {
	srcEfi        string
	srcBoot       string
	srcRootTop    string
	srcRootSubvol string
	srcHomeSubvol string
	srcVarSubvol  string

	dstEfi        string
	dstBoot       string
	dstData       string
	dstRootTop    string
	dstRootSubvol string
	dstHomeSubvol string
	dstVarSubvol  string
}

func newMountPoints(workDir string) *mountPoints {
	src := filepath.Join(workDir, "src")
	dst := filepath.Join(workDir, "dst")
	return &mountPoints{
		srcEfi:        filepath.Join(src, "efi"),
		srcBoot:       filepath.Join(src, "boot"),
		srcRootTop:    filepath.Join(src, "root_top"),
		srcRootSubvol: filepath.Join(src, "root_sub_root"),
		srcHomeSubvol: filepath.Join(src, "root_sub_home"),
		srcVarSubvol:  filepath.Join(src, "root_sub_var"),
		dstEfi:        filepath.Join(dst, "efi"),
		dstBoot:       filepath.Join(dst, "boot"),
		dstData:       filepath.Join(dst, "data"),
		dstRootTop:    filepath.Join(dst, "root_top"),
		dstRootSubvol: filepath.Join(dst, "root_sub_root"),
		dstHomeSubvol: filepath.Join(dst, "root_sub_home"),
		dstVarSubvol:  filepath.Join(dst, "root_sub_var"),
	}
}

func (m *mountPoints) all() []string {
	return []string{
		m.srcEfi, m.srcBoot, m.srcRootTop,
		m.srcRootSubvol, m.srcHomeSubvol, m.srcVarSubvol,
		m.dstEfi, m.dstBoot, m.dstData, m.dstRootTop,
		m.dstRootSubvol, m.dstHomeSubvol, m.dstVarSubvol,
	}
}

// unwindOrder lists mount points deepest-first for cleanup.
func (m *mountPoints) unwindOrder() []string {
	return []string{
		m.dstVarSubvol, m.dstHomeSubvol, m.dstRootSubvol, m.dstRootTop,
		m.dstData, m.dstBoot, m.dstEfi,
		m.srcVarSubvol, m.srcHomeSubvol, m.srcRootSubvol, m.srcRootTop,
		m.srcBoot, m.srcEfi,
	}
}

func (m *mountPoints) createAll() error {
	for _, dir := range m.all() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return hal.NewIoError("create mount point "+dir, err)
		}
	}
	return nil
}
