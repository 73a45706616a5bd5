package flash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdburn/sdburn/pkg/hal"
	"github.com/sdburn/sdburn/pkg/safety"
	"github.com/sdburn/sdburn/pkg/telemetry"
)

// Runner drives one flash run against a capability implementation.
type Runner struct {
	sys  hal.System
	sink Sink

	// reportDir receives install report artifacts; empty disables them.
	reportDir string
}

// NewRunner creates a runner. sink may be nil when no consumer wants
// progress.
func NewRunner(sys hal.System, sink Sink) *Runner {
	return &Runner{sys: sys, sink: sink}
}

// WithReportDir enables install report artifacts under dir.
func (r *Runner) WithReportDir(dir string) *Runner {
	r.reportDir = dir
	return r
}

// RunDryRun walks every phase of a validated dry-run config without
// side effects. Destructive capability calls are never issued; each
// phase is reported as skipped.
func (r *Runner) RunDryRun(ctx context.Context, validated safety.Validated[FlashConfig]) error {
	if err := validated.RequireDryRun(); err != nil {
		return err
	}
	cfg := validated.Config()
	telemetry.RunStarted(string(ModeDryRun))

	var report *ReportWriter
	if r.reportDir != "" {
		report = NewReportWriter(r.reportDir, ModeDryRun, false, false, cfg)
	}

	workDir, cleanupDir, err := makeWorkDir()
	if err != nil {
		return err
	}
	defer cleanupDir()

	fc := newContext(ctx, r.sys, cfg, workDir, r.sink, report)
	err = r.simulate(fc)
	r.finishReport(report, err)
	telemetry.RunCompleted(string(ModeDryRun), err == nil)
	return err
}

// RunExecute performs a real flash. Only an Armed config reaches this;
// the arming transition already verified consent and non-dry-run mode.
func (r *Runner) RunExecute(ctx context.Context, armed safety.Armed[FlashConfig]) error {
	executing := armed.IntoExecuting()
	cfg := executing.Config()
	telemetry.RunStarted(string(ModeExecute))

	var report *ReportWriter
	if r.reportDir != "" {
		report = NewReportWriter(r.reportDir, ModeExecute, true, true, cfg)
	}

	workDir, cleanupDir, err := makeWorkDir()
	if err != nil {
		return err
	}
	defer cleanupDir()

	fc := newContext(ctx, r.sys, cfg, workDir, r.sink, report)

	err = r.install(fc)
	r.cleanup(fc)
	r.finishReport(report, err)
	telemetry.RunCompleted(string(ModeExecute), err == nil)
	return err
}

func (r *Runner) finishReport(report *ReportWriter, runErr error) {
	if report == nil {
		return
	}
	outcome := "success"
	if runErr != nil {
		outcome = runErr.Error()
		report.RecordUpdate(Update{Kind: UpdateError, Status: runErr.Error()})
	}
	if err := report.Finish(outcome); err != nil {
		log.Warn().Err(err).Msg("install report not written")
	}
}

func makeWorkDir() (string, func(), error) {
	// A unique private directory avoids link attacks against a fixed
	// path in privileged contexts.
	dir, err := os.MkdirTemp("/tmp", "sdburn-install-")
	if err != nil {
		return "", nil, hal.NewIoError("create work directory", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// simulate walks the phases without issuing destructive calls.
func (r *Runner) simulate(fc *Context) error {
	fc.status("DRY-RUN MODE - no changes will be made")
	for _, phase := range AllPhases() {
		if err := fc.checkCancel(); err != nil {
			return err
		}
		fc.sendProgress(Update{Kind: UpdatePhaseSkipped, Phase: phase})
		fc.status(fmt.Sprintf("DRY-RUN: would run phase %d/%d: %s", phase.Number(), TotalPhases, phase.Name()))
	}
	fc.sendProgress(Update{Kind: UpdateComplete})
	return nil
}

// install runs the full destructive sequence. Mounts and the loop
// device acquired along the way are tracked in guards; cleanup unwinds
// them in reverse acquisition order on both success and failure paths.
func (r *Runner) install(fc *Context) error {
	mounts := newMountPoints(fc.workDir)
	if err := mounts.createAll(); err != nil {
		return err
	}

	showDiskLayout(fc)

	if err := r.partitionPhase(fc); err != nil {
		return err
	}
	if err := r.formatPhase(fc); err != nil {
		return err
	}

	return r.mountCopyConfigure(fc, mounts)
}

// mountCopyConfigure runs everything after formatting: source attach,
// mounts, copies, boot configuration and the final sync.
func (r *Runner) mountCopyConfigure(fc *Context, mounts *mountPoints) error {
	loopGuard, err := r.attachImage(fc)
	if err != nil {
		return err
	}
	defer loopGuard.Close()

	subvols, srcGuards, err := r.mountSource(fc, mounts)
	defer closeGuards(srcGuards)
	if err != nil {
		return err
	}

	dstGuards, err := r.mountDest(fc, mounts, subvols)
	defer closeGuards(dstGuards)
	if err != nil {
		return err
	}

	if err := r.copyRootPhase(fc, mounts, subvols); err != nil {
		return err
	}
	if err := r.copyBootPhase(fc, mounts); err != nil {
		return err
	}
	if err := r.copyEfiPhase(fc, mounts); err != nil {
		return err
	}
	if err := r.uefiConfigPhase(fc, mounts, subvols); err != nil {
		return err
	}
	if err := r.fstabPhase(fc, mounts, subvols); err != nil {
		return err
	}
	if err := r.cleanupPhase(fc); err != nil {
		return err
	}

	fc.sendProgress(Update{Kind: UpdateComplete})
	log.Info().Msg("installation complete")
	return nil
}

// runPhase wraps one phase body with cancellation check, progress
// events, a telemetry span and a duration observation.
func (r *Runner) runPhase(fc *Context, phase Phase, body func() error) error {
	if err := fc.checkCancel(); err != nil {
		return err
	}
	fc.startPhase(phase)
	end := telemetry.StartPhaseSpan(fc.ctx, phase.Name())
	started := time.Now()
	err := body()
	end(err)
	telemetry.ObservePhase(phase.Name(), time.Since(started).Seconds())
	if err != nil {
		telemetry.RecordError(string(hal.KindOf(err)))
		return err
	}
	fc.completePhase(phase)
	return nil
}

func showDiskLayout(fc *Context) {
	table, err := fc.sys.LsblkTable(fc.disk)
	if err != nil {
		log.Warn().Err(err).Str("disk", fc.disk).Msg("disk layout probe failed")
		return
	}
	log.Info().Str("disk", fc.disk).Msg("current disk layout:\n" + table)
}

// ==== partitioning ====

func (r *Runner) partitionPhase(fc *Context) error {
	return r.runPhase(fc, PhasePartition, func() error {
		if err := r.releaseMountedPartitions(fc); err != nil {
			return err
		}
		return r.partitionDisk(fc)
	})
}

// releaseMountedPartitions refuses to touch a disk with mounted
// partitions unless auto-unmount was requested.
func (r *Runner) releaseMountedPartitions(fc *Context) error {
	mountpoints, err := fc.sys.LsblkMountpoints(fc.disk)
	if err != nil {
		return err
	}
	for _, mp := range mountpoints {
		if !fc.autoUnmount {
			return hal.NewDiskBusyError(fmt.Sprintf("partition mounted at %s; pass --auto-unmount or unmount manually", mp))
		}
		log.Info().Str("mountpoint", mp).Msg("unmounting before partitioning")
		if err := fc.sys.UnmountRecursive(mp, fc.dryRun); err != nil {
			log.Warn().Str("mountpoint", mp).Err(err).Msg("pre-partition unmount failed")
		}
	}
	return nil
}

// partitionDisk writes the 4-partition layout: EFI (fat32), BOOT
// (ext4), ROOT (btrfs) and, policy permitting, DATA (btrfs).
func (r *Runner) partitionDisk(fc *Context) error {
	opts := hal.PartitionOptions{DryRun: fc.dryRun, Confirmed: true}
	withData := DataPartitionPolicyFor(fc.osFamily) == DataPartitionAllowed

	fc.status(fmt.Sprintf("Creating %s partition table", fc.scheme.partedLabel()))

	if err := fc.sys.WipefsAll(fc.disk, opts); err != nil {
		return err
	}
	if err := fc.sys.UdevSettle(); err != nil {
		log.Warn().Err(err).Msg("udev settle")
	}

	efiMiB, err := parseSizeToMiB(fc.efiSize)
	if err != nil {
		return hal.NewValidationError("%v", err)
	}
	bootMiB, err := parseSizeToMiB(fc.bootSize)
	if err != nil {
		return hal.NewValidationError("%v", err)
	}
	efiStart := "4MiB"
	efiEnd := fc.efiSize
	bootEnd := fmt.Sprintf("%dMiB", efiMiB+bootMiB)
	rootEnd := fc.rootEnd
	if !withData {
		rootEnd = "100%"
	}

	if _, err := fc.sys.Parted(fc.disk, hal.MkLabel(fc.scheme.partedLabel()), opts); err != nil {
		return err
	}

	if _, err := fc.sys.Parted(fc.disk, hal.MkPart("primary", "fat32", efiStart, efiEnd), opts); err != nil {
		return err
	}
	// On msdos "esp" is not always supported; the boot flag is the
	// reliable choice there.
	espFlag := "esp"
	if fc.scheme == SchemeMBR {
		espFlag = "boot"
	}
	if _, err := fc.sys.Parted(fc.disk, hal.SetFlag(1, espFlag, "on"), opts); err != nil {
		log.Warn().Err(err).Str("flag", espFlag).Msg("partition flag not set")
	}

	if _, err := fc.sys.Parted(fc.disk, hal.MkPart("primary", "ext4", efiEnd, bootEnd), opts); err != nil {
		return err
	}
	if _, err := fc.sys.Parted(fc.disk, hal.MkPart("primary", "btrfs", bootEnd, rootEnd), opts); err != nil {
		return err
	}
	if withData {
		if _, err := fc.sys.Parted(fc.disk, hal.MkPart("primary", "btrfs", rootEnd, "100%"), opts); err != nil {
			return err
		}
	} else {
		fc.status(fmt.Sprintf("Skipping data partition: %s layout is fixed upstream", fc.osFamily))
	}

	if _, err := fc.sys.Parted(fc.disk, hal.PrintTable(), opts); err != nil {
		log.Warn().Err(err).Msg("partition table print failed")
	}
	if err := fc.sys.UdevSettle(); err != nil {
		log.Warn().Err(err).Msg("udev settle")
	}
	return nil
}

// ==== formatting ====

func (r *Runner) formatPhase(fc *Context) error {
	return r.runPhase(fc, PhaseFormat, func() error {
		opts := hal.FormatOptions{DryRun: fc.dryRun, Confirmed: true}

		fc.status("Formatting EFI partition (FAT32)")
		if err := fc.sys.FormatVfat(fc.partitionPath(1), "EFI", opts); err != nil {
			return err
		}

		fc.status("Formatting BOOT partition (ext4)")
		bootOpts := opts
		bootOpts.ExtraArgs = []string{"-F", "-L", "BOOT"}
		if err := fc.sys.FormatExt4(fc.partitionPath(2), bootOpts); err != nil {
			return err
		}

		fc.status("Formatting ROOT partition (btrfs)")
		rootOpts := opts
		rootOpts.ExtraArgs = []string{"-f", "-L", "FEDORA"}
		if err := fc.sys.FormatBtrfs(fc.partitionPath(3), rootOpts); err != nil {
			return err
		}

		if DataPartitionPolicyFor(fc.osFamily) == DataPartitionAllowed {
			fc.status("Formatting DATA partition (btrfs)")
			dataOpts := opts
			dataOpts.ExtraArgs = []string{"-f", "-L", "DATA"}
			if err := fc.sys.FormatBtrfs(fc.partitionPath(4), dataOpts); err != nil {
				return err
			}
		}

		if err := fc.sys.UdevSettle(); err != nil {
			log.Warn().Err(err).Msg("udev settle")
		}
		return nil
	})
}

// ==== loop device and mounts ====

func (r *Runner) attachImage(fc *Context) (*hal.LoopGuard, error) {
	if err := fc.checkCancel(); err != nil {
		return nil, err
	}
	// Decompress here rather than at the entry points so every path
	// that attaches (full run, pipeline, single stage) gets a raw image.
	if strings.HasSuffix(fc.image, ".xz") {
		decompressed, err := decompressImage(fc)
		if err != nil {
			return nil, err
		}
		fc.image = decompressed
	}
	fc.status("Attaching image loop device")
	loopDev, err := fc.sys.LosetupAttach(fc.image, true)
	if err != nil {
		return nil, err
	}
	log.Info().Str("device", loopDev).Msg("image attached")
	fc.loopDevice = loopDev
	if err := fc.sys.UdevSettle(); err != nil {
		log.Warn().Err(err).Msg("udev settle")
	}
	return hal.NewLoopGuard(fc.sys, loopDev), nil
}

func closeGuards(guards []*hal.MountGuard) {
	// Reverse acquisition order.
	for i := len(guards) - 1; i >= 0; i-- {
		guards[i].Close()
	}
}

// mountSource mounts the image partitions and detects btrfs subvolumes.
// Guards are returned even on failure so the caller can unwind partial
// progress.
func (r *Runner) mountSource(fc *Context, mounts *mountPoints) (subvolPresence, []*hal.MountGuard, error) {
	var guards []*hal.MountGuard
	if err := fc.checkCancel(); err != nil {
		return subvolPresence{}, guards, err
	}
	fc.status("Mounting image partitions")

	imgEfi := hal.PartitionPath(fc.loopDevice, 1)
	imgBoot := hal.PartitionPath(fc.loopDevice, 2)
	imgRoot := hal.PartitionPath(fc.loopDevice, 3)

	mount := func(device, target, fstype, data string) error {
		if err := fc.sys.MountDevice(device, target, fstype, hal.MountOptions{Data: data}, fc.dryRun); err != nil {
			return err
		}
		guards = append(guards, hal.NewMountGuard(fc.sys, target, false, fc.dryRun))
		return nil
	}

	if err := mount(imgEfi, mounts.srcEfi, "", ""); err != nil {
		return subvolPresence{}, guards, err
	}
	if err := mount(imgBoot, mounts.srcBoot, "", ""); err != nil {
		return subvolPresence{}, guards, err
	}
	if err := mount(imgRoot, mounts.srcRootTop, "btrfs", ""); err != nil {
		return subvolPresence{}, guards, err
	}

	subvolList, err := fc.sys.BtrfsSubvolumeList(mounts.srcRootTop)
	if err != nil {
		return subvolPresence{}, guards, err
	}
	subvols := subvolPresence{
		hasRoot: strings.Contains(subvolList, " path root"),
		hasHome: strings.Contains(subvolList, " path home"),
		hasVar:  strings.Contains(subvolList, " path var"),
	}
	log.Info().Bool("root", subvols.hasRoot).Bool("home", subvols.hasHome).Bool("var", subvols.hasVar).Msg("detected btrfs subvolumes")

	if !subvols.hasRoot {
		// No dedicated root subvolume: the whole top level is the root
		// tree, copied as one.
		return subvols, guards, nil
	}

	if err := mount(imgRoot, mounts.srcRootSubvol, "btrfs", "subvol=root"); err != nil {
		return subvols, guards, err
	}
	if subvols.hasHome {
		if err := mount(imgRoot, mounts.srcHomeSubvol, "btrfs", "subvol=home"); err != nil {
			return subvols, guards, err
		}
	}
	if subvols.hasVar {
		if err := mount(imgRoot, mounts.srcVarSubvol, "btrfs", "subvol=var"); err != nil {
			return subvols, guards, err
		}
	}
	return subvols, guards, nil
}

// mountDest mounts the freshly formatted target partitions and creates
// destination subvolumes matching the source.
func (r *Runner) mountDest(fc *Context, mounts *mountPoints, subvols subvolPresence) ([]*hal.MountGuard, error) {
	var guards []*hal.MountGuard
	if err := fc.checkCancel(); err != nil {
		return guards, err
	}
	fc.status("Mounting target partitions")

	mount := func(device, target, fstype, data string) error {
		if err := fc.sys.MountDevice(device, target, fstype, hal.MountOptions{Data: data}, fc.dryRun); err != nil {
			return err
		}
		guards = append(guards, hal.NewMountGuard(fc.sys, target, false, fc.dryRun))
		return nil
	}

	if err := mount(fc.partitionPath(1), mounts.dstEfi, "", ""); err != nil {
		return guards, err
	}
	if err := mount(fc.partitionPath(2), mounts.dstBoot, "", ""); err != nil {
		return guards, err
	}
	if DataPartitionPolicyFor(fc.osFamily) == DataPartitionAllowed {
		if err := mount(fc.partitionPath(4), mounts.dstData, "", ""); err != nil {
			return guards, err
		}
	}
	if err := mount(fc.partitionPath(3), mounts.dstRootTop, "btrfs", ""); err != nil {
		return guards, err
	}

	if !subvols.hasRoot {
		return guards, nil
	}

	fc.status("Creating btrfs subvolumes")
	if err := fc.sys.BtrfsSubvolumeCreate(filepath.Join(mounts.dstRootTop, "root")); err != nil {
		return guards, err
	}
	if subvols.hasHome {
		if err := fc.sys.BtrfsSubvolumeCreate(filepath.Join(mounts.dstRootTop, "home")); err != nil {
			return guards, err
		}
	}
	if subvols.hasVar {
		if err := fc.sys.BtrfsSubvolumeCreate(filepath.Join(mounts.dstRootTop, "var")); err != nil {
			return guards, err
		}
	}

	if err := mount(fc.partitionPath(3), mounts.dstRootSubvol, "btrfs", "subvol=root"); err != nil {
		return guards, err
	}
	if subvols.hasHome {
		if err := mount(fc.partitionPath(3), mounts.dstHomeSubvol, "btrfs", "subvol=home"); err != nil {
			return guards, err
		}
	}
	if subvols.hasVar {
		if err := mount(fc.partitionPath(3), mounts.dstVarSubvol, "btrfs", "subvol=var"); err != nil {
			return guards, err
		}
	}
	return guards, nil
}

// ==== copying ====

func (r *Runner) copyRootPhase(fc *Context, mounts *mountPoints, subvols subvolPresence) error {
	return r.runPhase(fc, PhaseCopyRoot, func() error {
		if !subvols.hasRoot {
			return r.copyWithProgress(fc, mounts.srcRootTop, mounts.dstRootTop, "root")
		}
		if err := r.copyWithProgress(fc, mounts.srcRootSubvol, mounts.dstRootSubvol, "root subvolume"); err != nil {
			return err
		}
		if subvols.hasHome {
			if err := r.copyWithProgress(fc, mounts.srcHomeSubvol, mounts.dstHomeSubvol, "home subvolume"); err != nil {
				return err
			}
		}
		if subvols.hasVar {
			if err := r.copyWithProgress(fc, mounts.srcVarSubvol, mounts.dstVarSubvol, "var subvolume"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Runner) copyBootPhase(fc *Context, mounts *mountPoints) error {
	return r.runPhase(fc, PhaseCopyBoot, func() error {
		return r.copyWithProgress(fc, mounts.srcBoot, mounts.dstBoot, "boot")
	})
}

func (r *Runner) copyEfiPhase(fc *Context, mounts *mountPoints) error {
	return r.runPhase(fc, PhaseCopyEfi, func() error {
		if err := r.copyVfatSafe(fc, filepath.Join(mounts.srcEfi, "EFI"), filepath.Join(mounts.dstEfi, "EFI")); err != nil {
			return err
		}
		// Firmware goes last so it overwrites any conflicting files
		// from the image.
		uefiSrc, err := r.stagedUefiDir(fc)
		if err != nil {
			return err
		}
		if err := r.copyVfatSafe(fc, uefiSrc, mounts.dstEfi); err != nil {
			return err
		}
		return writeConfigTxt(mounts.dstEfi)
	})
}

// stagedUefiDir normalizes the UEFI input to a directory. A direct
// firmware file is staged into the work dir under its required name.
func (r *Runner) stagedUefiDir(fc *Context) (string, error) {
	info, err := os.Stat(fc.uefiDir)
	if err != nil {
		return "", hal.NewValidationError("UEFI path not found: %s", fc.uefiDir)
	}
	if info.IsDir() {
		return fc.uefiDir, nil
	}
	staged := filepath.Join(fc.workDir, "uefi")
	if err := os.MkdirAll(staged, 0o755); err != nil {
		return "", hal.NewIoError("stage UEFI directory", err)
	}
	content, err := os.ReadFile(fc.uefiDir)
	if err != nil {
		return "", hal.NewIoError("read UEFI firmware", err)
	}
	if err := os.WriteFile(filepath.Join(staged, firmwareFileName), content, 0o644); err != nil {
		return "", hal.NewIoError("stage UEFI firmware", err)
	}
	return staged, nil
}

func (r *Runner) copyWithProgress(fc *Context, src, dst, label string) error {
	fc.status("Copying " + label)
	started := time.Now()

	onProgress := func(p hal.CopyProgress) bool {
		if fc.ctx.Err() != nil {
			return false
		}
		percent := 0.0
		if p.BytesTotal > 0 {
			percent = float64(p.BytesCopied) / float64(p.BytesTotal) * 100
		}
		elapsed := time.Since(started).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(p.BytesCopied) / elapsed / (1024 * 1024)
		}
		fc.sendProgress(Update{
			Kind:       UpdateCopyProgress,
			Percent:    percent,
			SpeedMBps:  speed,
			FilesDone:  p.FilesCopied,
			FilesTotal: p.FilesTotal,
		})
		telemetry.SetCopyBytes(float64(p.BytesCopied))
		return true
	}

	if err := fc.sys.CopyTree(src, dst, hal.ArchiveCopy(), onProgress); err != nil {
		return fmt.Errorf("copy failed for %s: %w", label, err)
	}
	if fc.dryRun {
		return nil
	}
	return r.verifyCopied(src, dst, label)
}

func (r *Runner) copyVfatSafe(fc *Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return hal.NewIoError("create EFI directory", err)
	}
	if err := fc.sys.CopyTree(src, dst, hal.VfatSafeCopy(), nil); err != nil {
		return err
	}
	if fc.dryRun {
		return nil
	}
	return r.verifyCopied(src, dst, "EFI")
}

// verifyCopied fingerprints both trees. The fake implementation copies
// nothing, so verification only runs when the source tree really exists.
func (r *Runner) verifyCopied(src, dst, label string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return hal.NewIoError("stat "+src, err)
	}
	if _, err := os.Stat(dst); err != nil {
		return nil
	}
	if err := verifyTrees(src, dst, label); err != nil {
		return hal.NewValidationError("%v", err)
	}
	return nil
}

// ==== boot configuration ====

func (r *Runner) uefiConfigPhase(fc *Context, mounts *mountPoints, subvols subvolPresence) error {
	return r.runPhase(fc, PhaseUefiConfig, func() error {
		bootUUID, err := fc.sys.BlkidUUID(fc.partitionPath(2))
		if err != nil {
			return err
		}
		rootUUID, err := fc.sys.BlkidUUID(fc.partitionPath(3))
		if err != nil {
			return err
		}
		fc.status("Writing GRUB stub")
		if err := writeGrubStub(mounts.dstEfi, bootUUID); err != nil {
			return err
		}
		fc.status("Patching BLS boot entries")
		if err := patchBLSEntries(filepath.Join(mounts.dstBoot, "loader", "entries"), rootUUID, subvols.hasRoot); err != nil {
			return err
		}
		targetRoot := mounts.dstRootSubvol
		if !subvols.hasRoot {
			targetRoot = mounts.dstRootTop
		}
		return enableFirstBootSetup(targetRoot)
	})
}

func (r *Runner) fstabPhase(fc *Context, mounts *mountPoints, subvols subvolPresence) error {
	return r.runPhase(fc, PhaseFstab, func() error {
		fc.status("Generating /etc/fstab")
		uuids := partitionUUIDs{}
		var err error
		if uuids.efi, err = fc.sys.BlkidUUID(fc.partitionPath(1)); err != nil {
			return err
		}
		if uuids.boot, err = fc.sys.BlkidUUID(fc.partitionPath(2)); err != nil {
			return err
		}
		if uuids.root, err = fc.sys.BlkidUUID(fc.partitionPath(3)); err != nil {
			return err
		}
		if DataPartitionPolicyFor(fc.osFamily) == DataPartitionAllowed {
			if uuids.data, err = fc.sys.BlkidUUID(fc.partitionPath(4)); err != nil {
				return err
			}
		}
		targetRoot := mounts.dstRootSubvol
		if !subvols.hasRoot {
			targetRoot = mounts.dstRootTop
		}
		return generateFstab(targetRoot, uuids, subvols)
	})
}

func (r *Runner) cleanupPhase(fc *Context) error {
	return r.runPhase(fc, PhaseCleanup, func() error {
		fc.status("Syncing filesystems")
		if err := fc.sys.Sync(); err != nil {
			log.Warn().Err(err).Msg("sync")
		}
		return nil
	})
}

// cleanup unwinds whatever the guards did not catch: leftover mounts
// under the work dir and the loop device. Everything is best-effort.
func (r *Runner) cleanup(fc *Context) {
	log.Info().Msg("cleaning up")
	mounts := newMountPoints(fc.workDir)
	for _, mp := range mounts.unwindOrder() {
		if _, err := os.Stat(mp); err == nil {
			if err := fc.sys.UnmountRecursive(mp, false); err != nil {
				log.Debug().Str("mountpoint", mp).Err(err).Msg("cleanup unmount")
			}
		}
	}
	if fc.loopDevice != "" {
		if err := fc.sys.LosetupDetach(fc.loopDevice); err != nil {
			log.Debug().Str("device", fc.loopDevice).Err(err).Msg("cleanup loop detach")
		}
	}
	if err := fc.sys.UdevSettle(); err != nil {
		log.Debug().Err(err).Msg("cleanup udev settle")
	}
}

// decompressImage streams an .xz image into a sibling .raw file in the
// work dir. An already-decompressed sibling of the image is reused.
func decompressImage(fc *Context) (string, error) {
	raw := strings.TrimSuffix(fc.image, ".xz")
	if _, err := os.Stat(raw); err == nil {
		fc.status("Raw image already exists: " + raw)
		return raw, nil
	}

	fc.status("Decompressing XZ image: " + fc.image)
	target := filepath.Join(fc.workDir, filepath.Base(raw))
	if err := fc.sys.FlashRawImage(fc.image, target, hal.FlashOptions{Confirmed: true}); err != nil {
		return "", err
	}
	fc.status("Decompression complete: " + target)
	return target, nil
}
