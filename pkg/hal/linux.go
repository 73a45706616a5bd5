package hal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// Linux executes real system calls and external programs. Every external
// command runs under a per-call deadline; an overdue child is killed and
// the call fails with a command-timeout error.
type Linux struct{}

// NewLinux creates the system-executing capability implementation.
func NewLinux() *Linux {
	return &Linux{}
}

var _ System = (*Linux)(nil)

// runCommand spawns program and drains its pipes, enforcing timeout.
func runCommand(ctx context.Context, program string, args []string, cwd string, timeout time.Duration) (CommandResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, program, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return CommandResult{}, NewCommandTimeoutError(program, int64(timeout.Seconds()))
	}
	if ctx.Err() != nil {
		return CommandResult{}, NewCancelledError(program + " interrupted")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return CommandResult{
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.Bytes(),
				ExitCode: exitErr.ExitCode(),
			}, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return CommandResult{}, NewCommandNotFoundError(program)
		}
		return CommandResult{}, NewIoError("spawn "+program, err)
	}
	return CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: 0}, nil
}

// CommandOutput implements ProcessOps.
func (h *Linux) CommandOutput(ctx context.Context, program string, args []string, cwd string, timeout time.Duration) (CommandResult, error) {
	return runCommand(ctx, program, args, cwd, timeout)
}

// CommandStatus implements ProcessOps.
func (h *Linux) CommandStatus(ctx context.Context, program string, args []string, cwd string, timeout time.Duration) error {
	res, err := runCommand(ctx, program, args, cwd, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return NewCommandFailedError(program, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// output runs program and fails on non-zero exit, returning stdout.
func (h *Linux) output(program string, args []string, timeout time.Duration) ([]byte, error) {
	res, err := runCommand(context.Background(), program, args, "", timeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, NewCommandFailedError(program, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return res.Stdout, nil
}

func mapMountErrno(err error) error {
	switch {
	case errors.Is(err, unix.EBUSY):
		return NewDiskBusyError("target busy")
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return &Error{Kind: KindPermissionDenied, Err: err}
	default:
		return NewIoError("mount syscall", err)
	}
}

// MountDevice implements MountOps using the mount(2) syscall.
func (h *Linux) MountDevice(device, target, fstype string, opts MountOptions, dryRun bool) error {
	if dryRun {
		log.Info().Str("device", device).Str("target", target).Msg("DRY RUN: mount")
		return nil
	}
	if fstype == "" {
		// Autodetect by probing blkid; the syscall needs a concrete type.
		if uuidOut, err := h.output("blkid", []string{"-s", "TYPE", "-o", "value", device}, ProbeTimeout); err == nil {
			fstype = strings.TrimSpace(string(uuidOut))
		}
	}
	if err := unix.Mount(device, target, fstype, 0, opts.Data); err != nil {
		return mapMountErrno(err)
	}
	return nil
}

// Unmount implements MountOps using umount2(2).
func (h *Linux) Unmount(target string, dryRun bool) error {
	if dryRun {
		log.Info().Str("target", target).Msg("DRY RUN: unmount")
		return nil
	}
	if err := unix.Unmount(target, 0); err != nil {
		return mapMountErrno(err)
	}
	return nil
}

// UnmountRecursive implements MountOps, releasing deepest mounts first.
func (h *Linux) UnmountRecursive(target string, dryRun bool) error {
	if dryRun {
		log.Info().Str("target", target).Msg("DRY RUN: unmount -R")
		return nil
	}
	content, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return NewIoError("read mountinfo", err)
	}
	for _, mp := range mountPointsUnder(target, parseMountInfo(string(content))) {
		// Already-unmounted paths are fine; anything else is logged and
		// retried by the caller's guard unwinding.
		if err := unix.Unmount(mp, 0); err != nil && !errors.Is(err, unix.EINVAL) {
			log.Warn().Str("mountpoint", mp).Err(err).Msg("recursive unmount")
		}
	}
	return nil
}

// IsMounted implements MountOps by parsing /proc/self/mountinfo.
func (h *Linux) IsMounted(path string) (bool, error) {
	content, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return false, NewIoError("read mountinfo", err)
	}
	return isMountedInInfo(path, parseMountInfo(string(content))), nil
}

func (h *Linux) format(program string, device string, baseArgs []string, opts FormatOptions) error {
	if opts.DryRun {
		log.Info().Str("device", device).Msgf("DRY RUN: %s", program)
		return nil
	}
	if !opts.Confirmed {
		return NewSafetyLockError()
	}
	args := append(append([]string{}, baseArgs...), opts.ExtraArgs...)
	args = append(args, device)
	_, err := h.output(program, args, FormatTimeout)
	return err
}

// FormatExt4 implements FormatOps.
func (h *Linux) FormatExt4(device string, opts FormatOptions) error {
	return h.format("mkfs.ext4", device, nil, opts)
}

// FormatBtrfs implements FormatOps.
func (h *Linux) FormatBtrfs(device string, opts FormatOptions) error {
	return h.format("mkfs.btrfs", device, nil, opts)
}

// FormatVfat implements FormatOps.
func (h *Linux) FormatVfat(device, label string, opts FormatOptions) error {
	return h.format("mkfs.vfat", device, []string{"-F", "32", "-n", label}, opts)
}

// LosetupAttach implements LoopOps.
func (h *Linux) LosetupAttach(image string, scanPartitions bool) (string, error) {
	args := []string{"--show", "-f"}
	if scanPartitions {
		args = append(args, "-P")
	}
	args = append(args, image)
	out, err := h.output("losetup", args, LosetupTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// LosetupDetach implements LoopOps.
func (h *Linux) LosetupDetach(loopDevice string) error {
	_, err := h.output("losetup", []string{"-d", loopDevice}, LosetupTimeout)
	return err
}

// WipefsAll implements PartitionOps.
func (h *Linux) WipefsAll(disk string, opts PartitionOptions) error {
	if opts.DryRun {
		log.Info().Str("disk", disk).Msg("DRY RUN: wipefs -a")
		return nil
	}
	if !opts.Confirmed {
		return NewSafetyLockError()
	}
	_, err := h.output("wipefs", []string{"-a", disk}, WipefsTimeout)
	return err
}

// Parted implements PartitionOps.
func (h *Linux) Parted(disk string, op PartedOp, opts PartitionOptions) (string, error) {
	if opts.DryRun {
		log.Info().Str("disk", disk).Str("op", op.Kind).Msg("DRY RUN: parted")
		return "", nil
	}
	if !opts.Confirmed {
		return "", NewSafetyLockError()
	}
	args := []string{"-s", disk}
	switch op.Kind {
	case "mklabel":
		args = append(args, "mklabel", op.Label)
	case "mkpart":
		args = append(args, "-a", "optimal", "mkpart", op.PartType, op.FsType, op.Start, op.End)
	case "set":
		args = append(args, "set", strconv.Itoa(op.PartNum), op.Flag, op.State)
	case "print":
		args = append(args, "print")
	default:
		return "", NewValidationError("unknown parted operation %q", op.Kind)
	}
	out, err := h.output("parted", args, PartedTimeout)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// FlashRawImage implements FlashOps. An .xz image is decompressed while
// streaming; the destination is flushed before returning.
func (h *Linux) FlashRawImage(image, targetDisk string, opts FlashOptions) error {
	if opts.DryRun {
		log.Info().Str("image", image).Str("disk", targetDisk).Msg("DRY RUN: flash raw image")
		return nil
	}
	if !opts.Confirmed {
		return NewSafetyLockError()
	}

	in, err := os.Open(image)
	if err != nil {
		return NewIoError("open image", err)
	}
	defer in.Close()

	var reader io.Reader = in
	if strings.HasSuffix(image, ".xz") {
		xzr, err := xz.NewReader(bufio.NewReader(in))
		if err != nil {
			return NewParseError("xz stream", err)
		}
		reader = xzr
	}

	out, err := os.OpenFile(targetDisk, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return &Error{Kind: KindPermissionDenied, Err: err}
		}
		return NewIoError("open target", err)
	}
	defer out.Close()

	// Regular files (CI) are truncated; block devices reject this, fine.
	_ = out.Truncate(0)

	if _, err := io.Copy(out, reader); err != nil {
		return NewIoError("write image", err)
	}
	// Best-effort flush; block devices may ignore it.
	_ = out.Sync()
	return nil
}

// Sync implements SystemOps. Best-effort by contract.
func (h *Linux) Sync() error {
	_, err := h.output("sync", nil, SyncTimeout)
	return err
}

// UdevSettle implements SystemOps. Best-effort by contract.
func (h *Linux) UdevSettle() error {
	_, err := h.output("udevadm", []string{"settle"}, SyncTimeout)
	return err
}

// BtrfsSubvolumeList implements BtrfsOps.
func (h *Linux) BtrfsSubvolumeList(mountPoint string) (string, error) {
	out, err := h.output("btrfs", []string{"subvolume", "list", mountPoint}, BtrfsTimeout)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// BtrfsSubvolumeCreate implements BtrfsOps.
func (h *Linux) BtrfsSubvolumeCreate(path string) error {
	_, err := h.output("btrfs", []string{"subvolume", "create", path}, BtrfsTimeout)
	return err
}

// LsblkMountpoints implements ProbeOps.
func (h *Linux) LsblkMountpoints(disk string) ([]string, error) {
	out, err := h.output("lsblk", []string{"-lnpo", "MOUNTPOINT", disk}, ProbeTimeout)
	if err != nil {
		return nil, err
	}
	var mountpoints []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			mountpoints = append(mountpoints, line)
		}
	}
	return mountpoints, nil
}

// LsblkTable implements ProbeOps.
func (h *Linux) LsblkTable(disk string) (string, error) {
	out, err := h.output("lsblk", []string{"-o", "NAME,SIZE,TYPE,FSTYPE,MOUNTPOINTS,MODEL", disk}, ProbeTimeout)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// BlkidUUID implements ProbeOps.
func (h *Linux) BlkidUUID(device string) (string, error) {
	out, err := h.output("blkid", []string{"-s", "UUID", "-o", "value", device}, ProbeTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Hostname implements HostInfoOps.
func (h *Linux) Hostname() (string, error) {
	content, err := os.ReadFile("/etc/hostname")
	if err != nil {
		return "", NewIoError("read hostname", err)
	}
	return strings.TrimSpace(string(content)), nil
}

// KernelRelease implements HostInfoOps.
func (h *Linux) KernelRelease() (string, error) {
	out, err := h.output("uname", []string{"-r"}, 2*time.Second)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// OsRelease implements HostInfoOps.
func (h *Linux) OsRelease() (OsRelease, error) {
	content, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return OsRelease{}, NewIoError("read os-release", err)
	}
	var info OsRelease
	for _, line := range strings.Split(string(content), "\n") {
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			info.ID = strings.Trim(strings.TrimSpace(v), `"`)
		}
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			info.VersionID = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return info, nil
}

// ProcMeminfo implements HostInfoOps.
func (h *Linux) ProcMeminfo() (string, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return "", NewIoError("read meminfo", err)
	}
	return string(content), nil
}

// ProcMounts implements HostInfoOps.
func (h *Linux) ProcMounts() (string, error) {
	content, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return "", NewIoError("read mounts", err)
	}
	return string(content), nil
}

// CopyTree implements CopyOps with a two-pass walk: totals first for
// progress, then the copy itself. onProgress returning false aborts with
// a cancelled error after closing all handles.
func (h *Linux) CopyTree(src, dst string, opts CopyOptions, onProgress func(CopyProgress) bool) error {
	info, err := os.Lstat(src)
	if err != nil {
		return NewValidationError("source %s does not exist", src)
	}
	if !info.IsDir() {
		return NewValidationError("source %s is not a directory", src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return NewIoError("create destination", err)
	}

	var totalBytes, filesTotal uint64
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case fi.Mode().IsRegular():
			totalBytes += uint64(fi.Size())
			filesTotal++
		case fi.Mode()&fs.ModeSymlink != 0:
			filesTotal++
		}
		return nil
	})
	if err != nil {
		return NewIoError("walk source", err)
	}

	progress := CopyProgress{BytesTotal: totalBytes, FilesTotal: filesTotal}
	emit := func() error {
		if onProgress != nil && !onProgress(progress) {
			return NewCancelledError("copy cancelled")
		}
		return nil
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if rel == "." {
			return applyMetadata(dst, fi, opts)
		}
		target := filepath.Join(dst, rel)
		switch {
		case fi.IsDir():
			if err := ensureDirectory(target); err != nil {
				return err
			}
			return applyMetadata(target, fi, opts)
		case fi.Mode()&fs.ModeSymlink != 0:
			if err := copySymlink(path, target); err != nil {
				return err
			}
			progress.FilesCopied++
			return emit()
		case fi.Mode().IsRegular():
			n, err := copyFile(path, target, fi, opts)
			if err != nil {
				return err
			}
			progress.BytesCopied += uint64(n)
			progress.FilesCopied++
			return emit()
		}
		return nil
	})
	if err != nil {
		var halErr *Error
		if errors.As(err, &halErr) {
			return halErr
		}
		return NewIoError("copy tree", err)
	}

	// Best-effort fsync on the destination root directory.
	if dir, err := os.Open(dst); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func ensureDirectory(path string) error {
	if fi, err := os.Lstat(path); err == nil && !fi.IsDir() {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return os.MkdirAll(path, 0o755)
}

func copySymlink(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	return os.Symlink(target, dst)
}

func copyFile(src, dst string, fi fs.FileInfo, opts CopyOptions) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return 0, err
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, err
	}
	// Flush data before metadata; best-effort on filesystems without it.
	_ = out.Sync()
	if err := out.Close(); err != nil {
		return n, err
	}
	return n, applyMetadata(dst, fi, opts)
}

func applyMetadata(path string, fi fs.FileInfo, opts CopyOptions) error {
	if opts.PreservePerms {
		if err := os.Chmod(path, fi.Mode().Perm()); err != nil {
			return err
		}
	}
	if opts.PreserveOwner {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			if err := os.Chown(path, int(st.Uid), int(st.Gid)); err != nil {
				return err
			}
		}
	}
	if opts.PreserveTimes {
		if err := os.Chtimes(path, fi.ModTime(), fi.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

// RsyncStreamStdout implements RsyncOps. The child's stdout is consumed
// line by line; a false return from onLine kills rsync and the call fails
// with a cancelled error.
func (h *Linux) RsyncStreamStdout(src, dst string, opts RsyncOptions, onLine func(string) bool) error {
	args := []string{"--info=progress2", "--no-inc-recursive"}
	switch {
	case opts.VfatSafe:
		args = append(args, "-rt", "--no-owner", "--no-perms")
	case opts.Archive:
		args = append(args, "-a")
	}
	if opts.Delete {
		args = append(args, "--delete")
	}
	args = append(args, strings.TrimRight(src, "/")+"/", dst)

	cmd := exec.Command("rsync", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return NewIoError("rsync stdout pipe", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return NewCommandNotFoundError("rsync")
		}
		return NewIoError("spawn rsync", err)
	}

	aborted := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil && !onLine(scanner.Text()) {
			aborted = true
			_ = cmd.Process.Kill()
			break
		}
	}
	waitErr := cmd.Wait()
	if aborted {
		return NewCancelledError("rsync cancelled")
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return NewCommandFailedError("rsync", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return NewIoError("rsync wait", waitErr)
	}
	return nil
}
