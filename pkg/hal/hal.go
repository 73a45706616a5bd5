package hal

import (
	"context"
	"time"
)

// Default per-call deadlines for external programs. Formatting large media
// is slow; probes must never hang the worker for long.
const (
	ProbeTimeout   = 10 * time.Second
	SyncTimeout    = 60 * time.Second
	FormatTimeout  = 10 * time.Minute
	WipefsTimeout  = 60 * time.Second
	PartedTimeout  = 5 * time.Minute
	LosetupTimeout = 30 * time.Second
	BtrfsTimeout   = 60 * time.Second
	FlashTimeout   = 60 * time.Minute
)

// CommandResult captures the outcome of a bounded external command.
type CommandResult struct {
	// Stdout is the captured standard output.
	Stdout []byte

	// Stderr is the captured standard error.
	Stderr []byte

	// ExitCode is the process exit code (0 on success).
	ExitCode int
}

// ProcessOps executes external programs with an enforced per-call timeout.
// This is the only sanctioned way the rest of the installer invokes an
// external program; a hung privileged child is killed when the deadline
// passes and the call fails with a command-timeout error.
type ProcessOps interface {
	// CommandOutput runs program with args in cwd (empty for inherited),
	// capturing stdout and stderr. It fails with a command-timeout error
	// if the program does not exit within timeout, killing the child.
	CommandOutput(ctx context.Context, program string, args []string, cwd string, timeout time.Duration) (CommandResult, error)

	// CommandStatus is CommandOutput but additionally fails with a
	// command-failed error when the program exits non-zero.
	CommandStatus(ctx context.Context, program string, args []string, cwd string, timeout time.Duration) error
}

// MountOptions carries extra mount parameters.
type MountOptions struct {
	// Data is the comma-separated mount data string (for example
	// "subvol=root"). Empty means no extra options.
	Data string
}

// MountOps mounts and unmounts filesystems.
type MountOps interface {
	// MountDevice mounts device at target. fstype may be empty for
	// autodetection. dryRun logs the intent and succeeds without side
	// effects. A busy target is classified as a disk-busy error.
	MountDevice(device, target, fstype string, opts MountOptions, dryRun bool) error

	// Unmount unmounts target.
	Unmount(target string, dryRun bool) error

	// UnmountRecursive unmounts target and everything mounted under it,
	// deepest paths first. Already-unmounted paths are skipped.
	UnmountRecursive(target string, dryRun bool) error

	// IsMounted reports whether path is currently a mount point.
	IsMounted(path string) (bool, error)
}

// FormatOptions gates filesystem creation.
type FormatOptions struct {
	// DryRun short-circuits the operation to a log line.
	DryRun bool

	// Confirmed must be true or the call fails with a safety-lock error.
	Confirmed bool

	// ExtraArgs are appended before the device argument.
	ExtraArgs []string
}

// FormatOps creates filesystems. Every method refuses to run without
// opts.Confirmed and short-circuits under opts.DryRun.
type FormatOps interface {
	FormatExt4(device string, opts FormatOptions) error
	FormatBtrfs(device string, opts FormatOptions) error
	FormatVfat(device, label string, opts FormatOptions) error
}

// LoopOps attaches disk images to loop devices.
type LoopOps interface {
	// LosetupAttach attaches image to a free loop device and returns its
	// path. scanPartitions exposes the image's partitions as /dev/loopNpM.
	LosetupAttach(image string, scanPartitions bool) (string, error)

	// LosetupDetach detaches loopDevice.
	LosetupDetach(loopDevice string) error
}

// PartedOp is one parted invocation.
type PartedOp struct {
	// Kind selects the operation: "mklabel", "mkpart", "set", "print".
	Kind string

	// Label is the table type for mklabel ("msdos", "gpt").
	Label string

	// PartType, FsType, Start, End parameterize mkpart.
	PartType string
	FsType   string
	Start    string
	End      string

	// PartNum, Flag, State parameterize set.
	PartNum int
	Flag    string
	State   string
}

// MkLabel returns a parted mklabel operation.
func MkLabel(label string) PartedOp {
	return PartedOp{Kind: "mklabel", Label: label}
}

// MkPart returns a parted mkpart operation with optimal alignment.
func MkPart(partType, fsType, start, end string) PartedOp {
	return PartedOp{Kind: "mkpart", PartType: partType, FsType: fsType, Start: start, End: end}
}

// SetFlag returns a parted set operation.
func SetFlag(partNum int, flag, state string) PartedOp {
	return PartedOp{Kind: "set", PartNum: partNum, Flag: flag, State: state}
}

// PrintTable returns a parted print operation.
func PrintTable() PartedOp {
	return PartedOp{Kind: "print"}
}

// PartitionOptions gates partition-table edits.
type PartitionOptions struct {
	DryRun    bool
	Confirmed bool
}

// PartitionOps edits partition tables and signatures.
type PartitionOps interface {
	// WipefsAll erases all filesystem signatures on disk.
	WipefsAll(disk string, opts PartitionOptions) error

	// Parted runs one parted operation against disk and returns stdout.
	Parted(disk string, op PartedOp, opts PartitionOptions) (string, error)
}

// FlashOptions gates raw image writes.
type FlashOptions struct {
	DryRun    bool
	Confirmed bool
}

// FlashOps writes raw disk images.
type FlashOps interface {
	// FlashRawImage streams image onto targetDisk. An .xz image is
	// decompressed on the fly.
	FlashRawImage(image, targetDisk string, opts FlashOptions) error
}

// CopyProgress is emitted as a tree copy advances.
type CopyProgress struct {
	BytesCopied uint64
	BytesTotal  uint64
	FilesCopied uint64
	FilesTotal  uint64
}

// CopyOptions controls metadata preservation during tree copies.
type CopyOptions struct {
	PreservePerms bool
	PreserveOwner bool
	PreserveTimes bool
}

// ArchiveCopy preserves permissions, ownership and timestamps.
func ArchiveCopy() CopyOptions {
	return CopyOptions{PreservePerms: true, PreserveOwner: true, PreserveTimes: true}
}

// VfatSafeCopy preserves nothing; FAT filesystems reject POSIX metadata.
func VfatSafeCopy() CopyOptions {
	return CopyOptions{}
}

// CopyOps copies directory trees.
type CopyOps interface {
	// CopyTree recursively copies src into dst, invoking onProgress after
	// each file. Returning false from onProgress aborts the copy with a
	// cancelled error; open handles are released on every path.
	CopyTree(src, dst string, opts CopyOptions, onProgress func(CopyProgress) bool) error
}

// RsyncOptions controls an rsync invocation.
type RsyncOptions struct {
	// Archive enables -a.
	Archive bool

	// VfatSafe restricts to -rt (no owner/perms) for FAT destinations.
	VfatSafe bool

	// Delete enables --delete.
	Delete bool
}

// RsyncOps streams rsync output for progress parsing.
type RsyncOps interface {
	// RsyncStreamStdout runs rsync from src to dst, calling onLine for
	// each stdout line. Returning false aborts rsync and the call fails
	// with a cancelled error.
	RsyncStreamStdout(src, dst string, opts RsyncOptions, onLine func(string) bool) error
}

// BtrfsOps manages btrfs subvolumes.
type BtrfsOps interface {
	// BtrfsSubvolumeList returns the raw `btrfs subvolume list` output
	// for mountPoint.
	BtrfsSubvolumeList(mountPoint string) (string, error)

	// BtrfsSubvolumeCreate creates a subvolume at path.
	BtrfsSubvolumeCreate(path string) error
}

// ProbeOps reads device topology. All probes are read-only.
type ProbeOps interface {
	// LsblkMountpoints returns the active mount points of disk and its
	// partitions.
	LsblkMountpoints(disk string) ([]string, error)

	// LsblkTable returns a human-readable device table for disk.
	LsblkTable(disk string) (string, error)

	// BlkidUUID returns the filesystem UUID of device.
	BlkidUUID(device string) (string, error)
}

// SystemOps are best-effort kernel synchronization calls. Failures are
// logged by callers and never escalated; they are optimizations, not
// correctness requirements.
type SystemOps interface {
	Sync() error
	UdevSettle() error
}

// OsRelease is the parsed identity from /etc/os-release.
type OsRelease struct {
	ID        string
	VersionID string
}

// HostInfoOps reads host identity and procfs state. Read-only.
type HostInfoOps interface {
	Hostname() (string, error)
	KernelRelease() (string, error)
	OsRelease() (OsRelease, error)
	ProcMeminfo() (string, error)
	ProcMounts() (string, error)
}

// System is the full capability set the installer depends on. Stage bodies
// and the flash orchestrator receive this interface, never a concrete
// implementation, so tests run against Fake without touching hardware.
type System interface {
	ProcessOps
	MountOps
	FormatOps
	LoopOps
	PartitionOps
	FlashOps
	CopyOps
	RsyncOps
	BtrfsOps
	ProbeOps
	SystemOps
	HostInfoOps
}
