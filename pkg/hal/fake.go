package hal

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Operation is one recorded capability call.
type Operation struct {
	// Name identifies the call, for example "FormatBtrfs" or "Parted".
	Name string

	// Args holds the stringified arguments in declaration order.
	Args []string
}

func (o Operation) String() string {
	return o.Name + "(" + strings.Join(o.Args, ", ") + ")"
}

// Fake records every capability call instead of touching the system.
// Calls succeed by default; individual operations can be programmed to
// fail or to return canned output. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	ops []Operation

	// failures maps operation name to the error the next matching call
	// returns. A programmed failure stays armed until cleared.
	failures map[string]error

	// outputs maps operation name to canned stdout.
	outputs map[string]string

	// mountTable maps mount target to device.
	mountTable map[string]string

	nextLoop int
}

// NewFake creates a recording capability implementation with no
// programmed failures.
func NewFake() *Fake {
	return &Fake{
		failures:   make(map[string]error),
		outputs:    make(map[string]string),
		mountTable: make(map[string]string),
	}
}

var _ System = (*Fake)(nil)

// FailWith arms a failure for every subsequent call of the named
// operation until ClearFailure.
func (f *Fake) FailWith(opName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[opName] = err
}

// ClearFailure disarms a programmed failure.
func (f *Fake) ClearFailure(opName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, opName)
}

// SetOutput programs canned stdout for the named operation.
func (f *Fake) SetOutput(opName, stdout string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[opName] = stdout
}

// Operations returns a copy of the recorded call log in order.
func (f *Fake) Operations() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Operation, len(f.ops))
	copy(out, f.ops)
	return out
}

// OperationNames returns just the names of recorded calls in order.
func (f *Fake) OperationNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.ops))
	for i, op := range f.ops {
		names[i] = op.Name
	}
	return names
}

// CountOf returns how many recorded calls carry the given name.
func (f *Fake) CountOf(opName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.ops {
		if op.Name == opName {
			n++
		}
	}
	return n
}

// Mounts returns the fake mount table as "target <- device" lines sorted
// by target, for test assertions.
func (f *Fake) Mounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.mountTable))
	for target, device := range f.mountTable {
		out = append(out, target+" <- "+device)
	}
	sort.Strings(out)
	return out
}

// record appends the call and returns the programmed failure, if any.
func (f *Fake) record(name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, Operation{Name: name, Args: args})
	return f.failures[name]
}

func (f *Fake) output(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[name]
}

// CommandOutput implements ProcessOps.
func (f *Fake) CommandOutput(ctx context.Context, program string, args []string, cwd string, timeout time.Duration) (CommandResult, error) {
	if err := f.record("CommandOutput", append([]string{program}, args...)...); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Stdout: []byte(f.output("CommandOutput")), ExitCode: 0}, nil
}

// CommandStatus implements ProcessOps.
func (f *Fake) CommandStatus(ctx context.Context, program string, args []string, cwd string, timeout time.Duration) error {
	return f.record("CommandStatus", append([]string{program}, args...)...)
}

// MountDevice implements MountOps against the fake mount table.
func (f *Fake) MountDevice(device, target, fstype string, opts MountOptions, dryRun bool) error {
	if err := f.record("MountDevice", device, target, fstype, opts.Data, fmt.Sprint(dryRun)); err != nil {
		return err
	}
	if !dryRun {
		f.mu.Lock()
		f.mountTable[target] = device
		f.mu.Unlock()
	}
	return nil
}

// Unmount implements MountOps.
func (f *Fake) Unmount(target string, dryRun bool) error {
	if err := f.record("Unmount", target, fmt.Sprint(dryRun)); err != nil {
		return err
	}
	if !dryRun {
		f.mu.Lock()
		delete(f.mountTable, target)
		f.mu.Unlock()
	}
	return nil
}

// UnmountRecursive implements MountOps, clearing target and everything
// below it from the fake mount table.
func (f *Fake) UnmountRecursive(target string, dryRun bool) error {
	if err := f.record("UnmountRecursive", target, fmt.Sprint(dryRun)); err != nil {
		return err
	}
	if !dryRun {
		f.mu.Lock()
		prefix := strings.TrimRight(target, "/") + "/"
		for mounted := range f.mountTable {
			if mounted == target || strings.HasPrefix(mounted, prefix) {
				delete(f.mountTable, mounted)
			}
		}
		f.mu.Unlock()
	}
	return nil
}

// IsMounted implements MountOps against the fake mount table.
func (f *Fake) IsMounted(path string) (bool, error) {
	if err := f.record("IsMounted", path); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mountTable[path]
	return ok, nil
}

// FormatExt4 implements FormatOps.
func (f *Fake) FormatExt4(device string, opts FormatOptions) error {
	if !opts.DryRun && !opts.Confirmed {
		return NewSafetyLockError()
	}
	return f.record("FormatExt4", device)
}

// FormatBtrfs implements FormatOps.
func (f *Fake) FormatBtrfs(device string, opts FormatOptions) error {
	if !opts.DryRun && !opts.Confirmed {
		return NewSafetyLockError()
	}
	return f.record("FormatBtrfs", device)
}

// FormatVfat implements FormatOps.
func (f *Fake) FormatVfat(device, label string, opts FormatOptions) error {
	if !opts.DryRun && !opts.Confirmed {
		return NewSafetyLockError()
	}
	return f.record("FormatVfat", device, label)
}

// LosetupAttach implements LoopOps, handing out /dev/loop0, /dev/loop1…
func (f *Fake) LosetupAttach(image string, scanPartitions bool) (string, error) {
	if err := f.record("LosetupAttach", image, fmt.Sprint(scanPartitions)); err != nil {
		return "", err
	}
	f.mu.Lock()
	device := fmt.Sprintf("/dev/loop%d", f.nextLoop)
	f.nextLoop++
	f.mu.Unlock()
	return device, nil
}

// LosetupDetach implements LoopOps.
func (f *Fake) LosetupDetach(loopDevice string) error {
	return f.record("LosetupDetach", loopDevice)
}

// WipefsAll implements PartitionOps.
func (f *Fake) WipefsAll(disk string, opts PartitionOptions) error {
	if !opts.DryRun && !opts.Confirmed {
		return NewSafetyLockError()
	}
	return f.record("WipefsAll", disk)
}

// Parted implements PartitionOps.
func (f *Fake) Parted(disk string, op PartedOp, opts PartitionOptions) (string, error) {
	if !opts.DryRun && !opts.Confirmed {
		return "", NewSafetyLockError()
	}
	if err := f.record("Parted", disk, op.Kind); err != nil {
		return "", err
	}
	return f.output("Parted"), nil
}

// FlashRawImage implements FlashOps.
func (f *Fake) FlashRawImage(image, targetDisk string, opts FlashOptions) error {
	if !opts.DryRun && !opts.Confirmed {
		return NewSafetyLockError()
	}
	return f.record("FlashRawImage", image, targetDisk)
}

// CopyTree implements CopyOps, emitting a single completed progress
// update. When src is a real directory its content is mirrored to dst
// so post-copy verification sees matching trees; device-backed sources
// don't exist here and are skipped.
func (f *Fake) CopyTree(src, dst string, opts CopyOptions, onProgress func(CopyProgress) bool) error {
	if err := f.record("CopyTree", src, dst); err != nil {
		return err
	}
	if info, err := os.Stat(src); err == nil && info.IsDir() {
		if err := mirrorTree(src, dst); err != nil {
			return NewIoError("mirror tree", err)
		}
	}
	if onProgress != nil && !onProgress(CopyProgress{BytesCopied: 1, BytesTotal: 1, FilesCopied: 1, FilesTotal: 1}) {
		return NewCancelledError("copy cancelled")
	}
	return nil
}

// mirrorTree copies a plain directory tree without metadata.
func mirrorTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(linkTarget, target)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, content, 0o644)
	})
}

// RsyncStreamStdout implements RsyncOps, feeding one synthetic progress
// line through onLine.
func (f *Fake) RsyncStreamStdout(src, dst string, opts RsyncOptions, onLine func(string) bool) error {
	if err := f.record("RsyncStreamStdout", src, dst); err != nil {
		return err
	}
	if onLine != nil && !onLine("          1,024 100%    1.00MB/s    0:00:00 (xfr#1, to-chk=0/1)") {
		return NewCancelledError("rsync cancelled")
	}
	return nil
}

// BtrfsSubvolumeList implements BtrfsOps.
func (f *Fake) BtrfsSubvolumeList(mountPoint string) (string, error) {
	if err := f.record("BtrfsSubvolumeList", mountPoint); err != nil {
		return "", err
	}
	return f.output("BtrfsSubvolumeList"), nil
}

// BtrfsSubvolumeCreate implements BtrfsOps.
func (f *Fake) BtrfsSubvolumeCreate(path string) error {
	return f.record("BtrfsSubvolumeCreate", path)
}

// LsblkMountpoints implements ProbeOps, returning nothing mounted unless
// output is programmed.
func (f *Fake) LsblkMountpoints(disk string) ([]string, error) {
	if err := f.record("LsblkMountpoints", disk); err != nil {
		return nil, err
	}
	var mountpoints []string
	for _, line := range strings.Split(f.output("LsblkMountpoints"), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			mountpoints = append(mountpoints, line)
		}
	}
	return mountpoints, nil
}

// LsblkTable implements ProbeOps.
func (f *Fake) LsblkTable(disk string) (string, error) {
	if err := f.record("LsblkTable", disk); err != nil {
		return "", err
	}
	return f.output("LsblkTable"), nil
}

// BlkidUUID implements ProbeOps, returning a stable placeholder UUID
// unless output is programmed.
func (f *Fake) BlkidUUID(device string) (string, error) {
	if err := f.record("BlkidUUID", device); err != nil {
		return "", err
	}
	if out := f.output("BlkidUUID"); out != "" {
		return out, nil
	}
	return "0000-FAKE", nil
}

// Sync implements SystemOps.
func (f *Fake) Sync() error {
	return f.record("Sync")
}

// UdevSettle implements SystemOps.
func (f *Fake) UdevSettle() error {
	return f.record("UdevSettle")
}

// Hostname implements HostInfoOps.
func (f *Fake) Hostname() (string, error) {
	if err := f.record("Hostname"); err != nil {
		return "", err
	}
	return "fakehost", nil
}

// KernelRelease implements HostInfoOps.
func (f *Fake) KernelRelease() (string, error) {
	if err := f.record("KernelRelease"); err != nil {
		return "", err
	}
	return "6.0.0-fake", nil
}

// OsRelease implements HostInfoOps.
func (f *Fake) OsRelease() (OsRelease, error) {
	if err := f.record("OsRelease"); err != nil {
		return OsRelease{}, err
	}
	return OsRelease{ID: "fedora", VersionID: "42"}, nil
}

// ProcMeminfo implements HostInfoOps.
func (f *Fake) ProcMeminfo() (string, error) {
	if err := f.record("ProcMeminfo"); err != nil {
		return "", err
	}
	return "MemTotal:        8000000 kB\nMemAvailable:    4000000 kB\n", nil
}

// ProcMounts implements HostInfoOps.
func (f *Fake) ProcMounts() (string, error) {
	if err := f.record("ProcMounts"); err != nil {
		return "", err
	}
	return "", nil
}
