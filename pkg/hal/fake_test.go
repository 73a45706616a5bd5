package hal

import (
	"errors"
	"testing"
)

func TestFakeRecordsOperations(t *testing.T) {
	fake := NewFake()
	opts := FormatOptions{Confirmed: true}
	if err := fake.FormatVfat("/dev/sdb1", "EFI", opts); err != nil {
		t.Fatalf("FormatVfat: %v", err)
	}
	if err := fake.FormatExt4("/dev/sdb2", opts); err != nil {
		t.Fatalf("FormatExt4: %v", err)
	}
	if err := fake.FormatBtrfs("/dev/sdb3", opts); err != nil {
		t.Fatalf("FormatBtrfs: %v", err)
	}

	names := fake.OperationNames()
	want := []string{"FormatVfat", "FormatExt4", "FormatBtrfs"}
	if len(names) != len(want) {
		t.Fatalf("recorded %d operations, want %d: %v", len(names), len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("operation %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestFakeFormatRequiresConfirmation(t *testing.T) {
	fake := NewFake()
	err := fake.FormatBtrfs("/dev/sdb3", FormatOptions{})
	if !errors.Is(err, ErrSafetyLock) {
		t.Fatalf("unconfirmed format error = %v, want safety lock", err)
	}
	if fake.CountOf("FormatBtrfs") != 0 {
		t.Error("refused format must not be recorded")
	}
}

func TestFakeDryRunBypassesConfirmation(t *testing.T) {
	fake := NewFake()
	if err := fake.WipefsAll("/dev/sdb", PartitionOptions{DryRun: true}); err != nil {
		t.Fatalf("dry-run wipefs: %v", err)
	}
	if _, err := fake.Parted("/dev/sdb", MkLabel("gpt"), PartitionOptions{DryRun: true}); err != nil {
		t.Fatalf("dry-run parted: %v", err)
	}
}

func TestFakeProgrammedFailure(t *testing.T) {
	fake := NewFake()
	fake.FailWith("BtrfsSubvolumeCreate", NewCommandFailedError("btrfs", 1, "read-only file system"))

	err := fake.BtrfsSubvolumeCreate("/mnt/target/root")
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("programmed failure not surfaced: %v", err)
	}

	fake.ClearFailure("BtrfsSubvolumeCreate")
	if err := fake.BtrfsSubvolumeCreate("/mnt/target/root"); err != nil {
		t.Fatalf("cleared failure still fails: %v", err)
	}
	if got := fake.CountOf("BtrfsSubvolumeCreate"); got != 2 {
		t.Errorf("CountOf = %d, want 2 (failed calls are still recorded)", got)
	}
}

func TestFakeMountTable(t *testing.T) {
	fake := NewFake()
	if err := fake.MountDevice("/dev/sdb3", "/mnt/target", "btrfs", MountOptions{Data: "subvol=root"}, false); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := fake.MountDevice("/dev/sdb2", "/mnt/target/boot", "ext4", MountOptions{}, false); err != nil {
		t.Fatalf("mount boot: %v", err)
	}

	mounted, err := fake.IsMounted("/mnt/target")
	if err != nil || !mounted {
		t.Fatalf("IsMounted(/mnt/target) = %v, %v; want true", mounted, err)
	}

	if err := fake.UnmountRecursive("/mnt/target", false); err != nil {
		t.Fatalf("recursive unmount: %v", err)
	}
	if got := fake.Mounts(); len(got) != 0 {
		t.Errorf("mount table not empty after recursive unmount: %v", got)
	}
}

func TestFakeDryRunMountLeavesTableAlone(t *testing.T) {
	fake := NewFake()
	if err := fake.MountDevice("/dev/sdb3", "/mnt/target", "btrfs", MountOptions{}, true); err != nil {
		t.Fatalf("dry-run mount: %v", err)
	}
	if mounted, _ := fake.IsMounted("/mnt/target"); mounted {
		t.Error("dry-run mount must not enter the mount table")
	}
}

func TestFakeLoopAllocation(t *testing.T) {
	fake := NewFake()
	first, err := fake.LosetupAttach("/tmp/image.raw", true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	second, err := fake.LosetupAttach("/tmp/other.raw", false)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if first != "/dev/loop0" || second != "/dev/loop1" {
		t.Errorf("loop devices = %q, %q; want /dev/loop0, /dev/loop1", first, second)
	}
}

func TestFakeProgrammedOutput(t *testing.T) {
	fake := NewFake()
	fake.SetOutput("BtrfsSubvolumeList", "ID 256 gen 10 top level 5 path root\nID 257 gen 10 top level 5 path home\n")
	out, err := fake.BtrfsSubvolumeList("/mnt/target")
	if err != nil {
		t.Fatalf("subvolume list: %v", err)
	}
	if out == "" {
		t.Fatal("programmed output not returned")
	}

	fake.SetOutput("LsblkMountpoints", "/run/media/user/stick\n")
	mps, err := fake.LsblkMountpoints("/dev/sdb")
	if err != nil {
		t.Fatalf("lsblk: %v", err)
	}
	if len(mps) != 1 || mps[0] != "/run/media/user/stick" {
		t.Errorf("mountpoints = %v", mps)
	}
}

func TestFakeRsyncAbortOnCallback(t *testing.T) {
	fake := NewFake()
	if err := fake.RsyncStreamStdout("/src", "/dst", RsyncOptions{Archive: true}, nil); err != nil {
		t.Fatalf("rsync without callback: %v", err)
	}

	var lines int
	err := fake.RsyncStreamStdout("/src", "/dst", RsyncOptions{Archive: true}, func(line string) bool {
		lines++
		return false
	})
	if err == nil {
		t.Fatal("aborting callback must fail the transfer")
	}
	if KindOf(err) != KindCancelled {
		t.Errorf("error kind = %q, want cancelled", KindOf(err))
	}
	if lines != 1 {
		t.Errorf("callback invoked %d times, want 1", lines)
	}
	if fake.CountOf("RsyncStreamStdout") != 2 {
		t.Errorf("RsyncStreamStdout recorded %d times", fake.CountOf("RsyncStreamStdout"))
	}
}
