package flash

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sdburn/sdburn/pkg/hal"
	"github.com/sdburn/sdburn/pkg/safety"
)

func validateTestConfig(t *testing.T, cfg FlashConfig) safety.Validated[FlashConfig] {
	t.Helper()
	validated, err := safety.NewUnvalidated(cfg).Validate()
	if err != nil {
		t.Fatal(err)
	}
	return validated
}

func armTestConfig(t *testing.T, cfg FlashConfig) safety.Armed[FlashConfig] {
	t.Helper()
	validated := validateTestConfig(t, cfg)
	token, err := safety.NewExecuteArmToken(true, true, true)
	if err != nil {
		t.Fatal(err)
	}
	armed, err := validated.ArmExecute(token)
	if err != nil {
		t.Fatal(err)
	}
	return armed
}

func TestRunDryRunIssuesNoCapabilityCalls(t *testing.T) {
	fake := hal.NewFake()
	sink := NewChannelSink(128)
	runner := NewRunner(fake, sink)

	validated := validateTestConfig(t, testConfig(t, true))
	if err := runner.RunDryRun(context.Background(), validated); err != nil {
		t.Fatal(err)
	}

	if ops := fake.Operations(); len(ops) != 0 {
		t.Fatalf("dry run issued capability calls: %v", fake.OperationNames())
	}

	var skipped int
	var complete bool
	for len(sink.C) > 0 {
		u := <-sink.C
		switch u.Kind {
		case UpdatePhaseSkipped:
			skipped++
		case UpdateComplete:
			complete = true
		case UpdatePhaseStarted, UpdatePhaseCompleted:
			t.Errorf("dry run reported phase %s as run", u.Phase.Name())
		}
	}
	if skipped != TotalPhases {
		t.Errorf("skipped phases = %d, want %d", skipped, TotalPhases)
	}
	if !complete {
		t.Error("no completion update sent")
	}
}

func TestRunDryRunRejectsExecuteConfig(t *testing.T) {
	runner := NewRunner(hal.NewFake(), nil)
	validated := validateTestConfig(t, testConfig(t, false))
	err := runner.RunDryRun(context.Background(), validated)
	if !errors.Is(err, safety.ErrNotDryRun) {
		t.Fatalf("err = %v, want ErrNotDryRun", err)
	}
}

func TestRunExecuteFullSequence(t *testing.T) {
	fake := hal.NewFake()
	// The image carries the standard subvolume layout.
	fake.SetOutput("BtrfsSubvolumeList",
		"ID 256 gen 10 top level 5 path root\n"+
			"ID 257 gen 10 top level 5 path home\n"+
			"ID 258 gen 10 top level 5 path var\n")

	runner := NewRunner(fake, nil)
	armed := armTestConfig(t, testConfig(t, false))

	if err := runner.RunExecute(context.Background(), armed); err != nil {
		t.Fatal(err)
	}

	counts := map[string]int{
		"WipefsAll":            1,
		"Parted":               7,
		"FormatVfat":           1,
		"FormatExt4":           1,
		"FormatBtrfs":          2,
		"LosetupAttach":        1,
		"BtrfsSubvolumeList":   1,
		"BtrfsSubvolumeCreate": 3,
		"CopyTree":             6,
		"BlkidUUID":            6,
		"Sync":                 1,
	}
	for op, want := range counts {
		if got := fake.CountOf(op); got != want {
			t.Errorf("%s called %d times, want %d\nops: %v", op, got, want, fake.OperationNames())
		}
	}

	// The destructive sequence must hold its order: wipe before
	// partitioning, partitioning before formatting, formatting before
	// the image is attached, copies before UUID probing.
	names := fake.OperationNames()
	order := []string{"WipefsAll", "Parted", "FormatVfat", "FormatBtrfs", "LosetupAttach", "BtrfsSubvolumeCreate", "CopyTree", "BlkidUUID", "Sync"}
	idx := 0
	for _, want := range order {
		found := false
		for ; idx < len(names); idx++ {
			if names[idx] == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("operation %s missing or out of order: %v", want, names)
		}
	}
}

func TestRunExecuteWithoutSubvolumesCopiesWholeTree(t *testing.T) {
	fake := hal.NewFake()
	// Empty subvolume list: the image has no dedicated root subvolume.

	runner := NewRunner(fake, nil)
	armed := armTestConfig(t, testConfig(t, false))

	if err := runner.RunExecute(context.Background(), armed); err != nil {
		t.Fatal(err)
	}
	if got := fake.CountOf("BtrfsSubvolumeCreate"); got != 0 {
		t.Errorf("BtrfsSubvolumeCreate called %d times on a flat image", got)
	}
	// One whole-tree root copy, boot, and two EFI copies.
	if got := fake.CountOf("CopyTree"); got != 4 {
		t.Errorf("CopyTree called %d times, want 4: %v", got, fake.OperationNames())
	}
}

func TestRunExecuteStopsOnPhaseFailure(t *testing.T) {
	fake := hal.NewFake()
	fake.FailWith("FormatVfat", hal.NewCommandFailedError("mkfs.vfat", 1, "device busy"))

	runner := NewRunner(fake, nil)
	armed := armTestConfig(t, testConfig(t, false))

	err := runner.RunExecute(context.Background(), armed)
	if err == nil {
		t.Fatal("expected format failure to propagate")
	}
	if hal.KindOf(err) != hal.KindCommandFailed {
		t.Errorf("error kind = %q", hal.KindOf(err))
	}
	// Partitioning ran, nothing after formatting did.
	if got := fake.CountOf("Parted"); got != 7 {
		t.Errorf("Parted called %d times before the failure", got)
	}
	for _, op := range []string{"FormatExt4", "LosetupAttach", "CopyTree", "Sync"} {
		if got := fake.CountOf(op); got != 0 {
			t.Errorf("%s called %d times after the failure", op, got)
		}
	}
}

func TestRunExecuteCancelled(t *testing.T) {
	fake := hal.NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(fake, nil)
	armed := armTestConfig(t, testConfig(t, false))

	err := runner.RunExecute(ctx, armed)
	if err == nil {
		t.Fatal("expected cancellation")
	}
	if hal.KindOf(err) != hal.KindCancelled {
		t.Errorf("error kind = %q, want cancelled", hal.KindOf(err))
	}
	if got := fake.CountOf("Parted"); got != 0 {
		t.Errorf("Parted called %d times after cancellation", got)
	}
}

func TestRunExecuteRefusesBusyDisk(t *testing.T) {
	fake := hal.NewFake()
	fake.SetOutput("LsblkMountpoints", "/mnt/stick\n")

	runner := NewRunner(fake, nil)
	armed := armTestConfig(t, testConfig(t, false))

	err := runner.RunExecute(context.Background(), armed)
	if err == nil {
		t.Fatal("expected busy-disk refusal")
	}
	if hal.KindOf(err) != hal.KindDiskBusy {
		t.Errorf("error kind = %q, want disk_busy", hal.KindOf(err))
	}
	if got := fake.CountOf("WipefsAll"); got != 0 {
		t.Errorf("disk wiped despite mounted partition")
	}
}

func TestRunExecuteAutoUnmountsBusyDisk(t *testing.T) {
	fake := hal.NewFake()
	fake.SetOutput("LsblkMountpoints", "/mnt/stick\n")

	runner := NewRunner(fake, nil)
	cfg := testConfig(t, false)
	cfg.AutoUnmount = true
	armed := armTestConfig(t, cfg)

	if err := runner.RunExecute(context.Background(), armed); err != nil {
		t.Fatal(err)
	}
	if got := fake.CountOf("UnmountRecursive"); got == 0 {
		t.Error("mounted partition not released")
	}
	if got := fake.CountOf("WipefsAll"); got != 1 {
		t.Errorf("WipefsAll called %d times", got)
	}
}

func TestRunExecuteDecompressesXZImage(t *testing.T) {
	fake := hal.NewFake()

	cfg := testConfig(t, false)
	// Replace the raw image with a compressed one that has no
	// decompressed sibling.
	compressed := filepath.Join(t.TempDir(), "os.raw.xz")
	if err := os.WriteFile(compressed, []byte("xz-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Image = compressed

	runner := NewRunner(fake, nil)
	armed := armTestConfig(t, cfg)

	if err := runner.RunExecute(context.Background(), armed); err != nil {
		t.Fatal(err)
	}
	if got := fake.CountOf("FlashRawImage"); got != 1 {
		t.Errorf("FlashRawImage called %d times, want 1", got)
	}
}

func TestRunExecuteWritesReport(t *testing.T) {
	fake := hal.NewFake()
	reportDir := t.TempDir()
	runner := NewRunner(fake, nil).WithReportDir(reportDir)
	armed := armTestConfig(t, testConfig(t, false))

	if err := runner.RunExecute(context.Background(), armed); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(reportDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("report files = %d, want 1", len(entries))
	}
}

func TestBootConfigPhasesOnFlatRoot(t *testing.T) {
	fake := hal.NewFake()
	workDir := t.TempDir()
	fc := newContext(context.Background(), fake, testConfig(t, false), workDir, nil, nil)
	mounts := newMountPoints(workDir)
	if err := mounts.createAll(); err != nil {
		t.Fatal(err)
	}

	// BLS entry and firstboot unit as the copy phases leave them on a
	// flat image.
	entriesDir := filepath.Join(mounts.dstBoot, "loader", "entries")
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(entriesDir, "fedora.conf"), []byte("options root=UUID=old ro\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	unitDir := filepath.Join(mounts.dstRootTop, "usr", "lib", "systemd", "system")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(unitDir, "initial-setup.service"), []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := NewRunner(fake, nil)
	flat := subvolPresence{}
	if err := runner.uefiConfigPhase(fc, mounts, flat); err != nil {
		t.Fatal(err)
	}
	if err := runner.fstabPhase(fc, mounts, flat); err != nil {
		t.Fatal(err)
	}

	fstab, err := os.ReadFile(filepath.Join(mounts.dstRootTop, "etc", "fstab"))
	if err != nil {
		t.Fatalf("fstab not written to the mounted root: %v", err)
	}
	if strings.Contains(string(fstab), "subvol=") {
		t.Errorf("fstab mounts a subvolume on a flat image:\n%s", fstab)
	}

	bls, err := os.ReadFile(filepath.Join(entriesDir, "fedora.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(bls), "rootflags") {
		t.Errorf("BLS entry passes rootflags on a flat image:\n%s", bls)
	}
	if !strings.Contains(string(bls), "root=UUID=0000-FAKE rw") {
		t.Errorf("BLS options line not rewritten:\n%s", bls)
	}

	// First-boot setup must land on the mounted root, not the unused
	// subvolume mountpoint.
	link := filepath.Join(mounts.dstRootTop, "etc", "systemd", "system", "multi-user.target.wants", "initial-setup.service")
	if _, err := os.Lstat(link); err != nil {
		t.Errorf("initial-setup not enabled on the mounted root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mounts.dstRootSubvol, "etc")); !os.IsNotExist(err) {
		t.Error("boot configuration written under the unused subvolume mountpoint")
	}
}
