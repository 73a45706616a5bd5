package flash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateFstab(t *testing.T) {
	uuids := partitionUUIDs{
		efi:  "1234-ABCD",
		boot: "boot-uuid",
		root: "root-uuid",
		data: "data-uuid",
	}

	tests := []struct {
		name    string
		subvols subvolPresence
		uuids   partitionUUIDs
		want    []string
		absent  []string
	}{
		{
			name:    "full layout",
			subvols: subvolPresence{hasRoot: true, hasHome: true, hasVar: true},
			uuids:   uuids,
			want: []string{
				"UUID=root-uuid  /         btrfs  subvol=root",
				"UUID=root-uuid  /home     btrfs  subvol=home",
				"UUID=root-uuid  /var      btrfs  subvol=var",
				"UUID=boot-uuid  /boot     ext4",
				"UUID=1234-ABCD   /boot/efi vfat",
				"UUID=data-uuid  /data     btrfs",
			},
		},
		{
			name:    "root subvolume only",
			subvols: subvolPresence{hasRoot: true},
			uuids:   partitionUUIDs{efi: "1234-ABCD", boot: "boot-uuid", root: "root-uuid"},
			want: []string{
				"UUID=root-uuid  /         btrfs  subvol=root",
				"UUID=boot-uuid  /boot     ext4",
			},
			absent: []string{"/home", "/var ", "/data"},
		},
		{
			name:    "flat image without subvolumes",
			subvols: subvolPresence{},
			uuids:   partitionUUIDs{efi: "1234-ABCD", boot: "boot-uuid", root: "root-uuid"},
			want: []string{
				"UUID=root-uuid  /         btrfs  compress=zstd:1",
			},
			absent: []string{"subvol=", "/home", "/var ", "/data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if err := generateFstab(root, tt.uuids, tt.subvols); err != nil {
				t.Fatal(err)
			}
			content, err := os.ReadFile(filepath.Join(root, "etc", "fstab"))
			if err != nil {
				t.Fatal(err)
			}
			text := string(content)
			for _, want := range tt.want {
				if !strings.Contains(text, want) {
					t.Errorf("fstab missing %q:\n%s", want, text)
				}
			}
			for _, absent := range tt.absent {
				if strings.Contains(text, absent) {
					t.Errorf("fstab unexpectedly contains %q:\n%s", absent, text)
				}
			}
		})
	}
}

func TestPatchBLSEntries(t *testing.T) {
	entriesDir := filepath.Join(t.TempDir(), "loader", "entries")
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	entry := filepath.Join(entriesDir, "fedora.conf")
	original := "title Fedora\nlinux /vmlinuz\noptions root=UUID=old-uuid ro\n"
	if err := os.WriteFile(entry, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-conf files must be left alone.
	readme := filepath.Join(entriesDir, "README")
	if err := os.WriteFile(readme, []byte("options untouched\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := patchBLSEntries(entriesDir, "new-uuid", true); err != nil {
		t.Fatal(err)
	}

	patched, err := os.ReadFile(entry)
	if err != nil {
		t.Fatal(err)
	}
	text := string(patched)
	if !strings.Contains(text, "options root=UUID=new-uuid rootflags=subvol=root rw rhgb quiet") {
		t.Errorf("options line not rewritten:\n%s", text)
	}
	if strings.Contains(text, "old-uuid") {
		t.Errorf("old root UUID survived:\n%s", text)
	}
	if !strings.Contains(text, "title Fedora") || !strings.Contains(text, "linux /vmlinuz") {
		t.Errorf("unrelated lines damaged:\n%s", text)
	}

	untouched, err := os.ReadFile(readme)
	if err != nil {
		t.Fatal(err)
	}
	if string(untouched) != "options untouched\n" {
		t.Errorf("non-conf file modified: %q", untouched)
	}
}

func TestPatchBLSEntriesFlatRoot(t *testing.T) {
	entriesDir := filepath.Join(t.TempDir(), "loader", "entries")
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	entry := filepath.Join(entriesDir, "fedora.conf")
	if err := os.WriteFile(entry, []byte("options root=UUID=old-uuid ro\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := patchBLSEntries(entriesDir, "new-uuid", false); err != nil {
		t.Fatal(err)
	}

	patched, err := os.ReadFile(entry)
	if err != nil {
		t.Fatal(err)
	}
	text := string(patched)
	if !strings.Contains(text, "options root=UUID=new-uuid rw rhgb quiet") {
		t.Errorf("options line not rewritten:\n%s", text)
	}
	// A flat btrfs root has no subvolume to pass to the kernel.
	if strings.Contains(text, "rootflags") {
		t.Errorf("rootflags emitted for a flat root:\n%s", text)
	}
}

func TestPatchBLSEntriesMissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no", "entries")
	if err := patchBLSEntries(missing, "uuid", true); err != nil {
		t.Fatalf("missing entries dir must not fail: %v", err)
	}
}

func TestWriteGrubStub(t *testing.T) {
	efi := t.TempDir()
	if err := writeGrubStub(efi, "boot-uuid"); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(efi, "EFI", "fedora", "grub.cfg"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)
	if !strings.Contains(text, "--fs-uuid --set=dev boot-uuid") {
		t.Errorf("stub does not search by boot UUID:\n%s", text)
	}
	if !strings.Contains(text, "configfile $prefix/grub.cfg") {
		t.Errorf("stub does not chain to the real config:\n%s", text)
	}
}

func TestWriteConfigTxt(t *testing.T) {
	efi := t.TempDir()
	if err := writeConfigTxt(efi); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(efi, "config.txt"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)
	for _, want := range []string{"armstub=RPI_EFI.fd", "arm_64bit=1", "[pi4]"} {
		if !strings.Contains(text, want) {
			t.Errorf("config.txt missing %q", want)
		}
	}
}

func TestEnableFirstBootSetup(t *testing.T) {
	root := t.TempDir()
	sysconfigDir := filepath.Join(root, "etc", "sysconfig")
	if err := os.MkdirAll(sysconfigDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sysconfigDir, "initial-setup"),
		[]byte("# firstboot\nRUN_FIRSTBOOT=NO\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	unitDir := filepath.Join(root, "usr", "lib", "systemd", "system")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(unitDir, "initial-setup.service"), []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := enableFirstBootSetup(root); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(filepath.Join(sysconfigDir, "initial-setup"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "RUN_FIRSTBOOT=YES") {
		t.Errorf("RUN_FIRSTBOOT not flipped: %q", content)
	}
	if strings.Contains(string(content), "RUN_FIRSTBOOT=NO") {
		t.Errorf("old RUN_FIRSTBOOT value survived: %q", content)
	}

	link := filepath.Join(root, "etc", "systemd", "system", "multi-user.target.wants", "initial-setup.service")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("service not enabled: %v", err)
	}
	if target != "/usr/lib/systemd/system/initial-setup.service" {
		t.Errorf("wants link target = %q", target)
	}

	// The graphical variant does not exist in the image; no link expected.
	graphical := filepath.Join(root, "etc", "systemd", "system", "graphical.target.wants", "initial-setup-graphical.service")
	if _, err := os.Lstat(graphical); err == nil {
		t.Error("graphical service enabled despite missing unit")
	}
}

func TestInstallResumeUnit(t *testing.T) {
	unitDir := t.TempDir()
	statePath := "/var/lib/sdburn/state.json"
	execStart := "/usr/local/bin/sdburn flash --resume --image /tmp/os.raw --disk /dev/sda --uefi-dir /tmp/uefi --scheme gpt --os-family fedora"

	if err := installResumeUnit(unitDir, statePath, execStart); err != nil {
		t.Fatal(err)
	}

	unitPath := filepath.Join(unitDir, "sdburn-resume.service")
	content, err := os.ReadFile(unitPath)
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)
	if !strings.Contains(text, "ConditionPathExists="+statePath) {
		t.Errorf("unit missing state condition:\n%s", text)
	}
	if !strings.Contains(text, "ExecStart="+execStart) {
		t.Errorf("unit missing exec line:\n%s", text)
	}
	if !strings.Contains(text, "Type=oneshot") {
		t.Errorf("unit not oneshot:\n%s", text)
	}

	link := filepath.Join(unitDir, "multi-user.target.wants", "sdburn-resume.service")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("resume unit not enabled: %v", err)
	}
	if target != unitPath {
		t.Errorf("wants link target = %q, want %q", target, unitPath)
	}
}

func TestDisableAutologin(t *testing.T) {
	root := t.TempDir()
	gdmDir := filepath.Join(root, "etc", "gdm")
	if err := os.MkdirAll(gdmDir, 0o755); err != nil {
		t.Fatal(err)
	}
	conf := filepath.Join(gdmDir, "custom.conf")
	original := "[daemon]\nAutomaticLoginEnable=True\nAutomaticLogin=builder\nTimedLoginEnable=True\nWaylandEnable=false\n"
	if err := os.WriteFile(conf, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := disableAutologin(root); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(conf)
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)
	for _, want := range []string{"#AutomaticLoginEnable=True", "#AutomaticLogin=builder", "#TimedLoginEnable=True"} {
		if !strings.Contains(text, want) {
			t.Errorf("autologin line not commented out:\n%s", text)
		}
	}
	if !strings.Contains(text, "WaylandEnable=false") || strings.Contains(text, "#WaylandEnable") {
		t.Errorf("unrelated setting touched:\n%s", text)
	}
}

func TestDisableAutologinWithoutGDM(t *testing.T) {
	if err := disableAutologin(t.TempDir()); err != nil {
		t.Fatalf("image without GDM must be left alone: %v", err)
	}
}
