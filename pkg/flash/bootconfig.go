package flash

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sdburn/sdburn/pkg/hal"
)

// piConfigTxt boots the Pi 4 into UEFI firmware instead of the kernel
// directly. armstub must match the staged firmware file name.
const piConfigTxt = `# Pi4 UEFI boot config
arm_64bit=1
enable_uart=1
enable_gic=1
armstub=RPI_EFI.fd
disable_commandline_tags=2

[pi4]
dtoverlay=upstream-pi4

[all]
`

// writeConfigTxt places the firmware boot config on the EFI partition.
func writeConfigTxt(efiMount string) error {
	path := filepath.Join(efiMount, "config.txt")
	if err := os.WriteFile(path, []byte(piConfigTxt), 0o644); err != nil {
		return hal.NewIoError("write config.txt", err)
	}
	return nil
}

// writeGrubStub writes a minimal grub.cfg on the EFI partition that
// chains to the real config on the boot partition, found by UUID.
func writeGrubStub(efiMount, bootUUID string) error {
	grubDir := filepath.Join(efiMount, "EFI", "fedora")
	if err := os.MkdirAll(grubDir, 0o755); err != nil {
		return hal.NewIoError("create grub directory", err)
	}
	stub := fmt.Sprintf("search --no-floppy --fs-uuid --set=dev %s\nset prefix=($dev)/grub2\nconfigfile $prefix/grub.cfg\n", bootUUID)
	if err := os.WriteFile(filepath.Join(grubDir, "grub.cfg"), []byte(stub), 0o644); err != nil {
		return hal.NewIoError("write grub stub", err)
	}
	return nil
}

// patchBLSEntries rewrites the options line of every boot-loader-spec
// entry to point at the new root partition. A missing entries directory
// is not an error; not every image ships BLS.
func patchBLSEntries(entriesDir, rootUUID string, rootSubvol bool) error {
	if _, err := os.Stat(entriesDir); err != nil {
		log.Warn().Str("dir", entriesDir).Msg("no BLS entries found")
		return nil
	}

	rootflags := ""
	if rootSubvol {
		rootflags = " rootflags=subvol=root"
	}
	expected := fmt.Sprintf("options root=UUID=%s%s rw rhgb quiet", rootUUID, rootflags)

	dirEntries, err := os.ReadDir(entriesDir)
	if err != nil {
		return hal.NewIoError("read BLS entries", err)
	}
	for _, entry := range dirEntries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".conf") {
			continue
		}
		path := filepath.Join(entriesDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return hal.NewIoError("read BLS entry", err)
		}
		lines := strings.Split(string(content), "\n")
		for i, line := range lines {
			if strings.HasPrefix(line, "options ") {
				lines[i] = expected
			}
		}
		out := strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
		if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
			return hal.NewIoError("write BLS entry", err)
		}
		log.Info().Str("entry", path).Msg("patched BLS entry")
	}
	return nil
}

// subvolPresence records which btrfs subvolumes the source image carries.
type subvolPresence struct {
	hasRoot bool
	hasHome bool
	hasVar  bool
}

// generateFstab writes /etc/fstab on the target root with UUID-based
// entries for every partition and present subvolume.
func generateFstab(targetRoot string, uuids partitionUUIDs, subvols subvolPresence) error {
	rootOpts := "compress=zstd:1,defaults,noatime"
	if subvols.hasRoot {
		rootOpts = "subvol=root," + rootOpts
	}

	var b strings.Builder
	b.WriteString("# /etc/fstab\n")
	fmt.Fprintf(&b, "UUID=%s  /         btrfs  %s  0 0\n", uuids.root, rootOpts)
	if subvols.hasHome {
		fmt.Fprintf(&b, "UUID=%s  /home     btrfs  subvol=home,compress=zstd:1,defaults,noatime  0 0\n", uuids.root)
	}
	if subvols.hasVar {
		fmt.Fprintf(&b, "UUID=%s  /var      btrfs  subvol=var,compress=zstd:1,defaults,noatime   0 0\n", uuids.root)
	}
	fmt.Fprintf(&b, "UUID=%s  /boot     ext4   defaults,noatime  0 2\n", uuids.boot)
	fmt.Fprintf(&b, "UUID=%s   /boot/efi vfat   umask=0077,shortname=winnt  0 2\n", uuids.efi)
	if uuids.data != "" {
		fmt.Fprintf(&b, "UUID=%s  /data     btrfs  defaults,noatime  0 0\n", uuids.data)
	}

	fstabPath := filepath.Join(targetRoot, "etc", "fstab")
	if err := os.MkdirAll(filepath.Dir(fstabPath), 0o755); err != nil {
		return hal.NewIoError("create etc directory", err)
	}
	if err := os.WriteFile(fstabPath, []byte(b.String()), 0o644); err != nil {
		return hal.NewIoError("write fstab", err)
	}
	log.Info().Str("path", fstabPath).Msg("wrote fstab")
	return nil
}

// partitionUUIDs holds blkid results for the four target partitions.
type partitionUUIDs struct {
	efi  string
	boot string
	root string
	data string
}

// enableService links a unit into the given wants directory of the
// target root, mirroring systemctl enable without running systemd.
func enableService(targetRoot, service, wantsTarget string) error {
	unit := filepath.Join(targetRoot, "usr", "lib", "systemd", "system", service)
	if _, err := os.Stat(unit); err != nil {
		return nil
	}
	wantsDir := filepath.Join(targetRoot, "etc", "systemd", "system", wantsTarget)
	if err := os.MkdirAll(wantsDir, 0o755); err != nil {
		return hal.NewIoError("create wants directory", err)
	}
	link := filepath.Join(wantsDir, service)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.Symlink("/usr/lib/systemd/system/"+service, link); err != nil {
		return hal.NewIoError("link service "+service, err)
	}
	return nil
}

// enableFirstBootSetup flips RUN_FIRSTBOOT and enables the initial-setup
// units so the installed system asks for a user on first boot.
func enableFirstBootSetup(targetRoot string) error {
	sysconfig := filepath.Join(targetRoot, "etc", "sysconfig", "initial-setup")
	if content, err := os.ReadFile(sysconfig); err == nil {
		lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
		found := false
		for i, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "RUN_FIRSTBOOT=") {
				lines[i] = "RUN_FIRSTBOOT=YES"
				found = true
			}
		}
		if !found {
			lines = append(lines, "RUN_FIRSTBOOT=YES")
		}
		if err := os.WriteFile(sysconfig, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			return hal.NewIoError("write initial-setup config", err)
		}
	}

	if err := enableService(targetRoot, "initial-setup.service", "multi-user.target.wants"); err != nil {
		return err
	}
	if err := enableService(targetRoot, "initial-setup-graphical.service", "graphical.target.wants"); err != nil {
		return err
	}
	return disableAutologin(targetRoot)
}

// disableAutologin comments out GDM autologin so first boot lands on
// the initial-setup flow instead of a stale baked-in account. Images
// without GDM are left alone.
func disableAutologin(targetRoot string) error {
	conf := filepath.Join(targetRoot, "etc", "gdm", "custom.conf")
	content, err := os.ReadFile(conf)
	if err != nil {
		return nil
	}
	lines := strings.Split(string(content), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "AutomaticLogin") || strings.HasPrefix(trimmed, "TimedLogin") {
			lines[i] = "#" + line
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := os.WriteFile(conf, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return hal.NewIoError("write gdm config", err)
	}
	log.Info().Str("path", conf).Msg("disabled autologin")
	return nil
}

// resumeUnitContent is the one-shot unit that re-runs the installer on
// the next boot of the host to finish an interrupted install. The
// condition keeps it inert once the state file is cleaned up.
const resumeUnitContent = `[Unit]
Description=Resume interrupted sdburn installation
ConditionPathExists=%s

[Service]
Type=oneshot
ExecStart=%s

[Install]
WantedBy=multi-user.target
`

// installResumeUnit renders the resume unit against the state file path
// and best-effort enables it. Enable failures are logged; the unit file
// itself must be written.
func installResumeUnit(unitDir, statePath, execStart string) error {
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return hal.NewIoError("create unit directory", err)
	}
	unitPath := filepath.Join(unitDir, "sdburn-resume.service")
	content := fmt.Sprintf(resumeUnitContent, statePath, execStart)
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		return hal.NewIoError("write resume unit", err)
	}

	wantsDir := filepath.Join(unitDir, "multi-user.target.wants")
	if err := os.MkdirAll(wantsDir, 0o755); err != nil {
		log.Warn().Err(err).Msg("resume unit enable skipped")
		return nil
	}
	link := filepath.Join(wantsDir, "sdburn-resume.service")
	if _, err := os.Lstat(link); err != nil {
		if err := os.Symlink(unitPath, link); err != nil {
			log.Warn().Err(err).Msg("resume unit enable skipped")
		}
	}
	return nil
}
