package flash

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/sdburn/sdburn/pkg/hal"
)

const (
	defaultMinRAMMiB      = 4096
	defaultMinWorkDiskGiB = 16
	networkTimeout        = 3 * time.Second
)

// PreflightConfig bounds the environment checks run before any
// destructive stage.
type PreflightConfig struct {
	MinRAMMiB        uint64
	MinWorkDiskGiB   uint64
	MinTargetDiskGiB uint64

	// WorkDiskPath is the filesystem checked for scratch space.
	WorkDiskPath string

	// TargetDisk, when set, is checked for presence and size.
	TargetDisk string

	// NetworkEndpoint is "host:port"; empty skips the network check.
	NetworkEndpoint string

	// RequiredBinaries must all resolve on PATH. Empty means no binary
	// requirements.
	RequiredBinaries []string
}

// DefaultPreflightConfig covers a local flash: no network needed, the
// standard tool set present.
func DefaultPreflightConfig(targetDisk string) PreflightConfig {
	return PreflightConfig{
		MinRAMMiB:        defaultMinRAMMiB,
		MinWorkDiskGiB:   defaultMinWorkDiskGiB,
		MinTargetDiskGiB: defaultMinWorkDiskGiB,
		WorkDiskPath:     "/tmp",
		TargetDisk:       targetDisk,
		RequiredBinaries: []string{
			"parted", "wipefs", "losetup", "blkid", "lsblk",
			"mkfs.vfat", "mkfs.ext4", "mkfs.btrfs", "btrfs",
		},
	}
}

// RunPreflight checks the host against cfg, failing on the first
// violation with a validation error naming it.
func RunPreflight(sys hal.HostInfoOps, cfg PreflightConfig) error {
	log.Info().Msg("preflight checks")

	if err := checkRAM(sys, cfg.MinRAMMiB); err != nil {
		return err
	}
	if cfg.WorkDiskPath != "" {
		if err := checkWorkDiskSpace(cfg.WorkDiskPath, cfg.MinWorkDiskGiB); err != nil {
			return err
		}
	}
	if cfg.TargetDisk != "" {
		if err := checkTargetDisk(cfg.TargetDisk, cfg.MinTargetDiskGiB); err != nil {
			return err
		}
	}
	if cfg.NetworkEndpoint != "" {
		if err := checkNetwork(cfg.NetworkEndpoint); err != nil {
			return err
		}
	}
	if err := checkBinaries(cfg.RequiredBinaries); err != nil {
		return err
	}

	log.Info().Msg("preflight complete")
	return nil
}

func checkRAM(sys hal.HostInfoOps, minMiB uint64) error {
	if minMiB == 0 {
		return nil
	}
	content, err := sys.ProcMeminfo()
	if err != nil {
		return err
	}
	availableKiB, ok := parseMemAvailableKiB(content)
	if !ok {
		return hal.NewParseError("meminfo", fmt.Errorf("MemAvailable not found"))
	}
	availableMiB := availableKiB / 1024
	if availableMiB < minMiB {
		return hal.NewValidationError("insufficient RAM: %d MiB available (%d MiB required)", availableMiB, minMiB)
	}
	return nil
}

// parseMemAvailableKiB extracts the MemAvailable value from meminfo
// content, falling back to MemFree when absent.
func parseMemAvailableKiB(content string) (uint64, bool) {
	var fallback uint64
	var haveFallback bool
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemAvailable:":
			return value, true
		case "MemFree:":
			fallback, haveFallback = value, true
		}
	}
	return fallback, haveFallback
}

func checkWorkDiskSpace(path string, minGiB uint64) error {
	if minGiB == 0 {
		return nil
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return hal.NewIoError("statfs "+path, err)
	}
	availableGiB := stat.Bavail * uint64(stat.Bsize) / (1 << 30)
	if availableGiB < minGiB {
		return hal.NewValidationError("insufficient disk space on %s: %d GiB available (%d GiB required)", path, availableGiB, minGiB)
	}
	return nil
}

// checkTargetDisk verifies the target exists and, when the kernel
// exposes its size, that it is large enough. Targets without a sysfs
// size entry (regular files, partitions) only get the presence check.
func checkTargetDisk(disk string, minGiB uint64) error {
	if _, err := os.Stat(disk); err != nil {
		return hal.NewValidationError("target disk not found: %s", disk)
	}
	if minGiB == 0 {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join("/sys/block", filepath.Base(disk), "size"))
	if err != nil {
		return nil
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return hal.NewParseError("sysfs disk size", err)
	}
	sizeGiB := sectors * 512 / (1 << 30)
	if sizeGiB < minGiB {
		return hal.NewValidationError("target disk %s too small: %d GiB (%d GiB required)", disk, sizeGiB, minGiB)
	}
	return nil
}

func checkNetwork(endpoint string) error {
	conn, err := net.DialTimeout("tcp", endpoint, networkTimeout)
	if err != nil {
		return hal.NewValidationError("network endpoint %s unreachable: %v", endpoint, err)
	}
	_ = conn.Close()
	return nil
}

func checkBinaries(binaries []string) error {
	for _, binary := range binaries {
		if _, err := exec.LookPath(binary); err != nil {
			return hal.NewCommandNotFoundError(binary)
		}
	}
	return nil
}
