package flash

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sdburn/sdburn/pkg/hal"
)

// PartitionScheme selects the partition table type.
type PartitionScheme string

const (
	SchemeMBR PartitionScheme = "mbr"
	SchemeGPT PartitionScheme = "gpt"
)

// ParseScheme converts a CLI string to a scheme.
func ParseScheme(s string) (PartitionScheme, error) {
	switch strings.ToLower(s) {
	case "mbr", "msdos":
		return SchemeMBR, nil
	case "gpt":
		return SchemeGPT, nil
	default:
		return "", fmt.Errorf("unknown partition scheme %q (want mbr or gpt)", s)
	}
}

// partedLabel returns the parted mklabel argument for the scheme.
func (s PartitionScheme) partedLabel() string {
	if s == SchemeMBR {
		return "msdos"
	}
	return "gpt"
}

// firmwareFileName is the UEFI firmware image the EFI partition must
// carry for the Pi to boot.
const firmwareFileName = "RPI_EFI.fd"

var validate = validator.New()

// FlashConfig is the full input of one flash run. It satisfies
// safety.Config so it can move through the validation/arming lifecycle.
type FlashConfig struct {
	// Image is the source OS image (.raw or .xz).
	Image string `validate:"required"`

	// Disk is the target device, with or without the /dev prefix.
	Disk string `validate:"required"`

	// Scheme selects mbr or gpt partition tables.
	Scheme PartitionScheme `validate:"required,oneof=mbr gpt"`

	// UefiDir is a directory holding the UEFI firmware bundle, or a
	// direct path to the firmware file.
	UefiDir string `validate:"required"`

	// OsFamily names the catalogue entry for the image ("fedora" …).
	OsFamily string `validate:"required"`

	DryRun      bool
	AutoUnmount bool

	// EfiSize, BootSize and RootEnd bound the partition layout. Sizes
	// are parted size strings ("512MiB", "2GiB"); RootEnd may be "100%".
	EfiSize  string `validate:"required"`
	BootSize string `validate:"required"`
	RootEnd  string `validate:"required"`
}

// DefaultConfig returns a config with the standard layout bounds.
func DefaultConfig() FlashConfig {
	return FlashConfig{
		Scheme:   SchemeGPT,
		OsFamily: "fedora",
		EfiSize:  "512MiB",
		BootSize: "1024MiB",
		RootEnd:  "90%",
	}
}

// IsDryRun implements safety.Config.
func (c FlashConfig) IsDryRun() bool {
	return c.DryRun
}

// ValidateConfig implements safety.Config: struct-level constraints
// first, then existence checks on everything the run will touch.
func (c FlashConfig) ValidateConfig() error {
	if err := validate.Struct(c); err != nil {
		return hal.NewValidationError("invalid flash config: %v", err)
	}

	if _, err := os.Stat(c.Image); err != nil {
		return hal.NewValidationError("image file not found: %s", c.Image)
	}

	info, err := os.Stat(c.UefiDir)
	if err != nil {
		return hal.NewValidationError("UEFI path not found: %s", c.UefiDir)
	}
	if info.IsDir() {
		firmware := filepath.Join(c.UefiDir, firmwareFileName)
		if _, err := os.Stat(firmware); err != nil {
			return hal.NewValidationError("missing required UEFI file: %s", firmware)
		}
	}

	if _, err := LookupFamily(c.OsFamily); err != nil {
		return hal.NewValidationError("%v", err)
	}

	disk := hal.NormalizeDisk(c.Disk)
	if _, err := os.Stat(disk); err != nil {
		return hal.NewValidationError("disk device not found: %s", disk)
	}

	if _, err := parseSizeToMiB(c.EfiSize); err != nil {
		return hal.NewValidationError("bad EFI size: %v", err)
	}
	if _, err := parseSizeToMiB(c.BootSize); err != nil {
		return hal.NewValidationError("bad BOOT size: %v", err)
	}

	return nil
}

// parseSizeToMiB converts "512MiB" or "2GiB" into MiB.
func parseSizeToMiB(s string) (uint64, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasSuffix(lower, "mib"):
		n, err := strconv.ParseUint(strings.TrimSuffix(lower, "mib"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid MiB size %q", s)
		}
		return n, nil
	case strings.HasSuffix(lower, "gib"):
		n, err := strconv.ParseUint(strings.TrimSuffix(lower, "gib"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid GiB size %q", s)
		}
		if n > 1<<53 {
			return 0, fmt.Errorf("size overflow %q", s)
		}
		return n * 1024, nil
	default:
		return 0, fmt.Errorf("size must end in MiB or GiB, got %q", s)
	}
}
