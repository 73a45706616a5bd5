package flash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sdburn/sdburn/pkg/hal"
)

// testConfig builds a config whose image, firmware and disk paths all
// exist, so only the aspects a test perturbs can fail validation.
func testConfig(t *testing.T, dryRun bool) FlashConfig {
	t.Helper()
	dir := t.TempDir()

	image := filepath.Join(dir, "os.raw")
	if err := os.WriteFile(image, []byte("image-content"), 0o644); err != nil {
		t.Fatal(err)
	}
	uefi := filepath.Join(dir, "uefi")
	if err := os.MkdirAll(uefi, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(uefi, "RPI_EFI.fd"), []byte("firmware"), 0o644); err != nil {
		t.Fatal(err)
	}
	disk := filepath.Join(dir, "disk")
	if err := os.WriteFile(disk, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Image = image
	cfg.Disk = disk
	cfg.UefiDir = uefi
	cfg.DryRun = dryRun
	return cfg
}

func TestParseScheme(t *testing.T) {
	tests := []struct {
		in      string
		want    PartitionScheme
		wantErr bool
	}{
		{in: "gpt", want: SchemeGPT},
		{in: "GPT", want: SchemeGPT},
		{in: "mbr", want: SchemeMBR},
		{in: "msdos", want: SchemeMBR},
		{in: "bsd", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseScheme(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseScheme(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseScheme(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseScheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseSizeToMiB(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "512MiB", want: 512},
		{in: "1024mib", want: 1024},
		{in: "2GiB", want: 2048},
		{in: " 1GiB ", want: 1024},
		{in: "90%", wantErr: true},
		{in: "512MB", wantErr: true},
		{in: "xMiB", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseSizeToMiB(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSizeToMiB(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSizeToMiB(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSizeToMiB(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	valid := testConfig(t, true)
	if err := valid.ValidateConfig(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*FlashConfig)
	}{
		{name: "missing image", mutate: func(c *FlashConfig) { c.Image = filepath.Join(t.TempDir(), "nope.raw") }},
		{name: "empty image", mutate: func(c *FlashConfig) { c.Image = "" }},
		{name: "missing uefi", mutate: func(c *FlashConfig) { c.UefiDir = filepath.Join(t.TempDir(), "nope") }},
		{name: "uefi dir without firmware", mutate: func(c *FlashConfig) { c.UefiDir = t.TempDir() }},
		{name: "unknown family", mutate: func(c *FlashConfig) { c.OsFamily = "slackware" }},
		{name: "missing disk", mutate: func(c *FlashConfig) { c.Disk = filepath.Join(t.TempDir(), "nodisk") }},
		{name: "bad scheme", mutate: func(c *FlashConfig) { c.Scheme = "bsd" }},
		{name: "bad efi size", mutate: func(c *FlashConfig) { c.EfiSize = "lots" }},
		{name: "bad boot size", mutate: func(c *FlashConfig) { c.BootSize = "1024" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, true)
			tt.mutate(&cfg)
			err := cfg.ValidateConfig()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if hal.KindOf(err) != hal.KindValidationFailed {
				t.Errorf("error kind = %q, want validation_failed (%v)", hal.KindOf(err), err)
			}
		})
	}
}

func TestValidateConfigAcceptsFirmwareFile(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.UefiDir = filepath.Join(cfg.UefiDir, "RPI_EFI.fd")
	if err := cfg.ValidateConfig(); err != nil {
		t.Fatalf("firmware file path rejected: %v", err)
	}
}

func TestDefaultConfigLayout(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Scheme != SchemeGPT {
		t.Errorf("Scheme = %q, want gpt", cfg.Scheme)
	}
	if cfg.EfiSize != "512MiB" || cfg.BootSize != "1024MiB" || cfg.RootEnd != "90%" {
		t.Errorf("layout bounds = %s/%s/%s", cfg.EfiSize, cfg.BootSize, cfg.RootEnd)
	}
	if cfg.IsDryRun() {
		t.Error("default config must not be dry-run by itself")
	}
}
