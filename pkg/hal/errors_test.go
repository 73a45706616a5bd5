package hal

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"safety lock", NewSafetyLockError(), ErrSafetyLock},
		{"disk busy", NewDiskBusyError("sdb in use"), ErrDiskBusy},
		{"validation", NewValidationError("bad disk %q", "sdz"), ErrValidationFailed},
		{"command not found", NewCommandNotFoundError("parted"), ErrCommandNotFound},
		{"command failed", NewCommandFailedError("mkfs.btrfs", 1, "device busy"), ErrCommandFailed},
		{"command timeout", NewCommandTimeoutError("parted", 300), ErrCommandTimeout},
		{"cancelled", NewCancelledError("interrupted"), ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", tt.err)
			}
		})
	}
}

func TestErrorKindsAreDistinct(t *testing.T) {
	if errors.Is(NewDiskBusyError("x"), ErrSafetyLock) {
		t.Error("disk-busy error matched safety-lock sentinel")
	}
	if errors.Is(NewCommandFailedError("x", 1, ""), ErrCommandTimeout) {
		t.Error("command-failed error matched timeout sentinel")
	}
}

func TestCommandFailedErrorDetail(t *testing.T) {
	err := NewCommandFailedError("mkfs.vfat", 2, "mkfs.fat: unable to open /dev/sdb1")
	msg := err.Error()
	for _, want := range []string{"mkfs.vfat", "2", "unable to open"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := NewIoError("read state", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable through errors.Is")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewCommandTimeoutError("sync", 60)); got != KindCommandTimeout {
		t.Errorf("KindOf = %q, want %q", got, KindCommandTimeout)
	}
	if got := KindOf(fmt.Errorf("plain")); got != KindOther {
		t.Errorf("KindOf(plain) = %q, want %q", got, KindOther)
	}
	if got := KindOf(fmt.Errorf("wrapped: %w", NewDiskBusyError("busy"))); got != KindDiskBusy {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindDiskBusy)
	}
}
