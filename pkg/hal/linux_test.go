package hal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCommandOutputKillsOverdueProcess(t *testing.T) {
	h := NewLinux()

	started := time.Now()
	_, err := h.CommandOutput(context.Background(), "sleep", []string{"5"}, "", 50*time.Millisecond)
	elapsed := time.Since(started)

	if err == nil {
		t.Fatal("overdue command did not fail")
	}
	if KindOf(err) != KindCommandTimeout {
		t.Errorf("error kind = %q, want %q: %v", KindOf(err), KindCommandTimeout, err)
	}
	// The child must be killed at the deadline, not waited out.
	if elapsed > 2*time.Second {
		t.Errorf("call returned after %v, deadline was 50ms", elapsed)
	}
}

func TestCommandOutputHonorsCallerCancellation(t *testing.T) {
	h := NewLinux()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.CommandOutput(ctx, "sleep", []string{"5"}, "", time.Minute)
	if err == nil {
		t.Fatal("cancelled command did not fail")
	}
	if KindOf(err) != KindCancelled {
		t.Errorf("error kind = %q, want %q: %v", KindOf(err), KindCancelled, err)
	}
}

func TestCommandStatusReportsExitCode(t *testing.T) {
	h := NewLinux()

	err := h.CommandStatus(context.Background(), "sh", []string{"-c", "echo oops >&2; exit 3"}, "", time.Minute)
	if KindOf(err) != KindCommandFailed {
		t.Fatalf("error kind = %q, want %q: %v", KindOf(err), KindCommandFailed, err)
	}
	var halErr *Error
	if !errors.As(err, &halErr) {
		t.Fatalf("error %T is not *Error", err)
	}
	if halErr.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", halErr.ExitCode)
	}
	if halErr.Stderr != "oops" {
		t.Errorf("stderr = %q, want %q", halErr.Stderr, "oops")
	}

	if err := h.CommandStatus(context.Background(), "true", nil, "", time.Minute); err != nil {
		t.Errorf("zero exit reported as failure: %v", err)
	}
}

func TestCommandOutputMissingProgram(t *testing.T) {
	h := NewLinux()

	_, err := h.CommandOutput(context.Background(), "sdburn-no-such-binary", nil, "", time.Minute)
	if KindOf(err) != KindCommandNotFound {
		t.Errorf("error kind = %q, want %q: %v", KindOf(err), KindCommandNotFound, err)
	}
}
