// Package hal abstracts every system-touching operation the installer
// performs (mount, format, partition, loop devices, process execution,
// tree copies) behind narrow interfaces with exactly two implementations:
// Linux, which executes real commands and syscalls, and Fake, which records
// every call for deterministic tests.
package hal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a capability-layer failure.
type ErrorKind string

const (
	// KindSafetyLock indicates a destructive operation was attempted
	// without an explicit confirmation flag.
	KindSafetyLock ErrorKind = "safety_lock"

	// KindDiskBusy indicates the target device or mount point is in use.
	KindDiskBusy ErrorKind = "disk_busy"

	// KindPermissionDenied indicates the process lacks the privilege for
	// the requested operation.
	KindPermissionDenied ErrorKind = "permission_denied"

	// KindValidationFailed indicates the inputs failed a structural or
	// existence check before any side effect was attempted.
	KindValidationFailed ErrorKind = "validation_failed"

	// KindCommandNotFound indicates the external program is not installed.
	KindCommandNotFound ErrorKind = "command_not_found"

	// KindCommandFailed indicates the external program exited non-zero.
	KindCommandFailed ErrorKind = "command_failed"

	// KindCommandTimeout indicates the external program exceeded its
	// deadline and was killed.
	KindCommandTimeout ErrorKind = "command_timeout"

	// KindIo indicates an underlying filesystem or I/O failure.
	KindIo ErrorKind = "io"

	// KindParse indicates unparseable output from an external program.
	KindParse ErrorKind = "parse"

	// KindCancelled indicates the operation was aborted cooperatively.
	KindCancelled ErrorKind = "cancelled"

	// KindOther covers failures outside the taxonomy.
	KindOther ErrorKind = "other"
)

// Error is a classified capability-layer error.
type Error struct {
	// Kind is the taxonomy classification.
	Kind ErrorKind

	// Message is the human-readable description.
	Message string

	// Program is the external program involved, if any.
	Program string

	// ExitCode is the program's exit code (-1 when unknown).
	ExitCode int

	// Stderr is the captured standard error, trimmed.
	Stderr string

	// TimeoutSecs is the enforced deadline for timeout errors.
	TimeoutSecs int64

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindSafetyLock:
		return "safety lock engaged: destructive operation requires explicit confirmation"
	case KindCommandFailed:
		return fmt.Sprintf("command failed: %s (exit=%d): %s", e.Program, e.ExitCode, e.Stderr)
	case KindCommandTimeout:
		return fmt.Sprintf("command timed out: %s after %ds", e.Program, e.TimeoutSecs)
	case KindCommandNotFound:
		return fmt.Sprintf("command not found: %s", e.Program)
	}
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Kind, e.Err)
		}
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s [%s]", e.Message, e.Kind)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so callers can compare against
// the sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is checks. Only Kind participates in matching.
var (
	ErrSafetyLock       = &Error{Kind: KindSafetyLock}
	ErrDiskBusy         = &Error{Kind: KindDiskBusy}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrValidationFailed = &Error{Kind: KindValidationFailed}
	ErrCommandNotFound  = &Error{Kind: KindCommandNotFound}
	ErrCommandFailed    = &Error{Kind: KindCommandFailed}
	ErrCommandTimeout   = &Error{Kind: KindCommandTimeout}
	ErrCancelled        = &Error{Kind: KindCancelled}
)

// KindOf returns the taxonomy kind for err, or KindOther for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// NewSafetyLockError reports a destructive call without confirmation.
func NewSafetyLockError() *Error {
	return &Error{Kind: KindSafetyLock}
}

// NewDiskBusyError reports a device or mount point in use.
func NewDiskBusyError(message string) *Error {
	return &Error{Kind: KindDiskBusy, Message: message}
}

// NewValidationError reports a failed precondition check.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidationFailed, Message: fmt.Sprintf(format, args...)}
}

// NewCommandFailedError reports a non-zero exit from an external program.
func NewCommandFailedError(program string, exitCode int, stderr string) *Error {
	return &Error{Kind: KindCommandFailed, Program: program, ExitCode: exitCode, Stderr: stderr}
}

// NewCommandTimeoutError reports a killed, overdue external program.
func NewCommandTimeoutError(program string, timeoutSecs int64) *Error {
	return &Error{Kind: KindCommandTimeout, Program: program, TimeoutSecs: timeoutSecs}
}

// NewCommandNotFoundError reports a missing external program.
func NewCommandNotFoundError(program string) *Error {
	return &Error{Kind: KindCommandNotFound, Program: program}
}

// NewIoError wraps an underlying I/O failure.
func NewIoError(message string, err error) *Error {
	return &Error{Kind: KindIo, Message: message, Err: err}
}

// NewParseError reports unparseable external output.
func NewParseError(message string, err error) *Error {
	return &Error{Kind: KindParse, Message: message, Err: err}
}

// NewCancelledError reports a cooperative abort.
func NewCancelledError(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message}
}

// NewOtherError wraps a failure outside the taxonomy.
func NewOtherError(message string, err error) *Error {
	return &Error{Kind: KindOther, Message: message, Err: err}
}
