// Package safety encodes the validation -> arming -> executing lifecycle
// of a destructive configuration in the type system. Operations that
// format or flash a disk accept only the Armed or Executing wrapper, so
// a raw or merely-validated config cannot reach them. ExecuteArmToken
// construction is the single place all user consents are checked.
package safety

import "errors"

// SafeModeDisarmConfirmation must be typed byte-for-byte to disarm the
// interactive safe-mode lock.
const SafeModeDisarmConfirmation = "DESTROY"

// ExecuteConfirmation must be typed byte-for-byte before an execute run.
const ExecuteConfirmation = "I UNDERSTAND THIS WILL ERASE THE SELECTED DISK"

var (
	// ErrMissingAcknowledgement is returned when the explicit
	// "I know this is destructive" flag was not given.
	ErrMissingAcknowledgement = errors.New("destructive acknowledgement flag not set")

	// ErrSafeModeEngaged is returned when the safe-mode lock has not
	// been disarmed with the exact disarm phrase.
	ErrSafeModeEngaged = errors.New("safe mode is still engaged")

	// ErrMissingConfirmation is returned when the execute confirmation
	// phrase was not typed exactly.
	ErrMissingConfirmation = errors.New("execute confirmation phrase not provided")

	// ErrDryRunArm is returned when arming is attempted on a dry-run
	// config. Arming a dry-run is a programming error, not a user one.
	ErrDryRunArm = errors.New("cannot arm an execute token for a dry-run config")

	// ErrNotDryRun is returned by RequireDryRun on an execute config.
	ErrNotDryRun = errors.New("expected dry-run config")
)

// MatchesSafeModeDisarm reports whether input is the exact disarm
// phrase. Partial and case-insensitive matches are rejected.
func MatchesSafeModeDisarm(input string) bool {
	return input == SafeModeDisarmConfirmation
}

// MatchesExecuteConfirmation reports whether input is the exact execute
// confirmation phrase.
func MatchesExecuteConfirmation(input string) bool {
	return input == ExecuteConfirmation
}

// ExecuteArmToken proves that every consent required for a destructive
// run was independently given. The zero value is not a valid token;
// NewExecuteArmToken is the only constructor.
type ExecuteArmToken struct {
	valid bool
}

// NewExecuteArmToken checks the three consents in order and fails with a
// distinct error for the first one missing, so a caller can tell the
// user exactly which step remains.
func NewExecuteArmToken(acknowledged, safeModeDisarmed, confirmationTyped bool) (ExecuteArmToken, error) {
	if !acknowledged {
		return ExecuteArmToken{}, ErrMissingAcknowledgement
	}
	if !safeModeDisarmed {
		return ExecuteArmToken{}, ErrSafeModeEngaged
	}
	if !confirmationTyped {
		return ExecuteArmToken{}, ErrMissingConfirmation
	}
	return ExecuteArmToken{valid: true}, nil
}

// Valid reports whether the token came from NewExecuteArmToken.
func (t ExecuteArmToken) Valid() bool {
	return t.valid
}

// Config is the contract a wrapped configuration must satisfy: a
// structural self-check and a run-mode probe.
type Config interface {
	// ValidateConfig checks structure and referenced-file existence,
	// returning the first violation found.
	ValidateConfig() error

	// IsDryRun reports whether the config runs without side effects.
	IsDryRun() bool
}

// Unvalidated wraps raw input that has passed no checks yet.
type Unvalidated[T Config] struct {
	cfg T
}

// NewUnvalidated wraps a raw config.
func NewUnvalidated[T Config](cfg T) Unvalidated[T] {
	return Unvalidated[T]{cfg: cfg}
}

// Validate runs the config's structural check and promotes it.
func (u Unvalidated[T]) Validate() (Validated[T], error) {
	if err := u.cfg.ValidateConfig(); err != nil {
		return Validated[T]{}, err
	}
	return Validated[T]{cfg: u.cfg}, nil
}

// Validated wraps a config that passed its structural checks but holds
// no execution consent.
type Validated[T Config] struct {
	cfg T
}

// Config returns the wrapped value for inspection. Mutating the result
// does not affect the wrapper.
func (v Validated[T]) Config() T {
	return v.cfg
}

// RequireDryRun asserts the config is a dry run. It performs no
// transition; callers use it to pick the side-effect-free pipeline.
func (v Validated[T]) RequireDryRun() error {
	if !v.cfg.IsDryRun() {
		return ErrNotDryRun
	}
	return nil
}

// ArmExecute pairs the config with a consent token. Only a non-dry-run
// config armed with a valid token goes through.
func (v Validated[T]) ArmExecute(token ExecuteArmToken) (Armed[T], error) {
	if v.cfg.IsDryRun() {
		return Armed[T]{}, ErrDryRunArm
	}
	if !token.Valid() {
		return Armed[T]{}, ErrMissingAcknowledgement
	}
	return Armed[T]{cfg: v.cfg, token: token}, nil
}

// Armed wraps a validated config plus its consent token. Destructive
// entry points take this type (or Executing) and nothing else.
type Armed[T Config] struct {
	cfg   T
	token ExecuteArmToken
}

// Config returns the wrapped value.
func (a Armed[T]) Config() T {
	return a.cfg
}

// IntoExecuting relabels the config as live. No new checks.
func (a Armed[T]) IntoExecuting() Executing[T] {
	return Executing[T]{cfg: a.cfg, token: a.token}
}

// Executing wraps an armed config currently being run.
type Executing[T Config] struct {
	cfg   T
	token ExecuteArmToken
}

// Config returns the wrapped value.
func (e Executing[T]) Config() T {
	return e.cfg
}
