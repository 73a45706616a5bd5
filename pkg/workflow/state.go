// Package workflow runs named stages in order against a persisted,
// resumable install state. A stage is retried from the top of its body
// on the next run if the process dies before it was marked complete, so
// stage bodies must tolerate re-invocation.
package workflow

// Well-known stage names. Persisted state refers to stages by these
// strings, so renaming one invalidates in-flight installs.
const (
	StagePreflight      = "Preflight"
	StageDownloadAssets = "Download assets"
	StageDiskProbe      = "Disk probe"
	StageFormatPlan     = "Format plan"
	StageMountPlan      = "Mount plan"
	StageResumeUnit     = "Resume unit"
)

// stateVersion is bumped on incompatible InstallState layout changes.
const stateVersion = 1

// InstallState is the resumable checkpoint of one installation attempt.
// Only the Runner mutates the stage-tracking fields; stage bodies append
// to the audit fields through the record helpers.
type InstallState struct {
	// Version guards against loading state written by an incompatible
	// layout.
	Version int `json:"version"`

	// DryRun records the mode the attempt started in. A resumed run
	// must match it.
	DryRun bool `json:"dry_run"`

	// CurrentStage names the stage being executed, or "" between
	// stages. A loaded state with a non-empty CurrentStage means the
	// previous run died inside that stage.
	CurrentStage string `json:"current_stage,omitempty"`

	// CompletedStages lists finished stages in completion order, each
	// at most once.
	CompletedStages []string `json:"completed_stages"`

	// ArmedExecute and TypedConfirmation audit which consents were
	// present when the attempt was armed.
	ArmedExecute      bool `json:"armed_execute"`
	TypedConfirmation bool `json:"typed_confirmation"`

	// VerifiedChecksums lists image digests confirmed before flashing.
	VerifiedChecksums []string `json:"verified_checksums,omitempty"`

	// FormattedDevices and FlashedDevices audit destructive actions
	// already taken, for resume-time sanity checks and the report.
	FormattedDevices []string `json:"formatted_devices,omitempty"`
	FlashedDevices   []string `json:"flashed_devices,omitempty"`

	// SelectedOS and SelectedVariant pin the catalogue entry chosen at
	// the start of the attempt.
	SelectedOS      string `json:"selected_os,omitempty"`
	SelectedVariant string `json:"selected_variant,omitempty"`
}

// NewInstallState creates a fresh state for a first run.
func NewInstallState(dryRun bool) *InstallState {
	return &InstallState{
		Version:         stateVersion,
		DryRun:          dryRun,
		CompletedStages: []string{},
	}
}

// IsCompleted reports whether the named stage already finished.
func (s *InstallState) IsCompleted(stage string) bool {
	for _, done := range s.CompletedStages {
		if done == stage {
			return true
		}
	}
	return false
}

// SetCurrent marks the named stage as in progress.
func (s *InstallState) SetCurrent(stage string) {
	s.CurrentStage = stage
}

// MarkCompleted appends the stage to the completed set (idempotent) and
// clears the in-progress marker.
func (s *InstallState) MarkCompleted(stage string) {
	if !s.IsCompleted(stage) {
		s.CompletedStages = append(s.CompletedStages, stage)
	}
	s.CurrentStage = ""
}

// RecordChecksumVerified audits a verified image digest.
func (s *InstallState) RecordChecksumVerified(digest string) {
	for _, seen := range s.VerifiedChecksums {
		if seen == digest {
			return
		}
	}
	s.VerifiedChecksums = append(s.VerifiedChecksums, digest)
}

// RecordFormattedDevice audits a device that was formatted.
func (s *InstallState) RecordFormattedDevice(device string) {
	for _, seen := range s.FormattedDevices {
		if seen == device {
			return
		}
	}
	s.FormattedDevices = append(s.FormattedDevices, device)
}

// RecordFlashedDevice audits a device that received a raw image.
func (s *InstallState) RecordFlashedDevice(device string) {
	for _, seen := range s.FlashedDevices {
		if seen == device {
			return
		}
	}
	s.FlashedDevices = append(s.FlashedDevices, device)
}
