// Package policy evaluates guardrail rules before a flash run may be
// armed. Rules are written in Rego and evaluated with OPA; built-in
// rules protect the running system disk and enforce target sizing, and
// operators can layer additional .rego files on top.
package policy

import "time"

// Severity classifies how a violation affects the run.
type Severity string

const (
	// SeverityWarning flags something worth reviewing but does not
	// block arming.
	SeverityWarning Severity = "warning"

	// SeverityError blocks arming.
	SeverityError Severity = "error"
)

// Rule is a named Rego guardrail.
type Rule struct {
	// Name uniquely identifies the rule.
	Name string `json:"name"`

	// Description says what the rule protects against.
	Description string `json:"description"`

	// Rego holds the policy source. The package must expose a
	// `deny` set of violation objects.
	Rego string `json:"rego"`

	// Enabled rules participate in evaluation.
	Enabled bool `json:"enabled"`
}

// Input describes the planned flash run for rule evaluation.
type Input struct {
	// Disk is the target block device path.
	Disk string `json:"disk"`

	// DiskSizeBytes is the target capacity, zero when unknown.
	DiskSizeBytes uint64 `json:"disk_size_bytes"`

	// SystemDisk is true when the target backs the running root
	// filesystem.
	SystemDisk bool `json:"system_disk"`

	// Mounted is true when any partition of the target is mounted.
	Mounted bool `json:"mounted"`

	// AutoUnmount reflects the operator's unmount consent.
	AutoUnmount bool `json:"auto_unmount"`

	// OsFamily is the selected image family name.
	OsFamily string `json:"os_family"`

	// DataPolicy is the family's data partition policy.
	DataPolicy string `json:"data_policy"`

	// Scheme is the partition table type, "gpt" or "mbr".
	Scheme string `json:"scheme"`

	// DryRun is true for simulation runs.
	DryRun bool `json:"dry_run"`
}

// Violation is one rule finding.
type Violation struct {
	Rule       string    `json:"rule"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Result aggregates the findings of one evaluation.
type Result struct {
	// Allowed is false when any error-severity violation fired.
	Allowed bool `json:"allowed"`

	// Violations holds every finding, warnings included.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Warnings returns the warning-severity findings.
func (r *Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}
