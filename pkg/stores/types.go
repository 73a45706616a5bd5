// Package stores persists the install journal: one row per installer
// run plus an append-only event stream. The journal survives the run
// that wrote it, so a machine can answer "what was flashed here, when,
// and how did it go" long after the state file is gone.
package stores

import (
	"context"
	"time"
)

// RunStatus tracks a journal run through its lifecycle.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// EventLevel classifies journal events.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one installer invocation, dry-run or execute.
type Run struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Image       string     `json:"image"`
	Disk        string     `json:"disk"`
	OsFamily    string     `json:"os_family"`
	Scheme      string     `json:"scheme"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Event is one append-only journal entry. Stage carries the workflow
// stage name and Phase the flash phase name; either may be empty.
type Event struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Stage     string     `json:"stage,omitempty"`
	Phase     string     `json:"phase,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Journal is the persistence surface the installer writes through.
type Journal interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	BeginRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]*Event, error)

	HealthCheck(ctx context.Context) error
}
