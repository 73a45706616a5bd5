package flash

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunMode labels a report as dry-run or execute.
type RunMode string

const (
	ModeDryRun  RunMode = "dry-run"
	ModeExecute RunMode = "execute"
)

// ReportEvent is one timestamped entry in the report timeline.
type ReportEvent struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Phase   string    `json:"phase,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Report is the persistent artifact of one flash run: what was
// selected, which consents were present, and how the run progressed.
type Report struct {
	RunID             string        `json:"run_id"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at,omitempty"`
	Mode              RunMode       `json:"mode"`
	Acknowledged      bool          `json:"acknowledged"`
	TypedConfirmation bool          `json:"typed_confirmation"`
	OsFamily          string        `json:"os_family"`
	TargetDisk        string        `json:"target_disk"`
	Image             string        `json:"image"`
	Scheme            string        `json:"partition_scheme"`
	Outcome           string        `json:"outcome,omitempty"`
	Events            []ReportEvent `json:"events"`
}

// ReportWriter accumulates the report in memory and writes it as JSON
// on Finish. Safe for use from the flash worker only.
type ReportWriter struct {
	mu     sync.Mutex
	path   string
	report Report
}

// NewReportWriter starts a report for one run. dir receives the final
// JSON file, named by run ID.
func NewReportWriter(dir string, mode RunMode, acknowledged, typedConfirmation bool, cfg FlashConfig) *ReportWriter {
	id := uuid.NewString()
	return &ReportWriter{
		path: filepath.Join(dir, fmt.Sprintf("sdburn-report-%s.json", id)),
		report: Report{
			RunID:             id,
			StartedAt:         time.Now().UTC(),
			Mode:              mode,
			Acknowledged:      acknowledged,
			TypedConfirmation: typedConfirmation,
			OsFamily:          cfg.OsFamily,
			TargetDisk:        cfg.Disk,
			Image:             cfg.Image,
			Scheme:            string(cfg.Scheme),
		},
	}
}

// Path returns where the report will be written.
func (w *ReportWriter) Path() string {
	return w.path
}

// RecordUpdate appends a progress update to the timeline. Copy-progress
// updates are skipped; they are too frequent to be useful in a report.
func (w *ReportWriter) RecordUpdate(u Update) {
	if u.Kind == UpdateCopyProgress {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	event := ReportEvent{At: time.Now().UTC()}
	switch u.Kind {
	case UpdatePhaseStarted:
		event.Kind = "phase_started"
		event.Phase = u.Phase.Name()
	case UpdatePhaseCompleted:
		event.Kind = "phase_completed"
		event.Phase = u.Phase.Name()
	case UpdatePhaseSkipped:
		event.Kind = "phase_skipped"
		event.Phase = u.Phase.Name()
	case UpdateStatus:
		event.Kind = "status"
		event.Message = u.Status
	case UpdateComplete:
		event.Kind = "complete"
	case UpdateError:
		event.Kind = "error"
		event.Message = u.Status
	}
	w.report.Events = append(w.report.Events, event)
}

// Finish records the outcome and writes the report file.
func (w *ReportWriter) Finish(outcome string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.report.FinishedAt = time.Now().UTC()
	w.report.Outcome = outcome

	payload, err := json.MarshalIndent(&w.report, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	if err := os.WriteFile(w.path, payload, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", w.path, err)
	}
	return nil
}
