package workflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// StageFunc is one stage body. It may mutate state through the record
// helpers and must be safe to re-invoke after a crash.
type StageFunc func(ctx context.Context, state *InstallState, dryRun bool) error

// Stage pairs a unique name with its body.
type Stage struct {
	Name string
	Run  StageFunc
}

// Runner executes stages in order, skipping ones the loaded state has
// already completed. State is saved before a stage runs (current_stage
// set) and again after it succeeds (stage appended to completed), so a
// crash leaves enough to resume: the failed or interrupted stage is
// retried from the top of its body.
type Runner struct {
	store   Store
	dryRun  bool
	persist bool
}

// NewRunner creates a persisting runner.
func NewRunner(store Store, dryRun bool) *Runner {
	return &Runner{store: store, dryRun: dryRun, persist: true}
}

// NewRunnerWithPersist additionally controls whether state is written
// back to the store. Non-persisting runs still track completion in
// memory, for one-shot pipelines that need no resume.
func NewRunnerWithPersist(store Store, dryRun, persist bool) *Runner {
	return &Runner{store: store, dryRun: dryRun, persist: persist}
}

// Run drives the stage sequence and returns the final state. Stage
// names must be unique within one call. Cancellation is checked between
// stages; a stage body observes it through its own ctx use.
func (r *Runner) Run(ctx context.Context, stages []Stage) (*InstallState, error) {
	seen := make(map[string]bool, len(stages))
	for _, stage := range stages {
		if seen[stage.Name] {
			return nil, fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		seen[stage.Name] = true
	}

	state, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = NewInstallState(r.dryRun)
	} else {
		if state.DryRun != r.dryRun {
			return nil, fmt.Errorf("saved state is from a dry_run=%v attempt, this run is dry_run=%v: remove the state file or resume in the original mode", state.DryRun, r.dryRun)
		}
		if state.CurrentStage != "" {
			log.Info().Str("stage", state.CurrentStage).Msg("previous run was interrupted, retrying stage")
		}
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled before stage %q: %w", stage.Name, err)
		}
		if state.IsCompleted(stage.Name) {
			log.Debug().Str("stage", stage.Name).Msg("stage already completed, skipping")
			continue
		}

		state.SetCurrent(stage.Name)
		if r.persist {
			if err := r.store.Save(state); err != nil {
				return nil, fmt.Errorf("persist state before stage %q: %w", stage.Name, err)
			}
		}

		log.Info().Str("stage", stage.Name).Bool("dry_run", r.dryRun).Msg("running stage")
		if err := stage.Run(ctx, state, r.dryRun); err != nil {
			return nil, fmt.Errorf("stage %q: %w", stage.Name, err)
		}

		state.MarkCompleted(stage.Name)
		if r.persist {
			if err := r.store.Save(state); err != nil {
				return nil, fmt.Errorf("persist state after stage %q: %w", stage.Name, err)
			}
		}
	}

	return state, nil
}
