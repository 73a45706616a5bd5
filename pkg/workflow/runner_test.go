package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunnerSkipsCompletedStages(t *testing.T) {
	store := NewMemStore()
	seeded := NewInstallState(false)
	seeded.MarkCompleted("stage-1")
	if err := store.Save(seeded); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var calls []string
	stages := []Stage{
		{Name: "stage-1", Run: func(ctx context.Context, s *InstallState, dryRun bool) error {
			calls = append(calls, "stage-1")
			return nil
		}},
		{Name: "stage-2", Run: func(ctx context.Context, s *InstallState, dryRun bool) error {
			calls = append(calls, "stage-2")
			return nil
		}},
	}

	final, err := NewRunner(store, false).Run(context.Background(), stages)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(calls) != 1 || calls[0] != "stage-2" {
		t.Errorf("calls = %v, want [stage-2]", calls)
	}
	if !final.IsCompleted("stage-1") || !final.IsCompleted("stage-2") {
		t.Errorf("completed stages = %v", final.CompletedStages)
	}
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	store := NewMemStore()
	boom := errors.New("format failed")
	var ranThird bool
	stages := []Stage{
		{Name: "first", Run: func(ctx context.Context, s *InstallState, dryRun bool) error { return nil }},
		{Name: "second", Run: func(ctx context.Context, s *InstallState, dryRun bool) error { return boom }},
		{Name: "third", Run: func(ctx context.Context, s *InstallState, dryRun bool) error {
			ranThird = true
			return nil
		}},
	}

	_, err := NewRunner(store, false).Run(context.Background(), stages)
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped %v", err, boom)
	}
	if ranThird {
		t.Error("stage after the failure still ran")
	}

	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if persisted.CurrentStage != "second" {
		t.Errorf("current_stage = %q, want %q (failed stage stays current for resume)", persisted.CurrentStage, "second")
	}
	if persisted.IsCompleted("second") {
		t.Error("failed stage was marked completed")
	}
	if !persisted.IsCompleted("first") {
		t.Error("successful stage lost its completion mark")
	}
}

func TestRunnerResumesAfterFailure(t *testing.T) {
	store := NewMemStore()
	attempt := 0
	stages := []Stage{
		{Name: "fragile", Run: func(ctx context.Context, s *InstallState, dryRun bool) error {
			attempt++
			if attempt == 1 {
				return errors.New("transient")
			}
			return nil
		}},
	}

	runner := NewRunner(store, false)
	if _, err := runner.Run(context.Background(), stages); err == nil {
		t.Fatal("first run should fail")
	}
	final, err := runner.Run(context.Background(), stages)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if attempt != 2 {
		t.Errorf("stage body ran %d times, want 2 (retried from the top)", attempt)
	}
	if !final.IsCompleted("fragile") {
		t.Error("stage not completed after retry")
	}
	if final.CurrentStage != "" {
		t.Errorf("current_stage = %q after success, want empty", final.CurrentStage)
	}
}

func TestRunnerRejectsDuplicateStageNames(t *testing.T) {
	noop := func(ctx context.Context, s *InstallState, dryRun bool) error { return nil }
	stages := []Stage{
		{Name: "same", Run: noop},
		{Name: "same", Run: noop},
	}
	if _, err := NewRunner(NewMemStore(), false).Run(context.Background(), stages); err == nil {
		t.Fatal("duplicate stage names accepted")
	}
}

func TestRunnerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var secondRan bool
	stages := []Stage{
		{Name: "first", Run: func(ctx context.Context, s *InstallState, dryRun bool) error {
			cancel()
			return nil
		}},
		{Name: "second", Run: func(ctx context.Context, s *InstallState, dryRun bool) error {
			secondRan = true
			return nil
		}},
	}

	_, err := NewRunner(NewMemStore(), false).Run(ctx, stages)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if secondRan {
		t.Error("stage ran after cancellation")
	}
}

func TestRunnerWithoutPersistence(t *testing.T) {
	store := NewMemStore()
	stages := []Stage{
		{Name: "only", Run: func(ctx context.Context, s *InstallState, dryRun bool) error { return nil }},
	}
	final, err := NewRunnerWithPersist(store, false, false).Run(context.Background(), stages)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !final.IsCompleted("only") {
		t.Error("in-memory completion tracking lost")
	}
	if persisted, _ := store.Load(); persisted != nil {
		t.Error("non-persisting runner wrote to the store")
	}
}

func TestRunnerInitializesDryRunFlag(t *testing.T) {
	final, err := NewRunner(NewMemStore(), true).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !final.DryRun {
		t.Error("fresh state did not record dry-run mode")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFileStore(path)

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if loaded != nil {
		t.Fatal("missing state file should load as nil")
	}

	state := NewInstallState(false)
	state.MarkCompleted(StagePreflight)
	state.SetCurrent(StageDownloadAssets)
	state.RecordChecksumVerified("abc123")
	state.RecordFormattedDevice("/dev/sdb1")
	if err := store.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err = store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CurrentStage != StageDownloadAssets {
		t.Errorf("current_stage = %q", loaded.CurrentStage)
	}
	if !loaded.IsCompleted(StagePreflight) {
		t.Error("completed stage lost in round trip")
	}
	if len(loaded.VerifiedChecksums) != 1 || loaded.VerifiedChecksums[0] != "abc123" {
		t.Errorf("verified checksums = %v", loaded.VerifiedChecksums)
	}
	if len(loaded.FormattedDevices) != 1 || loaded.FormattedDevices[0] != "/dev/sdb1" {
		t.Errorf("formatted devices = %v", loaded.FormattedDevices)
	}
}

func TestFileStoreSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path)

	first := NewInstallState(false)
	first.MarkCompleted("one")
	if err := store.Save(first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second := NewInstallState(false)
	second.MarkCompleted("one")
	second.MarkCompleted("two")
	if err := store.Save(second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.CompletedStages) != 2 {
		t.Errorf("completed stages = %v, want two entries", loaded.CompletedStages)
	}
}

func TestFileStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path)
	if err := store.Remove(); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if err := store.Save(NewInstallState(false)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if loaded, _ := store.Load(); loaded != nil {
		t.Error("state survived removal")
	}
}

func TestRecordHelpersAreIdempotent(t *testing.T) {
	state := NewInstallState(false)
	state.RecordFlashedDevice("/dev/sdb")
	state.RecordFlashedDevice("/dev/sdb")
	if len(state.FlashedDevices) != 1 {
		t.Errorf("flashed devices = %v, want one entry", state.FlashedDevices)
	}
	state.MarkCompleted("stage")
	state.MarkCompleted("stage")
	if len(state.CompletedStages) != 1 {
		t.Errorf("completed stages = %v, want one entry", state.CompletedStages)
	}
}

func TestRunnerRejectsModeMismatch(t *testing.T) {
	store := NewMemStore()
	seeded := NewInstallState(true)
	seeded.MarkCompleted("stage-1")
	if err := store.Save(seeded); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var ran bool
	stages := []Stage{
		{Name: "stage-1", Run: func(ctx context.Context, s *InstallState, dryRun bool) error {
			ran = true
			return nil
		}},
	}

	// A rehearsal checkpoint must not satisfy a real run's stages.
	_, err := NewRunner(store, false).Run(context.Background(), stages)
	if err == nil {
		t.Fatal("dry-run state accepted by an execute run")
	}
	if !strings.Contains(err.Error(), "dry_run") {
		t.Errorf("error = %v, want mode mismatch", err)
	}
	if ran {
		t.Error("stage ran despite the mode mismatch")
	}
}

func TestMemStoreClonesAuditSlices(t *testing.T) {
	store := NewMemStore()
	state := NewInstallState(false)
	state.MarkCompleted("stage-1")
	state.RecordChecksumVerified("abc")
	state.RecordFormattedDevice("/dev/sda1")
	state.RecordFlashedDevice("/dev/sda")
	if err := store.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutations after Save must not reach the stored copy.
	state.CompletedStages[0] = "tampered"
	state.VerifiedChecksums[0] = "tampered"
	state.FormattedDevices[0] = "tampered"
	state.FlashedDevices[0] = "tampered"

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CompletedStages[0] != "stage-1" ||
		loaded.VerifiedChecksums[0] != "abc" ||
		loaded.FormattedDevices[0] != "/dev/sda1" ||
		loaded.FlashedDevices[0] != "/dev/sda" {
		t.Errorf("stored state aliases caller slices: %+v", loaded)
	}

	// And mutations of a loaded copy must not reach the store.
	loaded.FlashedDevices[0] = "tampered"
	again, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if again.FlashedDevices[0] != "/dev/sda" {
		t.Errorf("loaded state aliases store slices: %+v", again)
	}
}
