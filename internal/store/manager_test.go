package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/journal"
	"github.com/adaptml/driftpatch/internal/patch"
)

func fastParams() api.MonitorParams {
	p := api.DefaultMonitorParams()
	p.RetryBackoff = time.Millisecond
	return p
}

func thresholdPatch(id, modelID string, status api.PatchStatus, newThreshold float64) *api.Patch {
	return &api.Patch{
		ID:        id,
		ModelID:   modelID,
		Type:      api.PatchThresholdTuning,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		Config: api.PatchConfig{
			Type: api.PatchThresholdTuning,
			Threshold: &api.ThresholdConfig{
				OriginalThreshold: 0.5,
				NewThreshold:      newThreshold,
			},
		},
	}
}

func seedModel(t *testing.T, s Store, modelID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.SaveState(ctx, api.DefaultState(modelID, 3)); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
}

func TestApply_ThenRollback_RestoresState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.7)
	if err := s.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}

	applied, err := mgr.Apply(ctx, "p1")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied.Status != api.StatusApplied || applied.AppliedAt == nil {
		t.Errorf("patch after apply: status=%s appliedAt=%v", applied.Status, applied.AppliedAt)
	}

	state, err := s.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.DecisionThreshold != 0.7 {
		t.Errorf("threshold after apply = %v, want 0.7", state.DecisionThreshold)
	}

	rolled, err := mgr.Rollback(ctx, "p1")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if rolled.Status != api.StatusRolledBack || rolled.RolledBackAt == nil {
		t.Errorf("patch after rollback: status=%s rolledBackAt=%v", rolled.Status, rolled.RolledBackAt)
	}

	restored, err := s.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if restored.DecisionThreshold != 0.5 {
		t.Errorf("threshold after rollback = %v, want 0.5", restored.DecisionThreshold)
	}
	if len(restored.FeatureWeights) != 3 {
		t.Errorf("feature weights lost in rollback: %v", restored.FeatureWeights)
	}
}

func TestApply_RequiresValidatedStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	for _, status := range []api.PatchStatus{api.StatusCreated, api.StatusApplied, api.StatusRolledBack, api.StatusFailed} {
		p := thresholdPatch("p-"+string(status), "m1", status, 0.7)
		if err := s.CreatePatch(ctx, p); err != nil {
			t.Fatalf("CreatePatch failed: %v", err)
		}
		if _, err := mgr.Apply(ctx, p.ID); !errors.Is(err, api.ErrInvalidState) {
			t.Errorf("Apply from %s: err = %v, want ErrInvalidState", status, err)
		}
	}
}

func TestRollback_TwiceFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.6)
	if err := s.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}
	if _, err := mgr.Apply(ctx, "p1"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := mgr.Rollback(ctx, "p1"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if _, err := mgr.Rollback(ctx, "p1"); !errors.Is(err, api.ErrInvalidState) {
		t.Errorf("second Rollback: err = %v, want ErrInvalidState", err)
	}
}

func TestRollback_EnforcesReverseChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	p1 := thresholdPatch("p1", "m1", api.StatusValidated, 0.6)
	p2 := thresholdPatch("p2", "m1", api.StatusValidated, 0.7)
	for _, p := range []*api.Patch{p1, p2} {
		if err := s.CreatePatch(ctx, p); err != nil {
			t.Fatalf("CreatePatch failed: %v", err)
		}
	}

	if _, err := mgr.Apply(ctx, "p1"); err != nil {
		t.Fatalf("Apply p1 failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct AppliedAt timestamps
	if _, err := mgr.Apply(ctx, "p2"); err != nil {
		t.Fatalf("Apply p2 failed: %v", err)
	}

	// p1 is older; p2 must come off first.
	if _, err := mgr.Rollback(ctx, "p1"); !errors.Is(err, api.ErrInvalidState) {
		t.Fatalf("Rollback p1 with p2 applied: err = %v, want ErrInvalidState", err)
	}
	if _, err := mgr.Rollback(ctx, "p2"); err != nil {
		t.Fatalf("Rollback p2 failed: %v", err)
	}
	if _, err := mgr.Rollback(ctx, "p1"); err != nil {
		t.Fatalf("Rollback p1 after p2 failed: %v", err)
	}

	state, err := s.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.DecisionThreshold != 0.5 {
		t.Errorf("threshold after full unwind = %v, want 0.5", state.DecisionThreshold)
	}
}

// blockingStore parks GetState until released so a second operation can be
// issued while the first holds the model lock.
type blockingStore struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) GetState(ctx context.Context, modelID string) (*api.PreprocessingState, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.GetState(ctx, modelID)
}

func TestApply_ConcurrentOperationFailsFast(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore("")
	bs := &blockingStore{
		Store:   mem,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	mgr := NewSnapshotManager(bs, nil, nil, fastParams())
	seedModel(t, mem, "m1")

	p1 := thresholdPatch("p1", "m1", api.StatusValidated, 0.6)
	p2 := thresholdPatch("p2", "m1", api.StatusValidated, 0.7)
	for _, p := range []*api.Patch{p1, p2} {
		if err := mem.CreatePatch(ctx, p); err != nil {
			t.Fatalf("CreatePatch failed: %v", err)
		}
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := mgr.Apply(ctx, "p1")
		firstDone <- err
	}()

	<-bs.entered // first apply holds the model lock inside GetState

	_, err := mgr.Apply(ctx, "p2")
	if !errors.Is(err, api.ErrConcurrentOperation) {
		t.Errorf("second Apply: err = %v, want ErrConcurrentOperation", err)
	}

	close(bs.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}

	got, err := mem.GetPatch(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatch failed: %v", err)
	}
	if got.Status != api.StatusApplied {
		t.Errorf("first patch status = %s, want applied", got.Status)
	}
	got2, _ := mem.GetPatch(ctx, "p2")
	if got2.Status != api.StatusValidated {
		t.Errorf("rejected patch status = %s, want validated", got2.Status)
	}
}

// flakyStore fails GetState a fixed number of times before succeeding.
type flakyStore struct {
	Store
	failures int
}

func (f *flakyStore) GetState(ctx context.Context, modelID string) (*api.PreprocessingState, error) {
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("%w: transient outage", api.ErrStoreUnavailable)
	}
	return f.Store.GetState(ctx, modelID)
}

func TestApply_RetriesTransientStoreFailures(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore("")
	fs := &flakyStore{Store: mem, failures: 2}
	mgr := NewSnapshotManager(fs, nil, nil, fastParams())
	seedModel(t, mem, "m1")

	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.7)
	if err := mem.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}
	if _, err := mgr.Apply(ctx, "p1"); err != nil {
		t.Fatalf("Apply with transient failures: %v", err)
	}
}

// brokenUpdateStore persists everything except patch status updates.
type brokenUpdateStore struct {
	Store
}

func (b *brokenUpdateStore) UpdatePatch(ctx context.Context, p *api.Patch) error {
	return fmt.Errorf("%w: updates rejected", api.ErrStoreUnavailable)
}

func TestApply_RevertsStateWhenUpdateFails(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore("")
	mgr := NewSnapshotManager(&brokenUpdateStore{Store: mem}, nil, nil, fastParams())
	seedModel(t, mem, "m1")

	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.9)
	if err := mem.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}

	if _, err := mgr.Apply(ctx, "p1"); err == nil {
		t.Fatal("Apply should fail when the status update cannot be persisted")
	}

	state, err := mem.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.DecisionThreshold != 0.5 {
		t.Errorf("state not reverted after failed apply: threshold = %v", state.DecisionThreshold)
	}
}

func TestRecoverInterrupted_MarksNonTerminalFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	p1 := thresholdPatch("p1", "m1", api.StatusValidated, 0.6)
	p2 := thresholdPatch("p2", "m1", api.StatusRolledBack, 0.7)
	for _, p := range []*api.Patch{p1, p2} {
		if err := s.CreatePatch(ctx, p); err != nil {
			t.Fatalf("CreatePatch failed: %v", err)
		}
	}

	mgr.RecoverInterrupted(ctx, []journal.Entry{
		{Op: "apply", PatchID: "p1"},
		{Op: "apply", PatchID: "p2"},
		{Op: "apply", PatchID: "missing"},
	})

	got1, _ := s.GetPatch(ctx, "p1")
	if got1.Status != api.StatusFailed {
		t.Errorf("interrupted patch status = %s, want failed", got1.Status)
	}
	if got1.Metadata["failure_reason"] == "" {
		t.Error("failure reason not recorded")
	}
	got2, _ := s.GetPatch(ctx, "p2")
	if got2.Status != api.StatusRolledBack {
		t.Errorf("terminal patch touched by recovery: %s", got2.Status)
	}
}

func TestRecoverInterrupted_RestoresPreApplyState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.9)
	if err := s.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}

	// Reproduce a crash between the state write and the status update: the
	// snapshot and the mutated state are persisted, the patch still reads
	// validated.
	pre, err := s.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	preBytes, err := patch.EncodeState(pre)
	if err != nil {
		t.Fatalf("EncodeState failed: %v", err)
	}
	mutated, err := patch.ApplyToState(pre, p.Config)
	if err != nil {
		t.Fatalf("ApplyToState failed: %v", err)
	}
	postBytes, err := patch.EncodeState(mutated)
	if err != nil {
		t.Fatalf("EncodeState failed: %v", err)
	}
	snap := &api.PatchSnapshot{PatchID: "p1", Timestamp: time.Now().UTC(), PreState: preBytes, PostState: postBytes}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := s.SaveState(ctx, mutated); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	mgr.RecoverInterrupted(ctx, []journal.Entry{{Op: "apply", PatchID: "p1"}})

	state, err := s.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.DecisionThreshold != 0.5 {
		t.Errorf("threshold after recovery = %v, want pre-apply 0.5", state.DecisionThreshold)
	}
	got, _ := s.GetPatch(ctx, "p1")
	if got.Status != api.StatusFailed {
		t.Errorf("patch status after recovery = %s, want failed", got.Status)
	}
}

func TestRecoverInterrupted_CompletedApplyKeepsState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.8)
	if err := s.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}
	if _, err := mgr.Apply(ctx, "p1"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Crash after the status update but before the commit record: the apply
	// finished, recovery must not undo it.
	mgr.RecoverInterrupted(ctx, []journal.Entry{{Op: "apply", PatchID: "p1"}})

	got, _ := s.GetPatch(ctx, "p1")
	if got.Status != api.StatusApplied {
		t.Errorf("patch status after recovery = %s, want applied", got.Status)
	}
	state, _ := s.GetState(ctx, "m1")
	if state.DecisionThreshold != 0.8 {
		t.Errorf("threshold after recovery = %v, want 0.8", state.DecisionThreshold)
	}
}

func TestRecoverInterrupted_LeavesInterruptedRollbackApplied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	mgr := NewSnapshotManager(s, nil, nil, fastParams())
	seedModel(t, s, "m1")

	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.7)
	if err := s.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}
	if _, err := mgr.Apply(ctx, "p1"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	mgr.RecoverInterrupted(ctx, []journal.Entry{{Op: "rollback", PatchID: "p1"}})

	got, _ := s.GetPatch(ctx, "p1")
	if got.Status != api.StatusApplied {
		t.Fatalf("patch status after recovery = %s, want applied", got.Status)
	}

	// The rollback can be retried and converges the state.
	if _, err := mgr.Rollback(ctx, "p1"); err != nil {
		t.Fatalf("retried Rollback failed: %v", err)
	}
	state, _ := s.GetState(ctx, "m1")
	if state.DecisionThreshold != 0.5 {
		t.Errorf("threshold after retried rollback = %v, want 0.5", state.DecisionThreshold)
	}
}
