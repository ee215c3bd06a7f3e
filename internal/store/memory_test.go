package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
)

func TestMemoryStore_CreatePatchFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")

	p := thresholdPatch("p1", "m1", api.StatusCreated, 0.7)
	if err := s.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}

	dup := thresholdPatch("p1", "m1", api.StatusApplied, 0.9)
	if err := s.CreatePatch(ctx, dup); err != nil {
		t.Fatalf("duplicate CreatePatch should be a no-op, got %v", err)
	}

	got, err := s.GetPatch(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatch failed: %v", err)
	}
	if got.Status != api.StatusCreated {
		t.Errorf("status = %s, first write should win", got.Status)
	}
	if got.Config.Threshold.NewThreshold != 0.7 {
		t.Errorf("config overwritten by losing write: %v", got.Config.Threshold.NewThreshold)
	}
}

func TestMemoryStore_ReturnsCopiesNotAliases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")

	state := api.DefaultState("m1", 2)
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	got, err := s.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	got.FeatureWeights[0] = 99

	again, err := s.GetState(ctx, "m1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if again.FeatureWeights[0] != 1.0 {
		t.Error("mutating a returned state leaked into the store")
	}
}

func TestMemoryStore_SnapshotFileSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s := NewMemoryStore(path)
	if err := s.SaveModel(ctx, &api.Model{ID: "m1", Name: "fraud", Features: []string{"a", "b"}}); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	if err := s.SaveState(ctx, api.DefaultState("m1", 2)); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	p := thresholdPatch("p1", "m1", api.StatusValidated, 0.6)
	if err := s.CreatePatch(ctx, p); err != nil {
		t.Fatalf("CreatePatch failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := NewMemoryStore(path)
	m, err := reopened.GetModel(ctx, "m1")
	if err != nil {
		t.Fatalf("GetModel after restart failed: %v", err)
	}
	if m.Name != "fraud" {
		t.Errorf("model name = %q, want fraud", m.Name)
	}
	got, err := reopened.GetPatch(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatch after restart failed: %v", err)
	}
	if got.Status != api.StatusValidated {
		t.Errorf("patch status after restart = %s", got.Status)
	}
}

func TestMemoryStore_ListDriftResultsSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.AddDate(0, 0, i)
		r := &api.DriftResult{
			ID:        api.DriftResultID("m1", ts),
			ModelID:   "m1",
			Timestamp: ts,
			Score:     0.1 * float64(i),
		}
		if err := s.SaveDriftResult(ctx, r); err != nil {
			t.Fatalf("SaveDriftResult failed: %v", err)
		}
	}

	out, err := s.ListDriftResults(ctx, "m1", base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListDriftResults failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	if out[0].Timestamp.Before(base.AddDate(0, 0, 1)) {
		t.Error("result older than since returned")
	}
}

func TestMemoryStore_PruneDriftResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		ts := base.AddDate(0, 0, i)
		if err := s.SaveDriftResult(ctx, &api.DriftResult{
			ID:        api.DriftResultID("m1", ts),
			ModelID:   "m1",
			Timestamp: ts,
		}); err != nil {
			t.Fatalf("SaveDriftResult failed: %v", err)
		}
	}

	pruned, err := s.PruneDriftResults(ctx, base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("PruneDriftResults failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}

	left, _ := s.ListDriftResults(ctx, "m1", time.Time{})
	if len(left) != 2 {
		t.Errorf("%d results remain, want 2", len(left))
	}
}

func TestMemoryStore_ListPatchesOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"pc", "pa", "pb"} {
		p := thresholdPatch(id, "m1", api.StatusCreated, 0.6)
		p.CreatedAt = base.Add(time.Duration(2-i) * time.Hour)
		if err := s.CreatePatch(ctx, p); err != nil {
			t.Fatalf("CreatePatch failed: %v", err)
		}
	}

	out, err := s.ListPatches(ctx, "m1")
	if err != nil {
		t.Fatalf("ListPatches failed: %v", err)
	}
	want := []string{"pb", "pa", "pc"}
	for i, id := range want {
		if out[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, out[i].ID, id)
		}
	}
}
