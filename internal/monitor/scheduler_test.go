package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/store"
)

func ramp(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// rows2 zips two columns into two-feature rows.
func rows2(a, b []float64) [][]float64 {
	rows := make([][]float64, len(a))
	for i := range a {
		rows[i] = []float64{a[i], b[i]}
	}
	return rows
}

func withOutliers(col []float64, value float64, count int) []float64 {
	out := append([]float64(nil), col...)
	for i := 0; i < count && i < len(out); i++ {
		out[i] = value
	}
	return out
}

func labelsFor(col []float64) []float64 {
	labels := make([]float64, len(col))
	for i, v := range col {
		if v > 5 {
			labels[i] = 1
		}
	}
	return labels
}

func predictByFirstFeature(features []float64) float64 {
	score := features[0] / 10
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func testParams() api.MonitorParams {
	p := api.DefaultMonitorParams()
	p.Interval = 10 * time.Millisecond
	p.RetryBackoff = time.Millisecond
	p.AutoApplySafety = 0.5
	p.AutoApplyReduction = 0.05
	return p
}

func registerModel(t *testing.T, s store.Store, id string) *api.Model {
	t.Helper()
	ctx := context.Background()
	model := &api.Model{
		ID:       id,
		Name:     "scoring-" + id,
		Version:  "v1",
		Features: []string{"f0", "f1"},
		Labels:   []string{"positive"},
	}
	if err := s.SaveModel(ctx, model); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	if err := s.SaveState(ctx, api.DefaultState(id, 2)); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	return model
}

func newTestScheduler(t *testing.T, s store.Store, src InferenceLogSource, params api.MonitorParams) *Scheduler {
	t.Helper()
	mgr := store.NewSnapshotManager(s, nil, nil, params)
	sched, err := NewScheduler(s, mgr, src, nil, nil, params, 64)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return sched
}

func TestCycle_NoDriftNoPatches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1")

	refCol := ramp(0, 10, 100)
	src := NewStaticSource()
	src.Refs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Predictors["m1"] = predictByFirstFeature

	sched := newTestScheduler(t, s, src, testParams())
	sched.runCycle(ctx)

	results, err := s.ListDriftResults(ctx, "m1", time.Time{})
	if err != nil {
		t.Fatalf("ListDriftResults failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d drift results, want 1", len(results))
	}
	if results[0].Detected {
		t.Errorf("identical windows flagged as drifted, score %.3f", results[0].Score)
	}

	patches, _ := s.ListPatches(ctx, "m1")
	if len(patches) != 0 {
		t.Errorf("no-drift cycle created %d patches", len(patches))
	}
}

// Drift above the detection threshold but below the evaluation threshold must
// be recorded and notified without any patch synthesis.
func TestCycle_DetectionWithoutEvaluation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1")

	refCol := ramp(0, 10, 100)
	curCol := withOutliers(refCol, 60, 15)
	src := NewStaticSource()
	src.Refs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m1"] = &Sample{Rows: rows2(curCol, refCol)}
	src.Predictors["m1"] = predictByFirstFeature

	params := testParams()
	params.AutoEvalThreshold = 0.99 // nothing clears the evaluation bar
	sched := newTestScheduler(t, s, src, params)
	sched.runCycle(ctx)

	results, _ := s.ListDriftResults(ctx, "m1", time.Time{})
	if len(results) != 1 || !results[0].Detected {
		t.Fatalf("drift should be detected and recorded, got %+v", results)
	}

	patches, _ := s.ListPatches(ctx, "m1")
	if len(patches) != 0 {
		t.Errorf("evaluation gate ignored: %d patches created", len(patches))
	}

	foundDrift := false
	for len(sched.Events()) > 0 {
		e := <-sched.Events()
		if e.Type == EventDriftDetected && e.ModelID == "m1" {
			foundDrift = true
		}
		if e.Type == EventPatchCreated {
			t.Errorf("patch_created event despite evaluation gate")
		}
	}
	if !foundDrift {
		t.Error("drift_detected event not emitted")
	}
}

func TestCycle_DriftGeneratesValidatesAndAutoApplies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1")

	refCol := ramp(0, 10, 100)
	curCol := withOutliers(refCol, 60, 15)
	src := NewStaticSource()
	src.Refs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m1"] = &Sample{Rows: rows2(curCol, refCol), Labels: labelsFor(curCol)}
	src.Predictors["m1"] = predictByFirstFeature

	sched := newTestScheduler(t, s, src, testParams())
	sched.runCycle(ctx)

	patches, err := s.ListPatches(ctx, "m1")
	if err != nil {
		t.Fatalf("ListPatches failed: %v", err)
	}
	if len(patches) == 0 {
		t.Fatal("drifted cycle created no patches")
	}

	var applied *api.Patch
	for _, p := range patches {
		if p.Status == api.StatusApplied {
			if applied != nil {
				t.Fatalf("more than one patch applied in a single cycle: %s and %s", applied.ID, p.ID)
			}
			applied = p
		}
	}
	if applied == nil {
		statuses := make([]api.PatchStatus, len(patches))
		for i, p := range patches {
			statuses[i] = p.Status
		}
		t.Fatalf("no patch auto-applied, statuses: %v", statuses)
	}
	if applied.Validation == nil || !applied.Validation.IsValid {
		t.Error("applied patch carries no passing validation result")
	}

	state, _ := s.GetState(ctx, "m1")
	if len(state.ClipMin) == 0 && state.FeatureWeights[0] == 1.0 {
		t.Error("preprocessing state unchanged after auto-apply")
	}

	// A snapshot must exist so the applied patch is reversible.
	if _, err := s.GetSnapshot(ctx, applied.ID); err != nil {
		t.Errorf("no snapshot stored for applied patch: %v", err)
	}
}

func TestCycle_FailureInOneModelDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1") // no windows in source: analysis fails
	registerModel(t, s, "m2")

	refCol := ramp(0, 10, 100)
	src := NewStaticSource()
	src.Refs["m2"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m2"] = &Sample{Rows: rows2(refCol, refCol)}

	sched := newTestScheduler(t, s, src, testParams())
	sched.runCycle(ctx)

	results, _ := s.ListDriftResults(ctx, "m2", time.Time{})
	if len(results) != 1 {
		t.Errorf("healthy model skipped after sibling failure: %d results", len(results))
	}
}

func TestRunCycle_SkipsWhenPreviousCycleRunning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1")

	refCol := ramp(0, 10, 100)
	src := NewStaticSource()
	src.Refs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m1"] = &Sample{Rows: rows2(refCol, refCol)}

	sched := newTestScheduler(t, s, src, testParams())

	sched.inCycle.Store(true) // simulate a cycle still in flight
	sched.runCycle(ctx)
	sched.inCycle.Store(false)

	results, _ := s.ListDriftResults(ctx, "m1", time.Time{})
	if len(results) != 0 {
		t.Errorf("overlapping tick ran anyway: %d results", len(results))
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	s := store.NewMemoryStore("")
	src := NewStaticSource()
	sched := newTestScheduler(t, s, src, testParams())

	ctx := context.Background()
	sched.Start(ctx)
	sched.Start(ctx) // no-op
	if !sched.Running() {
		t.Fatal("scheduler should be running")
	}

	sched.Stop()
	sched.Stop() // no-op, must not panic or deadlock
	if sched.Running() {
		t.Error("scheduler should be stopped")
	}
}

func TestStartStop_Restartable(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1")

	refCol := ramp(0, 10, 100)
	src := NewStaticSource()
	src.Refs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m1"] = &Sample{Rows: rows2(refCol, refCol)}

	sched := newTestScheduler(t, s, src, testParams())
	sched.Start(ctx)
	sched.Stop()

	sched.Start(ctx)
	if !sched.Running() {
		t.Fatal("scheduler not running after restart")
	}
	time.Sleep(35 * time.Millisecond) // a few intervals for the restarted loop
	sched.Stop()                      // second stop cycle must not panic
	if sched.Running() {
		t.Error("scheduler still running after stop")
	}

	results, _ := s.ListDriftResults(ctx, "m1", time.Time{})
	if len(results) == 0 {
		t.Error("restarted loop never ran a cycle")
	}
}

// holdoutSource counts how often the validation window is requested.
type holdoutSource struct {
	*StaticSource
	validationCalls int
}

func (h *holdoutSource) Validation(ctx context.Context, model *api.Model) (*Sample, error) {
	h.validationCalls++
	return h.StaticSource.Validation(ctx, model)
}

func TestCycle_ValidatesOnHoldoutWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1")

	refCol := ramp(0, 10, 100)
	curCol := withOutliers(refCol, 60, 15)
	holdCol := ramp(0, 10, 40)
	src := NewStaticSource()
	src.Refs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m1"] = &Sample{Rows: rows2(curCol, refCol), Labels: labelsFor(curCol)}
	src.Vals["m1"] = &Sample{Rows: rows2(holdCol, holdCol), Labels: labelsFor(holdCol)}
	src.Predictors["m1"] = predictByFirstFeature
	hs := &holdoutSource{StaticSource: src}

	sched := newTestScheduler(t, s, hs, testParams())
	sched.runCycle(ctx)

	if hs.validationCalls == 0 {
		t.Fatal("candidates were not scored on the hold-out window")
	}
	patches, _ := s.ListPatches(ctx, "m1")
	validated := 0
	for _, p := range patches {
		if p.Validation != nil {
			validated++
		}
	}
	if validated == 0 {
		t.Error("no candidate carries a validation result")
	}
}

func TestEmit_DropsOnFullChannel(t *testing.T) {
	s := store.NewMemoryStore("")
	sched := newTestScheduler(t, s, NewStaticSource(), testParams())

	// Fill the channel beyond capacity.
	for i := 0; i < cap(sched.events)+10; i++ {
		sched.emit(Event{Timestamp: time.Now(), Type: EventDriftDetected})
	}
	if sched.DroppedEvents() != 10 {
		t.Errorf("dropped = %d, want 10", sched.DroppedEvents())
	}
}

func TestCycle_PrunesOldDriftResults(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	registerModel(t, s, "m1")

	old := time.Now().UTC().AddDate(0, 0, -90)
	if err := s.SaveDriftResult(ctx, &api.DriftResult{
		ID:        api.DriftResultID("m1", old),
		ModelID:   "m1",
		Timestamp: old,
	}); err != nil {
		t.Fatalf("SaveDriftResult failed: %v", err)
	}

	refCol := ramp(0, 10, 100)
	src := NewStaticSource()
	src.Refs["m1"] = &Sample{Rows: rows2(refCol, refCol)}
	src.Curs["m1"] = &Sample{Rows: rows2(refCol, refCol)}

	sched := newTestScheduler(t, s, src, testParams())
	sched.runCycle(ctx)

	results, _ := s.ListDriftResults(ctx, "m1", time.Time{})
	for _, r := range results {
		if r.Timestamp.Before(time.Now().UTC().AddDate(0, 0, -sched.params.RetentionDays)) {
			t.Errorf("result older than retention window survived: %s", r.ID)
		}
	}
}
