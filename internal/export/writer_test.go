package export

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
)

func samplePatch() *api.Patch {
	applied := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	return &api.Patch{
		ID:        "patch-feature_clipping-abc123def456",
		ModelID:   "m1",
		Type:      api.PatchFeatureClipping,
		Status:    api.StatusApplied,
		CreatedAt: applied.Add(-time.Hour),
		AppliedAt: &applied,
		Config: api.PatchConfig{
			Type: api.PatchFeatureClipping,
			Clipping: &api.ClippingConfig{
				FeatureIndices: []int{0},
				OriginalMin:    []float64{-1e308},
				OriginalMax:    []float64{1e308},
				NewMin:         []float64{0.1},
				NewMax:         []float64{9.9},
			},
		},
		Validation: &api.ValidationResult{
			IsValid:   true,
			Timestamp: applied.Add(-30 * time.Minute),
			Metrics:   api.ValidationMetrics{SafetyScore: 0.85, DriftReduction: 0.6},
		},
		Recommended: true,
	}
}

func TestWritePatch_DocumentShape(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	path, digest, err := w.WritePatch(samplePatch())
	if err != nil {
		t.Fatalf("WritePatch failed: %v", err)
	}
	if len(digest) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(digest))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading document: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("document is not valid JSON: %v", err)
	}
	for _, key := range []string{"id", "modelId", "patchType", "status", "createdAt", "appliedAt", "configuration", "validationResult"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("document missing key %q", key)
		}
	}
	if strings.Contains(string(data), "rolledBackAt") {
		t.Error("nil rolledBackAt should be omitted")
	}
}

func TestReadPatch_VerifiesDigest(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	path, _, err := w.WritePatch(samplePatch())
	if err != nil {
		t.Fatalf("WritePatch failed: %v", err)
	}

	doc, err := ReadPatch(path)
	if err != nil {
		t.Fatalf("ReadPatch failed: %v", err)
	}
	if doc.ID != "patch-feature_clipping-abc123def456" || doc.PatchType != api.PatchFeatureClipping {
		t.Errorf("round-tripped document differs: %+v", doc)
	}

	// Corrupt the document; the digest check must reject it.
	if err := os.WriteFile(path, []byte(`{"id":"tampered"}`), 0644); err != nil {
		t.Fatalf("tampering failed: %v", err)
	}
	if _, err := ReadPatch(path); err == nil {
		t.Error("tampered document passed digest verification")
	}
}

func TestWriteDriftReport(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	ts := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	r := &api.DriftResult{
		ID:        api.DriftResultID("m1", ts),
		ModelID:   "m1",
		Timestamp: ts,
		Score:     0.62,
		Type:      api.DriftCovariate,
		Detected:  true,
		Severity:  api.SeverityHigh,
	}

	path, digest, err := w.WriteDriftReport(r)
	if err != nil {
		t.Fatalf("WriteDriftReport failed: %v", err)
	}
	if digest == "" {
		t.Error("empty digest")
	}
	if _, err := os.Stat(path + ".sha256"); err != nil {
		t.Errorf("digest sidecar missing: %v", err)
	}
}
