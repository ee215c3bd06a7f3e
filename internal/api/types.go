package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Model holds the minimal metadata the engine needs about a deployed model.
// The artifact format itself is opaque; only the declared feature and label
// names are consumed.
type Model struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Features      []string  `json:"features"` // ordered input feature names
	Labels        []string  `json:"labels"`   // output label names
	Ensemble      bool      `json:"ensemble"`      // declares ensemble output metadata
	Probabilistic bool      `json:"probabilistic"` // declares probabilistic output metadata
	CreatedAt     time.Time `json:"created_at"`
}

// DriftType classifies the kind of distributional shift detected.
type DriftType string

const (
	DriftCovariate DriftType = "covariate" // input feature distribution changed
	DriftPrior     DriftType = "prior"     // output label distribution changed
	DriftConcept   DriftType = "concept"   // input-output relationship changed
)

// Severity bands for aggregate drift scores.
type Severity string

const (
	SeverityLow      Severity = "low"      // score < 0.2
	SeverityModerate Severity = "moderate" // 0.2 - 0.5
	SeverityHigh     Severity = "high"     // 0.5 - 0.7
	SeverityCritical Severity = "critical" // > 0.7
)

// SeverityFor maps an aggregate drift score to its severity band.
func SeverityFor(score float64) Severity {
	switch {
	case score > 0.7:
		return SeverityCritical
	case score >= 0.5:
		return SeverityHigh
	case score >= 0.2:
		return SeverityModerate
	default:
		return SeverityLow
	}
}

// FeatureDrift holds per-feature drift measurements.
type FeatureDrift struct {
	Feature     string  `json:"feature"`
	DriftScore  float64 `json:"drift_score"`
	PSI         float64 `json:"psi"`
	KSStatistic float64 `json:"ks_statistic"`
	KSPValue    float64 `json:"ks_p_value"`
	IsDrifted   bool    `json:"is_drifted"`
	Attribution float64 `json:"attribution"` // share of total drift, sums to 1 across features
}

// StatisticalTest records a single hypothesis test performed during analysis.
type StatisticalTest struct {
	Name      string  `json:"name"`
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
	Passed    bool    `json:"passed"` // true when the null (no shift) is retained
}

// DriftResult is the outcome of one drift analysis for one model.
type DriftResult struct {
	ID        string            `json:"id"`
	ModelID   string            `json:"model_id"`
	Timestamp time.Time         `json:"timestamp"`
	Score     float64           `json:"score"` // aggregate, clamped to [0,1]
	Type      DriftType         `json:"type"`
	Detected  bool              `json:"detected"`
	Severity  Severity          `json:"severity"`
	Features  []FeatureDrift    `json:"features"` // ordered per model.Features
	Tests     []StatisticalTest `json:"tests"`
}

// PatchType enumerates the pre/post-processing corrections the engine can synthesize.
type PatchType string

const (
	PatchFeatureClipping     PatchType = "feature_clipping"
	PatchFeatureReweighting  PatchType = "feature_reweighting"
	PatchThresholdTuning     PatchType = "threshold_tuning"
	PatchNormalizationUpdate PatchType = "normalization_update"
	PatchEnsembleReweight    PatchType = "ensemble_reweight"
	PatchCalibrationAdjust   PatchType = "calibration_adjust"
)

// PatchStatus tracks the patch lifecycle. Transitions are restricted:
// created -> validated -> applied -> rolled_back, and any non-terminal
// state may move to failed. Patches are never deleted, only superseded.
type PatchStatus string

const (
	StatusCreated    PatchStatus = "created"
	StatusValidated  PatchStatus = "validated"
	StatusApplied    PatchStatus = "applied"
	StatusRolledBack PatchStatus = "rolled_back"
	StatusFailed     PatchStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PatchStatus) Terminal() bool {
	return s == StatusRolledBack || s == StatusFailed
}

// CanTransition reports whether the lifecycle permits moving from s to next.
func (s PatchStatus) CanTransition(next PatchStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusValidated:
		return s == StatusCreated
	case StatusApplied:
		return s == StatusValidated
	case StatusRolledBack:
		return s == StatusApplied
	case StatusFailed:
		return true // reachable from any non-terminal state
	default:
		return false
	}
}

// Patch is a proposed or applied correction to a model's pre/post-processing.
type Patch struct {
	ID            string            `json:"id"`
	ModelID       string            `json:"model_id"`
	DriftResultID string            `json:"drift_result_id"`
	Type          PatchType         `json:"type"`
	Status        PatchStatus       `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	AppliedAt     *time.Time        `json:"applied_at,omitempty"`
	RolledBackAt  *time.Time        `json:"rolled_back_at,omitempty"`
	Config        PatchConfig       `json:"configuration"`
	Validation    *ValidationResult `json:"validation_result,omitempty"`
	Recommended   bool              `json:"is_recommended"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ValidationMetrics holds the measurements produced by simulating a patch.
type ValidationMetrics struct {
	Accuracy             float64 `json:"accuracy"`
	Precision            float64 `json:"precision"`
	Recall               float64 `json:"recall"`
	F1                   float64 `json:"f1"`
	DriftScoreAfterPatch float64 `json:"drift_score_after_patch"`
	DriftReduction       float64 `json:"drift_reduction"`   // clamped to [0,1]
	PerformanceDelta     float64 `json:"performance_delta"` // accuracyAfter - accuracyBefore
	SafetyScore          float64 `json:"safety_score"`      // composite in [0,1]
	ConfidenceLow        float64 `json:"confidence_low"`    // bootstrap CI, informational
	ConfidenceHigh       float64 `json:"confidence_high"`
}

// ValidationResult is the Validator's verdict on a candidate patch.
type ValidationResult struct {
	IsValid   bool              `json:"is_valid"`
	Timestamp time.Time         `json:"timestamp"`
	Metrics   ValidationMetrics `json:"metrics"`
	Errors    []string          `json:"errors,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// PatchSnapshot captures the exact preprocessing state around an apply, enabling
// byte-exact rollback. Blobs are opaque to callers (JSON-encoded state).
type PatchSnapshot struct {
	PatchID   string    `json:"patch_id"`
	Timestamp time.Time `json:"timestamp"`
	PreState  []byte    `json:"pre_state"`
	PostState []byte    `json:"post_state"`
}

// PreprocessingState is the mutable per-model state patches operate on.
// Model weights are never touched; only these parameters change.
type PreprocessingState struct {
	ModelID           string    `json:"model_id"`
	ClipMin           []float64 `json:"clip_min,omitempty"` // per feature, empty = no clipping
	ClipMax           []float64 `json:"clip_max,omitempty"`
	FeatureWeights    []float64 `json:"feature_weights,omitempty"`
	NormMean          []float64 `json:"norm_mean,omitempty"`
	NormStd           []float64 `json:"norm_std,omitempty"`
	DecisionThreshold float64   `json:"decision_threshold"`
	EnsembleWeights   []float64 `json:"ensemble_weights,omitempty"`
	CalibrationScale  float64   `json:"calibration_scale"`
	CalibrationShift  float64   `json:"calibration_shift"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultState returns the identity preprocessing state for a model with n features.
func DefaultState(modelID string, n int) *PreprocessingState {
	weights := make([]float64, n)
	mean := make([]float64, n)
	std := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0
		std[i] = 1.0
	}
	return &PreprocessingState{
		ModelID:           modelID,
		FeatureWeights:    weights,
		NormMean:          mean,
		NormStd:           std,
		DecisionThreshold: 0.5,
		CalibrationScale:  1.0,
		CalibrationShift:  0.0,
		UpdatedAt:         time.Now(),
	}
}

// DriftResultID derives a stable identifier from model and analysis time.
func DriftResultID(modelID string, ts time.Time) string {
	return fmt.Sprintf("drift-%s-%d", modelID, ts.UnixNano())
}

// PatchID derives a deterministic identifier so that identical generator inputs
// produce identical candidates.
func PatchID(modelID, driftResultID string, pt PatchType) string {
	h := sha256.Sum256([]byte(modelID + "|" + driftResultID + "|" + string(pt)))
	return fmt.Sprintf("patch-%s-%s", pt, hex.EncodeToString(h[:])[:12])
}
