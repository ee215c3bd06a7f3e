package api

// PatchConfig is a tagged union: exactly one variant pointer is non-nil and it
// matches Type. Each variant carries both the original and replacement numeric
// parameters so the change can be applied and exactly reversed. Equality over
// configs is structural; numeric arrays compare by value, never by identity.
type PatchConfig struct {
	Type          PatchType            `json:"type"`
	Clipping      *ClippingConfig      `json:"clipping,omitempty"`
	Reweighting   *ReweightingConfig   `json:"reweighting,omitempty"`
	Threshold     *ThresholdConfig     `json:"threshold,omitempty"`
	Normalization *NormalizationConfig `json:"normalization,omitempty"`
	Ensemble      *EnsembleConfig      `json:"ensemble,omitempty"`
	Calibration   *CalibrationConfig   `json:"calibration,omitempty"`
}

// ClippingConfig bounds selected features to the reference percentile range.
type ClippingConfig struct {
	FeatureIndices []int     `json:"feature_indices"`
	OriginalMin    []float64 `json:"original_min"`
	OriginalMax    []float64 `json:"original_max"`
	NewMin         []float64 `json:"new_min"` // reference p1 per selected feature
	NewMax         []float64 `json:"new_max"` // reference p99 per selected feature
}

// ReweightingConfig rescales feature weights to dampen dominant drift contributors.
type ReweightingConfig struct {
	FeatureIndices  []int     `json:"feature_indices"`
	OriginalWeights []float64 `json:"original_weights"`
	NewWeights      []float64 `json:"new_weights"`
}

// ThresholdConfig retunes the decision threshold for prior-drift corrections.
type ThresholdConfig struct {
	OriginalThreshold float64 `json:"original_threshold"`
	NewThreshold      float64 `json:"new_threshold"`
}

// NormalizationConfig replaces standardization parameters with current-data statistics.
type NormalizationConfig struct {
	FeatureIndices []int     `json:"feature_indices"`
	OriginalMean   []float64 `json:"original_mean"`
	OriginalStd    []float64 `json:"original_std"`
	NewMean        []float64 `json:"new_mean"`
	NewStd         []float64 `json:"new_std"`
}

// EnsembleConfig rebalances ensemble member weights.
type EnsembleConfig struct {
	OriginalWeights []float64 `json:"original_weights"`
	NewWeights      []float64 `json:"new_weights"`
}

// CalibrationConfig adjusts the affine calibration of probabilistic outputs.
type CalibrationConfig struct {
	OriginalScale float64 `json:"original_scale"`
	OriginalShift float64 `json:"original_shift"`
	NewScale      float64 `json:"new_scale"`
	NewShift      float64 `json:"new_shift"`
}

// Equal compares two configs structurally, array fields by value.
func (c PatchConfig) Equal(other PatchConfig) bool {
	if c.Type != other.Type {
		return false
	}
	switch c.Type {
	case PatchFeatureClipping:
		a, b := c.Clipping, other.Clipping
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || (intsEqual(a.FeatureIndices, b.FeatureIndices) &&
			floatsEqual(a.OriginalMin, b.OriginalMin) && floatsEqual(a.OriginalMax, b.OriginalMax) &&
			floatsEqual(a.NewMin, b.NewMin) && floatsEqual(a.NewMax, b.NewMax))
	case PatchFeatureReweighting:
		a, b := c.Reweighting, other.Reweighting
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || (intsEqual(a.FeatureIndices, b.FeatureIndices) &&
			floatsEqual(a.OriginalWeights, b.OriginalWeights) && floatsEqual(a.NewWeights, b.NewWeights))
	case PatchThresholdTuning:
		a, b := c.Threshold, other.Threshold
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || *a == *b
	case PatchNormalizationUpdate:
		a, b := c.Normalization, other.Normalization
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || (intsEqual(a.FeatureIndices, b.FeatureIndices) &&
			floatsEqual(a.OriginalMean, b.OriginalMean) && floatsEqual(a.OriginalStd, b.OriginalStd) &&
			floatsEqual(a.NewMean, b.NewMean) && floatsEqual(a.NewStd, b.NewStd))
	case PatchEnsembleReweight:
		a, b := c.Ensemble, other.Ensemble
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || (floatsEqual(a.OriginalWeights, b.OriginalWeights) &&
			floatsEqual(a.NewWeights, b.NewWeights))
	case PatchCalibrationAdjust:
		a, b := c.Calibration, other.Calibration
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || *a == *b
	default:
		return false
	}
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
