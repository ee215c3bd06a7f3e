// Package patch implements patch candidate generation, validation, and the
// application of patch configurations to preprocessing state. Candidates are
// synthesized from a drift diagnosis; validation simulates a candidate in
// memory before anything touches persisted state.
package patch

import (
	"encoding/json"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
)

// ApplyToState returns a deep copy of state with cfg's replacement parameters
// applied. The input state is never mutated; rollback restores snapshots, so
// no inverse operation exists here.
func ApplyToState(state *api.PreprocessingState, cfg api.PatchConfig) (*api.PreprocessingState, error) {
	if state == nil {
		return nil, api.InputErrorf("nil preprocessing state")
	}

	next := cloneState(state)

	switch cfg.Type {
	case api.PatchFeatureClipping:
		c := cfg.Clipping
		if c == nil {
			return nil, api.InputErrorf("clipping patch missing configuration")
		}
		n := len(state.FeatureWeights)
		if len(next.ClipMin) == 0 {
			next.ClipMin = unboundedMins(n)
			next.ClipMax = unboundedMaxs(n)
		}
		for i, idx := range c.FeatureIndices {
			if idx < 0 || idx >= len(next.ClipMin) {
				return nil, api.InputErrorf("clipping index %d out of range", idx)
			}
			next.ClipMin[idx] = c.NewMin[i]
			next.ClipMax[idx] = c.NewMax[i]
		}

	case api.PatchFeatureReweighting:
		c := cfg.Reweighting
		if c == nil {
			return nil, api.InputErrorf("reweighting patch missing configuration")
		}
		for i, idx := range c.FeatureIndices {
			if idx < 0 || idx >= len(next.FeatureWeights) {
				return nil, api.InputErrorf("reweighting index %d out of range", idx)
			}
			next.FeatureWeights[idx] = c.NewWeights[i]
		}

	case api.PatchThresholdTuning:
		c := cfg.Threshold
		if c == nil {
			return nil, api.InputErrorf("threshold patch missing configuration")
		}
		next.DecisionThreshold = c.NewThreshold

	case api.PatchNormalizationUpdate:
		c := cfg.Normalization
		if c == nil {
			return nil, api.InputErrorf("normalization patch missing configuration")
		}
		for i, idx := range c.FeatureIndices {
			if idx < 0 || idx >= len(next.NormMean) {
				return nil, api.InputErrorf("normalization index %d out of range", idx)
			}
			next.NormMean[idx] = c.NewMean[i]
			next.NormStd[idx] = c.NewStd[i]
		}

	case api.PatchEnsembleReweight:
		c := cfg.Ensemble
		if c == nil {
			return nil, api.InputErrorf("ensemble patch missing configuration")
		}
		next.EnsembleWeights = append([]float64(nil), c.NewWeights...)

	case api.PatchCalibrationAdjust:
		c := cfg.Calibration
		if c == nil {
			return nil, api.InputErrorf("calibration patch missing configuration")
		}
		next.CalibrationScale = c.NewScale
		next.CalibrationShift = c.NewShift

	default:
		return nil, api.InputErrorf("unknown patch type %q", cfg.Type)
	}

	next.UpdatedAt = time.Now()
	return next, nil
}

// Preprocess pushes one feature vector through the preprocessing pipeline:
// clipping, then normalization, then feature weighting.
func Preprocess(state *api.PreprocessingState, row []float64) []float64 {
	out := make([]float64, len(row))
	copy(out, row)

	for i := range out {
		if i < len(state.ClipMin) {
			if out[i] < state.ClipMin[i] {
				out[i] = state.ClipMin[i]
			}
			if out[i] > state.ClipMax[i] {
				out[i] = state.ClipMax[i]
			}
		}
		if i < len(state.NormMean) {
			std := state.NormStd[i]
			if std == 0 {
				std = 1
			}
			out[i] = (out[i] - state.NormMean[i]) / std
		}
		if i < len(state.FeatureWeights) {
			out[i] *= state.FeatureWeights[i]
		}
	}
	return out
}

// PreprocessAll applies Preprocess to every row.
func PreprocessAll(state *api.PreprocessingState, rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = Preprocess(state, row)
	}
	return out
}

// Postprocess applies calibration and thresholding to a raw model score,
// returning the calibrated score and the binary decision.
func Postprocess(state *api.PreprocessingState, score float64) (calibrated float64, positive bool) {
	calibrated = score*state.CalibrationScale + state.CalibrationShift
	if calibrated < 0 {
		calibrated = 0
	}
	if calibrated > 1 {
		calibrated = 1
	}
	return calibrated, calibrated >= state.DecisionThreshold
}

// EncodeState serializes preprocessing state into an opaque snapshot blob.
func EncodeState(state *api.PreprocessingState) ([]byte, error) {
	return json.Marshal(state)
}

// DecodeState restores preprocessing state from a snapshot blob.
func DecodeState(blob []byte) (*api.PreprocessingState, error) {
	var state api.PreprocessingState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, api.InputErrorf("corrupt state snapshot: %v", err)
	}
	return &state, nil
}

func cloneState(s *api.PreprocessingState) *api.PreprocessingState {
	c := *s
	c.ClipMin = append([]float64(nil), s.ClipMin...)
	c.ClipMax = append([]float64(nil), s.ClipMax...)
	c.FeatureWeights = append([]float64(nil), s.FeatureWeights...)
	c.NormMean = append([]float64(nil), s.NormMean...)
	c.NormStd = append([]float64(nil), s.NormStd...)
	c.EnsembleWeights = append([]float64(nil), s.EnsembleWeights...)
	return &c
}

// unboundedMins/unboundedMaxs build clip arrays that pass every finite value.
// math.Inf does not survive JSON, so wide sentinels are used instead.
const clipUnbounded = 1e308

func unboundedMins(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = -clipUnbounded
	}
	return out
}

func unboundedMaxs(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = clipUnbounded
	}
	return out
}
