package patch

import (
	"fmt"
	"math"
	"sort"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/stats"
)

// Dataset is a row-major sample set with optional ground-truth or observed labels.
type Dataset struct {
	Rows   [][]float64
	Labels []float64
}

// Generator proposes patch candidates matched to a drift diagnosis. Generation
// is a pure function of its inputs: no clock reads, no randomness, stable IDs,
// so identical inputs reproduce identical candidates.
type Generator struct {
	// RecommendCutoff is the combined score above which a candidate is tagged
	// recommended. Combined score = 0.7*predictedReduction + 0.3*diagnosisFit.
	RecommendCutoff float64
}

// NewGenerator returns a generator with the default recommendation cutoff.
func NewGenerator() *Generator {
	return &Generator{RecommendCutoff: 0.5}
}

// Generate proposes candidates for a drift result. Each patch type has an
// applicability precondition; types whose precondition fails are not emitted.
func (g *Generator) Generate(result *api.DriftResult, model *api.Model,
	state *api.PreprocessingState, ref, cur Dataset) ([]*api.Patch, error) {

	if result == nil || model == nil || state == nil {
		return nil, api.InputErrorf("nil drift result, model, or state")
	}
	n := len(model.Features)

	refCols, err := stats.Columns(ref.Rows, n)
	if err != nil {
		return nil, err
	}
	curCols, err := stats.Columns(cur.Rows, n)
	if err != nil {
		return nil, err
	}

	var candidates []*api.Patch
	emit := func(p *api.Patch, ok bool) {
		if ok {
			candidates = append(candidates, p)
		}
	}

	emit(g.clippingCandidate(result, model, state, refCols, curCols))
	emit(g.reweightingCandidate(result, model, state))
	emit(g.thresholdCandidate(result, model, state, ref.Labels, cur.Labels))
	emit(g.normalizationCandidate(result, model, state, refCols, curCols))
	emit(g.ensembleCandidate(result, model, state))
	emit(g.calibrationCandidate(result, model, state, ref.Labels, cur.Labels))

	return candidates, nil
}

// clippingCandidate fires only when drifted features carry current values
// outside the reference [p1, p99] range.
func (g *Generator) clippingCandidate(result *api.DriftResult, model *api.Model,
	state *api.PreprocessingState, refCols, curCols [][]float64) (*api.Patch, bool) {

	var indices []int
	var newMin, newMax, origMin, origMax []float64
	selectedAttribution := 0.0
	outliers, total := 0, 0

	for i, fd := range result.Features {
		if !fd.IsDrifted {
			continue
		}
		p1 := stats.Percentile(refCols[i], 1)
		p99 := stats.Percentile(refCols[i], 99)

		outside := 0
		for _, v := range curCols[i] {
			if v < p1 || v > p99 {
				outside++
			}
		}
		total += len(curCols[i])
		if outside == 0 {
			continue
		}
		outliers += outside

		indices = append(indices, i)
		newMin = append(newMin, p1)
		newMax = append(newMax, p99)
		origMin = append(origMin, currentClip(state.ClipMin, refCols[i], i, true))
		origMax = append(origMax, currentClip(state.ClipMax, refCols[i], i, false))
		selectedAttribution += fd.Attribution
	}

	if len(indices) == 0 {
		return nil, false
	}

	outlierFrac := float64(outliers) / float64(total)
	predicted := clamp01(selectedAttribution * clamp01(outlierFrac*3))

	return g.newPatch(result, model, api.PatchFeatureClipping, api.PatchConfig{
		Type: api.PatchFeatureClipping,
		Clipping: &api.ClippingConfig{
			FeatureIndices: indices,
			OriginalMin:    origMin,
			OriginalMax:    origMax,
			NewMin:         newMin,
			NewMax:         newMax,
		},
	}, predicted, fitFor(api.PatchFeatureClipping, result.Type)), true
}

// reweightingCandidate fires when attribution is skewed: a small subset of
// features dominates total drift.
func (g *Generator) reweightingCandidate(result *api.DriftResult, model *api.Model,
	state *api.PreprocessingState) (*api.Patch, bool) {

	n := len(result.Features)
	if n < 2 || len(state.FeatureWeights) != n {
		return nil, false
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return result.Features[order[a]].Attribution > result.Features[order[b]].Attribution
	})

	// "Skewed" means the top third of features carries over 70% of attribution.
	topK := (n + 2) / 3
	topShare := 0.0
	for _, idx := range order[:topK] {
		topShare += result.Features[idx].Attribution
	}
	if topShare <= 0.7 {
		return nil, false
	}

	indices := make([]int, 0, topK)
	origW := make([]float64, 0, topK)
	newW := make([]float64, 0, topK)
	for _, idx := range order[:topK] {
		attr := result.Features[idx].Attribution
		indices = append(indices, idx)
		origW = append(origW, state.FeatureWeights[idx])
		// Dampen dominant contributors proportionally to their drift share.
		newW = append(newW, state.FeatureWeights[idx]*(1-0.5*attr))
	}

	predicted := clamp01(0.3 * topShare)
	return g.newPatch(result, model, api.PatchFeatureReweighting, api.PatchConfig{
		Type: api.PatchFeatureReweighting,
		Reweighting: &api.ReweightingConfig{
			FeatureIndices:  indices,
			OriginalWeights: origW,
			NewWeights:      newW,
		},
	}, predicted, fitFor(api.PatchFeatureReweighting, result.Type)), true
}

// thresholdCandidate fires for prior-drift diagnoses with labels on both sides.
func (g *Generator) thresholdCandidate(result *api.DriftResult, model *api.Model,
	state *api.PreprocessingState, refLabels, curLabels []float64) (*api.Patch, bool) {

	if result.Type != api.DriftPrior || len(refLabels) == 0 || len(curLabels) == 0 {
		return nil, false
	}

	shift := stats.Mean(curLabels) - stats.Mean(refLabels)
	newT := state.DecisionThreshold + shift/2
	if newT < 0.05 {
		newT = 0.05
	}
	if newT > 0.95 {
		newT = 0.95
	}
	if newT == state.DecisionThreshold {
		return nil, false
	}

	predicted := clamp01(math.Abs(shift))
	return g.newPatch(result, model, api.PatchThresholdTuning, api.PatchConfig{
		Type: api.PatchThresholdTuning,
		Threshold: &api.ThresholdConfig{
			OriginalThreshold: state.DecisionThreshold,
			NewThreshold:      newT,
		},
	}, predicted, fitFor(api.PatchThresholdTuning, result.Type)), true
}

// normalizationCandidate fires for covariate-drift diagnoses where the shift is
// explained by moments (mean/std moved) rather than outliers.
func (g *Generator) normalizationCandidate(result *api.DriftResult, model *api.Model,
	state *api.PreprocessingState, refCols, curCols [][]float64) (*api.Patch, bool) {

	if result.Type != api.DriftCovariate || len(state.NormMean) != len(model.Features) {
		return nil, false
	}

	var indices []int
	var origMean, origStd, newMean, newStd []float64
	selectedAttribution := 0.0

	for i, fd := range result.Features {
		if !fd.IsDrifted {
			continue
		}

		refMean, refStd := stats.Mean(refCols[i]), stats.StdDev(refCols[i])
		curMean, curStd := stats.Mean(curCols[i]), stats.StdDev(curCols[i])
		if refStd == 0 || curStd == 0 {
			continue // degenerate column, clipping or reweighting must handle it
		}
		if math.Abs(curMean-refMean) <= 0.1*refStd {
			continue // no meaningful moment shift
		}

		// Outlier-driven shifts are clipping territory, not normalization. A
		// moment shift keeps the bulk within a few sigma of the reference; an
		// outlier cluster does not.
		lo, hi := refMean-4*refStd, refMean+4*refStd
		outside := 0
		for _, v := range curCols[i] {
			if v < lo || v > hi {
				outside++
			}
		}
		if float64(outside)/float64(len(curCols[i])) > 0.05 {
			continue
		}

		// Replacement parameters map current data onto the reference moments:
		// (x - m) / s with m, s chosen so that x' = (x-curMean)/curStd*refStd + refMean.
		scale := curStd / refStd
		shift := curMean - refMean*scale

		indices = append(indices, i)
		origMean = append(origMean, state.NormMean[i])
		origStd = append(origStd, state.NormStd[i])
		newMean = append(newMean, shift)
		newStd = append(newStd, scale)
		selectedAttribution += fd.Attribution
	}

	if len(indices) == 0 {
		return nil, false
	}

	predicted := clamp01(selectedAttribution * 0.8)
	return g.newPatch(result, model, api.PatchNormalizationUpdate, api.PatchConfig{
		Type: api.PatchNormalizationUpdate,
		Normalization: &api.NormalizationConfig{
			FeatureIndices: indices,
			OriginalMean:   origMean,
			OriginalStd:    origStd,
			NewMean:        newMean,
			NewStd:         newStd,
		},
	}, predicted, fitFor(api.PatchNormalizationUpdate, result.Type)), true
}

// ensembleCandidate fires only when the model declares ensemble metadata and
// the state carries member weights to rebalance.
func (g *Generator) ensembleCandidate(result *api.DriftResult, model *api.Model,
	state *api.PreprocessingState) (*api.Patch, bool) {

	if !model.Ensemble || !result.Detected || len(state.EnsembleWeights) < 2 {
		return nil, false
	}

	// Pull member weights toward uniform; drifted regimes favor diversity.
	k := len(state.EnsembleWeights)
	uniform := 1.0 / float64(k)
	newW := make([]float64, k)
	for i, w := range state.EnsembleWeights {
		newW[i] = 0.8*w + 0.2*uniform
	}

	return g.newPatch(result, model, api.PatchEnsembleReweight, api.PatchConfig{
		Type: api.PatchEnsembleReweight,
		Ensemble: &api.EnsembleConfig{
			OriginalWeights: append([]float64(nil), state.EnsembleWeights...),
			NewWeights:      newW,
		},
	}, 0.2, fitFor(api.PatchEnsembleReweight, result.Type)), true
}

// calibrationCandidate fires only when the model declares probabilistic output
// metadata and label distributions are available on both sides.
func (g *Generator) calibrationCandidate(result *api.DriftResult, model *api.Model,
	state *api.PreprocessingState, refLabels, curLabels []float64) (*api.Patch, bool) {

	if !model.Probabilistic || !result.Detected || len(refLabels) == 0 || len(curLabels) == 0 {
		return nil, false
	}

	shift := stats.Mean(refLabels) - stats.Mean(curLabels)
	if math.Abs(shift) < 1e-9 {
		return nil, false
	}

	return g.newPatch(result, model, api.PatchCalibrationAdjust, api.PatchConfig{
		Type: api.PatchCalibrationAdjust,
		Calibration: &api.CalibrationConfig{
			OriginalScale: state.CalibrationScale,
			OriginalShift: state.CalibrationShift,
			NewScale:      state.CalibrationScale,
			NewShift:      state.CalibrationShift + shift/2,
		},
	}, clamp01(math.Abs(shift)), fitFor(api.PatchCalibrationAdjust, result.Type)), true
}

// newPatch assembles a candidate with a deterministic ID and recommendation tag.
func (g *Generator) newPatch(result *api.DriftResult, model *api.Model,
	pt api.PatchType, cfg api.PatchConfig, predicted, fit float64) *api.Patch {

	score := 0.7*predicted + 0.3*fit
	return &api.Patch{
		ID:            api.PatchID(model.ID, result.ID, pt),
		ModelID:       model.ID,
		DriftResultID: result.ID,
		Type:          pt,
		Status:        api.StatusCreated,
		CreatedAt:     result.Timestamp,
		Config:        cfg,
		Recommended:   score > g.RecommendCutoff,
		Metadata: map[string]string{
			"predicted_reduction": fmt.Sprintf("%.3f", predicted),
			"diagnosis":           string(result.Type),
		},
	}
}

// fitFor scores how well a patch type matches the diagnosed drift type.
func fitFor(pt api.PatchType, dt api.DriftType) float64 {
	switch pt {
	case api.PatchNormalizationUpdate, api.PatchFeatureClipping:
		if dt == api.DriftCovariate {
			return 1.0
		}
	case api.PatchThresholdTuning, api.PatchCalibrationAdjust:
		if dt == api.DriftPrior {
			return 1.0
		}
	case api.PatchFeatureReweighting, api.PatchEnsembleReweight:
		if dt == api.DriftConcept {
			return 1.0
		}
	}
	return 0.4
}

// currentClip reads the effective clip bound at index i, falling back to the
// observed reference extreme when the state has no clipping configured.
func currentClip(bounds []float64, refCol []float64, i int, min bool) float64 {
	if i < len(bounds) {
		return bounds[i]
	}
	if min {
		return stats.Percentile(refCol, 0)
	}
	return stats.Percentile(refCol, 100)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
