package patch

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/stats"
)

// PredictFunc maps a preprocessed feature vector to a raw model score in [0,1].
// Inference itself lives outside the core; this is the injected collaborator.
type PredictFunc func(features []float64) float64

// ValidationSet is the held-out data a candidate is simulated against.
type ValidationSet struct {
	Rows    [][]float64
	Labels  []float64 // ground truth, >= 0.5 means positive
	Predict PredictFunc
}

// Validator simulates a candidate patch in memory and scores its safety and
// effectiveness. Nothing here touches persisted state.
type Validator struct {
	params api.MonitorParams

	// bootstrap resamples for the accuracy confidence interval. The interval is
	// informational and never gates validity.
	bootstrap int
	seed      int64
}

// NewValidator creates a validator with the given operator parameters.
func NewValidator(params api.MonitorParams) *Validator {
	return &Validator{params: params, bootstrap: 200, seed: 1}
}

// Validate applies the candidate's transformation to the validation set in
// memory, recomputes predictive metrics and post-patch drift, and records the
// verdict on the patch (status validated or failed). The patch must be in the
// created state.
func (v *Validator) Validate(p *api.Patch, model *api.Model, state *api.PreprocessingState,
	ref, cur Dataset, val ValidationSet) (*api.ValidationResult, error) {

	if p == nil || model == nil || state == nil {
		return nil, api.InputErrorf("nil patch, model, or state")
	}
	if !p.Status.CanTransition(api.StatusValidated) {
		return nil, api.StateErrorf("cannot validate patch %s in status %s", p.ID, p.Status)
	}
	if val.Predict == nil {
		return nil, api.InputErrorf("validation set has no predict function")
	}
	if len(val.Rows) == 0 || len(val.Rows) != len(val.Labels) {
		return nil, api.InputErrorf("validation set has %d rows and %d labels", len(val.Rows), len(val.Labels))
	}

	result := &api.ValidationResult{Timestamp: time.Now()}

	patched, err := ApplyToState(state, p.Config)
	if err != nil {
		// Deterministic configuration failure: record and fail, never retry.
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("configuration rejected: %v", err))
		v.attach(p, result)
		return result, nil
	}

	n := len(model.Features)
	driftBefore, err := v.driftScore(state, state, ref.Rows, cur.Rows, n)
	if err != nil {
		return nil, err
	}
	// Reference stays in the space the model was trained in; current data flows
	// through the patched pipeline. Their gap is the post-patch drift.
	driftAfter, err := v.driftScore(state, patched, ref.Rows, cur.Rows, n)
	if err != nil {
		return nil, err
	}

	before := v.classify(state, val)
	after := v.classify(patched, val)

	m := &result.Metrics
	m.Accuracy = after.accuracy
	m.Precision = after.precision
	m.Recall = after.recall
	m.F1 = after.f1
	m.DriftScoreAfterPatch = driftAfter
	m.PerformanceDelta = after.accuracy - before.accuracy

	if driftBefore > 0 {
		m.DriftReduction = clamp01((driftBefore - driftAfter) / driftBefore)
	}

	// Composite safety: performance retention dominates, drift reduction rounds
	// it out. A 20% accuracy drop zeroes the retention component.
	retention := clamp01(1 + m.PerformanceDelta/0.2)
	m.SafetyScore = clamp01(0.6*retention + 0.4*m.DriftReduction)

	m.ConfidenceLow, m.ConfidenceHigh = v.bootstrapAccuracy(patched, val)

	if len(val.Rows) < v.params.MinSampleSize {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("validation set has %d samples, below the %d floor; metrics are low-confidence",
				len(val.Rows), v.params.MinSampleSize))
	}

	result.IsValid = true
	if m.PerformanceDelta < v.params.RegressionFloor {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("performance delta %.4f below regression floor %.4f",
				m.PerformanceDelta, v.params.RegressionFloor))
	}

	v.attach(p, result)
	return result, nil
}

// attach records the verdict on the patch and advances its status.
func (v *Validator) attach(p *api.Patch, result *api.ValidationResult) {
	p.Validation = result
	if result.IsValid {
		p.Status = api.StatusValidated
	} else {
		p.Status = api.StatusFailed
	}
}

// driftScore measures the attribution-weighted mean PSI between reference data
// preprocessed under refState and current data preprocessed under curState.
func (v *Validator) driftScore(refState, curState *api.PreprocessingState,
	refRows, curRows [][]float64, n int) (float64, error) {

	refCols, err := stats.Columns(PreprocessAll(refState, refRows), n)
	if err != nil {
		return 0, err
	}
	curCols, err := stats.Columns(PreprocessAll(curState, curRows), n)
	if err != nil {
		return 0, err
	}

	psis := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		psis[i] = stats.PSI(refCols[i], curCols[i])
		total += psis[i]
	}
	if total <= 0 {
		return 0, nil
	}
	score := 0.0
	for _, psi := range psis {
		score += (psi / total) * psi
	}
	return clamp01(score), nil
}

type classificationMetrics struct {
	accuracy, precision, recall, f1 float64
}

// classify runs the full pipeline over the validation set and scores the
// binary predictions against ground truth.
func (v *Validator) classify(state *api.PreprocessingState, val ValidationSet) classificationMetrics {
	preds := make([]bool, len(val.Rows))
	for i, row := range val.Rows {
		score := val.Predict(Preprocess(state, row))
		_, preds[i] = Postprocess(state, score)
	}
	return scorePredictions(preds, val.Labels)
}

func scorePredictions(preds []bool, labels []float64) classificationMetrics {
	var tp, tn, fp, fn float64
	for i, pred := range preds {
		actual := labels[i] >= 0.5
		switch {
		case pred && actual:
			tp++
		case pred && !actual:
			fp++
		case !pred && actual:
			fn++
		default:
			tn++
		}
	}

	var m classificationMetrics
	total := tp + tn + fp + fn
	if total > 0 {
		m.accuracy = (tp + tn) / total
	}
	if tp+fp > 0 {
		m.precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.recall = tp / (tp + fn)
	}
	if m.precision+m.recall > 0 {
		m.f1 = 2 * m.precision * m.recall / (m.precision + m.recall)
	}
	return m
}

// bootstrapAccuracy produces a 95% CI for post-patch accuracy by resampling the
// validation set with a fixed seed. Informational only.
func (v *Validator) bootstrapAccuracy(state *api.PreprocessingState, val ValidationSet) (lo, hi float64) {
	if v.bootstrap <= 0 || len(val.Rows) == 0 {
		return 0, 0
	}

	// Predictions are deterministic per row; compute once and resample outcomes.
	correct := make([]bool, len(val.Rows))
	for i, row := range val.Rows {
		score := val.Predict(Preprocess(state, row))
		_, pred := Postprocess(state, score)
		correct[i] = pred == (val.Labels[i] >= 0.5)
	}

	rng := rand.New(rand.NewSource(v.seed))
	accs := make([]float64, v.bootstrap)
	for b := 0; b < v.bootstrap; b++ {
		hits := 0
		for range correct {
			if correct[rng.Intn(len(correct))] {
				hits++
			}
		}
		accs[b] = float64(hits) / float64(len(correct))
	}
	sort.Float64s(accs)

	lo = accs[int(0.025*float64(v.bootstrap))]
	hi = accs[int(0.975*float64(v.bootstrap))-1]
	return lo, hi
}
