// Package drift combines per-feature comparator output into an overall drift
// score and a drift-type classification.
package drift

import (
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/stats"
)

// Aggregator turns per-feature measurements into a DriftResult.
type Aggregator struct {
	// WorstCase switches the aggregate from the attribution-weighted mean of
	// per-feature PSI (default) to the per-feature maximum.
	WorstCase bool

	// DetectThreshold is the aggregate score above which Detected is set.
	DetectThreshold float64
}

// NewAggregator returns an aggregator with the default weighted-mean combination
// and the 0.2 (moderate) detection threshold.
func NewAggregator() *Aggregator {
	return &Aggregator{DetectThreshold: stats.PSIModerate}
}

// Input carries one model's analysis window: per-feature columns plus optional
// label samples for prior/concept checks.
type Input struct {
	Model     *api.Model
	RefCols   [][]float64 // per-feature reference columns, ordered per Model.Features
	CurCols   [][]float64 // per-feature current columns
	RefLabels []float64   // optional: reference label/prediction distribution
	CurLabels []float64   // optional: current label/prediction distribution
}

// Aggregate runs the comparator over all features, combines the scores, and
// classifies the drift type. Pure and deterministic; timestamps come from now.
func (a *Aggregator) Aggregate(in Input, now time.Time) (*api.DriftResult, error) {
	if in.Model == nil {
		return nil, api.InputErrorf("nil model")
	}

	features, err := stats.CompareFeatures(in.Model.Features, in.RefCols, in.CurCols)
	if err != nil {
		return nil, err
	}

	score := a.combine(features)

	tests := make([]api.StatisticalTest, 0, len(features)+1)
	for _, f := range features {
		tests = append(tests, api.StatisticalTest{
			Name:      "ks_" + f.Feature,
			Statistic: f.KSStatistic,
			PValue:    f.KSPValue,
			Passed:    f.KSPValue >= stats.KSSignificance,
		})
	}

	labelShift := false
	if len(in.RefLabels) >= 2 && len(in.CurLabels) >= 2 {
		ksStat, ksP := stats.KSTest(in.RefLabels, in.CurLabels)
		labelShift = ksP < stats.KSSignificance
		tests = append(tests, api.StatisticalTest{
			Name:      "ks_labels",
			Statistic: ksStat,
			PValue:    ksP,
			Passed:    !labelShift,
		})
	}

	inputShift := false
	for _, f := range features {
		if f.IsDrifted {
			inputShift = true
			break
		}
	}

	result := &api.DriftResult{
		ID:        api.DriftResultID(in.Model.ID, now),
		ModelID:   in.Model.ID,
		Timestamp: now,
		Score:     score,
		Type:      classify(inputShift, labelShift),
		Detected:  score >= a.DetectThreshold,
		Severity:  api.SeverityFor(score),
		Features:  features,
		Tests:     tests,
	}
	return result, nil
}

// combine reduces per-feature PSI to a single score clamped to [0,1].
func (a *Aggregator) combine(features []api.FeatureDrift) float64 {
	if len(features) == 0 {
		return 0
	}

	if a.WorstCase {
		max := 0.0
		for _, f := range features {
			if f.PSI > max {
				max = f.PSI
			}
		}
		return clamp01(max)
	}

	// Attribution-weighted mean of per-feature PSI. When attribution is all
	// zero (no drift anywhere) the score is zero.
	sum := 0.0
	for _, f := range features {
		sum += f.Attribution * f.PSI
	}
	return clamp01(sum)
}

// classify applies the precedence-ordered heuristic:
// label shift alone -> prior; input shift alone -> covariate; both -> concept.
// Concept takes precedence because it implies the other two.
func classify(inputShift, labelShift bool) api.DriftType {
	switch {
	case inputShift && labelShift:
		return api.DriftConcept
	case labelShift:
		return api.DriftPrior
	default:
		return api.DriftCovariate
	}
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
