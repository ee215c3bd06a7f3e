// Package stats implements the distribution comparator: per-feature drift
// measurement via PSI and the two-sample KS test, plus drift attribution.
// Everything here is pure and CPU-bound; no I/O, no hidden randomness.
package stats

import (
	"math"

	"github.com/adaptml/driftpatch/internal/api"
)

// Decision thresholds for flagging a single feature as drifted.
const (
	// PSIModerate flags moderate drift; PSIHigh flags high drift.
	PSIModerate = 0.2
	PSIHigh     = 0.5

	// KSSignificance is the p-value below which the KS null is rejected.
	KSSignificance = 0.05
)

// minSamples is the floor below which comparisons are refused as malformed input.
const minSamples = 2

// CompareFeature measures drift for a single feature between a reference sample
// and a current sample. isDrifted = PSI > 0.2 OR KS p-value < 0.05.
// Degenerate distributions (zero variance) are handled by bin fallback inside
// PSI and never fail; genuinely unusable inputs return an input error.
func CompareFeature(name string, ref, cur []float64) (api.FeatureDrift, error) {
	if len(ref) < minSamples || len(cur) < minSamples {
		return api.FeatureDrift{}, api.InputErrorf(
			"feature %q: need at least %d samples per side, got ref=%d cur=%d",
			name, minSamples, len(ref), len(cur))
	}

	psi := PSI(ref, cur)
	ks, p := KSTest(ref, cur)

	return api.FeatureDrift{
		Feature:     name,
		PSI:         psi,
		KSStatistic: ks,
		KSPValue:    p,
		DriftScore:  clamp01(psi),
		IsDrifted:   psi > PSIModerate || p < KSSignificance,
	}, nil
}

// CompareFeatures runs CompareFeature for every declared feature, in order,
// and fills in attribution weights.
func CompareFeatures(names []string, ref, cur [][]float64) ([]api.FeatureDrift, error) {
	if len(ref) != len(names) || len(cur) != len(names) {
		return nil, api.InputErrorf(
			"feature count mismatch: %d names, %d reference columns, %d current columns",
			len(names), len(ref), len(cur))
	}

	drifts := make([]api.FeatureDrift, 0, len(names))
	for i, name := range names {
		fd, err := CompareFeature(name, ref[i], cur[i])
		if err != nil {
			return nil, err
		}
		drifts = append(drifts, fd)
	}

	Attribute(drifts)
	return drifts, nil
}

// Attribute normalizes each feature's PSI by the total PSI across the result,
// producing a ranking weight. When total PSI is zero every attribution is zero.
func Attribute(drifts []api.FeatureDrift) {
	total := 0.0
	for _, d := range drifts {
		total += d.PSI
	}
	if total <= 0 {
		for i := range drifts {
			drifts[i].Attribution = 0
		}
		return
	}
	for i := range drifts {
		drifts[i].Attribution = drifts[i].PSI / total
	}
}

// Columns transposes row-major samples into per-feature columns.
func Columns(rows [][]float64, n int) ([][]float64, error) {
	cols := make([][]float64, n)
	for i := range cols {
		cols[i] = make([]float64, 0, len(rows))
	}
	for r, row := range rows {
		if len(row) != n {
			return nil, api.InputErrorf("sample row %d has %d values, want %d", r, len(row), n)
		}
		for i, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, api.InputErrorf("sample row %d feature %d is not finite", r, i)
			}
			cols[i] = append(cols[i], v)
		}
	}
	return cols, nil
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
