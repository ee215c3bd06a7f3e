package stats

import (
	"math"
	"sort"
)

// psiEpsilon is added to every bin fraction to avoid log(0) and division by zero
// when a bin is empty in one sample.
const psiEpsilon = 1e-4

// psiBins is the number of quantile bins derived from the reference distribution.
const psiBins = 10

// PSI computes the Population Stability Index between a reference sample and a
// current sample. Bin edges are decile edges of the reference distribution,
// with outer edges at the reference min and max so out-of-range values count
// as overflow; PSI = sum (cur% - ref%) * ln(cur% / ref%) over bins.
//
// Interpretation: >0.2 moderate drift, >0.5 high drift.
func PSI(ref, cur []float64) float64 {
	if len(ref) == 0 || len(cur) == 0 {
		return 0
	}

	edges := quantileEdges(ref, psiBins)

	refFrac := binFractions(ref, edges)
	curFrac := binFractions(cur, edges)

	psi := 0.0
	for i := range refFrac {
		r := refFrac[i] + psiEpsilon
		c := curFrac[i] + psiEpsilon
		psi += (c - r) * math.Log(c/r)
	}
	return psi
}

// quantileEdges returns bin edges at the 0th through 100th percentiles of the
// sample (len bins+1 before dedup). The outermost edges sit at the sample min
// and max, so values outside the reference range land in dedicated overflow
// bins; without them, clipping an outlier into range would not move it between
// bins and PSI could not register the correction. A degenerate (zero-variance)
// sample collapses to a single edge; binFractions then falls back to a two-bin
// split around that value.
func quantileEdges(sample []float64, bins int) []float64 {
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	edges := make([]float64, 0, bins+1)
	n := len(sorted)
	for i := 0; i <= bins; i++ {
		pos := float64(i) / float64(bins) * float64(n-1)
		idx := int(math.Floor(pos))
		frac := pos - math.Floor(pos)
		var edge float64
		if idx >= n-1 {
			edge = sorted[n-1]
		} else {
			edge = sorted[idx] + frac*(sorted[idx+1]-sorted[idx])
		}
		// Skip duplicate edges from repeated values
		if len(edges) == 0 || edge > edges[len(edges)-1] {
			edges = append(edges, edge)
		}
	}
	return edges
}

// binFractions returns the population fraction per bin. Bins are
// (-inf, e0], (e0, e1], ..., (eLast, +inf).
func binFractions(sample []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range sample {
		// SearchFloat64s places a value equal to an edge into the bin below it.
		counts[sort.SearchFloat64s(edges, v)]++
	}
	n := float64(len(sample))
	for i := range counts {
		counts[i] /= n
	}
	return counts
}

// Percentile returns the p-th percentile (0-100) of the sample using linear
// interpolation between order statistics.
func Percentile(sample []float64, p float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	pos := p / 100 * float64(len(sorted)-1)
	idx := int(math.Floor(pos))
	frac := pos - math.Floor(pos)
	if idx >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[idx] + frac*(sorted[idx+1]-sorted[idx])
}

// Mean returns the arithmetic mean of the sample.
func Mean(sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range sample {
		sum += v
	}
	return sum / float64(len(sample))
}

// StdDev returns the population standard deviation of the sample.
func StdDev(sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	mean := Mean(sample)
	variance := 0.0
	for _, v := range sample {
		diff := v - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(sample)))
}
