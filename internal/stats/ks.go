package stats

import (
	"math"
	"sort"
)

// KSTest computes the two-sample Kolmogorov-Smirnov statistic and its
// approximate p-value. The statistic is D = max |F1(x) - F2(x)| over the union
// of observed values, where F1 and F2 are the empirical CDFs; the p-value uses
// the standard asymptotic Kolmogorov approximation with the effective sample
// size ne = n1*n2/(n1+n2).
func KSTest(sample1, sample2 []float64) (statistic, pValue float64) {
	if len(sample1) == 0 || len(sample2) == 0 {
		return 0, 1.0
	}

	statistic = ksStatistic(sample1, sample2)

	n1, n2 := float64(len(sample1)), float64(len(sample2))
	ne := (n1 * n2) / (n1 + n2)
	lambda := math.Sqrt(ne) * statistic

	return statistic, ksPValue(lambda)
}

// ksStatistic computes D = max |F1(x) - F2(x)| by merge-walking both sorted samples.
func ksStatistic(sample1, sample2 []float64) float64 {
	s1 := make([]float64, len(sample1))
	s2 := make([]float64, len(sample2))
	copy(s1, sample1)
	copy(s2, sample2)
	sort.Float64s(s1)
	sort.Float64s(s2)

	n1, n2 := float64(len(s1)), float64(len(s2))

	i, j := 0, 0
	maxD := 0.0

	for i < len(s1) && j < len(s2) {
		d1, d2 := s1[i], s2[j]

		// Advance past ties so the CDF step is counted once per distinct value.
		if d1 <= d2 {
			for i < len(s1) && s1[i] == d1 {
				i++
			}
		}
		if d2 <= d1 {
			for j < len(s2) && s2[j] == d2 {
				j++
			}
		}

		diff := math.Abs(float64(i)/n1 - float64(j)/n2)
		if diff > maxD {
			maxD = diff
		}
	}

	// Whichever sample has remaining values, the other CDF is pinned at 1.
	if i < len(s1) || j < len(s2) {
		diff := math.Abs(float64(i)/n1 - float64(j)/n2)
		if diff > maxD {
			maxD = diff
		}
	}

	return maxD
}

// ksPValue computes the approximate p-value from the Kolmogorov distribution:
// P(D > x) ~= 2 * sum_{k>=1} (-1)^{k-1} * exp(-2 k^2 x^2), truncated at 10 terms.
func ksPValue(lambda float64) float64 {
	if lambda <= 0 {
		return 1.0
	}

	sum := 0.0
	for k := 1; k <= 10; k++ {
		sign := 1.0
		if k%2 == 0 {
			sign = -1.0
		}
		sum += sign * math.Exp(-2*float64(k*k)*lambda*lambda)
	}

	pValue := 2 * sum
	if pValue < 0 {
		return 0
	}
	if pValue > 1 {
		return 1
	}
	return pValue
}
