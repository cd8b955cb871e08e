package models

import (
	"math"
	"sort"
)

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// percentile returns the q-th percentile (0..100) of values by linear
// interpolation. values is not modified.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// columnStats returns the per-dimension mean and standard deviation of
// a row-major sample matrix.
func columnStats(vectors [][]float64, dim int) (mean, std []float64) {
	mean = make([]float64, dim)
	std = make([]float64, dim)
	if len(vectors) == 0 {
		return mean, std
	}
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			d := v[i] - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(vectors)))
	}
	return mean, std
}

// standardize maps v to z-scores against mean/std, treating a zero std
// as unit scale.
func standardize(v, mean, std []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		s := std[i]
		if s < 1e-12 {
			s = 1
		}
		out[i] = (v[i] - mean[i]) / s
	}
	return out
}
