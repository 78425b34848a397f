package tensor

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// PercentileCount is the number of evenly spaced percentile points sampled
// from a probability mask.
const PercentileCount = 13

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// SigmoidAll applies the logistic function element-wise into a new slice.
func SigmoidAll(xs []float32) []float32 {
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(Sigmoid(float64(x)))
	}
	return out
}

// Float64s widens a float32 slice.
func Float64s(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

// MeanStd returns the mean and the population standard deviation.
func MeanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(xs, nil)
}

// PercentilePoints returns n evenly spaced percentile ranks from 0 to 100
// inclusive. n <= 0 yields no points.
func PercentilePoints(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{0}
	}
	step := 100.0 / float64(n-1)
	ps := make([]float64, n)
	for i := range ps {
		ps[i] = float64(i) * step
	}
	ps[n-1] = 100
	return ps
}

// Percentiles returns the requested percentiles of xs using linear
// interpolation between closest ranks. xs is not modified.
func Percentiles(xs []float64, ps []float64) ([]float64, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("percentiles of empty sample")
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	out := make([]float64, len(ps))
	last := float64(len(sorted) - 1)
	for i, p := range ps {
		if p < 0 || p > 100 {
			return nil, fmt.Errorf("percentile %v out of range [0,100]", p)
		}
		rank := p / 100 * last
		lo := math.Floor(rank)
		hi := math.Ceil(rank)
		a, b := sorted[int(lo)], sorted[int(hi)]
		out[i] = a + (b-a)*(rank-lo)
	}

	// Interpolation rounding must not break monotonicity.
	for i := 1; i < len(out); i++ {
		if ps[i] >= ps[i-1] && out[i] < out[i-1] {
			out[i] = out[i-1]
		}
	}
	return out, nil
}
