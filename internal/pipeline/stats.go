package pipeline

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// finite returns the non-missing values of xs.
func finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// quantileR7 returns the pth quantile of the sorted slice v using the R-7
// interpolation rule.
func quantileR7(v []float64, p float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	if len(v) == 1 || p <= 0 {
		return v[0]
	}
	if p >= 1 {
		return v[len(v)-1]
	}
	h := float64(len(v)-1) * p
	i := int(h)
	return v[i] + (h-math.Floor(h))*(v[i+1]-v[i])
}

// median returns the median of xs ignoring missing values, or NaN if no
// values remain.
func median(xs []float64) float64 {
	obs := finite(xs)
	if len(obs) == 0 {
		return math.NaN()
	}
	sort.Float64s(obs)
	return quantileR7(obs, 0.5)
}

// mad returns the median absolute deviation of xs around med, ignoring
// missing values.
func mad(xs []float64, med float64) float64 {
	dev := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) {
			dev = append(dev, math.Abs(v-med))
		}
	}
	if len(dev) == 0 {
		return math.NaN()
	}
	sort.Float64s(dev)
	return quantileR7(dev, 0.5)
}

// meanStdDev returns the mean and sample standard deviation of xs.
func meanStdDev(xs []float64) (mean, sd float64) {
	mean = stat.Mean(xs, nil)
	sd = stat.StdDev(xs, nil)
	return mean, sd
}

// fractionalRanks returns the 0-based ranks of xs with ties assigned the
// average rank of the tied run. Missing values get NaN ranks.
func fractionalRanks(xs []float64) []float64 {
	idx := make([]int, 0, len(xs))
	for i, v := range xs {
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	ranks := make([]float64, len(xs))
	for i := range ranks {
		ranks[i] = math.NaN()
	}
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && xs[idx[j]] == xs[idx[i]] {
			j++
		}
		avg := float64(i+j-1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}
	return ranks
}
