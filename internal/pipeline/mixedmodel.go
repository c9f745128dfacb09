package pipeline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/protquant/server/internal/matrix"
)

// minMixedReplicates is the smallest number of non-missing replicate values a
// feature needs before the mixed-model estimator will judge it. Features with
// fewer available replicates are kept unmasked: there is too little
// information to call them irreproducible, and the missing cells already
// carry the degradation downstream.
const minMixedReplicates = 3

// MixedModelReproducibility decides, for every feature row of m, whether its
// measurements across the given replicate columns are consistent. The model
// treats the replicate (column) identity as a random offset: column medians
// are removed, and each feature's residual variance is compared against the
// residual variance pooled over all features. Under consistency the scaled
// per-feature statistic follows a chi-squared distribution; a feature is
// flagged (true) when its upper-tail p-value falls below alpha.
//
// The returned vector has exactly one entry per feature row, aligned by row
// order.
func MixedModelReproducibility(m *matrix.Matrix, cols []int, alpha float64) ([]bool, error) {
	if len(cols) < 3 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("mixed-model estimator needs at least 3 replicates, got %d", len(cols))}
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("alpha must be in (0, 1), got %g", alpha)}
	}

	// Replicate effects: the column medians within the group.
	effects := make([]float64, len(cols))
	for k, j := range cols {
		med := median(m.Column(j))
		if math.IsNaN(med) {
			med = 0
		}
		effects[k] = med
	}

	n := m.NRows()
	featVar := make([]float64, n) // residual variance per feature, NaN when unjudged
	featDF := make([]float64, n)
	var pooledSS, pooledDF float64

	adj := make([]float64, len(cols))
	for i := 0; i < n; i++ {
		featVar[i] = math.NaN()
		obs := adj[:0]
		for k, j := range cols {
			v := m.Values[i][j]
			if !math.IsNaN(v) {
				obs = append(obs, v-effects[k])
			}
		}
		if len(obs) < minMixedReplicates {
			continue
		}
		var mean float64
		for _, v := range obs {
			mean += v
		}
		mean /= float64(len(obs))
		var ss float64
		for _, v := range obs {
			d := v - mean
			ss += d * d
		}
		df := float64(len(obs) - 1)
		featVar[i] = ss / df
		featDF[i] = df
		pooledSS += ss
		pooledDF += df
	}

	flags := make([]bool, n)
	if pooledDF == 0 {
		return flags, nil
	}
	pooledVar := pooledSS / pooledDF

	for i := 0; i < n; i++ {
		if math.IsNaN(featVar[i]) {
			continue
		}
		if pooledVar < minVariance {
			// Degenerate pooled residual: any deviation at all is excess.
			flags[i] = featVar[i] > 0
			continue
		}
		statistic := featDF[i] * featVar[i] / pooledVar
		p := distuv.ChiSquared{K: featDF[i]}.Survival(statistic)
		flags[i] = p < alpha
	}
	return flags, nil
}
