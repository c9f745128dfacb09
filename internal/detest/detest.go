// Package detest provides the differential-testing engine consumed downstream
// of the processing pipeline. It takes a feature-by-sample matrix (NA-aware)
// plus a group assignment and returns per-feature statistics for a two-group
// comparison: means, log2 fold change, Welch t-test and rank-sum p-values,
// and Benjamini-Hochberg adjusted FDRs.
package detest

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/protquant/server/internal/matrix"
)

// FeatureStat holds the comparison result for one feature.
type FeatureStat struct {
	ID         string  `json:"feature_id"`
	Mean1      float64 `json:"mean1"`
	Mean2      float64 `json:"mean2"`
	N1         int     `json:"n1"`
	N2         int     `json:"n2"`
	Log2FC     float64 `json:"log2fc"`
	PWelch     float64 `json:"p_welch"`
	FDRWelch   float64 `json:"fdr_welch"`
	PRankSum   float64 `json:"p_ranksum"`
	FDRRankSum float64 `json:"fdr_ranksum"`
}

// Compare tests every feature of m between two replicate groups. Missing
// values are dropped per feature and per side; a feature with no observed
// values on either side gets p = 1. Results keep the matrix row order.
func Compare(m *matrix.Matrix, groups matrix.Groups, group1, group2 string) ([]FeatureStat, error) {
	cols1 := groups.Members(m, group1)
	cols2 := groups.Members(m, group2)
	if len(cols1) == 0 {
		return nil, fmt.Errorf("detest: group %q has no sample columns", group1)
	}
	if len(cols2) == 0 {
		return nil, fmt.Errorf("detest: group %q has no sample columns", group2)
	}

	stats := make([]FeatureStat, m.NRows())
	pWelch := make([]float64, m.NRows())
	pRank := make([]float64, m.NRows())

	for i := 0; i < m.NRows(); i++ {
		v1 := rowValues(m, i, cols1)
		v2 := rowValues(m, i, cols2)

		s := FeatureStat{ID: m.IDs[i], N1: len(v1), N2: len(v2), PWelch: 1, PRankSum: 1}
		var var1, var2 float64
		if len(v1) > 0 {
			s.Mean1 = stat.Mean(v1, nil)
			if len(v1) > 1 {
				var1 = stat.Variance(v1, nil)
			}
		}
		if len(v2) > 0 {
			s.Mean2 = stat.Mean(v2, nil)
			if len(v2) > 1 {
				var2 = stat.Variance(v2, nil)
			}
		}
		s.Log2FC = log2FoldChange(s.Mean1, s.Mean2, len(v1), len(v2))
		if len(v1) > 0 || len(v2) > 0 {
			s.PWelch = welchP(s.Mean1, var1, len(v1), s.Mean2, var2, len(v2))
			s.PRankSum = rankSumP(v1, v2)
		}

		pWelch[i] = s.PWelch
		pRank[i] = s.PRankSum
		stats[i] = s
	}

	fdrWelch := BenjaminiHochberg(pWelch)
	fdrRank := BenjaminiHochberg(pRank)
	for i := range stats {
		stats[i].FDRWelch = fdrWelch[i]
		stats[i].FDRRankSum = fdrRank[i]
	}
	return stats, nil
}

func rowValues(m *matrix.Matrix, row int, cols []int) []float64 {
	vals := make([]float64, 0, len(cols))
	for _, j := range cols {
		if v := m.Values[row][j]; !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	return vals
}

// log2FoldChange is the difference of group means. The matrices tested here
// are normalized, so values are log2-scale and centered; the ratio form would
// take the log of negative operands.
func log2FoldChange(mean1, mean2 float64, n1, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 0
	}
	return mean1 - mean2
}

// welchP computes the two-tailed p-value of Welch's unequal-variance t-test.
func welchP(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) float64 {
	if n1 < 2 || n2 < 2 {
		return 1
	}
	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	seDiff := math.Sqrt(se1 + se2)
	if seDiff < 1e-15 {
		if mean1 == mean2 {
			return 1
		}
		return 0
	}
	t := (mean1 - mean2) / seDiff

	// Welch-Satterthwaite degrees of freedom.
	num := (se1 + se2) * (se1 + se2)
	var den float64
	if se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	if den < 1e-15 {
		return 1
	}
	df := math.Max(num/den, 1)

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.CDF(-math.Abs(t))
}

// rankSumP computes the two-sided Mann-Whitney U p-value with tie correction
// and a continuity-corrected normal approximation.
func rankSumP(v1, v2 []float64) float64 {
	n1, n2 := len(v1), len(v2)
	if n1 == 0 || n2 == 0 {
		return 1
	}

	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range v1 {
		combined = append(combined, entry{val: v, group: 1})
	}
	for _, v := range v2 {
		combined = append(combined, entry{val: v, group: 2})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	total := len(combined)
	ranks := make([]float64, total)
	var tieSum float64
	for i := 0; i < total; {
		j := i
		for j < total && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	var r1 float64
	for i, e := range combined {
		if e.group == 1 {
			r1 += ranks[i]
		}
	}

	n1f, n2f, nf := float64(n1), float64(n2), float64(total)
	u1 := r1 - n1f*(n1f+1)/2
	u := math.Min(u1, n1f*n2f-u1)
	muU := n1f * n2f / 2
	sigmaU := math.Sqrt(n1f * n2f * ((nf + 1) - tieSum/(nf*(nf-1))) / 12)
	if sigmaU < 1e-10 {
		return 1
	}
	z := (u - muU + 0.5) / sigmaU
	return 2 * distuv.UnitNormal.CDF(-math.Abs(z))
}

// BenjaminiHochberg adjusts p-values for multiple testing, preserving input
// order and enforcing monotonicity of the adjusted values.
func BenjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		adjusted := pvals[idx[i]] * float64(n) / float64(i+1)
		if adjusted > 1 {
			adjusted = 1
		}
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[idx[i]] = adjusted
	}
	return fdr
}
