// Package pipeline implements the quantitative data-processing pipeline:
// column-wise normalization, the two-component mixture fit, and the
// replicate-group reproducibility filter. All operations return new matrices;
// inputs are never mutated, and failures are explicit error values.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/protquant/server/internal/matrix"
)

// Method selects a column-wise normalization transform.
type Method int

const (
	// MethodMedian subtracts each column's median.
	MethodMedian Method = iota
	// MethodMedianMAD subtracts the median and divides by the median
	// absolute deviation.
	MethodMedianMAD
	// MethodQuantile applies quantile normalization across columns, then
	// re-centers each column to zero median.
	MethodQuantile
	// MethodTwoComponent fits a two-component mixture per column and
	// standardizes by the dominant component.
	MethodTwoComponent
)

// String returns the user-facing method name.
func (m Method) String() string {
	switch m {
	case MethodMedian:
		return "median"
	case MethodMedianMAD:
		return "median-mad"
	case MethodQuantile:
		return "quantile"
	case MethodTwoComponent:
		return "2-component"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// MethodNames lists the accepted normalization method names.
func MethodNames() []string {
	return []string{"median", "median-mad", "quantile", "2-component"}
}

// ParseMethod resolves a method name. Unknown names yield a ConfigurationError.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "median":
		return MethodMedian, nil
	case "median-mad", "median_mad":
		return MethodMedianMAD, nil
	case "quantile":
		return MethodQuantile, nil
	case "2-component", "two-component":
		return MethodTwoComponent, nil
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown normalization method %q", s)}
}

// NormalizeOptions carries the two-component fit settings used when the
// method is MethodTwoComponent.
type NormalizeOptions struct {
	FitMode FitMode
	Fit     FitOptions
	// Fitter replaces the mixture fit procedure; nil means FitTwoComponent.
	Fitter func([]float64, FitMode, FitOptions) (*TwoComponentFit, error)
}

// Normalize applies the method to every sample column of m and returns a new
// matrix of identical shape with identifiers preserved. For MethodTwoComponent
// the per-column fits are returned as well; if any column's fit fails the call
// aborts with a FitFailure naming that column.
func Normalize(m *matrix.Matrix, method Method, opts NormalizeOptions) (*matrix.Matrix, []*TwoComponentFit, error) {
	if m.NCols() == 0 {
		return nil, nil, &ConfigurationError{Reason: "matrix has no sample columns"}
	}

	out := m.Clone()
	switch method {
	case MethodMedian:
		for j, name := range out.Columns {
			col := out.Column(j)
			med := median(col)
			if math.IsNaN(med) {
				return nil, nil, &DegenerateInputError{Subject: "column " + name, Reason: "no observed values"}
			}
			for i := range col {
				col[i] -= med
			}
			out.SetColumn(j, col)
		}
		return out, nil, nil

	case MethodMedianMAD:
		for j, name := range out.Columns {
			col := out.Column(j)
			med := median(col)
			if math.IsNaN(med) {
				return nil, nil, &DegenerateInputError{Subject: "column " + name, Reason: "no observed values"}
			}
			scale := mad(col, med)
			if scale == 0 {
				return nil, nil, &DegenerateInputError{Subject: "column " + name, Reason: "zero median absolute deviation"}
			}
			for i := range col {
				col[i] = (col[i] - med) / scale
			}
			out.SetColumn(j, col)
		}
		return out, nil, nil

	case MethodQuantile:
		if err := quantileNormalize(out); err != nil {
			return nil, nil, err
		}
		return out, nil, nil

	case MethodTwoComponent:
		fitter := opts.Fitter
		if fitter == nil {
			fitter = FitTwoComponent
		}
		fits := make([]*TwoComponentFit, out.NCols())
		for j, name := range out.Columns {
			fit, err := fitter(out.Column(j), opts.FitMode, opts.Fit)
			if err != nil {
				return nil, nil, &FitFailure{Column: name, Err: err}
			}
			out.SetColumn(j, fit.Normalized)
			fits[j] = fit
		}
		return out, fits, nil
	}

	return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("unknown normalization method %q", method)}
}

// quantileNormalize replaces each column's values by the mean reference
// distribution evaluated at the value's fractional rank, then re-centers
// every column to zero median. Missing values stay missing and do not take
// part in ranking.
func quantileNormalize(m *matrix.Matrix) error {
	n := m.NRows()
	if n == 0 {
		return nil
	}

	sortedCols := make([][]float64, m.NCols())
	for j, name := range m.Columns {
		obs := finite(m.Column(j))
		if len(obs) == 0 {
			return &DegenerateInputError{Subject: "column " + name, Reason: "no observed values"}
		}
		sort.Float64s(obs)
		sortedCols[j] = obs
	}

	// Reference distribution: mean across columns of each column's empirical
	// quantile function on a common grid of n probabilities.
	ref := make([]float64, n)
	for i := 0; i < n; i++ {
		p := 0.5
		if n > 1 {
			p = float64(i) / float64(n-1)
		}
		var sum float64
		for j := range sortedCols {
			sum += quantileR7(sortedCols[j], p)
		}
		ref[i] = sum / float64(len(sortedCols))
	}

	for j := range m.Columns {
		col := m.Column(j)
		ranks := fractionalRanks(col)
		nObs := len(sortedCols[j])
		for i := range col {
			if math.IsNaN(ranks[i]) {
				continue
			}
			p := 0.5
			if nObs > 1 {
				p = ranks[i] / float64(nObs-1)
			}
			col[i] = quantileR7(ref, p)
		}
		med := median(col)
		for i := range col {
			col[i] -= med
		}
		m.SetColumn(j, col)
	}
	return nil
}
