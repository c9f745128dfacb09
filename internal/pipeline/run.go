package pipeline

import (
	"github.com/protquant/server/internal/matrix"
)

// Params configures one normalization-plus-filtering pass.
type Params struct {
	Method  Method
	FitMode FitMode
	Fit     FitOptions
	// Alpha is the mixed-model significance level; zero means DefaultAlpha.
	Alpha float64
	// Confidence is the two-sided confidence level for the limits of
	// agreement; zero keeps DefaultAgreementZ.
	Confidence float64
}

// Result is the complete outcome of one pass. Entities live for the duration
// of the pass; a re-run with different parameters replaces them wholesale.
type Result struct {
	Normalized    *matrix.Matrix
	Filtered      *matrix.Matrix
	Fits          []*TwoComponentFit
	MaskedByGroup map[string][]string
}

// Run validates the group assignment, normalizes the matrix and applies the
// reproducibility filter. It is a pure function of its inputs: the input
// matrix is never mutated and no state is retained between calls.
func Run(m *matrix.Matrix, groups matrix.Groups, p Params) (*Result, error) {
	if err := validateGroups(m, groups); err != nil {
		return nil, err
	}

	normalized, fits, err := Normalize(m, p.Method, NormalizeOptions{FitMode: p.FitMode, Fit: p.Fit})
	if err != nil {
		return nil, err
	}

	z := 0.0
	if p.Confidence > 0 && p.Confidence < 1 {
		z = AgreementZ(p.Confidence)
	}
	filtered, err := FilterReproducibility(normalized, groups, FilterOptions{Alpha: p.Alpha, Z: z})
	if err != nil {
		return nil, err
	}

	return &Result{
		Normalized:    normalized,
		Filtered:      filtered.Matrix,
		Fits:          fits,
		MaskedByGroup: filtered.MaskedByGroup,
	}, nil
}
