package pipeline

import (
	"fmt"
	"math"
	"sort"
)

// FitMode selects how the dominant component of a two-component fit is chosen.
type FitMode int

const (
	// FitUnimodal treats the sample as one main population plus outliers and
	// standardizes by the higher-weight component.
	FitUnimodal FitMode = iota
	// FitBimodal treats the sample as two subpopulations and standardizes by
	// the lower-mean (baseline) component.
	FitBimodal
)

// String returns the user-facing mode name.
func (f FitMode) String() string {
	if f == FitBimodal {
		return "bimodal"
	}
	return "unimodal"
}

// ParseFitMode resolves a fit mode name. The empty string means unimodal.
func ParseFitMode(s string) (FitMode, error) {
	switch s {
	case "", "unimodal":
		return FitUnimodal, nil
	case "bimodal":
		return FitBimodal, nil
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown fit mode %q", s)}
}

// FitOptions bounds the EM procedure.
type FitOptions struct {
	MaxIter int
	Tol     float64
}

// DefaultFitOptions returns the default iteration budget and tolerance.
func DefaultFitOptions() FitOptions {
	return FitOptions{MaxIter: 500, Tol: 1e-8}
}

// Component holds the fitted parameters of one mixture component.
type Component struct {
	Mean   float64 `json:"mean"`
	SD     float64 `json:"sd"`
	Weight float64 `json:"weight"`
}

// TwoComponentFit is the successful outcome of fitting a two-Gaussian mixture
// to one sample column.
type TwoComponentFit struct {
	Components [2]Component `json:"components"`
	Dominant   int          `json:"dominant"`
	Assignment []int        `json:"assignment"` // per input value; -1 for missing
	Normalized []float64    `json:"-"`
	Iterations int          `json:"iterations"`
	LogLik     float64      `json:"loglik"`
}

const (
	minComponentCount = 2.0
	minVariance       = 1e-12
)

// FitTwoComponent fits a two-component Gaussian mixture to the sample values
// by expectation-maximization and standardizes the values by the selected
// component. Initialization is deterministic (a between-class-variance split
// of the sorted values), so identical input always yields identical output.
// Non-convergence or a degenerate component is reported as an error wrapping
// ErrNoSuccess; partial output is never returned.
func FitTwoComponent(values []float64, mode FitMode, opts FitOptions) (*TwoComponentFit, error) {
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultFitOptions().MaxIter
	}
	if opts.Tol <= 0 {
		opts.Tol = DefaultFitOptions().Tol
	}

	obs := finite(values)
	if len(obs) < 4 {
		return nil, fmt.Errorf("%w: %d observed values, need at least 4", ErrNoSuccess, len(obs))
	}

	comps := initComponents(obs)
	if comps[0].SD*comps[0].SD < minVariance && comps[1].SD*comps[1].SD < minVariance {
		return nil, fmt.Errorf("%w: zero-variance sample", ErrNoSuccess)
	}

	nf := float64(len(obs))
	resp := make([]float64, len(obs)) // responsibility of component 0
	prevLL := math.Inf(-1)
	converged := false
	iter := 0

	for iter = 1; iter <= opts.MaxIter; iter++ {
		// E-step.
		var ll float64
		for i, v := range obs {
			p0 := comps[0].Weight * normPDF(v, comps[0].Mean, comps[0].SD)
			p1 := comps[1].Weight * normPDF(v, comps[1].Mean, comps[1].SD)
			total := p0 + p1
			if total <= 0 || math.IsNaN(total) {
				return nil, fmt.Errorf("%w: vanishing likelihood", ErrNoSuccess)
			}
			resp[i] = p0 / total
			ll += math.Log(total)
		}

		// M-step.
		for c := 0; c < 2; c++ {
			var weightSum, meanSum float64
			for i, v := range obs {
				r := resp[i]
				if c == 1 {
					r = 1 - r
				}
				weightSum += r
				meanSum += r * v
			}
			if weightSum < minComponentCount {
				return nil, fmt.Errorf("%w: component %d collapsed", ErrNoSuccess, c)
			}
			mean := meanSum / weightSum
			var varSum float64
			for i, v := range obs {
				r := resp[i]
				if c == 1 {
					r = 1 - r
				}
				d := v - mean
				varSum += r * d * d
			}
			variance := varSum / weightSum
			if variance < minVariance {
				return nil, fmt.Errorf("%w: component %d has zero variance", ErrNoSuccess, c)
			}
			comps[c] = Component{Mean: mean, SD: math.Sqrt(variance), Weight: weightSum / nf}
		}

		if math.Abs(ll-prevLL) < opts.Tol*(1+math.Abs(ll)) {
			prevLL = ll
			converged = true
			break
		}
		prevLL = ll
	}
	if !converged {
		return nil, fmt.Errorf("%w: no convergence after %d iterations", ErrNoSuccess, opts.MaxIter)
	}

	dominant := 0
	switch mode {
	case FitBimodal:
		if comps[1].Mean < comps[0].Mean {
			dominant = 1
		}
	default:
		if comps[1].Weight > comps[0].Weight {
			dominant = 1
		}
	}

	fit := &TwoComponentFit{
		Components: comps,
		Dominant:   dominant,
		Assignment: make([]int, len(values)),
		Normalized: make([]float64, len(values)),
		Iterations: iter,
		LogLik:     prevLL,
	}
	sel := comps[dominant]
	for i, v := range values {
		if math.IsNaN(v) {
			fit.Assignment[i] = -1
			fit.Normalized[i] = math.NaN()
			continue
		}
		p0 := comps[0].Weight * normPDF(v, comps[0].Mean, comps[0].SD)
		p1 := comps[1].Weight * normPDF(v, comps[1].Mean, comps[1].SD)
		if p1 > p0 {
			fit.Assignment[i] = 1
		}
		fit.Normalized[i] = (v - sel.Mean) / sel.SD
	}
	return fit, nil
}

// initComponents seeds the EM from a deterministic split of the sorted values:
// the cut that maximizes between-class variance (Otsu's criterion). When one
// side would hold fewer than two values the split falls back to the middle.
func initComponents(obs []float64) [2]Component {
	sorted := make([]float64, len(obs))
	copy(sorted, obs)
	sort.Float64s(sorted)
	n := len(sorted)

	prefix := make([]float64, n+1)
	prefixSq := make([]float64, n+1)
	for i, v := range sorted {
		prefix[i+1] = prefix[i] + v
		prefixSq[i+1] = prefixSq[i] + v*v
	}

	best, bestVar := n/2, -1.0
	for k := 2; k <= n-2; k++ {
		nl, nr := float64(k), float64(n-k)
		ml := prefix[k] / nl
		mr := (prefix[n] - prefix[k]) / nr
		between := nl * nr * (ml - mr) * (ml - mr)
		if between > bestVar {
			bestVar = between
			best = k
		}
	}
	if best < 2 || best > n-2 {
		best = n / 2
	}

	side := func(lo, hi int) Component {
		cnt := float64(hi - lo)
		mean := (prefix[hi] - prefix[lo]) / cnt
		variance := (prefixSq[hi]-prefixSq[lo])/cnt - mean*mean
		sd := math.Sqrt(math.Max(variance, minVariance))
		return Component{Mean: mean, SD: sd, Weight: cnt / float64(n)}
	}
	return [2]Component{side(0, best), side(best, n)}
}

func normPDF(x, mean, sd float64) float64 {
	z := (x - mean) / sd
	return math.Exp(-0.5*z*z) / (sd * math.Sqrt(2*math.Pi))
}
