package pipeline

import (
	"fmt"
	"math"

	"github.com/protquant/server/internal/matrix"
)

// DefaultAlpha is the default significance level for the mixed-model
// reproducibility estimator.
const DefaultAlpha = 0.05

// FilterOptions configures the reproducibility filter.
type FilterOptions struct {
	// Alpha is the significance level for the mixed-model estimator.
	// Zero means DefaultAlpha.
	Alpha float64
	// Z is the limits-of-agreement multiplier for two-replicate groups.
	// Zero means DefaultAgreementZ.
	Z float64
	// Estimator replaces the multi-replicate estimator; nil means
	// MixedModelReproducibility.
	Estimator func(m *matrix.Matrix, cols []int, alpha float64) ([]bool, error)
}

// FilterResult is the outcome of a reproducibility pass: the masked matrix and,
// per replicate group, the identifiers of features masked in that group.
type FilterResult struct {
	Matrix        *matrix.Matrix
	MaskedByGroup map[string][]string
}

// MaskedCounts returns the number of masked features per group.
func (r *FilterResult) MaskedCounts() map[string]int {
	counts := make(map[string]int, len(r.MaskedByGroup))
	for g, ids := range r.MaskedByGroup {
		counts[g] = len(ids)
	}
	return counts
}

// FilterReproducibility masks measurements that disagree with the other
// replicates of their group. Groups with one member are left untouched,
// two-member groups use Bland-Altman limits of agreement on the pair, and
// larger groups use the mixed-model estimator. Masking is scoped strictly to
// the flagged feature's row and the group's own columns.
func FilterReproducibility(m *matrix.Matrix, groups matrix.Groups, opts FilterOptions) (*FilterResult, error) {
	if opts.Alpha == 0 {
		opts.Alpha = DefaultAlpha
	}
	if opts.Z == 0 {
		opts.Z = DefaultAgreementZ
	}
	if opts.Estimator == nil {
		opts.Estimator = MixedModelReproducibility
	}
	if err := validateGroups(m, groups); err != nil {
		return nil, err
	}

	out := m.Clone()
	masked := make(map[string][]string)

	for _, group := range groups.Labels() {
		cols := groups.Members(m, group)
		if len(cols) < 2 {
			continue
		}
		masked[group] = []string{}

		var flags []bool
		var err error
		if len(cols) == 2 {
			flags, err = pairwiseFlags(m, cols, opts.Z)
		} else {
			flags, err = opts.Estimator(m, cols, opts.Alpha)
		}
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", group, err)
		}
		if len(flags) != m.NRows() {
			return nil, &InternalConsistencyError{
				Op:   "reproducibility estimator for group " + group,
				Want: m.NRows(),
				Got:  len(flags),
			}
		}

		for i, flagged := range flags {
			if !flagged {
				continue
			}
			for _, j := range cols {
				out.Values[i][j] = math.NaN()
			}
			masked[group] = append(masked[group], m.IDs[i])
		}
	}

	return &FilterResult{Matrix: out, MaskedByGroup: masked}, nil
}

// pairwiseFlags applies the limits-of-agreement criterion to a two-replicate
// group, flagging features whose own difference falls outside the limits.
func pairwiseFlags(m *matrix.Matrix, cols []int, z float64) ([]bool, error) {
	a, b := m.Column(cols[0]), m.Column(cols[1])
	limits, err := PairwiseAgreement(a, b, z)
	if err != nil {
		return nil, err
	}
	flags := make([]bool, m.NRows())
	for i := range flags {
		flags[i] = limits.Outside(a[i] - b[i])
	}
	return flags, nil
}

// validateGroups checks that the assignment covers every sample column and
// references no unknown samples.
func validateGroups(m *matrix.Matrix, groups matrix.Groups) error {
	for _, name := range m.Columns {
		if _, ok := groups[name]; !ok {
			return &ConfigurationError{Reason: fmt.Sprintf("sample %q has no group assignment", name)}
		}
	}
	for name := range groups {
		if m.ColumnIndex(name) < 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("group assignment references unknown sample %q", name)}
		}
	}
	return nil
}
