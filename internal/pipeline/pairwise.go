package pipeline

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultAgreementZ is the z-multiplier for the limits of agreement. It
// corresponds to a two-sided confidence level of ~0.9990, a deliberately
// stricter bound than the conventional 1.96.
const DefaultAgreementZ = 3.290527

// AgreementZ returns the z-multiplier for a two-sided confidence level,
// e.g. AgreementZ(0.95) ~ 1.96.
func AgreementZ(confidence float64) float64 {
	return distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
}

// AgreementLimits are Bland-Altman limits of agreement between two replicate
// columns: Mean +- z*SD of the paired differences.
type AgreementLimits struct {
	Lower float64
	Upper float64
	Mean  float64
	SD    float64
	N     int
}

// Outside reports whether the difference d falls outside the limits.
// Missing differences are never flagged.
func (l *AgreementLimits) Outside(d float64) bool {
	if math.IsNaN(d) {
		return false
	}
	return d < l.Lower || d > l.Upper
}

// PairwiseAgreement estimates limits of agreement from the elementwise
// differences a-b over paired non-missing observations. Fewer than two such
// pairs cannot support an estimate and yield a DegenerateInputError.
func PairwiseAgreement(a, b []float64, z float64) (*AgreementLimits, error) {
	if z <= 0 {
		z = DefaultAgreementZ
	}
	diffs := make([]float64, 0, len(a))
	for i := range a {
		if i < len(b) && !math.IsNaN(a[i]) && !math.IsNaN(b[i]) {
			diffs = append(diffs, a[i]-b[i])
		}
	}
	if len(diffs) < 2 {
		return nil, &DegenerateInputError{
			Subject: "replicate pair",
			Reason:  "fewer than 2 paired observations",
		}
	}
	mean, sd := meanStdDev(diffs)
	return &AgreementLimits{
		Lower: mean - z*sd,
		Upper: mean + z*sd,
		Mean:  mean,
		SD:    sd,
		N:     len(diffs),
	}, nil
}
