package pipeline

import (
	"errors"
	"math"
	"testing"
)

func TestPairwiseAgreementFlagsOutlier(t *testing.T) {
	// 19 agreeing pairs and one large disagreement.
	n := 20
	a := make([]float64, n)
	b := make([]float64, n)
	for i := range a {
		a[i] = float64(i)
		b[i] = float64(i)
	}
	a[7] += 50

	limits, err := PairwiseAgreement(a, b, DefaultAgreementZ)
	if err != nil {
		t.Fatalf("PairwiseAgreement failed: %v", err)
	}

	// The flagged set must be exactly {i : d_i outside mean +- z*sd}.
	diffs := make([]float64, n)
	for i := range a {
		diffs[i] = a[i] - b[i]
	}
	mean, sd := meanStdDev(diffs)
	for i, d := range diffs {
		want := d < mean-DefaultAgreementZ*sd || d > mean+DefaultAgreementZ*sd
		if got := limits.Outside(d); got != want {
			t.Errorf("pair %d: flagged = %v, want %v", i, got, want)
		}
	}
	if !limits.Outside(diffs[7]) {
		t.Errorf("outlier pair was not flagged (limits [%g, %g], d = %g)", limits.Lower, limits.Upper, diffs[7])
	}
}

func TestPairwiseAgreementIdenticalColumns(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	limits, err := PairwiseAgreement(a, a, DefaultAgreementZ)
	if err != nil {
		t.Fatalf("PairwiseAgreement failed: %v", err)
	}
	for i := range a {
		if limits.Outside(a[i] - a[i]) {
			t.Errorf("pair %d flagged on identical columns", i)
		}
	}
}

func TestPairwiseAgreementSkipsMissing(t *testing.T) {
	a := []float64{1, math.NaN(), 3, 4}
	b := []float64{1.1, 2, math.NaN(), 4.2}
	limits, err := PairwiseAgreement(a, b, DefaultAgreementZ)
	if err != nil {
		t.Fatalf("PairwiseAgreement failed: %v", err)
	}
	if limits.N != 2 {
		t.Errorf("paired observations = %d, want 2", limits.N)
	}
	if limits.Outside(math.NaN()) {
		t.Errorf("missing difference must never be flagged")
	}
}

func TestPairwiseAgreementDegenerate(t *testing.T) {
	a := []float64{1, math.NaN(), math.NaN()}
	b := []float64{2, 3, math.NaN()}
	_, err := PairwiseAgreement(a, b, DefaultAgreementZ)
	var degErr *DegenerateInputError
	if !errors.As(err, &degErr) {
		t.Fatalf("expected DegenerateInputError, got %v", err)
	}
}

func TestAgreementZ(t *testing.T) {
	if z := AgreementZ(0.9990); math.Abs(z-DefaultAgreementZ) > 1e-3 {
		t.Errorf("AgreementZ(0.9990) = %g, want ~%g", z, DefaultAgreementZ)
	}
	if z := AgreementZ(0.95); math.Abs(z-1.959964) > 1e-3 {
		t.Errorf("AgreementZ(0.95) = %g, want ~1.96", z)
	}
}
