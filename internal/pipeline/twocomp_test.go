package pipeline

import (
	"errors"
	"math"
	"testing"
)

// bimodalSample builds a synthetic column: 90% tight cluster near 0 and 10%
// outliers near 10, both deterministic.
func bimodalSample(n int) []float64 {
	values := make([]float64, n)
	nOut := n / 10
	for i := 0; i < n-nOut; i++ {
		values[i] = -0.09 + 0.001*float64(i%180)
	}
	for i := n - nOut; i < n; i++ {
		values[i] = 10 + 0.01*float64(i%20)
	}
	return values
}

func TestFitTwoComponentBimodal(t *testing.T) {
	values := bimodalSample(200)

	fit, err := FitTwoComponent(values, FitUnimodal, FitOptions{})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	dom := fit.Components[fit.Dominant]
	if dom.Weight < 0.8 {
		t.Errorf("dominant component weight = %g, want >= 0.8", dom.Weight)
	}
	if math.Abs(dom.Mean) > 0.5 {
		t.Errorf("dominant component mean = %g, want near 0", dom.Mean)
	}

	assigned := 0
	for _, a := range fit.Assignment {
		if a == fit.Dominant {
			assigned++
		}
	}
	if frac := float64(assigned) / float64(len(values)); frac < 0.85 {
		t.Errorf("%.0f%% of points assigned to dominant component, want >= 85%%", frac*100)
	}

	// Normalized values are standardized by the dominant component.
	for i, v := range values {
		want := (v - dom.Mean) / dom.SD
		if math.Abs(fit.Normalized[i]-want) > 1e-12 {
			t.Fatalf("normalized[%d] = %g, want %g", i, fit.Normalized[i], want)
		}
	}
}

func TestFitTwoComponentDeterministic(t *testing.T) {
	values := bimodalSample(200)

	a, err := FitTwoComponent(values, FitUnimodal, FitOptions{})
	if err != nil {
		t.Fatalf("first fit failed: %v", err)
	}
	b, err := FitTwoComponent(values, FitUnimodal, FitOptions{})
	if err != nil {
		t.Fatalf("second fit failed: %v", err)
	}

	if a.Iterations != b.Iterations || a.LogLik != b.LogLik || a.Dominant != b.Dominant {
		t.Fatalf("fits differ: %+v vs %+v", a, b)
	}
	for c := 0; c < 2; c++ {
		if a.Components[c] != b.Components[c] {
			t.Errorf("component %d differs: %+v vs %+v", c, a.Components[c], b.Components[c])
		}
	}
}

func TestFitTwoComponentMissingValues(t *testing.T) {
	values := bimodalSample(100)
	values[3] = math.NaN()
	values[50] = math.NaN()

	fit, err := FitTwoComponent(values, FitUnimodal, FitOptions{})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if fit.Assignment[3] != -1 || fit.Assignment[50] != -1 {
		t.Errorf("missing values should be unassigned, got %d and %d", fit.Assignment[3], fit.Assignment[50])
	}
	if !math.IsNaN(fit.Normalized[3]) || !math.IsNaN(fit.Normalized[50]) {
		t.Errorf("missing values should stay missing")
	}
}

func TestFitTwoComponentDegenerate(t *testing.T) {
	t.Run("constant", func(t *testing.T) {
		values := []float64{2, 2, 2, 2, 2, 2}
		if _, err := FitTwoComponent(values, FitUnimodal, FitOptions{}); !errors.Is(err, ErrNoSuccess) {
			t.Fatalf("expected ErrNoSuccess, got %v", err)
		}
	})

	t.Run("tooFew", func(t *testing.T) {
		values := []float64{1, 2, 3}
		if _, err := FitTwoComponent(values, FitUnimodal, FitOptions{}); !errors.Is(err, ErrNoSuccess) {
			t.Fatalf("expected ErrNoSuccess, got %v", err)
		}
	})
}

func TestFitTwoComponentBimodalMode(t *testing.T) {
	values := bimodalSample(200)

	fit, err := FitTwoComponent(values, FitBimodal, FitOptions{})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	// Bimodal mode standardizes by the lower-mean (baseline) component.
	other := 1 - fit.Dominant
	if fit.Components[fit.Dominant].Mean > fit.Components[other].Mean {
		t.Errorf("bimodal dominant mean %g should be below other mean %g",
			fit.Components[fit.Dominant].Mean, fit.Components[other].Mean)
	}
}
