package detest

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/protquant/server/internal/matrix"
)

func twoGroupMatrix(t *testing.T, rows [][]float64) (*matrix.Matrix, matrix.Groups) {
	t.Helper()
	ids := make([]string, len(rows))
	for i := range ids {
		ids[i] = "P" + string(rune('0'+i))
	}
	m, err := matrix.New(ids, []string{"c1", "c2", "c3", "c4", "t1", "t2", "t3", "t4"}, rows)
	if err != nil {
		t.Fatalf("failed to build matrix: %v", err)
	}
	groups := matrix.Groups{
		"c1": "ctrl", "c2": "ctrl", "c3": "ctrl", "c4": "ctrl",
		"t1": "trt", "t2": "trt", "t3": "trt", "t4": "trt",
	}
	return m, groups
}

func TestCompareClearDifference(t *testing.T) {
	m, groups := twoGroupMatrix(t, [][]float64{
		{8, 8.1, 7.9, 8.05, 1, 1.1, 0.9, 1.05},
	})

	stats, err := Compare(m, groups, "ctrl", "trt")
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	s := stats[0]
	if s.N1 != 4 || s.N2 != 4 {
		t.Errorf("n1 = %d, n2 = %d, want 4 and 4", s.N1, s.N2)
	}
	if s.PWelch > 1e-4 {
		t.Errorf("p_welch = %g for clearly separated groups", s.PWelch)
	}
	if s.PRankSum > 0.05 {
		t.Errorf("p_ranksum = %g for fully separated groups", s.PRankSum)
	}
	if math.Abs(s.Log2FC-7) > 0.2 {
		t.Errorf("log2fc = %g, want about 7 (difference of group means)", s.Log2FC)
	}
}

func TestCompareNegativeMeans(t *testing.T) {
	// Normalized columns are centered, so group means are routinely negative;
	// the fold change must stay finite and JSON-encodable.
	m, groups := twoGroupMatrix(t, [][]float64{
		{1.0, 1.1, 1.2, 1.1, -1.0, -1.1, -1.2, -1.1},
	})

	stats, err := Compare(m, groups, "ctrl", "trt")
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	s := stats[0]
	if math.IsNaN(s.Log2FC) || math.IsInf(s.Log2FC, 0) {
		t.Fatalf("log2fc = %g for negative means", s.Log2FC)
	}
	if math.Abs(s.Log2FC-2.2) > 1e-9 {
		t.Errorf("log2fc = %g, want 2.2", s.Log2FC)
	}
	if _, err := json.Marshal(stats); err != nil {
		t.Errorf("stats not JSON-encodable: %v", err)
	}
}

func TestCompareNoDifference(t *testing.T) {
	m, groups := twoGroupMatrix(t, [][]float64{
		{1, 2, 3, 4, 1.05, 2.05, 3.05, 4.05},
	})

	stats, err := Compare(m, groups, "ctrl", "trt")
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	s := stats[0]
	if s.PWelch < 0.5 {
		t.Errorf("p_welch = %g for near-identical groups", s.PWelch)
	}
	if s.PRankSum < 0.5 {
		t.Errorf("p_ranksum = %g for near-identical groups", s.PRankSum)
	}
	if s.FDRWelch < s.PWelch || s.FDRRankSum < s.PRankSum {
		t.Errorf("FDR below raw p: %+v", s)
	}
}

func TestCompareEqualMeansZeroFoldChange(t *testing.T) {
	m, groups := twoGroupMatrix(t, [][]float64{
		{5, 5, 5, 5, 5, 5, 5, 5},
	})
	stats, err := Compare(m, groups, "ctrl", "trt")
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if stats[0].Log2FC != 0 {
		t.Errorf("log2fc = %g for identical means, want 0", stats[0].Log2FC)
	}
	if stats[0].PWelch != 1 {
		t.Errorf("p_welch = %g for identical constant groups, want 1", stats[0].PWelch)
	}
}

func TestCompareMissingValues(t *testing.T) {
	nan := math.NaN()
	m, groups := twoGroupMatrix(t, [][]float64{
		{8, nan, 7.9, 8.05, 1, 1.1, nan, nan},
		{nan, nan, nan, nan, nan, nan, nan, nan},
	})

	stats, err := Compare(m, groups, "ctrl", "trt")
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if stats[0].N1 != 3 || stats[0].N2 != 2 {
		t.Errorf("missing values not dropped: n1 = %d, n2 = %d", stats[0].N1, stats[0].N2)
	}
	// All-missing feature: neutral result.
	if stats[1].N1 != 0 || stats[1].N2 != 0 {
		t.Errorf("all-missing feature counts: n1 = %d, n2 = %d", stats[1].N1, stats[1].N2)
	}
	if stats[1].PWelch != 1 || stats[1].PRankSum != 1 {
		t.Errorf("all-missing feature p-values: %g, %g, want 1, 1", stats[1].PWelch, stats[1].PRankSum)
	}
}

func TestCompareUnknownGroup(t *testing.T) {
	m, groups := twoGroupMatrix(t, [][]float64{
		{1, 2, 3, 4, 5, 6, 7, 8},
	})
	if _, err := Compare(m, groups, "ctrl", "nope"); err == nil {
		t.Fatalf("expected error for unknown group")
	}
	if _, err := Compare(m, groups, "nope", "trt"); err == nil {
		t.Fatalf("expected error for unknown group")
	}
}

func TestBenjaminiHochberg(t *testing.T) {
	// Evenly spaced p-values all adjust to the largest.
	got := BenjaminiHochberg([]float64{0.01, 0.02, 0.03, 0.04})
	for i, v := range got {
		if math.Abs(v-0.04) > 1e-12 {
			t.Errorf("fdr[%d] = %g, want 0.04", i, v)
		}
	}

	// Order is preserved and adjusted values stay monotone in rank.
	got = BenjaminiHochberg([]float64{0.9, 0.01, 0.04})
	want := []float64{0.9, 0.03, 0.06}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("fdr[%d] = %g, want %g", i, got[i], want[i])
		}
	}

	if BenjaminiHochberg(nil) != nil {
		t.Errorf("empty input should yield nil")
	}
}
