// Package matrix defines the expression matrix model shared by the analysis pipeline.
//
// A Matrix is features (rows) by samples (columns) with float64 cells. Missing
// measurements are represented by NaN and are propagated, never coerced to zero.
// On the wire (JSON) missing cells are encoded as null.
package matrix

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Matrix is a feature-by-sample expression matrix. Row i holds the measurements
// for feature IDs[i]; column j corresponds to sample Columns[j].
type Matrix struct {
	IDs     []string
	Columns []string
	Values  [][]float64
}

// New builds a matrix and validates its shape and identifier uniqueness.
func New(ids, columns []string, values [][]float64) (*Matrix, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("matrix: no sample columns")
	}
	if len(values) != len(ids) {
		return nil, fmt.Errorf("matrix: %d rows of values for %d feature ids", len(values), len(ids))
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("matrix: empty feature id")
		}
		if seen[id] {
			return nil, fmt.Errorf("matrix: duplicate feature id %q", id)
		}
		seen[id] = true
	}
	seenCol := make(map[string]bool, len(columns))
	for _, c := range columns {
		if c == "" {
			return nil, fmt.Errorf("matrix: empty sample name")
		}
		if seenCol[c] {
			return nil, fmt.Errorf("matrix: duplicate sample name %q", c)
		}
		seenCol[c] = true
	}
	for i, row := range values {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("matrix: row %d has %d cells for %d columns", i, len(row), len(columns))
		}
	}
	return &Matrix{IDs: ids, Columns: columns, Values: values}, nil
}

// NRows returns the number of feature rows.
func (m *Matrix) NRows() int { return len(m.IDs) }

// NCols returns the number of sample columns.
func (m *Matrix) NCols() int { return len(m.Columns) }

// ColumnIndex returns the index of the named sample column, or -1.
func (m *Matrix) ColumnIndex(name string) int {
	for j, c := range m.Columns {
		if c == name {
			return j
		}
	}
	return -1
}

// Column returns a copy of column j's values.
func (m *Matrix) Column(j int) []float64 {
	col := make([]float64, len(m.Values))
	for i, row := range m.Values {
		col[i] = row[j]
	}
	return col
}

// SetColumn overwrites column j with the given values.
func (m *Matrix) SetColumn(j int, vals []float64) {
	for i := range m.Values {
		m.Values[i][j] = vals[i]
	}
}

// Clone returns a deep copy. Pipeline stages operate on clones so callers'
// matrices are never mutated.
func (m *Matrix) Clone() *Matrix {
	ids := make([]string, len(m.IDs))
	copy(ids, m.IDs)
	cols := make([]string, len(m.Columns))
	copy(cols, m.Columns)
	values := make([][]float64, len(m.Values))
	for i, row := range m.Values {
		values[i] = make([]float64, len(row))
		copy(values[i], row)
	}
	return &Matrix{IDs: ids, Columns: cols, Values: values}
}

// matrixJSON is the wire form: NaN cells become null.
type matrixJSON struct {
	IDs     []string     `json:"ids"`
	Columns []string     `json:"columns"`
	Values  [][]*float64 `json:"values"`
}

// MarshalJSON implements json.Marshaler.
func (m *Matrix) MarshalJSON() ([]byte, error) {
	w := matrixJSON{IDs: m.IDs, Columns: m.Columns, Values: make([][]*float64, len(m.Values))}
	for i, row := range m.Values {
		cells := make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) {
				v := row[j]
				cells[j] = &v
			}
		}
		w.Values[i] = cells
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var w matrixJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	values := make([][]float64, len(w.Values))
	for i, row := range w.Values {
		values[i] = make([]float64, len(row))
		for j, cell := range row {
			if cell == nil {
				values[i][j] = math.NaN()
			} else {
				values[i][j] = *cell
			}
		}
	}
	built, err := New(w.IDs, w.Columns, values)
	if err != nil {
		return err
	}
	*m = *built
	return nil
}

// Groups assigns each sample column to a replicate group label.
type Groups map[string]string

// Labels returns the distinct group labels in sorted order.
func (g Groups) Labels() []string {
	seen := make(map[string]bool, len(g))
	var labels []string
	for _, label := range g {
		if !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels
}

// Members returns the indices of m's columns assigned to the given group,
// in matrix column order.
func (g Groups) Members(m *Matrix, group string) []int {
	var cols []int
	for j, name := range m.Columns {
		if g[name] == group {
			cols = append(cols, j)
		}
	}
	return cols
}
