package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/protquant/server/internal/anstore"
	"github.com/protquant/server/internal/cache"
	"github.com/protquant/server/internal/matrix"
	"github.com/protquant/server/internal/pipeline"
)

func newTestService(t *testing.T) (*AnalysisService, *anstore.Store) {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: 8,
		ResultTTL:         time.Minute,
		MatrixCacheSize:   8,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	store, err := anstore.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewAnalysisService(cacheManager), store
}

// seedJob stores a 20-feature two-group job whose feature 7 disagrees between
// the ctrl replicates.
func seedJob(t *testing.T, store *anstore.Store, jobID string) *matrix.Matrix {
	t.Helper()

	ids := make([]string, 20)
	values := make([][]float64, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("P%02d", i)
		v := float64(i)
		values[i] = []float64{v, v, v + 1, v + 1}
	}
	values[7][0] += 50

	m, err := matrix.New(ids, []string{"c1", "c2", "t1", "t2"}, values)
	if err != nil {
		t.Fatalf("failed to build matrix: %v", err)
	}

	job := &anstore.AnalysisJob{
		ID:     jobID,
		Status: anstore.JobStatusQueued,
		Params: anstore.AnalysisParams{
			Method:     "median",
			Alpha:      0.05,
			Confidence: 0.999,
			Groups:     map[string]string{"c1": "ctrl", "c2": "ctrl", "t1": "trt", "t2": "trt"},
		},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := store.PutMatrix(jobID, anstore.MatrixKindInput, m); err != nil {
		t.Fatalf("PutMatrix failed: %v", err)
	}
	return m
}

func TestExecuteAnalysisJob(t *testing.T) {
	svc, store := newTestService(t)
	seedJob(t, store, "job-1")

	if err := svc.ExecuteAnalysisJob(context.Background(), store, "job-1"); err != nil {
		t.Fatalf("ExecuteAnalysisJob failed: %v", err)
	}

	normalized, err := store.GetMatrix("job-1", anstore.MatrixKindNormalized)
	if err != nil || normalized == nil {
		t.Fatalf("normalized matrix missing: %v", err)
	}
	filtered, err := store.GetMatrix("job-1", anstore.MatrixKindFiltered)
	if err != nil || filtered == nil {
		t.Fatalf("filtered matrix missing: %v", err)
	}

	// The disagreeing feature is masked in the ctrl columns only.
	if !math.IsNaN(filtered.Values[7][0]) || !math.IsNaN(filtered.Values[7][1]) {
		t.Errorf("feature 7 not masked in ctrl: %v", filtered.Values[7][:2])
	}
	if math.IsNaN(filtered.Values[7][2]) || math.IsNaN(filtered.Values[7][3]) {
		t.Errorf("feature 7 masked in trt: %v", filtered.Values[7][2:])
	}

	job, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.MaskedCounts["ctrl"] != 1 || job.MaskedCounts["trt"] != 0 {
		t.Errorf("masked counts = %v", job.MaskedCounts)
	}
	if job.Progress.Phase != "saving_results" {
		t.Errorf("final phase = %s", job.Progress.Phase)
	}

	results, total, err := store.QueryFeatureResults("job-1", "", 0, 100)
	if err != nil {
		t.Fatalf("QueryFeatureResults failed: %v", err)
	}
	if total != 20 {
		t.Errorf("total = %d, want 20", total)
	}
	var masked *anstore.FeatureResult
	for _, r := range results {
		if r.FeatureID == "P07" {
			masked = r
		}
		if r.PWelch < 0 || r.PWelch > 1 || r.FDRWelch < r.PWelch {
			t.Errorf("bad p-values for %s: %+v", r.FeatureID, r)
		}
	}
	if masked == nil {
		t.Fatal("feature P07 missing from results")
	}
	if len(masked.MaskedIn) != 1 || masked.MaskedIn[0] != "ctrl" {
		t.Errorf("masked_in = %v, want [ctrl]", masked.MaskedIn)
	}
}

func TestExecuteAnalysisJobCancelled(t *testing.T) {
	svc, store := newTestService(t)
	seedJob(t, store, "job-c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.ExecuteAnalysisJob(ctx, store, "job-c"); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExecuteAnalysisJobMissing(t *testing.T) {
	svc, store := newTestService(t)
	if err := svc.ExecuteAnalysisJob(context.Background(), store, "ghost"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestExecuteAnalysisJobIterationBudget(t *testing.T) {
	svc, store := newTestService(t)

	values := make([][]float64, 10)
	base := []float64{0, 0.1, -0.1, 0.2, -0.2, 10, 10.1, 9.9, 10.2, 9.8}
	for i := range values {
		values[i] = []float64{base[i], base[i] + 0.05}
	}
	m, err := matrix.New(
		[]string{"P0", "P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8", "P9"},
		[]string{"s1", "s2"}, values,
	)
	if err != nil {
		t.Fatalf("failed to build matrix: %v", err)
	}

	job := &anstore.AnalysisJob{
		ID:     "job-i",
		Status: anstore.JobStatusQueued,
		Params: anstore.AnalysisParams{
			Method:        "2-component",
			MaxIterations: 1,
			Groups:        map[string]string{"s1": "a", "s2": "b"},
		},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := store.PutMatrix("job-i", anstore.MatrixKindInput, m); err != nil {
		t.Fatalf("PutMatrix failed: %v", err)
	}

	// A one-iteration budget cannot converge; the stored limit must reach the
	// fit, which reports the failure instead of looping to the default cap.
	err = svc.ExecuteAnalysisJob(context.Background(), store, "job-i")
	if !errors.Is(err, pipeline.ErrNoSuccess) {
		t.Fatalf("err = %v, want fit failure", err)
	}
}

func TestExecuteAnalysisJobBadMethod(t *testing.T) {
	svc, store := newTestService(t)
	seedJob(t, store, "job-b")

	// Corrupt the stored method; execution must fail, not panic.
	job, _ := store.GetJob("job-b")
	job.Params.Method = "vsn"
	if err := store.DeleteJob("job-b"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	m, _ := matrix.New([]string{"P1"}, []string{"c1", "c2", "t1", "t2"}, [][]float64{{1, 2, 3, 4}})
	if err := store.PutMatrix("job-b", anstore.MatrixKindInput, m); err != nil {
		t.Fatalf("PutMatrix failed: %v", err)
	}

	if err := svc.ExecuteAnalysisJob(context.Background(), store, "job-b"); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}
