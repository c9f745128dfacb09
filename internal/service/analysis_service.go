// Package service provides business logic for the ProtQuant server.
package service

import (
	"context"
	"fmt"

	"github.com/protquant/server/internal/anstore"
	"github.com/protquant/server/internal/cache"
	"github.com/protquant/server/internal/detest"
	"github.com/protquant/server/internal/matrix"
	"github.com/protquant/server/internal/pipeline"
)

// AnalysisService executes analysis jobs: normalization, reproducibility
// filtering and downstream differential testing.
type AnalysisService struct {
	cache *cache.Manager
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(cacheManager *cache.Manager) *AnalysisService {
	return &AnalysisService{cache: cacheManager}
}

// ExecuteAnalysisJob runs the analysis for a job (called by JobManager worker).
func (s *AnalysisService) ExecuteAnalysisJob(ctx context.Context, store *anstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	// Phase 1: Load input matrix
	store.UpdateJobProgress(jobID, "loading_matrix", 0, 100)

	m, err := s.loadMatrix(store, jobID, anstore.MatrixKindInput)
	if err != nil {
		return err
	}

	params, err := pipelineParams(job.Params)
	if err != nil {
		return err
	}
	groups := matrix.Groups(job.Params.Groups)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: Normalize and filter
	store.UpdateJobProgress(jobID, "processing", 0, m.NRows())

	result, err := pipeline.Run(m, groups, params)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: Differential testing on the filtered matrix
	store.UpdateJobProgress(jobID, "testing", 0, m.NRows())

	group1, group2, err := comparisonGroups(job.Params, groups)
	if err != nil {
		return err
	}
	var stats []detest.FeatureStat
	if group1 != "" {
		stats, err = detest.Compare(result.Filtered, groups, group1, group2)
		if err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 4: Persist matrices and per-feature results
	store.UpdateJobProgress(jobID, "saving_results", 0, m.NRows())

	if err := store.PutMatrix(jobID, anstore.MatrixKindNormalized, result.Normalized); err != nil {
		return fmt.Errorf("failed to save normalized matrix: %w", err)
	}
	if err := store.PutMatrix(jobID, anstore.MatrixKindFiltered, result.Filtered); err != nil {
		return fmt.Errorf("failed to save filtered matrix: %w", err)
	}
	s.cache.SetMatrix(cache.MatrixKey(jobID, anstore.MatrixKindNormalized), result.Normalized)
	s.cache.SetMatrix(cache.MatrixKey(jobID, anstore.MatrixKindFiltered), result.Filtered)

	counts := make(map[string]int, len(result.MaskedByGroup))
	for g, ids := range result.MaskedByGroup {
		counts[g] = len(ids)
	}
	if err := store.SetMaskedCounts(jobID, counts); err != nil {
		return fmt.Errorf("failed to save masked counts: %w", err)
	}

	items := featureResults(result, stats)
	if err := store.InsertFeatureResults(jobID, items); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	return nil
}

// loadMatrix reads a stored matrix, keeping decoded copies in the LRU cache.
func (s *AnalysisService) loadMatrix(store *anstore.Store, jobID, kind string) (*matrix.Matrix, error) {
	key := cache.MatrixKey(jobID, kind)
	if m, ok := s.cache.GetMatrix(key); ok {
		return m, nil
	}
	m, err := store.GetMatrix(jobID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s matrix: %w", kind, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%s matrix not found for job %s", kind, jobID)
	}
	s.cache.SetMatrix(key, m)
	return m, nil
}

// pipelineParams translates stored job parameters into pipeline parameters.
func pipelineParams(p anstore.AnalysisParams) (pipeline.Params, error) {
	method, err := pipeline.ParseMethod(p.Method)
	if err != nil {
		return pipeline.Params{}, err
	}
	mode, err := pipeline.ParseFitMode(p.FitMode)
	if err != nil {
		return pipeline.Params{}, err
	}
	return pipeline.Params{
		Method:     method,
		FitMode:    mode,
		Fit:        pipeline.FitOptions{MaxIter: p.MaxIterations},
		Alpha:      p.Alpha,
		Confidence: p.Confidence,
	}, nil
}

// comparisonGroups resolves the pair of groups to test. With no explicit
// request, a two-group design is compared automatically; other designs skip
// differential testing.
func comparisonGroups(p anstore.AnalysisParams, groups matrix.Groups) (string, string, error) {
	if p.Group1 != "" || p.Group2 != "" {
		if p.Group1 == "" || p.Group2 == "" {
			return "", "", fmt.Errorf("comparison needs both group1 and group2, got %q and %q", p.Group1, p.Group2)
		}
		return p.Group1, p.Group2, nil
	}
	labels := groups.Labels()
	if len(labels) == 2 {
		return labels[0], labels[1], nil
	}
	return "", "", nil
}

// featureResults merges pipeline masking info with differential statistics.
func featureResults(result *pipeline.Result, stats []detest.FeatureStat) []*anstore.FeatureResult {
	maskedIn := make(map[string][]string)
	for group, ids := range result.MaskedByGroup {
		for _, id := range ids {
			maskedIn[id] = append(maskedIn[id], group)
		}
	}

	items := make([]*anstore.FeatureResult, result.Filtered.NRows())
	for i, id := range result.Filtered.IDs {
		r := &anstore.FeatureResult{
			FeatureID:  id,
			PWelch:     1,
			FDRWelch:   1,
			PRankSum:   1,
			FDRRankSum: 1,
			MaskedIn:   maskedIn[id],
		}
		if stats != nil {
			st := stats[i]
			r.Mean1 = st.Mean1
			r.Mean2 = st.Mean2
			r.N1 = st.N1
			r.N2 = st.N2
			r.Log2FC = st.Log2FC
			r.PWelch = st.PWelch
			r.FDRWelch = st.FDRWelch
			r.PRankSum = st.PRankSum
			r.FDRRankSum = st.FDRRankSum
		}
		items[i] = r
	}
	return items
}
